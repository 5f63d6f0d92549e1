// Package planner derives the desired order set for a user from their ladder
// configuration and the current mark price. The output is deterministic so
// reconciliation can diff it against the live book by tag.
package planner

import (
	"github.com/shopspring/decimal"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/exchange"
	"github.com/blitzgrid/blitz/internal/ordertag"
	"github.com/blitzgrid/blitz/internal/schema"
)

// Prices are rounded to this scale before submission; venue adapters may
// round further to their tick size.
const priceScale = 8

var hundred = decimal.NewFromInt(100)

// Plan computes the desired resting orders for one user at the given mark
// price: one limit order per ladder leg on the entry side, plus a single
// reduce-only take-profit on the opposite side sized to the whole ladder.
func Plan(userID int64, settings schema.BotSettings, mark decimal.Decimal) ([]schema.OrderSpec, error) {
	if mark.Sign() <= 0 {
		return nil, errs.New(errs.CodeInvalid, errs.WithMessage("mark price must be positive"))
	}
	if len(settings.Legs) == 0 {
		return nil, errs.New(errs.CodeInvalid, errs.WithMessage("ladder has no legs"))
	}

	specs := make([]schema.OrderSpec, 0, len(settings.Legs)+1)
	for i, leg := range settings.Legs {
		if leg.Quantity.Sign() <= 0 {
			return nil, errs.New(errs.CodeInvalid, errs.WithMessage("leg quantity must be positive"))
		}
		tag := ordertag.Encode(ordertag.RoleLadderLeg, i, userID, settings.Symbol)
		specs = append(specs, schema.OrderSpec{
			Symbol:      settings.Symbol,
			Side:        settings.Side,
			Type:        schema.Limit,
			Price:       legPrice(mark, settings.Side, leg.PricePct),
			Quantity:    leg.Quantity,
			Identifiers: exchange.StampIdentifiers(settings.Venue, tag),
		})
	}

	if settings.TakeProfitPct.Sign() > 0 {
		tag := ordertag.Encode(ordertag.RoleTakeProfit, 0, userID, settings.Symbol)
		specs = append(specs, schema.OrderSpec{
			Symbol:      settings.Symbol,
			Side:        settings.Side.Opposite(),
			Type:        schema.Limit,
			Price:       takeProfitPrice(mark, settings.Side, settings.TakeProfitPct),
			Quantity:    settings.TotalQuantity(),
			ReduceOnly:  true,
			Identifiers: exchange.StampIdentifiers(settings.Venue, tag),
		})
	}
	return specs, nil
}

// legPrice places entries away from the market: below the mark when buying,
// above it when selling.
func legPrice(mark decimal.Decimal, side schema.OrderSide, pct decimal.Decimal) decimal.Decimal {
	offset := mark.Mul(pct).Div(hundred)
	if side == schema.Buy {
		return mark.Sub(offset).Round(priceScale)
	}
	return mark.Add(offset).Round(priceScale)
}

// takeProfitPrice closes in profit: above the mark for longs, below it for
// shorts.
func takeProfitPrice(mark decimal.Decimal, entrySide schema.OrderSide, pct decimal.Decimal) decimal.Decimal {
	offset := mark.Mul(pct).Div(hundred)
	if entrySide == schema.Buy {
		return mark.Add(offset).Round(priceScale)
	}
	return mark.Sub(offset).Round(priceScale)
}
