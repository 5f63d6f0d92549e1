package schema

import "github.com/shopspring/decimal"

// LadderLeg is one rung of the entry ladder, offset from the mark price.
type LadderLeg struct {
	// PricePct is the percent distance from the mark price, positive values
	// move away from the market in the entry direction.
	PricePct decimal.Decimal
	Quantity decimal.Decimal
}

// BotSettings is the per-user trading configuration the worker maintains on
// the venue.
type BotSettings struct {
	Venue         Venue
	Symbol        string
	Side          OrderSide
	Leverage      int
	Legs          []LadderLeg
	TakeProfitPct decimal.Decimal
}

// TotalQuantity sums the ladder leg quantities.
func (s BotSettings) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range s.Legs {
		total = total.Add(leg.Quantity)
	}
	return total
}
