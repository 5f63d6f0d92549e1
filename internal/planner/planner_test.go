package planner_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/planner"
	"github.com/blitzgrid/blitz/internal/schema"
)

func settings() schema.BotSettings {
	return schema.BotSettings{
		Venue:  schema.VenueBinance,
		Symbol: "BTCUSDT",
		Side:   schema.Buy,
		Legs: []schema.LadderLeg{
			{PricePct: decimal.NewFromFloat(1), Quantity: decimal.NewFromFloat(0.01)},
			{PricePct: decimal.NewFromFloat(2), Quantity: decimal.NewFromFloat(0.02)},
		},
		TakeProfitPct: decimal.NewFromFloat(0.5),
	}
}

func TestPlanLongLadder(t *testing.T) {
	mark := decimal.NewFromInt(50000)
	specs, err := planner.Plan(42, settings(), mark)
	require.NoError(t, err)
	require.Len(t, specs, 3)

	leg0 := specs[0]
	require.Equal(t, schema.Buy, leg0.Side)
	require.Equal(t, schema.Limit, leg0.Type)
	require.True(t, leg0.Price.Equal(decimal.NewFromInt(49500)), "got %s", leg0.Price)
	require.Equal(t, "leg-0-42-BTCUSDT", leg0.Identifiers.ClientOrderID)
	require.False(t, leg0.ReduceOnly)

	leg1 := specs[1]
	require.True(t, leg1.Price.Equal(decimal.NewFromInt(49000)), "got %s", leg1.Price)
	require.Equal(t, "leg-1-42-BTCUSDT", leg1.Identifiers.ClientOrderID)

	tp := specs[2]
	require.Equal(t, schema.Sell, tp.Side)
	require.True(t, tp.ReduceOnly)
	require.True(t, tp.Price.Equal(decimal.NewFromInt(50250)), "got %s", tp.Price)
	require.True(t, tp.Quantity.Equal(decimal.NewFromFloat(0.03)), "got %s", tp.Quantity)
	require.Equal(t, "tp-42-BTCUSDT", tp.Identifiers.ClientOrderID)
}

func TestPlanShortLadderMirrors(t *testing.T) {
	cfg := settings()
	cfg.Side = schema.Sell
	mark := decimal.NewFromInt(50000)

	specs, err := planner.Plan(7, cfg, mark)
	require.NoError(t, err)
	require.Len(t, specs, 3)

	require.True(t, specs[0].Price.Equal(decimal.NewFromInt(50500)), "got %s", specs[0].Price)
	require.True(t, specs[1].Price.Equal(decimal.NewFromInt(51000)), "got %s", specs[1].Price)

	tp := specs[2]
	require.Equal(t, schema.Buy, tp.Side)
	require.True(t, tp.Price.Equal(decimal.NewFromInt(49750)), "got %s", tp.Price)
}

func TestPlanIsDeterministic(t *testing.T) {
	mark := decimal.NewFromFloat(2345.67)
	first, err := planner.Plan(9, settings(), mark)
	require.NoError(t, err)
	second, err := planner.Plan(9, settings(), mark)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPlanWithoutTakeProfit(t *testing.T) {
	cfg := settings()
	cfg.TakeProfitPct = decimal.Zero

	specs, err := planner.Plan(42, cfg, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Len(t, specs, 2)
	for _, s := range specs {
		require.False(t, s.ReduceOnly)
	}
}

func TestPlanRejectsBadInput(t *testing.T) {
	_, err := planner.Plan(42, settings(), decimal.Zero)
	require.ErrorIs(t, err, errs.New(errs.CodeInvalid))

	cfg := settings()
	cfg.Legs = nil
	_, err = planner.Plan(42, cfg, decimal.NewFromInt(100))
	require.ErrorIs(t, err, errs.New(errs.CodeInvalid))

	cfg = settings()
	cfg.Legs[0].Quantity = decimal.Zero
	_, err = planner.Plan(42, cfg, decimal.NewFromInt(100))
	require.ErrorIs(t, err, errs.New(errs.CodeInvalid))
}
