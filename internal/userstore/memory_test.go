package userstore_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/exchange"
	"github.com/blitzgrid/blitz/internal/schema"
	"github.com/blitzgrid/blitz/internal/userstore"
)

func sample(email, token string) userstore.User {
	return userstore.User{
		Email:       email,
		Role:        schema.RoleUser,
		APIToken:    token,
		Credentials: exchange.Credentials{APIKey: "k", APISecret: "s", Testnet: true},
		Settings: schema.BotSettings{
			Venue:  schema.VenueBinance,
			Symbol: "BTCUSDT",
			Side:   schema.Buy,
			Legs: []schema.LadderLeg{
				{PricePct: decimal.NewFromFloat(1), Quantity: decimal.NewFromFloat(0.01)},
			},
			TakeProfitPct: decimal.NewFromFloat(0.5),
		},
	}
}

func TestUpsertAssignsIDAndKeysByEmail(t *testing.T) {
	store := userstore.NewMemoryStore()
	ctx := context.Background()

	created, err := store.Upsert(ctx, sample("a@example.com", "tok-a"))
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	updated := created
	updated.APIToken = "tok-a2"
	updated.Active = true
	stored, err := store.Upsert(ctx, updated)
	require.NoError(t, err)
	require.Equal(t, created.ID, stored.ID)

	got, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "tok-a2", got.APIToken)
	require.True(t, got.Active)
}

func TestGetByToken(t *testing.T) {
	store := userstore.NewMemoryStore()
	ctx := context.Background()

	created, err := store.Upsert(ctx, sample("a@example.com", "tok-a"))
	require.NoError(t, err)

	got, err := store.GetByToken(ctx, "tok-a")
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)

	_, err = store.GetByToken(ctx, "nope")
	require.ErrorIs(t, err, errs.New(errs.CodeAuth))

	_, err = store.GetByToken(ctx, "")
	require.ErrorIs(t, err, errs.New(errs.CodeAuth))
}

func TestListActive(t *testing.T) {
	store := userstore.NewMemoryStore()
	ctx := context.Background()

	a, err := store.Upsert(ctx, sample("a@example.com", "tok-a"))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, sample("b@example.com", "tok-b"))
	require.NoError(t, err)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	require.NoError(t, store.SetActive(ctx, a.ID, true))
	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, a.ID, active[0].ID)

	require.NoError(t, store.SetActive(ctx, a.ID, false))
	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestSetActiveUnknownUser(t *testing.T) {
	store := userstore.NewMemoryStore()
	err := store.SetActive(context.Background(), 404, true)
	require.ErrorIs(t, err, errs.New(errs.CodeNotFound))
}
