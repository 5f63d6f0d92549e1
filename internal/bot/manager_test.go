package bot

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/exchange"
	"github.com/blitzgrid/blitz/internal/exchange/fake"
	"github.com/blitzgrid/blitz/internal/guard"
	"github.com/blitzgrid/blitz/internal/recovery"
	"github.com/blitzgrid/blitz/internal/schema"
	"github.com/blitzgrid/blitz/internal/userstore"
)

const testSymbol = "BTCUSDT"

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testSettings() schema.BotSettings {
	return schema.BotSettings{
		Venue:    schema.VenueBinance,
		Symbol:   testSymbol,
		Side:     schema.Buy,
		Leverage: 5,
		Legs: []schema.LadderLeg{
			{PricePct: decimal.NewFromInt(1), Quantity: decimal.RequireFromString("0.5")},
			{PricePct: decimal.NewFromInt(2), Quantity: decimal.RequireFromString("0.5")},
		},
		TakeProfitPct: decimal.RequireFromString("0.5"),
	}
}

func seedUser(t *testing.T, store *userstore.MemoryStore, email string) userstore.User {
	t.Helper()
	user, err := store.Upsert(context.Background(), userstore.User{
		Email:    email,
		Role:     schema.RoleUser,
		APIToken: "token-" + email,
		Credentials: exchange.Credentials{
			APIKey:    "key",
			APISecret: "secret",
		},
		Settings: testSettings(),
	})
	require.NoError(t, err)
	return user
}

func newTestManager(t *testing.T, dialer exchange.Dialer, store *userstore.MemoryStore, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithSyncInterval(time.Hour),
		WithStopGrace(time.Second),
		WithStatusWait(100 * time.Millisecond),
	}
	m := NewManager(store, dialer, guard.New(time.Second), quietLogger(), append(base, opts...)...)
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m
}

func TestStartPlacesLadderAndTakeProfit(t *testing.T) {
	store := userstore.NewMemoryStore()
	user := seedUser(t, store, "trader@example.com")
	ex := fake.New()
	ex.SetMarkPrice(testSymbol, decimal.NewFromInt(50000))
	m := newTestManager(t, fake.Dialer{Exchange: ex}, store)

	require.NoError(t, m.Start(context.Background(), user))

	require.Eventually(t, func() bool {
		return len(ex.Placed()) == 3
	}, 2*time.Second, 10*time.Millisecond, "two ladder legs and a take-profit")

	summary, err := m.Status(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, summary.Status)
	require.True(t, summary.Running)

	stored, err := store.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.True(t, stored.Active)
}

func TestSecondStartIsRejected(t *testing.T) {
	store := userstore.NewMemoryStore()
	user := seedUser(t, store, "trader@example.com")
	ex := fake.New()
	ex.SetMarkPrice(testSymbol, decimal.NewFromInt(50000))
	m := newTestManager(t, fake.Dialer{Exchange: ex}, store)

	require.NoError(t, m.Start(context.Background(), user))
	err := m.Start(context.Background(), user)
	require.Error(t, err)
	require.Equal(t, errs.CodeAlreadyRunning, errs.CodeOf(err))
}

type failingDialer struct{ err error }

func (d failingDialer) Dial(ctx context.Context, venue schema.Venue, creds exchange.Credentials) (exchange.Client, error) {
	return nil, d.err
}

func TestFailedStartLeavesNoTrace(t *testing.T) {
	store := userstore.NewMemoryStore()
	user := seedUser(t, store, "trader@example.com")
	dialErr := errs.New(errs.CodeNetwork, errs.WithMessage("venue unreachable"))
	m := newTestManager(t, failingDialer{err: dialErr}, store)

	err := m.Start(context.Background(), user)
	require.Error(t, err)
	require.Equal(t, errs.CodeNetwork, errs.CodeOf(err))

	summary, err := m.Status(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, summary.Status)

	stored, err := store.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.False(t, stored.Active, "activation flag must not survive a failed start")
}

func TestStartRejectsUserWithoutCredentials(t *testing.T) {
	store := userstore.NewMemoryStore()
	user := seedUser(t, store, "trader@example.com")
	user.Credentials = exchange.Credentials{}
	m := newTestManager(t, fake.Dialer{Exchange: fake.New()}, store)

	err := m.Start(context.Background(), user)
	require.Error(t, err)
	require.Equal(t, errs.CodeCredentials, errs.CodeOf(err))
}

func TestStopIsIdempotent(t *testing.T) {
	store := userstore.NewMemoryStore()
	user := seedUser(t, store, "trader@example.com")
	ex := fake.New()
	ex.SetMarkPrice(testSymbol, decimal.NewFromInt(50000))
	m := newTestManager(t, fake.Dialer{Exchange: ex}, store)

	// Stopping a bot that never started succeeds.
	require.NoError(t, m.Stop(context.Background(), user.ID))

	require.NoError(t, m.Start(context.Background(), user))
	require.NoError(t, m.Stop(context.Background(), user.ID))
	require.NoError(t, m.Stop(context.Background(), user.ID))

	summary, err := m.Status(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, summary.Status)

	stored, err := store.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.False(t, stored.Active)
}

// stuckClient ignores context cancellation in OpenOrders until released, to
// exercise the stop grace period.
type stuckClient struct {
	*fake.Exchange
	release chan struct{}
}

func (c *stuckClient) OpenOrders(ctx context.Context, symbol string) ([]schema.LiveOrder, error) {
	<-c.release
	return c.Exchange.OpenOrders(ctx, symbol)
}

type stuckDialer struct{ client *stuckClient }

func (d stuckDialer) Dial(ctx context.Context, venue schema.Venue, creds exchange.Credentials) (exchange.Client, error) {
	return d.client, nil
}

func TestStopTimeoutStillClearsRecord(t *testing.T) {
	store := userstore.NewMemoryStore()
	user := seedUser(t, store, "trader@example.com")
	ex := fake.New()
	ex.SetMarkPrice(testSymbol, decimal.NewFromInt(50000))
	client := &stuckClient{Exchange: ex, release: make(chan struct{})}
	defer close(client.release)

	m := newTestManager(t, stuckDialer{client: client}, store, WithStopGrace(50*time.Millisecond))
	require.NoError(t, m.Start(context.Background(), user))

	err := m.Stop(context.Background(), user.ID)
	require.Error(t, err)
	require.Equal(t, errs.CodeStopTimeout, errs.CodeOf(err))

	// The record is gone regardless, so the user is not wedged.
	summary, err := m.Status(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, summary.Status)
}

func TestStatusReportsBusyDuringLongOperation(t *testing.T) {
	store := userstore.NewMemoryStore()
	user := seedUser(t, store, "trader@example.com")
	g := guard.New(time.Second)
	m := NewManager(store, fake.Dialer{Exchange: fake.New()}, g, quietLogger(),
		WithStatusWait(50*time.Millisecond))

	token, ok := g.TryAcquire(user.ID)
	require.True(t, ok)
	defer g.Release(token)

	_, err := m.Status(context.Background(), user.ID)
	require.Error(t, err)
	require.Equal(t, errs.CodeBusy, errs.CodeOf(err))
}

func TestRecoverIsNoopWhenNotRunning(t *testing.T) {
	store := userstore.NewMemoryStore()
	user := seedUser(t, store, "trader@example.com")
	m := newTestManager(t, fake.Dialer{Exchange: fake.New()}, store)

	actions, err := m.Recover(context.Background(), user.ID)
	require.NoError(t, err)
	require.Empty(t, actions)
}

func TestRecoverReplacesMissingOrders(t *testing.T) {
	store := userstore.NewMemoryStore()
	user := seedUser(t, store, "trader@example.com")
	ex := fake.New()
	ex.SetMarkPrice(testSymbol, decimal.NewFromInt(50000))
	m := newTestManager(t, fake.Dialer{Exchange: ex}, store)

	require.NoError(t, m.Start(context.Background(), user))
	require.Eventually(t, func() bool {
		return len(ex.Placed()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	live, err := ex.OpenOrders(context.Background(), testSymbol)
	require.NoError(t, err)
	require.NoError(t, ex.CancelOrder(context.Background(), testSymbol, live[0].ExchangeOrderID))

	actions, err := m.Recover(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, 1, recovery.Created(actions))

	restored, err := ex.OpenOrders(context.Background(), testSymbol)
	require.NoError(t, err)
	require.Len(t, restored, 3)
}

func TestRestoreActiveStartsFlaggedUsers(t *testing.T) {
	store := userstore.NewMemoryStore()
	active1 := seedUser(t, store, "one@example.com")
	active2 := seedUser(t, store, "two@example.com")
	dormant := seedUser(t, store, "three@example.com")
	require.NoError(t, store.SetActive(context.Background(), active1.ID, true))
	require.NoError(t, store.SetActive(context.Background(), active2.ID, true))

	ex := fake.New()
	ex.SetMarkPrice(testSymbol, decimal.NewFromInt(50000))
	m := newTestManager(t, fake.Dialer{Exchange: ex}, store)

	require.NoError(t, m.RestoreActive(context.Background()))

	summaries := m.ListAll()
	require.Len(t, summaries, 2)
	for _, s := range summaries {
		require.Equal(t, StatusRunning, s.Status)
		require.NotEqual(t, dormant.ID, s.UserID)
	}
}

func TestWorkerFailureSurfacesAsErrorState(t *testing.T) {
	store := userstore.NewMemoryStore()
	user := seedUser(t, store, "trader@example.com")
	ex := fake.New()
	ex.SetMarkPrice(testSymbol, decimal.NewFromInt(50000))
	ex.ListErr = errs.New(errs.CodeCredentials, errs.WithMessage("api key revoked"))
	m := newTestManager(t, fake.Dialer{Exchange: ex}, store)

	require.NoError(t, m.Start(context.Background(), user))

	require.Eventually(t, func() bool {
		summary, err := m.Status(context.Background(), user.ID)
		return err == nil && summary.Status == StatusError
	}, 2*time.Second, 10*time.Millisecond)

	summary, err := m.Status(context.Background(), user.ID)
	require.NoError(t, err)
	require.Contains(t, summary.LastErr, "api key revoked")

	// An errored bot is startable again once the cause is fixed.
	ex.ListErr = nil
	require.NoError(t, m.Start(context.Background(), user))
	require.Eventually(t, func() bool {
		summary, err := m.Status(context.Background(), user.ID)
		return err == nil && summary.Status == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopAllStopsEveryBot(t *testing.T) {
	store := userstore.NewMemoryStore()
	users := []userstore.User{
		seedUser(t, store, "one@example.com"),
		seedUser(t, store, "two@example.com"),
		seedUser(t, store, "three@example.com"),
	}
	ex := fake.New()
	ex.SetMarkPrice(testSymbol, decimal.NewFromInt(50000))
	m := newTestManager(t, fake.Dialer{Exchange: ex}, store)

	for _, u := range users {
		require.NoError(t, m.Start(context.Background(), u))
	}
	require.Len(t, m.ListAll(), 3)

	m.StopAll(context.Background())
	require.Empty(t, m.ListAll())
}

func TestShutdownPreservesActivationFlags(t *testing.T) {
	store := userstore.NewMemoryStore()
	users := []userstore.User{
		seedUser(t, store, "one@example.com"),
		seedUser(t, store, "two@example.com"),
	}
	ex := fake.New()
	ex.SetMarkPrice(testSymbol, decimal.NewFromInt(50000))

	m := newTestManager(t, fake.Dialer{Exchange: ex}, store)
	for _, u := range users {
		require.NoError(t, m.Start(context.Background(), u))
	}

	// Process shutdown, not a user-initiated stop.
	m.StopAll(context.Background())
	require.Empty(t, m.ListAll())
	for _, u := range users {
		stored, err := store.GetByID(context.Background(), u.ID)
		require.NoError(t, err)
		require.True(t, stored.Active, "shutdown must not clear the durable flag")
	}

	// A fresh manager on the same store rebuilds the fleet.
	restarted := newTestManager(t, fake.Dialer{Exchange: ex}, store)
	require.NoError(t, restarted.RestoreActive(context.Background()))
	summaries := restarted.ListAll()
	require.Len(t, summaries, 2)
	for _, s := range summaries {
		require.Equal(t, StatusRunning, s.Status)
	}

	// A user-initiated stop still deactivates durably.
	require.NoError(t, restarted.Stop(context.Background(), users[0].ID))
	stored, err := store.GetByID(context.Background(), users[0].ID)
	require.NoError(t, err)
	require.False(t, stored.Active)
}
