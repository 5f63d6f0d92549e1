package persistence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/exchange"
	"github.com/blitzgrid/blitz/internal/persistence/migrations"
	"github.com/blitzgrid/blitz/internal/ratelimit"
	"github.com/blitzgrid/blitz/internal/schema"
	"github.com/blitzgrid/blitz/internal/userstore"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "blitz"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/blitz?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func sampleUser(email, token string) userstore.User {
	return userstore.User{
		Email:    email,
		Role:     schema.RoleUser,
		APIToken: token,
		Credentials: exchange.Credentials{
			APIKey:    "key",
			APISecret: "secret",
			Testnet:   true,
		},
		Settings: schema.BotSettings{
			Venue:    schema.VenueBinance,
			Symbol:   "BTCUSDT",
			Side:     schema.Buy,
			Leverage: 10,
			Legs: []schema.LadderLeg{
				{PricePct: decimal.NewFromInt(1), Quantity: decimal.RequireFromString("0.25")},
				{PricePct: decimal.NewFromInt(2), Quantity: decimal.RequireFromString("0.75")},
			},
			TakeProfitPct: decimal.RequireFromString("0.5"),
		},
	}
}

func TestUserStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := userstore.NewPostgresStore(testPool)

	created, err := store.Upsert(ctx, sampleUser("roundtrip@example.com", "tok-roundtrip"))
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	require.False(t, created.Active)

	byToken, err := store.GetByToken(ctx, "tok-roundtrip")
	require.NoError(t, err)
	require.Equal(t, created.ID, byToken.ID)
	require.Equal(t, schema.VenueBinance, byToken.Settings.Venue)
	require.Len(t, byToken.Settings.Legs, 2)
	require.True(t, byToken.Settings.Legs[1].Quantity.Equal(decimal.RequireFromString("0.75")))
	require.True(t, byToken.Settings.TakeProfitPct.Equal(decimal.RequireFromString("0.5")))
	require.True(t, byToken.Credentials.Testnet)

	byID, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, byToken.Email, byID.Email)
}

func TestUserStoreUpsertIsKeyedByEmail(t *testing.T) {
	ctx := context.Background()
	store := userstore.NewPostgresStore(testPool)

	first, err := store.Upsert(ctx, sampleUser("rekey@example.com", "tok-rekey-1"))
	require.NoError(t, err)

	updated := sampleUser("rekey@example.com", "tok-rekey-2")
	updated.Settings.Leverage = 20
	second, err := store.Upsert(ctx, updated)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 20, second.Settings.Leverage)

	_, err = store.GetByToken(ctx, "tok-rekey-1")
	require.Equal(t, errs.CodeAuth, errs.CodeOf(err))
}

func TestUserStoreActiveFlag(t *testing.T) {
	ctx := context.Background()
	store := userstore.NewPostgresStore(testPool)

	created, err := store.Upsert(ctx, sampleUser("active@example.com", "tok-active"))
	require.NoError(t, err)

	require.NoError(t, store.SetActive(ctx, created.ID, true))
	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	found := false
	for _, u := range active {
		if u.ID == created.ID {
			found = true
			require.True(t, u.Active)
		}
	}
	require.True(t, found, "activated user must appear in ListActive")

	require.NoError(t, store.SetActive(ctx, created.ID, false))
	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	for _, u := range active {
		require.NotEqual(t, created.ID, u.ID)
	}
}

func TestUserStoreMissingRows(t *testing.T) {
	ctx := context.Background()
	store := userstore.NewPostgresStore(testPool)

	_, err := store.GetByToken(ctx, "tok-nobody")
	require.Equal(t, errs.CodeAuth, errs.CodeOf(err))

	_, err = store.GetByID(ctx, 99999999)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

	err = store.SetActive(ctx, 99999999, true)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestRateCounterStoreEnforcesCaps(t *testing.T) {
	ctx := context.Background()
	store := ratelimit.NewPostgresStore(testPool)

	user := "caps:user"
	global := "caps:global"
	for i := 0; i < 3; i++ {
		ok, _, err := store.Take(ctx, user, global, 3, 100, time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "charge %d should be admitted", i)
	}

	ok, retryAfter, err := store.Take(ctx, user, global, 3, 100, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
	require.LessOrEqual(t, retryAfter, time.Minute)
}

func TestRateCounterStoreGlobalCeilingChargesNeither(t *testing.T) {
	ctx := context.Background()
	store := ratelimit.NewPostgresStore(testPool)

	global := "ceiling:global"
	ok, _, err := store.Take(ctx, "ceiling:user-a", global, 10, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The global bucket is full; user-b must be refused without consuming
	// its own budget.
	ok, _, err = store.Take(ctx, "ceiling:user-b", global, 10, 1, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	var count int
	require.NoError(t, testPool.QueryRow(ctx,
		"SELECT count FROM rate_counters WHERE bucket = $1 ORDER BY window_start DESC LIMIT 1",
		"ceiling:user-b").Scan(&count))
	require.Zero(t, count)
}

func TestRateCounterStorePrune(t *testing.T) {
	ctx := context.Background()
	store := ratelimit.NewPostgresStore(testPool)

	ok, _, err := store.Take(ctx, "prune:user", "prune:global", 10, 100, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Prune(ctx, time.Now().Add(time.Hour)))

	var remaining int
	require.NoError(t, testPool.QueryRow(ctx,
		"SELECT COUNT(*) FROM rate_counters WHERE bucket LIKE 'prune:%'").Scan(&remaining))
	require.Zero(t, remaining)
}

func TestLimiterAgainstPostgresStore(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.New(ratelimit.NewPostgresStore(testPool), ratelimit.Limits{
		Control: 2,
		Status:  2,
		Global:  100,
		Window:  time.Minute,
	})

	id := schema.Identity{UserID: 424242, Role: schema.RoleUser}
	require.NoError(t, limiter.Allow(ctx, id, ratelimit.ClassStart))
	require.NoError(t, limiter.Allow(ctx, id, ratelimit.ClassStart))

	err := limiter.Allow(ctx, id, ratelimit.ClassStart)
	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))
	require.Greater(t, errs.RetryAfterOf(err), time.Duration(0))

	// Other classes keep their own budget.
	require.NoError(t, limiter.Allow(ctx, id, ratelimit.ClassStop))
}
