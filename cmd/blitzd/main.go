// Command blitzd launches the Blitz bot control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/blitzgrid/blitz/config"
	"github.com/blitzgrid/blitz/internal/bot"
	"github.com/blitzgrid/blitz/internal/exchange/binance"
	"github.com/blitzgrid/blitz/internal/guard"
	"github.com/blitzgrid/blitz/internal/observability"
	"github.com/blitzgrid/blitz/internal/persistence/migrations"
	"github.com/blitzgrid/blitz/internal/ratelimit"
	httpserver "github.com/blitzgrid/blitz/internal/server/http"
	"github.com/blitzgrid/blitz/internal/telemetry"
	"github.com/blitzgrid/blitz/internal/userstore"
)

const (
	defaultConfigPath = "config/app.yaml"
	loggerPrefix      = "blitzd "

	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	botShutdownTimeout       = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second

	prunePeriod = 5 * time.Minute
)

type counterPruner interface {
	Prune(ctx context.Context, cutoff time.Time) error
}

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "Path to application configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewStd(logger, cfg.Environment == config.EnvDev))
	observability.Log().Info("configuration initialised",
		observability.Field{Key: "env", Value: string(cfg.Environment)},
		observability.Field{Key: "addr", Value: cfg.HTTP.Addr},
	)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	users, counters, pool, err := buildStores(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialise stores: %v", err)
	}

	limiter := ratelimit.New(counters, ratelimit.Limits{
		Control: cfg.RateLimit.Control,
		Status:  cfg.RateLimit.Status,
		Global:  cfg.RateLimit.Global,
		Window:  cfg.RateLimit.Window,
	})

	dialer := binance.NewDialer(binance.WithPace(cfg.Binance.RequestsPerSecond, cfg.Binance.Burst))
	manager := bot.NewManager(users, dialer, guard.New(cfg.Bot.AcquireTimeout), logger,
		bot.WithSyncInterval(cfg.Bot.SyncInterval),
		bot.WithStopGrace(cfg.Bot.StopGrace),
	)
	manager.SetLifecycleContext(ctx)

	if err := manager.RestoreActive(ctx); err != nil {
		logger.Printf("restore active bots: %v", err)
	}
	logger.Printf("bots restored: %d", len(manager.ListAll()))

	var lifecycle conc.WaitGroup

	if pruner, ok := counters.(counterPruner); ok {
		startPruner(ctx, &lifecycle, logger, pruner, cfg.RateLimit.Window)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpserver.NewHandler(users, manager, limiter, logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
	logger.Printf("control API listening on %s", server.Addr)

	logger.Print("blitzd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		mainCancel: cancel,
		manager:    manager,
		lifecycle:  &lifecycle,
		pool:       pool,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Settings) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildStores selects Postgres-backed stores when a database is configured
// and falls back to in-memory ones for single-node development.
func buildStores(ctx context.Context, logger *log.Logger, cfg config.Settings) (userstore.Store, ratelimit.CounterStore, *pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		logger.Print("no database configured; using in-memory stores")
		return userstore.NewMemoryStore(), ratelimit.NewMemoryStore(), nil, nil
	}

	if err := migrations.Apply(ctx, cfg.Database.URL, logger); err != nil {
		return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return userstore.NewPostgresStore(pool), ratelimit.NewPostgresStore(pool), pool, nil
}

// startPruner drops rate counter rows from closed windows so the table does
// not grow without bound.
func startPruner(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, pruner counterPruner, window time.Duration) {
	lifecycle.Go(func() {
		ticker := time.NewTicker(prunePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-2 * window)
				if err := pruner.Prune(ctx, cutoff); err != nil && ctx.Err() == nil {
					logger.Printf("prune rate counters: %v", err)
				}
			}
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	manager    *bot.Manager
	lifecycle  *conc.WaitGroup
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
		defer stepCancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.manager != nil {
		shutdownStep("stopping bots", botShutdownTimeout, func(stepCtx context.Context) error {
			cfg.manager.StopAll(stepCtx)
			return nil
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", serverShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.pool != nil {
		logger.Print("shutdown: closing database pool")
		cfg.pool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("flushing telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

var _ counterPruner = (*ratelimit.PostgresStore)(nil)
