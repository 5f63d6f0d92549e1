package bot

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/exchange"
	"github.com/blitzgrid/blitz/internal/planner"
	"github.com/blitzgrid/blitz/internal/recovery"
	"github.com/blitzgrid/blitz/internal/schema"
	"github.com/blitzgrid/blitz/internal/telemetry"
	"github.com/blitzgrid/blitz/internal/userstore"
)

const (
	defaultSyncInterval = 15 * time.Second
	syncMaxTries        = 4

	// A worker that cannot complete this many syncs in a row is considered
	// broken and exits so the manager can surface the error.
	maxConsecutiveSyncFailures = 5
)

// worker is the per-user goroutine that keeps the user's ladder and
// take-profit orders resting on the venue.
type worker struct {
	user     userstore.User
	client   exchange.Client
	engine   *recovery.Engine
	logger   *log.Logger
	interval time.Duration
	syncHist metric.Float64Histogram

	mu       sync.Mutex
	mark     decimal.Decimal
	lastBeat time.Time
}

func newWorker(user userstore.User, client exchange.Client, engine *recovery.Engine, logger *log.Logger, interval time.Duration) *worker {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	w := &worker{
		user:     user,
		client:   client,
		engine:   engine,
		logger:   logger,
		interval: interval,
	}
	if hist, err := otel.Meter("bot.worker").Float64Histogram("blitz_sync_duration",
		metric.WithDescription("Reconciliation pass duration"),
		metric.WithUnit("ms")); err == nil {
		w.syncHist = hist
	}
	return w
}

// run drives the sync loop until ctx is cancelled or the worker gives up.
// A nil return means clean shutdown.
func (w *worker) run(ctx context.Context) error {
	defer func() { _ = w.client.Close() }()

	if err := w.seedMark(ctx); err != nil {
		return err
	}

	var ticks <-chan exchange.MarkTick
	if streamer, ok := w.client.(exchange.MarkStreamer); ok {
		ticks = streamer.StreamMarkPrice(ctx, w.user.Settings.Symbol)
	}

	if err := w.sync(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			w.setMark(tick.Price)
		case <-ticker.C:
			err := w.sync(ctx)
			switch {
			case err == nil:
				failures = 0
			case ctx.Err() != nil:
				return nil
			case errs.CodeOf(err) == errs.CodeCredentials:
				return err
			default:
				failures++
				w.logger.Printf("bot/%d: sync failed (%d/%d): %v", w.user.ID, failures, maxConsecutiveSyncFailures, err)
				if failures >= maxConsecutiveSyncFailures {
					return err
				}
			}
		}
	}
}

// seedMark fetches an initial mark price so the first plan has a reference,
// retrying transient venue errors.
func (w *worker) seedMark(ctx context.Context) error {
	mark, err := backoff.Retry(ctx, func() (decimal.Decimal, error) {
		price, err := w.client.MarkPrice(ctx, w.user.Settings.Symbol)
		if err != nil {
			return decimal.Zero, retryable(err)
		}
		if price.Sign() <= 0 {
			return decimal.Zero, errors.New("venue returned no mark price")
		}
		return price, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(syncMaxTries))
	if err != nil {
		return err
	}
	w.setMark(mark)
	return nil
}

// sync runs one reconciliation pass: list what is resting, plan what should
// be, and place only the difference. Listing failures abort the pass so a
// stale view never causes duplicate orders.
func (w *worker) sync(ctx context.Context) error {
	started := time.Now()
	defer w.recordSync(started)

	if _, ok := w.client.(exchange.MarkStreamer); !ok {
		// Polling venues refresh the mark each pass.
		if price, err := w.client.MarkPrice(ctx, w.user.Settings.Symbol); err == nil && price.Sign() > 0 {
			w.setMark(price)
		}
	}

	live, err := backoff.Retry(ctx, func() ([]schema.LiveOrder, error) {
		orders, err := w.client.OpenOrders(ctx, w.user.Settings.Symbol)
		if err != nil {
			return nil, retryable(err)
		}
		return orders, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(syncMaxTries))
	if err != nil {
		return err
	}

	desired, err := planner.Plan(w.user.ID, w.user.Settings, w.getMark())
	if err != nil {
		return err
	}

	// Orders this bot tagged earlier that the current ladder no longer wants
	// are cleaned up before placing the difference.
	if stale := recovery.Stale(w.user.ID, desired, live); len(stale) > 0 {
		w.engine.Cancel(ctx, w.client, stale)
	}

	missing := recovery.Reconcile(desired, live)
	if len(missing) == 0 {
		w.beat()
		return nil
	}

	actions := w.engine.Apply(ctx, w.client, missing)
	for _, action := range actions {
		if action.Err != nil && errs.CodeOf(action.Err) == errs.CodeCredentials {
			return action.Err
		}
	}
	if created := recovery.Created(actions); created > 0 {
		w.logger.Printf("bot/%d: restored %d order(s)", w.user.ID, created)
	}
	w.beat()
	return nil
}

func (w *worker) recordSync(started time.Time) {
	if w.syncHist == nil {
		return
	}
	w.syncHist.Record(context.Background(), float64(time.Since(started).Milliseconds()), metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
	))
}

func (w *worker) setMark(price decimal.Decimal) {
	w.mu.Lock()
	w.mark = price
	w.mu.Unlock()
}

func (w *worker) getMark() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mark
}

func (w *worker) beat() {
	w.mu.Lock()
	w.lastBeat = time.Now()
	w.mu.Unlock()
}

// LastBeat reports when the worker last completed a sync.
func (w *worker) LastBeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBeat
}

// retryable marks permanent error codes so backoff stops immediately on
// failures that waiting cannot fix.
func retryable(err error) error {
	switch errs.CodeOf(err) {
	case errs.CodeCredentials, errs.CodeInvalid:
		return backoff.Permanent(err)
	default:
		return err
	}
}
