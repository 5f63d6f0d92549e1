// Package bot manages per-user trading bot lifecycles: at most one live
// execution context per user, serialized control operations, and crash-safe
// restoration from the durable activation flag.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/exchange"
	"github.com/blitzgrid/blitz/internal/guard"
	"github.com/blitzgrid/blitz/internal/planner"
	"github.com/blitzgrid/blitz/internal/recovery"
	"github.com/blitzgrid/blitz/internal/telemetry"
	"github.com/blitzgrid/blitz/internal/userstore"
)

// Status is the lifecycle state of one user's bot.
type Status string

const (
	// StatusStopped means no execution context exists.
	StatusStopped Status = "stopped"
	// StatusStarting means the start sequence is in flight.
	StatusStarting Status = "starting"
	// StatusRunning means the worker goroutine is live.
	StatusRunning Status = "running"
	// StatusStopping means a stop is waiting for the worker to exit.
	StatusStopping Status = "stopping"
	// StatusError means the worker exited with a failure; a fresh start is
	// allowed.
	StatusError Status = "error"
)

const (
	defaultStopGrace  = 10 * time.Second
	defaultStatusWait = 2 * time.Second
)

// Summary is a point-in-time view of one bot, safe to hand to callers.
type Summary struct {
	UserID    int64
	Status    Status
	Running   bool
	StartedAt time.Time
	Uptime    time.Duration
	LastBeat  time.Time
	LastErr   string
}

type botState struct {
	user      userstore.User
	worker    *worker
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	status    Status
	lastErr   error
}

// Manager owns the bot states and enforces the one-bot-per-user invariant.
type Manager struct {
	mu     sync.RWMutex
	states map[int64]*botState

	users  userstore.Store
	dialer exchange.Dialer
	guard  *guard.Guard
	engine *recovery.Engine
	logger *log.Logger

	lifecycleMu  sync.RWMutex
	lifecycleCtx context.Context

	syncInterval time.Duration
	stopGrace    time.Duration
	statusWait   time.Duration

	startCounter   metric.Int64Counter
	stopCounter    metric.Int64Counter
	recoverCounter metric.Int64Counter
}

// Option configures optional manager behaviour.
type Option func(*Manager)

// WithSyncInterval sets how often workers reconcile their order set.
func WithSyncInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.syncInterval = d
		}
	}
}

// WithStopGrace bounds how long Stop waits for a worker to exit.
func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stopGrace = d
		}
	}
}

// WithStatusWait bounds how long Status waits for the per-user guard.
func WithStatusWait(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.statusWait = d
		}
	}
}

// NewManager creates a bot manager.
func NewManager(users userstore.Store, dialer exchange.Dialer, g *guard.Guard, logger *log.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "bot-manager ", log.LstdFlags|log.Lmicroseconds)
	}
	if g == nil {
		g = guard.New(0)
	}
	m := &Manager{
		states:       make(map[int64]*botState),
		users:        users,
		dialer:       dialer,
		guard:        g,
		engine:       recovery.NewEngine(logger),
		logger:       logger,
		lifecycleCtx: context.Background(),
		syncInterval: defaultSyncInterval,
		stopGrace:    defaultStopGrace,
		statusWait:   defaultStatusWait,
	}
	m.initMetrics()
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SetLifecycleContext configures the parent context worker goroutines run
// under, so process shutdown cancels every bot.
func (m *Manager) SetLifecycleContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.lifecycleMu.Lock()
	m.lifecycleCtx = ctx
	m.lifecycleMu.Unlock()
}

func (m *Manager) parentContext() context.Context {
	m.lifecycleMu.RLock()
	defer m.lifecycleMu.RUnlock()
	if m.lifecycleCtx == nil {
		return context.Background()
	}
	return m.lifecycleCtx
}

// Start brings the user's bot up. A second start while one is live is
// rejected with CodeAlreadyRunning; a failed start leaves no trace.
func (m *Manager) Start(ctx context.Context, user userstore.User) error {
	token, err := m.guard.Acquire(ctx, user.ID)
	if err != nil {
		return err
	}
	defer m.guard.Release(token)
	return m.startGuarded(ctx, user)
}

func (m *Manager) startGuarded(ctx context.Context, user userstore.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(user.Credentials.APIKey) == "" || strings.TrimSpace(user.Credentials.APISecret) == "" {
		return errs.New(errs.CodeCredentials, errs.WithMessage("user has no exchange credentials"))
	}
	if len(user.Settings.Legs) == 0 {
		return errs.New(errs.CodeInvalid, errs.WithMessage("user has no ladder configured"))
	}

	m.mu.Lock()
	if state, exists := m.states[user.ID]; exists {
		switch state.status {
		case StatusStarting, StatusRunning, StatusStopping:
			m.mu.Unlock()
			return errs.New(errs.CodeAlreadyRunning,
				errs.WithMessage(fmt.Sprintf("bot already running for user %d", user.ID)),
			)
		}
	}
	m.states[user.ID] = &botState{user: user, status: StatusStarting}
	m.mu.Unlock()

	client, err := m.dialer.Dial(ctx, user.Settings.Venue, user.Credentials)
	if err != nil {
		m.rollbackStart(user.ID)
		return err
	}

	if err := m.users.SetActive(ctx, user.ID, true); err != nil {
		_ = client.Close()
		m.rollbackStart(user.ID)
		return errs.New(errs.CodeUnavailable,
			errs.WithMessage("persist bot activation"),
			errs.WithCause(err),
		)
	}

	botCtx, cancel := context.WithCancel(m.parentContext())
	w := newWorker(user, client, m.engine, m.logger, m.syncInterval)
	done := make(chan struct{})

	m.mu.Lock()
	state, exists := m.states[user.ID]
	if !exists {
		m.mu.Unlock()
		cancel()
		_ = client.Close()
		return errs.New(errs.CodeUnavailable, errs.WithMessage("bot state vanished during start"))
	}
	state.worker = w
	state.cancel = cancel
	state.done = done
	state.startedAt = time.Now()
	state.status = StatusRunning
	state.lastErr = nil
	m.mu.Unlock()

	go func() {
		runErr := w.run(botCtx)
		close(done)
		m.workerExited(user.ID, runErr)
	}()

	m.count(m.startCounter)
	m.logger.Printf("bot/%d: started %s on %s", user.ID, user.Settings.Symbol, user.Settings.Venue)
	return nil
}

func (m *Manager) rollbackStart(userID int64) {
	m.mu.Lock()
	if state, ok := m.states[userID]; ok && state.status == StatusStarting {
		delete(m.states, userID)
	}
	m.mu.Unlock()
}

func (m *Manager) workerExited(userID int64, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	state, ok := m.states[userID]
	if ok && state.status == StatusRunning {
		state.status = StatusError
		state.lastErr = err
		state.cancel = nil
	}
	m.mu.Unlock()
	if ok {
		m.logger.Printf("bot/%d: worker exited: %v", userID, err)
	}
}

// Stop tears the user's bot down and clears the durable activation flag so
// the bot stays down across restarts. Stopping a bot that is not running is a
// successful no-op. When the worker does not confirm exit within the grace
// period the record is removed anyway and CodeStopTimeout is returned.
func (m *Manager) Stop(ctx context.Context, userID int64) error {
	return m.stop(ctx, userID, true)
}

// stop is the shared teardown. deactivate distinguishes a user-initiated stop,
// which clears the durable flag, from process shutdown, which must leave the
// flag set so RestoreActive rebuilds the fleet on the next boot.
func (m *Manager) stop(ctx context.Context, userID int64, deactivate bool) error {
	token, err := m.guard.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer m.guard.Release(token)

	m.mu.Lock()
	state, exists := m.states[userID]
	if !exists {
		m.mu.Unlock()
		if deactivate {
			m.clearActive(ctx, userID)
		}
		return nil
	}
	if state.status == StatusError {
		delete(m.states, userID)
		m.mu.Unlock()
		if deactivate {
			m.clearActive(ctx, userID)
		}
		return nil
	}
	state.status = StatusStopping
	cancel := state.cancel
	done := state.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var stopErr error
	if done != nil {
		timer := time.NewTimer(m.stopGrace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			stopErr = errs.New(errs.CodeStopTimeout,
				errs.WithMessage(fmt.Sprintf("bot did not exit within %s", m.stopGrace)),
			)
		}
	}

	m.mu.Lock()
	delete(m.states, userID)
	m.mu.Unlock()

	if deactivate {
		m.clearActive(ctx, userID)
	}
	m.count(m.stopCounter)
	if stopErr != nil {
		m.logger.Printf("bot/%d: stop timed out after %s", userID, m.stopGrace)
	} else {
		m.logger.Printf("bot/%d: stopped", userID)
	}
	return stopErr
}

func (m *Manager) clearActive(ctx context.Context, userID int64) {
	err := m.users.SetActive(context.WithoutCancel(ctx), userID, false)
	if err != nil && errs.CodeOf(err) != errs.CodeNotFound {
		m.logger.Printf("bot/%d: clear activation flag: %v", userID, err)
	}
}

// Status reports the user's bot state. It takes the per-user guard with a
// short wait so a stuck control operation surfaces as busy instead of
// blocking the poll.
func (m *Manager) Status(ctx context.Context, userID int64) (Summary, error) {
	token, err := m.guard.AcquireWithin(ctx, userID, m.statusWait)
	if err != nil {
		return Summary{}, err
	}
	defer m.guard.Release(token)
	return m.summaryFor(userID), nil
}

func (m *Manager) summaryFor(userID int64) Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, exists := m.states[userID]
	if !exists {
		return Summary{UserID: userID, Status: StatusStopped}
	}
	return snapshotState(userID, state)
}

func snapshotState(userID int64, state *botState) Summary {
	s := Summary{
		UserID:    userID,
		Status:    state.status,
		Running:   state.status == StatusRunning,
		StartedAt: state.startedAt,
	}
	if state.status == StatusRunning {
		s.Uptime = time.Since(state.startedAt)
	}
	if state.worker != nil {
		s.LastBeat = state.worker.LastBeat()
	}
	if state.lastErr != nil {
		s.LastErr = state.lastErr.Error()
	}
	return s
}

// ListAll snapshots every known bot without taking any per-user guard, so an
// operator view never blocks on in-flight control operations.
func (m *Manager) ListAll() []Summary {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.states))
	for userID, state := range m.states {
		out = append(out, snapshotState(userID, state))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Recover re-creates any missing tagged orders for a running bot. When the
// bot is not running there is nothing to recover and the call succeeds with
// no actions.
func (m *Manager) Recover(ctx context.Context, userID int64) ([]recovery.Action, error) {
	token, err := m.guard.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer m.guard.Release(token)

	m.mu.RLock()
	state, exists := m.states[userID]
	var w *worker
	if exists && state.status == StatusRunning {
		w = state.worker
	}
	m.mu.RUnlock()
	if w == nil {
		return nil, nil
	}

	client := w.client
	symbol := w.user.Settings.Symbol

	live, err := client.OpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}

	mark := w.getMark()
	if fresh, err := client.MarkPrice(ctx, symbol); err == nil && fresh.Sign() > 0 {
		mark = fresh
	}

	desired, err := planner.Plan(userID, w.user.Settings, mark)
	if err != nil {
		return nil, err
	}

	actions := m.engine.Apply(ctx, client, recovery.Reconcile(desired, live))
	if created := recovery.Created(actions); created > 0 {
		m.countN(m.recoverCounter, int64(created))
	}
	return actions, nil
}

// RestoreActive starts a bot for every user whose durable activation flag is
// set. Individual failures are collected so one broken account does not block
// the rest of the fleet.
func (m *Manager) RestoreActive(ctx context.Context) error {
	users, err := m.users.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}

	var failures []error
	for _, user := range users {
		if err := m.Start(ctx, user); err != nil {
			m.logger.Printf("bot/%d: restore failed: %v", user.ID, err)
			failures = append(failures, fmt.Errorf("user %d: %w", user.ID, err))
		}
	}
	return errors.Join(failures...)
}

// StopAll tears every known bot down in parallel during process shutdown.
// Activation flags are left untouched, so RestoreActive brings the same fleet
// back on the next boot.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.states))
	for userID := range m.states {
		ids = append(ids, userID)
	}
	m.mu.RUnlock()

	var wg conc.WaitGroup
	for _, userID := range ids {
		id := userID
		wg.Go(func() {
			if err := m.stop(ctx, id, false); err != nil {
				m.logger.Printf("bot/%d: shutdown stop: %v", id, err)
			}
		})
	}
	wg.Wait()
}

func (m *Manager) initMetrics() {
	meter := otel.Meter("bot.manager")
	if counter, err := meter.Int64Counter("blitz_bot_starts",
		metric.WithDescription("Bot start operations"),
		metric.WithUnit("{operation}")); err == nil {
		m.startCounter = counter
	}
	if counter, err := meter.Int64Counter("blitz_bot_stops",
		metric.WithDescription("Bot stop operations"),
		metric.WithUnit("{operation}")); err == nil {
		m.stopCounter = counter
	}
	if counter, err := meter.Int64Counter("blitz_recovered_orders",
		metric.WithDescription("Orders re-created by recovery"),
		metric.WithUnit("{order}")); err == nil {
		m.recoverCounter = counter
	}
}

func (m *Manager) count(counter metric.Int64Counter) {
	m.countN(counter, 1)
}

func (m *Manager) countN(counter metric.Int64Counter, n int64) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), n, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
	))
}
