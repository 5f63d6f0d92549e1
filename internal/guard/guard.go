// Package guard serializes control-plane operations per user. At most one
// start, stop, or recover runs for a given user at a time; operations for
// distinct users never contend.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blitzgrid/blitz/errs"
)

// DefaultAcquireTimeout bounds how long an admission waits for the holder to
// release before the request is rejected as busy.
const DefaultAcquireTimeout = 30 * time.Second

// Token proves ownership of a user's guard slot. It must be released exactly
// once; releases of stale tokens are ignored.
type Token struct {
	key int64
	id  uuid.UUID
}

// Key returns the user key the token was acquired for.
func (t Token) Key() int64 { return t.key }

type slot struct {
	sem    chan struct{}
	mu     sync.Mutex
	holder uuid.UUID
}

// Guard hands out per-user slots backed by buffered channels.
type Guard struct {
	mu      sync.Mutex
	slots   map[int64]*slot
	timeout time.Duration
}

// New builds a guard with the given acquire timeout. A non-positive timeout
// falls back to DefaultAcquireTimeout.
func New(timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &Guard{
		slots:   make(map[int64]*slot),
		timeout: timeout,
	}
}

func (g *Guard) slotFor(key int64) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		g.slots[key] = s
	}
	return s
}

// Acquire claims the slot for key, waiting up to the configured timeout. It
// returns CodeBusy when the holder does not release in time and the context
// error when ctx is cancelled first.
func (g *Guard) Acquire(ctx context.Context, key int64) (Token, error) {
	return g.AcquireWithin(ctx, key, g.timeout)
}

// AcquireWithin is Acquire with a caller-chosen wait bound, for operations
// that should report busy quickly instead of queueing.
func (g *Guard) AcquireWithin(ctx context.Context, key int64, timeout time.Duration) (Token, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	s := g.slotFor(key)

	select {
	case s.sem <- struct{}{}:
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case s.sem <- struct{}{}:
		case <-timer.C:
			return Token{}, errs.New(errs.CodeBusy,
				errs.WithMessage("another operation is in progress for this user"),
				errs.WithRetryAfter(timeout),
			)
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}

	id := uuid.New()
	s.mu.Lock()
	s.holder = id
	s.mu.Unlock()
	return Token{key: key, id: id}, nil
}

// TryAcquire claims the slot without waiting.
func (g *Guard) TryAcquire(key int64) (Token, bool) {
	s := g.slotFor(key)
	select {
	case s.sem <- struct{}{}:
	default:
		return Token{}, false
	}
	id := uuid.New()
	s.mu.Lock()
	s.holder = id
	s.mu.Unlock()
	return Token{key: key, id: id}, true
}

// Release frees the slot held by token. A token that no longer matches the
// current holder is a no-op, so double releases cannot free someone else's
// claim.
func (g *Guard) Release(token Token) {
	g.mu.Lock()
	s, ok := g.slots[token.key]
	g.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.holder != token.id {
		s.mu.Unlock()
		return
	}
	s.holder = uuid.UUID{}
	s.mu.Unlock()

	select {
	case <-s.sem:
	default:
	}
}
