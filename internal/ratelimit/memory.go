package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// MemoryStore keeps window counters in process memory. Suitable for a single
// instance deployment and for tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an in-memory counter store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]window),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Take implements CounterStore under a single mutex, which makes the dual
// charge trivially atomic.
func (s *MemoryStore) Take(ctx context.Context, userBucket, globalBucket string, userCap, globalCap int, windowSize time.Duration) (bool, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	start := now.Truncate(windowSize)
	retryAfter := start.Add(windowSize).Sub(now)

	user := s.refresh(userBucket, start)
	global := s.refresh(globalBucket, start)
	if user.count >= userCap || global.count >= globalCap {
		return false, retryAfter, nil
	}

	user.count++
	global.count++
	s.windows[userBucket] = user
	s.windows[globalBucket] = global
	return true, 0, nil
}

func (s *MemoryStore) refresh(bucket string, start time.Time) window {
	w, ok := s.windows[bucket]
	if !ok || !w.start.Equal(start) {
		w = window{start: start}
	}
	return w
}

var _ CounterStore = (*MemoryStore)(nil)
