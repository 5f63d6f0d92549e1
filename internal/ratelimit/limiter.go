// Package ratelimit enforces fixed-window admission limits. Every request is
// charged against the caller's per-user bucket and the shared global ceiling
// in one atomic step, so a denied request consumes neither.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/schema"
	"github.com/blitzgrid/blitz/internal/telemetry"
)

// Class names one budgeted operation. Each class owns its own per-user
// bucket; start, stop, and recover share the control cap but never each
// other's counts.
type Class string

const (
	ClassStart   Class = "start"
	ClassStop    Class = "stop"
	ClassRecover Class = "recover"
	ClassStatus  Class = "status"
)

const globalBucket = "global"

// Limits holds the per-window caps. Control applies to each of the start,
// stop, and recover classes individually.
type Limits struct {
	Control int
	Status  int
	Global  int
	Window  time.Duration
}

// DefaultLimits mirrors the production admission policy.
func DefaultLimits() Limits {
	return Limits{
		Control: 10,
		Status:  30,
		Global:  200,
		Window:  time.Minute,
	}
}

func (l Limits) capFor(class Class) int {
	if class == ClassStatus {
		return l.Status
	}
	return l.Control
}

// CounterStore is a pluggable backend for window counters. Take charges both
// buckets if and only if both are below their caps, and reports how long the
// caller should wait when the charge is refused.
type CounterStore interface {
	Take(ctx context.Context, userBucket, globalBucket string, userCap, globalCap int, window time.Duration) (ok bool, retryAfter time.Duration, err error)
}

// Limiter admits or refuses requests against a CounterStore.
type Limiter struct {
	store    CounterStore
	limits   Limits
	rejected metric.Int64Counter
}

// New builds a limiter. Zero-valued limits fall back to the defaults.
func New(store CounterStore, limits Limits) *Limiter {
	defaults := DefaultLimits()
	if limits.Control <= 0 {
		limits.Control = defaults.Control
	}
	if limits.Status <= 0 {
		limits.Status = defaults.Status
	}
	if limits.Global <= 0 {
		limits.Global = defaults.Global
	}
	if limits.Window <= 0 {
		limits.Window = defaults.Window
	}
	l := &Limiter{store: store, limits: limits}
	if counter, err := otel.Meter("ratelimit").Int64Counter("blitz_rate_limited",
		metric.WithDescription("Requests refused by the admission limiter"),
		metric.WithUnit("{request}")); err == nil {
		l.rejected = counter
	}
	return l
}

// Allow charges one request for the identity in the given class. Admin
// identities bypass both buckets entirely.
func (l *Limiter) Allow(ctx context.Context, id schema.Identity, class Class) error {
	if id.IsAdmin() {
		return nil
	}

	bucket := fmt.Sprintf("%s:%d", class, id.UserID)
	ok, retryAfter, err := l.store.Take(ctx, bucket, globalBucket, l.limits.capFor(class), l.limits.Global, l.limits.Window)
	if err != nil {
		return errs.New(errs.CodeUnavailable,
			errs.WithMessage("rate limit backend unavailable"),
			errs.WithCause(err),
		)
	}
	if !ok {
		if l.rejected != nil {
			l.rejected.Add(ctx, 1, metric.WithAttributes(
				attribute.String("class", string(class)),
				attribute.String("environment", telemetry.Environment()),
			))
		}
		return errs.New(errs.CodeRateLimited,
			errs.WithMessage("too many requests, slow down"),
			errs.WithRetryAfter(retryAfter),
		)
	}
	return nil
}
