// Package recovery rebuilds a user's tagged order set after a crash or a
// missed tick. It never touches orders whose tags are already live, so
// running it twice is the same as running it once.
package recovery

import (
	"context"
	"log"

	"github.com/blitzgrid/blitz/internal/exchange"
	"github.com/blitzgrid/blitz/internal/ordertag"
	"github.com/blitzgrid/blitz/internal/schema"
)

// Action is the outcome of one missing-order submission.
type Action struct {
	Tag     string
	Created bool
	Order   schema.LiveOrder
	Err     error
}

// Reconcile returns the desired orders whose tags are not present on the
// venue. Live orders without a decodable tag are foreign (manual or from
// another system) and are never candidates for cancellation here; desired
// orders without a tag are dropped because they could never be matched on a
// later pass.
func Reconcile(desired []schema.OrderSpec, live []schema.LiveOrder) []schema.OrderSpec {
	liveTags := make(map[string]struct{}, len(live))
	for _, order := range live {
		if tag, ok := ordertag.FromIdentifiers(order.Identifiers); ok {
			liveTags[tag.String()] = struct{}{}
		}
	}

	var missing []schema.OrderSpec
	for _, spec := range desired {
		tag, ok := ordertag.FromIdentifiers(spec.Identifiers)
		if !ok {
			continue
		}
		if _, exists := liveTags[tag.String()]; exists {
			continue
		}
		missing = append(missing, spec)
	}
	return missing
}

// Stale returns the live orders tagged for userID whose tags no longer appear
// in the desired set, e.g. after the ladder was shortened or the symbol
// changed. Untagged orders and orders tagged for other users are never
// candidates.
func Stale(userID int64, desired []schema.OrderSpec, live []schema.LiveOrder) []schema.LiveOrder {
	desiredTags := make(map[string]struct{}, len(desired))
	for _, spec := range desired {
		if tag, ok := ordertag.FromIdentifiers(spec.Identifiers); ok {
			desiredTags[tag.String()] = struct{}{}
		}
	}

	var stale []schema.LiveOrder
	for _, order := range live {
		tag, ok := ordertag.FromIdentifiers(order.Identifiers)
		if !ok || tag.UserID != userID {
			continue
		}
		if _, exists := desiredTags[tag.String()]; exists {
			continue
		}
		stale = append(stale, order)
	}
	return stale
}

// Engine submits the reconciled order set.
type Engine struct {
	log *log.Logger
}

// NewEngine constructs an Engine. A nil logger uses the process default.
func NewEngine(logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{log: logger}
}

// Apply submits every missing order independently and reports one Action per
// spec. A failed submission never blocks the remaining ones; the caller
// decides whether partial recovery is acceptable.
func (e *Engine) Apply(ctx context.Context, client exchange.Client, missing []schema.OrderSpec) []Action {
	actions := make([]Action, 0, len(missing))
	for _, spec := range missing {
		tag, _ := ordertag.FromIdentifiers(spec.Identifiers)
		action := Action{Tag: tag.String()}

		if err := ctx.Err(); err != nil {
			action.Err = err
			actions = append(actions, action)
			continue
		}

		order, err := client.PlaceOrder(ctx, spec)
		if err != nil {
			action.Err = err
			e.log.Printf("recovery: place %s failed: %v", action.Tag, err)
		} else {
			action.Created = true
			action.Order = order
			e.log.Printf("recovery: placed %s as %s", action.Tag, order.ExchangeOrderID)
		}
		actions = append(actions, action)
	}
	return actions
}

// Cancel removes each stale order independently. A failed cancellation leaves
// the order resting for the next pass rather than aborting the rest.
func (e *Engine) Cancel(ctx context.Context, client exchange.Client, stale []schema.LiveOrder) []Action {
	actions := make([]Action, 0, len(stale))
	for _, order := range stale {
		tag, _ := ordertag.FromIdentifiers(order.Identifiers)
		action := Action{Tag: tag.String(), Order: order}

		if err := ctx.Err(); err != nil {
			action.Err = err
			actions = append(actions, action)
			continue
		}

		if err := client.CancelOrder(ctx, order.Symbol, order.ExchangeOrderID); err != nil {
			action.Err = err
			e.log.Printf("recovery: cancel %s failed: %v", action.Tag, err)
		} else {
			e.log.Printf("recovery: cancelled stale %s (%s)", action.Tag, order.ExchangeOrderID)
		}
		actions = append(actions, action)
	}
	return actions
}

// Created counts the successful submissions in actions.
func Created(actions []Action) int {
	n := 0
	for _, a := range actions {
		if a.Created {
			n++
		}
	}
	return n
}
