// Package fake provides an in-memory exchange for tests. It keeps a real
// order book of resting orders so reconcile and cancel paths behave like a
// live venue.
package fake

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blitzgrid/blitz/internal/exchange"
	"github.com/blitzgrid/blitz/internal/schema"
)

// Exchange implements exchange.Client against process memory.
type Exchange struct {
	mu        sync.Mutex
	venue     schema.Venue
	orders    map[string]schema.LiveOrder
	marks     map[string]decimal.Decimal
	placed    []schema.OrderSpec
	cancelled []string

	// PlaceErr, ListErr, and CancelErr fail the matching calls while
	// non-nil.
	PlaceErr  error
	ListErr   error
	CancelErr error
}

// New constructs an empty fake Binance venue.
func New() *Exchange {
	return &Exchange{
		venue:  schema.VenueBinance,
		orders: make(map[string]schema.LiveOrder),
		marks:  make(map[string]decimal.Decimal),
	}
}

func (e *Exchange) Venue() schema.Venue { return e.venue }

func (e *Exchange) PlaceOrder(ctx context.Context, spec schema.OrderSpec) (schema.LiveOrder, error) {
	if err := ctx.Err(); err != nil {
		return schema.LiveOrder{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PlaceErr != nil {
		return schema.LiveOrder{}, e.PlaceErr
	}

	order := schema.LiveOrder{
		ExchangeOrderID: uuid.NewString(),
		Symbol:          spec.Symbol,
		Side:            spec.Side,
		Type:            spec.Type,
		Price:           spec.Price,
		Quantity:        spec.Quantity,
		ReduceOnly:      spec.ReduceOnly,
		Identifiers:     spec.Identifiers,
	}
	e.orders[order.ExchangeOrderID] = order
	e.placed = append(e.placed, spec)
	return order, nil
}

func (e *Exchange) OpenOrders(ctx context.Context, symbol string) ([]schema.LiveOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ListErr != nil {
		return nil, e.ListErr
	}

	var out []schema.LiveOrder
	for _, o := range e.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CancelErr != nil {
		return e.CancelErr
	}

	delete(e.orders, exchangeOrderID)
	e.cancelled = append(e.cancelled, exchangeOrderID)
	return nil
}

func (e *Exchange) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if price, ok := e.marks[symbol]; ok {
		return price, nil
	}
	return decimal.Zero, nil
}

func (e *Exchange) Close() error { return nil }

// SetMarkPrice seeds the mark price returned for symbol.
func (e *Exchange) SetMarkPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = price
}

// Seed installs a resting order as if it already existed on the venue.
func (e *Exchange) Seed(order schema.LiveOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order.ExchangeOrderID == "" {
		order.ExchangeOrderID = uuid.NewString()
	}
	e.orders[order.ExchangeOrderID] = order
}

// Placed returns the specs submitted through PlaceOrder, in order.
func (e *Exchange) Placed() []schema.OrderSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schema.OrderSpec, len(e.placed))
	copy(out, e.placed)
	return out
}

// Cancelled returns the exchange order ids passed to CancelOrder, in order.
func (e *Exchange) Cancelled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.cancelled))
	copy(out, e.cancelled)
	return out
}

// Dialer returns every session against this same in-memory book.
type Dialer struct {
	Exchange *Exchange
}

func (d Dialer) Dial(ctx context.Context, venue schema.Venue, creds exchange.Credentials) (exchange.Client, error) {
	return d.Exchange, nil
}

var (
	_ exchange.Client = (*Exchange)(nil)
	_ exchange.Dialer = Dialer{}
)
