// Package exchange defines the venue-neutral trading surface the control
// plane drives. Venue adapters live in subpackages.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blitzgrid/blitz/internal/schema"
)

// Credentials identify one user's account on a venue.
type Credentials struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Client is a per-user session against one venue.
type Client interface {
	Venue() schema.Venue

	// PlaceOrder submits the order and returns the venue's view of it.
	PlaceOrder(ctx context.Context, spec schema.OrderSpec) (schema.LiveOrder, error)

	// OpenOrders lists the resting orders for a symbol, including ones not
	// placed by this process.
	OpenOrders(ctx context.Context, symbol string) ([]schema.LiveOrder, error)

	// CancelOrder cancels by exchange order id. Cancelling an order the
	// venue no longer knows is not an error.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// MarkPrice returns the venue's current mark price for the symbol.
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Close releases the session.
	Close() error
}

// Dialer opens venue sessions from stored user credentials.
type Dialer interface {
	Dial(ctx context.Context, venue schema.Venue, creds Credentials) (Client, error)
}

// MarkTick is one streamed mark price observation.
type MarkTick struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// MarkStreamer is implemented by venues that push mark prices over a
// persistent connection. Callers fall back to polling MarkPrice when a
// client does not stream.
type MarkStreamer interface {
	StreamMarkPrice(ctx context.Context, symbol string) <-chan MarkTick
}

// StampIdentifiers spreads the tag across every client-assigned identifier
// field the venue accepts, so the tag survives whichever field the venue
// echoes back on reads.
func StampIdentifiers(venue schema.Venue, tag string) schema.OrderIdentifiers {
	switch venue {
	case schema.VenueBybit:
		return schema.OrderIdentifiers{ClientOrderID: tag, OrderLinkID: tag}
	case schema.VenueBingx:
		return schema.OrderIdentifiers{ClientOrderID: tag, Label: tag}
	case schema.VenueBinance:
		return schema.OrderIdentifiers{ClientOrderID: tag}
	default:
		return schema.OrderIdentifiers{ClientOrderID: tag, OrderLinkID: tag, Label: tag, Text: tag}
	}
}
