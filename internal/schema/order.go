package schema

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Venue names a supported exchange integration.
type Venue string

const (
	// VenueBinance represents Binance USDⓈ-M futures.
	VenueBinance Venue = "binance"
	// VenueBybit represents Bybit linear contracts.
	VenueBybit Venue = "bybit"
	// VenueBingx represents BingX perpetual swaps.
	VenueBingx Venue = "bingx"
)

// VenueFromString normalizes a stored venue value, defaulting to Binance.
func VenueFromString(value string) Venue {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(VenueBybit):
		return VenueBybit
	case string(VenueBingx):
		return VenueBingx
	default:
		return VenueBinance
	}
}

// OrderSide is the direction of an order on the book.
type OrderSide string

const (
	// Buy bids on the book.
	Buy OrderSide = "BUY"
	// Sell asks on the book.
	Sell OrderSide = "SELL"
)

// Opposite returns the matching close side for an entry side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType identifies the execution style of an order.
type OrderType string

const (
	// Limit rests on the book at a price.
	Limit OrderType = "LIMIT"
	// Market crosses the book immediately.
	Market OrderType = "MARKET"
)

// OrderIdentifiers carries every client-assigned identifier field the supported
// venues expose. The recovery tag is stamped into all of them so it survives
// round-trips even when a venue echoes only one field back.
type OrderIdentifiers struct {
	ClientOrderID string
	OrderLinkID   string
	Label         string
	Text          string
}

// All returns the non-empty identifier values in a stable order.
func (ids OrderIdentifiers) All() []string {
	out := make([]string, 0, 4)
	for _, v := range []string{ids.ClientOrderID, ids.OrderLinkID, ids.Label, ids.Text} {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// OrderSpec is a desired order to be submitted to a venue.
type OrderSpec struct {
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ReduceOnly  bool
	Identifiers OrderIdentifiers
}

// LiveOrder is an open order as reported by a venue.
type LiveOrder struct {
	ExchangeOrderID string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	ReduceOnly      bool
	Identifiers     OrderIdentifiers
}
