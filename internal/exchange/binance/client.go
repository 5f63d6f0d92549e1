// Package binance adapts Binance USDⓈ-M futures to the exchange.Client
// surface.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/exchange"
	"github.com/blitzgrid/blitz/internal/schema"
)

const (
	venueName  = "binance"
	testnetURL = "https://testnet.binancefuture.com"

	// Binance weights signed futures calls; 8 requests a second per user
	// session keeps well under the account limit even during recovery.
	defaultRequestsPerSecond = 8
	defaultBurst             = 4
)

// Dialer opens Binance futures sessions.
type Dialer struct {
	pace  rate.Limit
	burst int
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithPace overrides the per-session request pacing.
func WithPace(requestsPerSecond float64, burst int) DialerOption {
	return func(d *Dialer) {
		if requestsPerSecond > 0 {
			d.pace = rate.Limit(requestsPerSecond)
		}
		if burst > 0 {
			d.burst = burst
		}
	}
}

// NewDialer constructs a Dialer with default pacing.
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		pace:  rate.Limit(defaultRequestsPerSecond),
		burst: defaultBurst,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dial implements exchange.Dialer for the Binance venue.
func (d *Dialer) Dial(ctx context.Context, venue schema.Venue, creds exchange.Credentials) (exchange.Client, error) {
	if venue != schema.VenueBinance {
		return nil, errs.New(errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("venue %q not supported by binance dialer", venue)),
		)
	}
	if strings.TrimSpace(creds.APIKey) == "" || strings.TrimSpace(creds.APISecret) == "" {
		return nil, errs.New(errs.CodeCredentials,
			errs.WithVenue(venueName),
			errs.WithMessage("missing api key or secret"),
		)
	}

	fc := futures.NewClient(creds.APIKey, creds.APISecret)
	if creds.Testnet {
		fc.BaseURL = testnetURL
	}
	return &client{
		fc:      fc,
		limiter: rate.NewLimiter(d.pace, d.burst),
		testnet: creds.Testnet,
	}, nil
}

type client struct {
	fc      *futures.Client
	limiter *rate.Limiter
	testnet bool
}

func (c *client) Venue() schema.Venue { return schema.VenueBinance }

func (c *client) PlaceOrder(ctx context.Context, spec schema.OrderSpec) (schema.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return schema.LiveOrder{}, err
	}

	svc := c.fc.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(futures.SideType(spec.Side)).
		Type(futures.OrderType(spec.Type)).
		Quantity(spec.Quantity.String())
	if spec.Type == schema.Limit {
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(spec.Price.String())
	}
	if spec.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if spec.Identifiers.ClientOrderID != "" {
		svc = svc.NewClientOrderID(spec.Identifiers.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return schema.LiveOrder{}, mapError(err)
	}
	price, _ := decimal.NewFromString(res.Price)
	qty, _ := decimal.NewFromString(res.OrigQuantity)
	return schema.LiveOrder{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		Symbol:          res.Symbol,
		Side:            schema.OrderSide(res.Side),
		Type:            schema.OrderType(res.Type),
		Price:           price,
		Quantity:        qty,
		ReduceOnly:      res.ReduceOnly,
		Identifiers:     schema.OrderIdentifiers{ClientOrderID: res.ClientOrderID},
	}, nil
}

func (c *client) OpenOrders(ctx context.Context, symbol string) ([]schema.LiveOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	raw, err := c.fc.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	orders := make([]schema.LiveOrder, 0, len(raw))
	for _, o := range raw {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		orders = append(orders, schema.LiveOrder{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:          o.Symbol,
			Side:            schema.OrderSide(o.Side),
			Type:            schema.OrderType(o.Type),
			Price:           price,
			Quantity:        qty,
			ReduceOnly:      o.ReduceOnly,
			Identifiers:     schema.OrderIdentifiers{ClientOrderID: o.ClientOrderID},
		})
	}
	return orders, nil
}

func (c *client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return errs.New(errs.CodeInvalid,
			errs.WithVenue(venueName),
			errs.WithMessage(fmt.Sprintf("malformed order id %q", exchangeOrderID)),
		)
	}
	if _, err := c.fc.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx); err != nil {
		mapped := mapError(err)
		// The order filled or was cancelled between listing and cancel.
		if errs.CodeOf(mapped) == errs.CodeNotFound {
			return nil
		}
		return mapped
	}
	return nil
}

func (c *client) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	res, err := c.fc.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	if len(res) == 0 {
		return decimal.Zero, errs.New(errs.CodeExchange,
			errs.WithVenue(venueName),
			errs.WithMessage(fmt.Sprintf("no premium index for %s", symbol)),
		)
	}
	price, err := decimal.NewFromString(res[0].MarkPrice)
	if err != nil {
		return decimal.Zero, errs.New(errs.CodeExchange,
			errs.WithVenue(venueName),
			errs.WithMessage("malformed mark price"),
			errs.WithCause(err),
		)
	}
	return price, nil
}

// StreamMarkPrice implements exchange.MarkStreamer over the futures
// websocket. The returned channel closes when ctx is cancelled.
func (c *client) StreamMarkPrice(ctx context.Context, symbol string) <-chan exchange.MarkTick {
	feed := DialMarkFeed(ctx, symbol, c.testnet)
	out := make(chan exchange.MarkTick, 16)
	go func() {
		defer close(out)
		for update := range feed.Updates() {
			tick := exchange.MarkTick{Symbol: update.Symbol, Price: update.Price, At: update.At}
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *client) Close() error { return nil }

// mapError translates Binance API errors into the shared envelope.
func mapError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return errs.New(errs.CodeNetwork,
			errs.WithVenue(venueName),
			errs.WithMessage("binance request failed"),
			errs.WithCause(err),
		)
	}

	code := errs.CodeExchange
	switch apiErr.Code {
	case -2014, -2015, -1022:
		code = errs.CodeCredentials
	case -1003:
		code = errs.CodeRateLimited
	case -2011, -2013:
		code = errs.CodeNotFound
	}
	return errs.New(code,
		errs.WithVenue(venueName),
		errs.WithRawCode(strconv.FormatInt(apiErr.Code, 10)),
		errs.WithRawMessage(apiErr.Message),
		errs.WithCause(err),
	)
}

var (
	_ exchange.Dialer       = (*Dialer)(nil)
	_ exchange.Client       = (*client)(nil)
	_ exchange.MarkStreamer = (*client)(nil)
)
