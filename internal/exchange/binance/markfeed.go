package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const (
	streamURL        = "wss://fstream.binance.com/ws"
	streamTestnetURL = "wss://stream.binancefuture.com/ws"

	feedReadLimit            = 1 * 1024 * 1024
	feedPingInterval         = 30 * time.Second
	feedPingTimeout          = 5 * time.Second
	feedMaxReconnectInterval = 30 * time.Second
)

// MarkPriceUpdate is one tick of the venue mark price stream.
type MarkPriceUpdate struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

type markPriceEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// MarkFeed streams mark price updates for one symbol over the futures
// websocket, reconnecting with exponential backoff until closed.
type MarkFeed struct {
	url     string
	updates chan MarkPriceUpdate
	cancel  context.CancelFunc
	done    chan struct{}
}

// DialMarkFeed starts a mark price stream for symbol. Updates arrive roughly
// once a second; slow consumers drop ticks rather than stall the reader.
func DialMarkFeed(ctx context.Context, symbol string, testnet bool) *MarkFeed {
	base := streamURL
	if testnet {
		base = streamTestnetURL
	}
	feedCtx, cancel := context.WithCancel(ctx)
	f := &MarkFeed{
		url:     fmt.Sprintf("%s/%s@markPrice@1s", base, strings.ToLower(symbol)),
		updates: make(chan MarkPriceUpdate, 16),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go f.run(feedCtx)
	return f
}

// Updates returns the tick channel. It is closed when the feed stops.
func (f *MarkFeed) Updates() <-chan MarkPriceUpdate { return f.updates }

// Close stops the feed and waits for the reader to exit.
func (f *MarkFeed) Close() {
	f.cancel()
	<-f.done
}

func (f *MarkFeed) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.updates)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = feedMaxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, f.url, nil)
		if err != nil {
			if !f.sleep(ctx, backoffCfg) {
				return
			}
			continue
		}
		conn.SetReadLimit(feedReadLimit)
		backoffCfg.Reset()

		err = f.consume(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if errors.Is(err, context.Canceled) {
			return
		}
		if !f.sleep(ctx, backoffCfg) {
			return
		}
	}
}

func (f *MarkFeed) sleep(ctx context.Context, b *backoff.ExponentialBackOff) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		d = feedMaxReconnectInterval
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (f *MarkFeed) consume(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(connCtx, feedPingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.Read(connCtx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("mark feed: remote closed with status %d", status)
			}
			return fmt.Errorf("mark feed read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var evt markPriceEvent
		if err := json.Unmarshal(data, &evt); err != nil || evt.EventType != "markPriceUpdate" {
			continue
		}
		price, err := decimal.NewFromString(evt.MarkPrice)
		if err != nil {
			continue
		}

		update := MarkPriceUpdate{
			Symbol: evt.Symbol,
			Price:  price,
			At:     time.UnixMilli(evt.EventTime),
		}
		select {
		case f.updates <- update:
		default:
		}
	}
}
