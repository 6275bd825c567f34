// Package feed streams market trades into the aggregator.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// tradeMessage is one entry of a <symbol>@trade stream.
type tradeMessage struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"` // unix millis
}

type Config struct {
	// URL is the stream base, e.g. wss://stream.binance.com:9443/ws.
	URL    string
	Symbol string
}

// StreamURL returns the full <symbol>@trade endpoint.
func (c Config) StreamURL() string {
	return strings.TrimRight(c.URL, "/") + "/" + strings.ToLower(c.Symbol) + "@trade"
}

// TradeFeed keeps one websocket open to the trade stream, reconnecting with
// exponential backoff, and sends every trade as a PriceTick.
type TradeFeed struct {
	cfg       Config
	out       chan domain.PriceTick
	connected atomic.Bool
	logger    *slog.Logger
}

func NewTradeFeed(cfg Config, bufSize int, logger *slog.Logger) *TradeFeed {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &TradeFeed{
		cfg:    cfg,
		out:    make(chan domain.PriceTick, bufSize),
		logger: logger.With(slog.String("component", "trade_feed"), slog.String("symbol", cfg.Symbol)),
	}
}

// Ticks is closed when Run returns.
func (f *TradeFeed) Ticks() <-chan domain.PriceTick { return f.out }

func (f *TradeFeed) Connected() bool { return f.connected.Load() }

// Run streams until ctx is cancelled.
func (f *TradeFeed) Run(ctx context.Context) error {
	defer close(f.out)

	delay := reconnectDelay
	for {
		start := time.Now()
		err := f.runConnection(ctx)
		f.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		// A connection that stayed up a while resets the backoff.
		if time.Since(start) > maxReconnectDelay {
			delay = reconnectDelay
		}
		f.logger.WarnContext(ctx, "trade feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (f *TradeFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.StreamURL(), nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	f.setConnected(true)
	f.logger.InfoContext(ctx, "trade feed connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(connCtx, conn)
	go func() {
		<-connCtx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		// The exchange also pings at the app level; any frame counts as liveness.
		conn.SetReadDeadline(time.Now().Add(pongWait))

		tick, ok := ParseTrade(message)
		if !ok {
			metrics.TicksIngested.WithLabelValues("filtered").Inc()
			continue
		}
		select {
		case f.out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *TradeFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (f *TradeFeed) setConnected(v bool) {
	f.connected.Store(v)
	if v {
		metrics.FeedConnected.Set(1)
	} else {
		metrics.FeedConnected.Set(0)
	}
}

// ParseTrade decodes a trade message. Non-trade frames and non-positive
// prices are rejected.
func ParseTrade(raw []byte) (domain.PriceTick, bool) {
	var m tradeMessage
	if err := json.Unmarshal(raw, &m); err != nil || m.Event != "trade" {
		return domain.PriceTick{}, false
	}
	price, err := decimal.NewFromString(m.Price)
	if err != nil || !price.IsPositive() || m.TradeTime <= 0 {
		return domain.PriceTick{}, false
	}
	return domain.PriceTick{
		Symbol:    m.Symbol,
		Price:     price.InexactFloat64(),
		Timestamp: m.TradeTime / 1000,
	}, true
}
