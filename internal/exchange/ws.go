// ws.go implements the WebSocket tick feed for live market data.
//
// The feed subscribes by asset symbol and delivers one MarketSnapshot per
// tick message. It auto-reconnects with exponential backoff (1s → 30s max)
// and re-subscribes to all tracked symbols on reconnection. A read deadline
// (90s) ensures silent server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradepilot/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tickBufferSize   = 256              // buffer for snapshot delivery
)

// wsControlMsg is the subscribe/unsubscribe frame the feed sends upstream.
type wsControlMsg struct {
	Op      string   `json:"op"` // "subscribe" or "unsubscribe"
	Symbols []string `json:"symbols"`
}

// TickFeed manages the market-data WebSocket connection: lifecycle,
// subscription tracking, message parsing, and automatic reconnection.
type TickFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	ticks  chan types.MarketSnapshot
	logger *slog.Logger
}

// NewTickFeed creates a feed for the given WebSocket endpoint.
func NewTickFeed(wsURL string, logger *slog.Logger) *TickFeed {
	return &TickFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		ticks:      make(chan types.MarketSnapshot, tickBufferSize),
		logger:     logger.With("component", "ws_feed"),
	}
}

// Ticks returns the read-only snapshot channel.
func (f *TickFeed) Ticks() <-chan types.MarketSnapshot { return f.ticks }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *TickFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// SetSymbols replaces the tracked symbol set, unsubscribing from symbols no
// longer wanted and subscribing to new ones. Called on strategy swap.
func (f *TickFeed) SetSymbols(symbols []string) error {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	f.subscribedMu.Lock()
	var drop, add []string
	for s := range f.subscribed {
		if !want[s] {
			drop = append(drop, s)
			delete(f.subscribed, s)
		}
	}
	for s := range want {
		if !f.subscribed[s] {
			add = append(add, s)
			f.subscribed[s] = true
		}
	}
	f.subscribedMu.Unlock()

	// Not connected yet: the initial subscription on connect covers it.
	f.connMu.Lock()
	connected := f.conn != nil
	f.connMu.Unlock()
	if !connected {
		return nil
	}

	if len(drop) > 0 {
		if err := f.writeJSON(wsControlMsg{Op: "unsubscribe", Symbols: drop}); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
	}
	if len(add) > 0 {
		if err := f.writeJSON(wsControlMsg{Op: "subscribe", Symbols: add}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	return nil
}

// Close gracefully closes the connection.
func (f *TickFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TickFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Send initial subscription
	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *TickFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(wsControlMsg{Op: "subscribe", Symbols: symbols})
}

func (f *TickFeed) dispatchMessage(data []byte) {
	var snap types.MarketSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if snap.Asset == "" {
		// Control acknowledgements and heartbeats have no asset field.
		f.logger.Debug("ignoring non-tick ws message")
		return
	}

	select {
	case f.ticks <- snap:
	default:
		f.logger.Warn("tick channel full, dropping snapshot", "asset", snap.Asset)
	}
}

func (f *TickFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *TickFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TickFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
