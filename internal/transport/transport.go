// Package transport maintains a reconnecting WebSocket subscription to
// the market-data channel and dispatches decoded events to a single
// callback.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	keepaliveInterval = 10 * time.Second
	reconnectWait     = 5 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// state values for the transport's connection state machine.
const (
	stateConnecting int32 = iota
	stateOpen
	stateClosed
	stateStopping
	stateStopped
)

// eventTypes lists the only event kinds dispatched to the callback; every
// other event (or unrecognized field) is dropped.
var eventTypes = map[string]bool{
	"book":             true,
	"price_change":     true,
	"tick_size_change": true,
	"last_trade_price": true,
	"best_bid_ask":     true,
}

// Handler receives one decoded market event, identified by kind and its
// raw JSON payload.
type Handler func(kind string, payload json.RawMessage)

// StreamTransport maintains a single WebSocket connection to the market
// channel, auto-reconnecting on close and re-subscribing to everything
// currently tracked.
type StreamTransport struct {
	url     string
	handler Handler
	logger  *slog.Logger

	state atomic.Int32

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu sync.RWMutex
	subs  map[string]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}

	onReconnect func()
}

// OnReconnect registers a hook invoked each time the connection drops and
// a reconnect attempt is about to be scheduled (never on the initial
// connect, and never on a deliberate Stop). Intended for metrics; must
// not block.
func (t *StreamTransport) OnReconnect(fn func()) {
	t.onReconnect = fn
}

// New creates a StreamTransport pointed at a market-channel WebSocket URL
// (e.g. wss://ws-subscriptions-clob.polymarket.com/ws/market). handler is
// invoked for every dispatched event; it must not block on external work.
func New(wsURL string, handler Handler, logger *slog.Logger) *StreamTransport {
	return &StreamTransport{
		url:     wsURL,
		handler: handler,
		logger:  logger.With("component", "transport"),
		subs:    make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Run connects and maintains the connection with fixed-interval
// reconnection, blocking until ctx is cancelled or Stop is called.
func (t *StreamTransport) Run(ctx context.Context) error {
	t.state.Store(stateConnecting)

	for {
		err := t.connectAndRead(ctx)

		if t.state.Load() == stateStopping || ctx.Err() != nil {
			t.state.Store(stateStopped)
			return err
		}

		t.state.Store(stateClosed)
		t.logger.Warn("stream disconnected, reconnecting", "error", err, "wait", reconnectWait)
		if t.onReconnect != nil {
			t.onReconnect()
		}

		select {
		case <-ctx.Done():
			t.state.Store(stateStopped)
			return ctx.Err()
		case <-t.stopCh:
			t.state.Store(stateStopped)
			return nil
		case <-time.After(reconnectWait):
		}

		t.state.Store(stateConnecting)
	}
}

// Stop idempotently signals shutdown: no further reconnect attempts occur
// and the current socket, if any, is closed.
func (t *StreamTransport) Stop() {
	t.stopOnce.Do(func() {
		t.state.Store(stateStopping)
		close(t.stopCh)
		t.connMu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.connMu.Unlock()
	})
}

// Subscribe adds asset ids to the tracked set and, if connected, sends an
// incremental subscribe frame.
func (t *StreamTransport) Subscribe(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	t.subMu.Lock()
	for _, id := range ids {
		t.subs[id] = struct{}{}
	}
	t.subMu.Unlock()

	return t.writeJSON(map[string]any{
		"assets_ids": ids,
		"operation":  "subscribe",
	})
}

// Unsubscribe removes asset ids from the tracked set and, if connected,
// sends the mirror unsubscribe frame.
func (t *StreamTransport) Unsubscribe(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	t.subMu.Lock()
	for _, id := range ids {
		delete(t.subs, id)
	}
	t.subMu.Unlock()

	return t.writeJSON(map[string]any{
		"assets_ids": ids,
		"operation":  "unsubscribe",
	})
}

func (t *StreamTransport) trackedIDs() []string {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	return ids
}

func (t *StreamTransport) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	defer func() {
		t.connMu.Lock()
		conn.Close()
		t.conn = nil
		t.connMu.Unlock()
	}()

	if err := t.writeJSON(map[string]any{
		"assets_ids": t.trackedIDs(),
		"type":       "market",
	}); err != nil {
		return fmt.Errorf("initial subscribe: %w", err)
	}

	t.state.Store(stateOpen)
	t.logger.Info("stream connected")

	keepaliveCtx, cancelKeepalive := context.WithCancel(ctx)
	defer cancelKeepalive()
	go t.keepalive(keepaliveCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		t.dispatch(msg)
	}
}

func (t *StreamTransport) keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.writeRaw([]byte("PING")); err != nil {
				t.logger.Warn("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

func (t *StreamTransport) dispatch(msg []byte) {
	if string(msg) == "PONG" {
		return
	}

	var single json.RawMessage
	if err := json.Unmarshal(msg, &single); err != nil {
		t.logger.Debug("ignoring non-json frame", "frame", string(msg))
		return
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(single, &batch); err != nil {
		batch = []json.RawMessage{single}
	}

	for _, item := range batch {
		t.dispatchOne(item)
	}
}

func (t *StreamTransport) dispatchOne(item json.RawMessage) {
	var envelope struct {
		Event     string `json:"event"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(item, &envelope); err != nil {
		t.logger.Debug("ignoring malformed event", "error", err)
		return
	}

	kind := envelope.EventType
	if kind == "" {
		kind = envelope.Event
	}

	if !eventTypes[kind] {
		t.logger.Debug("dropping unrecognized event", "kind", kind)
		return
	}

	t.handler(kind, item)
}

func (t *StreamTransport) writeJSON(v any) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return nil // not yet connected; state is recorded for the next connect
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(v)
}

func (t *StreamTransport) writeRaw(data []byte) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("not connected")
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
