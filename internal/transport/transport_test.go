package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

var upgrader = websocket.Upgrader{}

// TestDispatchesRecognizedEventsOnly verifies only the five recognized
// event kinds reach the handler, and both the "event" and "event_type"
// tag fields are accepted.
func TestDispatchesRecognizedEventsOnly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage() // initial subscribe frame

		conn.WriteJSON(map[string]string{"event_type": "book", "asset_id": "A"})
		conn.WriteJSON(map[string]string{"event": "price_change", "asset_id": "A"})
		conn.WriteJSON(map[string]string{"event_type": "new_market", "asset_id": "A"})
		conn.WriteMessage(websocket.TextMessage, []byte("PONG"))

		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	var mu sync.Mutex
	var kinds []string
	handler := func(kind string, payload json.RawMessage) {
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	}

	tr := New(wsURL, handler, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(kinds)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for dispatched events, got %v", kinds)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	got := append([]string(nil), kinds...)
	mu.Unlock()

	if len(got) != 2 || got[0] != "book" || got[1] != "price_change" {
		t.Fatalf("expected [book price_change], got %v", got)
	}

	tr.Stop()
	cancel()
	<-done
}

// TestSubscribeTracksIDsBeforeConnect verifies Subscribe called before a
// connection exists does not error, and the ids are sent on connect.
func TestSubscribeTracksIDsBeforeConnect(t *testing.T) {
	t.Parallel()

	received := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame struct {
			AssetsIds []string `json:"assets_ids"`
		}
		conn.ReadJSON(&frame)
		received <- frame.AssetsIds
		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr := New(wsURL, func(string, json.RawMessage) {}, testLogger())
	if err := tr.Subscribe([]string{"T1", "T2"}); err != nil {
		t.Fatalf("Subscribe before connect should not error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	select {
	case ids := <-received:
		if len(ids) != 2 {
			t.Fatalf("expected 2 subscribed ids on connect, got %v", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial subscribe frame")
	}

	tr.Stop()
}

// TestStopIsIdempotentAndPreventsReconnect verifies calling Stop more than
// once does not panic and halts the reconnect loop.
func TestStopIsIdempotentAndPreventsReconnect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close() // immediate close to trigger reconnect path
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := New(wsURL, func(string, json.RawMessage) {}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	tr.Stop()
	tr.Stop() // must not panic

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
