package eventstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lookoupai/chainmakes-go/internal/eventbus"
	"github.com/lookoupai/chainmakes-go/internal/store"
)

func dialTestStream(t *testing.T, bus *eventbus.Bus) *websocket.Conn {
	t.Helper()
	bot := &store.Bot{ID: 7, Status: store.StatusRunning}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Serve(w, r, bot.ID, bot, bus, zerolog.Nop())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return frame
}

func frameType(t *testing.T, frame map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	if err := json.Unmarshal(frame["type"], &typ); err != nil {
		t.Fatalf("frame type: %v", err)
	}
	return typ
}

func TestHandshakeIsFirstFrame(t *testing.T) {
	conn := dialTestStream(t, eventbus.New())
	frame := readFrame(t, conn)
	if got := frameType(t, frame); got != "connection_established" {
		t.Fatalf("expected connection_established, got %s", got)
	}
}

func TestBusEventsAreRelayed(t *testing.T) {
	bus := eventbus.New()
	conn := dialTestStream(t, bus)
	readFrame(t, conn) // handshake

	// Serve subscribes before the handshake is written, but give the
	// goroutines a beat anyway.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(7, eventbus.SpreadUpdate, map[string]string{"spread_pct": "2.5"})

	frame := readFrame(t, conn)
	if got := frameType(t, frame); got != string(eventbus.SpreadUpdate) {
		t.Fatalf("expected spread_update, got %s", got)
	}
	if _, ok := frame["timestamp"]; !ok {
		t.Fatal("relayed frames must carry a timestamp")
	}
}

func TestPingGetsPong(t *testing.T) {
	conn := dialTestStream(t, eventbus.New())
	readFrame(t, conn) // handshake

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	frame := readFrame(t, conn)
	if got := frameType(t, frame); got != "pong" {
		t.Fatalf("expected pong, got %s", got)
	}
	if _, ok := frame["timestamp"]; !ok {
		t.Fatal("pong must carry a timestamp")
	}
}
