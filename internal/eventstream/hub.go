// Package eventstream bridges a bot's event bus topic onto a WebSocket
// for the control plane's live views: a handshake frame, typed update
// frames, and ping/pong liveness, with one write goroutine per
// connection.
package eventstream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lookoupai/chainmakes-go/internal/eventbus"
	"github.com/lookoupai/chainmakes-go/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handshake is the first frame sent on every connection.
type handshake struct {
	Type string        `json:"type"`
	Data handshakeData `json:"data"`
}

type handshakeData struct {
	BotID   int64           `json:"bot_id"`
	BotName string          `json:"bot_name"`
	Status  store.BotStatus `json:"status"`
}

// wireMessage is every subsequent frame's shape.
type wireMessage struct {
	Type      eventbus.Kind `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      interface{}   `json:"data"`
}

// Serve upgrades an HTTP request to a WebSocket, sends the
// connection_established handshake, then bridges the bot's Event Bus
// topic to the socket until the peer disconnects.
func Serve(w http.ResponseWriter, r *http.Request, botID int64, bot *store.Bot, bus *eventbus.Bus, log zerolog.Logger) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := bus.Subscribe(botID)
	defer sub.Close()

	hs := handshake{Type: "connection_established", Data: handshakeData{BotID: botID, BotName: bot.Name, Status: bot.Status}}
	if err := writeJSON(conn, hs); err != nil {
		conn.Close()
		return err
	}

	// gorilla connections allow one writer at a time, so readPump never
	// writes: ping probes are relayed to writePump over pongCh.
	done := make(chan struct{})
	pongCh := make(chan struct{}, 4)
	go readPump(conn, done, pongCh)
	writePump(conn, sub, done, pongCh)
	conn.Close()
	return nil
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// readPump exists only to observe {"type":"ping"} liveness probes and
// the connection closing; it does not accept control commands.
func readPump(conn *websocket.Conn, done chan struct{}, pongCh chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case pongCh <- struct{}{}:
			default:
			}
		}
	}
}

// writePump relays bus messages to the socket and sends an idle
// keepalive ping on its own ticker.
func writePump(conn *websocket.Conn, sub *eventbus.Subscriber, done chan struct{}, pongCh <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub.Ch:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg := wireMessage{Type: evt.Type, Timestamp: evt.Timestamp, Data: evt.Data}
			if err := writeJSON(conn, msg); err != nil {
				return
			}
		case <-pongCh:
			pong := struct {
				Type      string    `json:"type"`
				Timestamp time.Time `json:"timestamp"`
			}{Type: "pong", Timestamp: time.Now()}
			if err := writeJSON(conn, pong); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
