// Package wsbroker is the WS Broker (§4.13): it fans out normalized
// agent/pipeline events to connected WebSocket clients, broadcasting to
// everyone or targeting a single user's connections. Grounded on the
// gorilla/websocket usage surfaced by goa-ai's generated HTTP server
// (example/cmd/assistant/http.go, websocket.Upgrader), adapted from a
// single generated-service upgrade point into a small hand-rolled
// hub/connection pair since this spec has no code-gen layer of its own.
package wsbroker

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The HTTP API's own CORS middleware (github.com/rs/cors) governs
	// which origins may reach this handler at all, so the upgrade itself
	// does not re-check Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// Event is what gets marshaled to each connected client.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type conn struct {
	ws     *websocket.Conn
	userID string
	send   chan Event
}

// Broker owns the set of live WebSocket connections.
type Broker struct {
	mu    sync.Mutex
	conns map[*conn]struct{}
}

func New() *Broker {
	return &Broker{conns: make(map[*conn]struct{})}
}

// Upgrade promotes an HTTP request to a WebSocket connection tagged with
// userID (supplied by the caller; the HTTP API takes it from the "user"
// query parameter), and starts its write pump.
func (b *Broker) Upgrade(w http.ResponseWriter, r *http.Request, userID string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &conn{ws: ws, userID: userID, send: make(chan Event, 64)}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	go b.writePump(c)
	go b.readPump(c)
	return nil
}

// readPump only exists to notice the client closing the connection;
// this broker is server-push only, so any inbound frame is discarded.
func (b *Broker) readPump(c *conn) {
	defer b.remove(c)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broker) writePump(c *conn) {
	defer func() {
		_ = c.ws.Close()
	}()
	for ev := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteJSON(ev); err != nil {
			slog.Warn("ws write failed, dropping connection", "user_id", c.userID, "error", err)
			return
		}
	}
}

func (b *Broker) remove(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[c]; ok {
		delete(b.conns, c)
		close(c.send)
	}
}

// Emit broadcasts eventType/data to every connected client.
func (b *Broker) Emit(eventType string, data any) {
	b.fanOut(func(c *conn) bool { return true }, eventType, data)
}

// EmitToUser broadcasts only to connections tagged with userID.
func (b *Broker) EmitToUser(userID, eventType string, data any) {
	b.fanOut(func(c *conn) bool { return c.userID == userID }, eventType, data)
}

func (b *Broker) fanOut(match func(*conn) bool, eventType string, data any) {
	ev := Event{Type: eventType, Data: data}
	b.mu.Lock()
	targets := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		if match(c) {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- ev:
		default:
			// Slow client: drop this event rather than block every other
			// subscriber; historical replay for pipeline streams is the
			// Event Bus's job (internal/eventbus), not this broker's.
			slog.Warn("ws send buffer full, dropping event", "user_id", c.userID, "event_type", eventType)
		}
	}
}

// ConnectionCount reports the number of live connections, for metrics.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
