package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"voicebridge/internal/session"
)

// StatsSource supplies the live census shown on the dashboard.
type StatsSource interface {
	Snapshot() session.Stats
}

// message is the server→client envelope.
type message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans lifecycle events and stats out to dashboard WebSocket clients. It
// also implements session.Notifier, so it can sit next to the webhook
// dispatcher on the session event path.
type Hub struct {
	log      *slog.Logger
	stats    StatsSource
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	clients    map[*client]bool
}

func NewHub(stats StatsSource, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:   log,
		stats: stats,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		clients:    map[*client]bool{},
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case data := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow consumer: drop it rather than stall the hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Notify translates session lifecycle events into dashboard pushes.
func (h *Hub) Notify(event string, data map[string]any) {
	// call.state_changed -> call_state_changed, etc.
	h.push(strings.ReplaceAll(event, ".", "_"), data)
	if h.stats != nil {
		h.push("stats_updated", h.stats.Snapshot())
	}
}

func (h *Hub) push(msgType string, data any) {
	raw, err := json.Marshal(message{Type: msgType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		h.log.Error("dashboard marshal failed", "type", msgType, "err", err)
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.log.Warn("dashboard broadcast queue full")
	}
}

// Handle serves /dashboard.
func (h *Hub) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("dashboard upgrade failed", "err", err)
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, 32)}
	h.register <- cl

	go cl.writePump()
	h.readPump(cl)
}

func (h *Hub) readPump(cl *client) {
	defer func() {
		h.unregister <- cl
		_ = cl.conn.Close()
	}()
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		switch req.Type {
		case "ping":
			h.reply(cl, "pong", nil)
		case "get_stats":
			if h.stats != nil {
				h.reply(cl, "stats_updated", h.stats.Snapshot())
			}
		}
	}
}

func (h *Hub) reply(cl *client, msgType string, data any) {
	raw, err := json.Marshal(message{Type: msgType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	select {
	case cl.send <- raw:
	default:
	}
}

func (cl *client) writePump() {
	defer cl.conn.Close()
	for data := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
