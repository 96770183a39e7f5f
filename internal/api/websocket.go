package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"algotrade/internal/control"
)

// Message types pushed to WebSocket clients. Engine events use their own
// type ("fill", "status").
const (
	MessageControl  = "control"
	MessageBacktest = "backtest"
)

// Message is the wire envelope of every pushed event.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client represents a single WebSocket connection managed by a Hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages a set of WebSocket clients and broadcasts messages to all
// connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	log        *slog.Logger
}

// NewHub creates a new Hub with initialised channels and client map.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log.With("component", "hub"),
	}
}

// Run is the hub event loop. It returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client: drop it rather than stall the others.
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Publish broadcasts v under typ. Messages are dropped when the hub is
// saturated.
func (h *Hub) Publish(typ string, v any) {
	data, err := json.Marshal(Message{Type: typ, Data: v})
	if err != nil {
		h.log.Error("encoding message", "type", typ, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("hub saturated, dropping message", "type", typ)
	}
}

// handleWebSocket upgrades the connection, sends the current controls and
// then streams every published message.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}
	client := &Client{hub: s.hub, conn: conn, send: make(chan []byte, sendBuffer)}

	snapshot, err := json.Marshal(Message{
		Type: MessageControl,
		Data: control.Event{Type: control.EventSnapshot, Data: s.controlsSnapshot()},
	})
	if err == nil {
		client.send <- snapshot
	}

	select {
	case s.hub.register <- client:
	case <-s.baseCtx.Done():
		conn.Close()
		return
	}
	go client.writePump()
	client.readPump(s.baseCtx)
}

// readPump discards inbound frames and unregisters the client when the
// connection closes.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
