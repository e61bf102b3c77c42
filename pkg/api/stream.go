// Package api exposes the three transports: the order gateway, the broadcast
// event stream, and a small REST surface for dashboards.
package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	clientSendBuf   = 256
	hubBroadcastBuf = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled by the REST layer; the stream is read-only.
		return true
	},
}

// Hub fans the broadcast event feed out to every stream connection. It plugs
// into the exchange dispatcher as a single subscriber; slow clients are
// dropped here instead of backpressuring the core. The clients map is owned
// by the Run goroutine; all mutation goes through the channels.
type Hub struct {
	log *zap.Logger

	clients    map[*streamClient]bool
	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan []byte, hubBroadcastBuf),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
	}
}

func (h *Hub) ID() string { return "stream-hub" }

// Send implements the dispatcher's subscriber contract. It never reports an
// error: per-client failures are local drops, not a feed failure.
func (h *Hub) Send(frame []byte) error {
	h.broadcast <- frame
	return nil
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Info("stream client connected", zap.String("client", client.id), zap.Int("total", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.log.Info("stream client disconnected", zap.String("client", client.id), zap.Int("total", len(h.clients)))

		case frame := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- frame:
				default:
					// Send buffer full: drop the client.
					close(client.send)
					delete(h.clients, client)
					h.log.Warn("stream client dropped", zap.String("client", client.id))
				}
			}
		}
	}
}

// streamClient is one read-only stream connection.
type streamClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// readPump discards inbound frames; the stream is broadcast-only. It exists
// to notice disconnects and keep the pong handler serviced.
func (c *streamClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleStream upgrades one event stream connection.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("stream upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuf),
		id:   uuid.NewString(),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}
