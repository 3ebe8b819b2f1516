package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/spotexchange/internal/models"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Authenticator resolves a bearer token to a user id
type Authenticator func(token string) (int, error)

type client struct {
	userID int // 0 for anonymous connections
	conn   *websocket.Conn
	send   chan []byte
}

// Hub pushes events to websocket clients. Everyone receives the orders channel;
// a client that connected with ?token= also receives its own user channel.
type Hub struct {
	log          *zap.Logger
	authenticate Authenticator
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(log *zap.Logger, authenticate Authenticator) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:          log,
		authenticate: authenticate,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS is enforced by the router
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeWS upgrades the connection and blocks until the client goes away
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := 0
	if token := r.URL.Query().Get("token"); token != "" && h.authenticate != nil {
		id, err := h.authenticate(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("websocket client connected", zap.Int("user_id", userID))

	go h.writePump(c)
	h.readPump(c)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers events without blocking. A client whose buffer is full misses the message.
func (h *Hub) Publish(ctx context.Context, events ...models.Event) {
	for _, ev := range events {
		for _, ch := range Route(ev) {
			data, err := Encode(ch, ev)
			if err != nil {
				h.log.Error("failed to encode event", zap.String("type", string(ev.Type)), zap.Error(err))
				continue
			}
			h.broadcast(ch, data)
		}
	}
}

func (h *Hub) broadcast(channel string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if channel != OrdersChannel && (c.userID == 0 || channel != UserChannel(c.userID)) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping message for slow client", zap.Int("user_id", c.userID), zap.String("channel", channel))
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients never send anything we act on; reading keeps pongs and close frames flowing
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("failed to send message", zap.Int("user_id", c.userID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
