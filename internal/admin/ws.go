package admin

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/unicornultrafoundation/wgstack/internal/wg"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // local API only
}

// client is one WebSocket subscriber.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) sendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// Hub fans tunnel events out to WebSocket subscribers.
type Hub struct {
	clients map[*client]struct{}
	mu      sync.RWMutex
	log     *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log.With("component", "ws"),
	}
}

// HandleConnect upgrades an API request to an event stream.
func (h *Hub) HandleConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}

	cl := &client{conn: conn}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.log.Info("event subscriber connected", "remote", conn.RemoteAddr())

	// Drain (and discard) client messages to observe the close.
	go func() {
		defer h.drop(cl)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	cl.conn.Close()
	h.log.Info("event subscriber disconnected")
}

// Broadcast sends one event to every subscriber, dropping those whose
// connection has failed.
func (h *Hub) Broadcast(ev wg.Event) {
	h.mu.RLock()
	subscribers := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		subscribers = append(subscribers, cl)
	}
	h.mu.RUnlock()

	for _, cl := range subscribers {
		if err := cl.sendJSON(ev); err != nil {
			h.drop(cl)
		}
	}
}
