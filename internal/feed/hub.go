package feed

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Hub bridges the redis change feed to websocket dashboard clients. One
// client watches one channel ("milestones.<id>" or "auctions.<id>"). The
// hub is strictly downstream of the engines' write path: a slow client
// gets dropped, it never blocks a writer.
type Hub struct {
	redis    *redis.Client
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

type client struct {
	channel string
	conn    *websocket.Conn
	send    chan []byte
}

func NewHub(redisClient *redis.Client, log zerolog.Logger) *Hub {
	return &Hub{
		redis: redisClient,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
	}
}

// Run subscribes to all engine channels and fans messages out until the
// context is done. Blocking; run in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.PSubscribe(ctx, "milestones.*", "auctions.*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(channel string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[channel] {
		select {
		case c.send <- payload:
		default:
			// Client cannot keep up; drop it rather than queue.
			h.dropLocked(c)
		}
	}
}

// Serve upgrades the request and streams the channel's events until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, channel string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{channel: channel, conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	if h.clients[channel] == nil {
		h.clients[channel] = make(map[*client]struct{})
	}
	h.clients[channel][c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
	return nil
}

func (h *Hub) writePump(c *client) {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.drop(c)
			return
		}
	}
}

// readPump exists to observe the close frame; inbound messages are ignored.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if set, ok := h.clients[c.channel]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			close(c.send)
			_ = c.conn.Close()
		}
		if len(set) == 0 {
			delete(h.clients, c.channel)
		}
	}
}
