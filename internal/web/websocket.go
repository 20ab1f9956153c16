package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/agora/internal/natsbus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscriber is the part of the bus client the hub listens on.
type Subscriber interface {
	Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	filter eventFilter
}

// eventFilter narrows a client's stream by event type, agent or status.
type eventFilter struct {
	Type   string
	Agent  string
	Status string
}

func (f eventFilter) match(ev natsbus.Event) bool {
	return (f.Type == "" || f.Type == ev.Type) &&
		(f.Agent == "" || f.Agent == ev.AgentName) &&
		(f.Status == "" || f.Status == ev.Status)
}

type broadcast struct {
	event natsbus.Event
	data  []byte
}

// Hub fans bus events out to websocket clients. Slow clients are
// disconnected instead of blocking the others.
type Hub struct {
	clients   map[*client]struct{}
	broadcast chan broadcast
	mu        sync.RWMutex
	log       *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:   make(map[*client]struct{}),
		broadcast: make(chan broadcast, 256),
		log:       log,
	}
}

// Attach forwards every events.> message from sub to the hub.
func (h *Hub) Attach(sub Subscriber) (*nats.Subscription, error) {
	return sub.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		ev, err := natsbus.DecodeEvent(msg.Data)
		if err != nil {
			h.log.Warn("invalid event payload", "subject", msg.Subject, "error", err)
			return
		}
		h.Publish(ev, msg.Data)
	})
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case b := <-h.broadcast:
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				if !c.filter.match(b.event) {
					continue
				}
				select {
				case c.send <- b.data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range slow {
				h.log.Warn("websocket client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
				h.unregister(c)
			}
		}
	}
}

// Publish queues an encoded event for delivery. It never blocks.
func (h *Hub) Publish(ev natsbus.Event, data []byte) {
	select {
	case h.broadcast <- broadcast{event: ev, data: data}:
	default:
		h.log.Warn("websocket broadcast channel full, dropping event")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and streams matching events until the
// client goes away. Query parameters type, agent and status filter the
// stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	q := r.URL.Query()
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		filter: eventFilter{Type: q.Get("type"), Agent: q.Get("agent"), Status: q.Get("status")},
	}
	h.register(c)

	go h.writePump(c)

	// Client messages are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
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
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
