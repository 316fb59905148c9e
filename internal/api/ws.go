package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // local API only
}

// Event is one tunnel lifecycle notification pushed to subscribers.
type Event struct {
	Type string    `json:"type"` // peer_updated, peer_removed
	Peer string    `json:"peer,omitempty"`
	Time time.Time `json:"time"`
}

// EventHub fans tunnel events out to websocket subscribers.
type EventHub struct {
	subscribers map[*websocket.Conn]chan Event
	mu          sync.Mutex
	log         *slog.Logger
}

// NewEventHub creates an event hub.
func NewEventHub(log *slog.Logger) *EventHub {
	return &EventHub{
		subscribers: make(map[*websocket.Conn]chan Event),
		log:         log.With("component", "events"),
	}
}

// Publish delivers an event to every subscriber, dropping it for
// subscribers that cannot keep up.
func (h *EventHub) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// HandleSubscribe upgrades the request and streams events until the
// client goes away.
func (h *EventHub) HandleSubscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}

	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subscribers[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subscribers, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for event := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
