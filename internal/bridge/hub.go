// Package bridge streams events to websocket subscribers as JSON.
package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luma/esl/client"
	"github.com/luma/esl/protocol"
)

const (
	// SendBufferSize is how many events a subscriber may fall behind by
	// before events are dropped for it
	SendBufferSize = 256

	writeWait = 10 * time.Second
)

type Options struct {
	// CheckOrigin is passed to the websocket upgrader, nil allows only same
	// origin requests
	CheckOrigin func(r *http.Request) bool

	Log *zap.Logger
}

// Hub is an event Handler that fans every event out to its websocket
// subscribers. A subscriber may pass ?event=NAME, repeatedly, to only receive
// those events.
type Hub struct {
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool

	log *zap.Logger
}

type subscriber struct {
	conn   *websocket.Conn
	events map[string]struct{}
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) wants(name string) bool {
	if len(s.events) == 0 {
		return true
	}

	_, ok := s.events[name]
	return ok
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func NewHub(options Options) *Hub {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     options.CheckOrigin,
		},
		subscribers: make(map[*subscriber]struct{}),
		log:         log,
	}
}

// HandleEvent queues ev for every interested subscriber. It never blocks on
// a slow subscriber.
func (h *Hub) HandleEvent(ctx context.Context, ev *protocol.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.subscribers) == 0 {
		return nil
	}

	data, err := ev.MarshalJSON()
	if err != nil {
		return err
	}

	for sub := range h.subscribers {
		if !sub.wants(ev.Name) {
			continue
		}

		select {
		case sub.send <- data:
		default:
			h.log.Warn("Subscriber is too slow, dropping event", zap.String("event", ev.Name))
		}
	}

	return nil
}

// Serve upgrades the request to a websocket and streams events to it until
// either side hangs up.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already replied
		h.log.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{
		conn:   conn,
		events: make(map[string]struct{}),
		send:   make(chan []byte, SendBufferSize),
		done:   make(chan struct{}),
	}

	for _, name := range c.QueryArray("event") {
		sub.events[name] = struct{}{}
	}

	if !h.add(sub) {
		sub.close()
		return
	}

	defer h.remove(sub)

	go h.readLoop(sub)
	h.writeLoop(sub)
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subscribers)
}

// Close hangs up on every subscriber and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for sub := range h.subscribers {
		sub.close()
	}

	return nil
}

// readLoop discards anything the subscriber sends, it is only there to
// notice the subscriber leaving.
func (h *Hub) readLoop(sub *subscriber) {
	defer sub.close()

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	defer sub.close()

	for {
		select {
		case <-sub.done:
			return

		case data := <-sub.send:
			if err := sub.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}

			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("Failed to write to subscriber", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) add(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.subscribers[sub] = struct{}{}
	h.log.Info("Subscriber connected", zap.Int("subscribers", len(h.subscribers)))

	return true
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subscribers, sub)
	h.log.Info("Subscriber disconnected", zap.Int("subscribers", len(h.subscribers)))
}

var _ client.Handler = (*Hub)(nil)
