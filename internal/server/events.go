package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"nhooyr.io/websocket"

	"github.com/scrypster/ltm/internal/engine"
	"github.com/scrypster/ltm/pkg/types"
)

// EventHub fans committed engine events out to websocket subscribers.
// A subscriber may narrow the stream to one owner with ?user_id=&scope=.
type EventHub struct {
	logger *log.Logger

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

type subscriber struct {
	owner *types.Owner // nil receives every event
	send  chan []byte
}

func (s *subscriber) wants(ev engine.Event) bool {
	return s.owner == nil || *s.owner == ev.Owner
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *log.Logger) *EventHub {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &EventHub{
		logger:  logger.WithPrefix("events"),
		clients: make(map[*subscriber]struct{}),
	}
}

// Publish sends ev to every interested subscriber. Subscribers whose buffer
// is full are dropped rather than blocking the publisher.
func (h *EventHub) Publish(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("dropped slow subscriber")
		}
	}
}

// Len returns the number of connected subscribers.
func (h *EventHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *EventHub) register(c *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *EventHub) unregister(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and streams events until either side
// goes away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := &subscriber{send: make(chan []byte, 64)}
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		owner := types.NewOwner(userID, r.URL.Query().Get("scope"))
		sub.owner = &owner
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	if !h.register(sub) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.logger.Debug("subscriber connected", "owner", sub.owner)

	// Incoming messages are ignored; CloseRead reports disconnects.
	ctx := conn.CloseRead(context.Background())

	for {
		select {
		case msg, ok := <-sub.send:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.unregister(sub)
				return
			}
		case <-ctx.Done():
			h.unregister(sub)
			return
		}
	}
}
