package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"netauth/pkg/model"
)

const (
	EventAudit    = "audit"
	EventApply    = "apply"
	EventApplyAll = "apply_all"

	writeWait  = 10 * time.Second
	sendBuffer = 32
)

// Event is pushed to every UI subscriber.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// EventHub fans apply results and audit entries out to websocket clients.
type EventHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	log      zerolog.Logger
}

func NewEventHub(logger zerolog.Logger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: map[*subscriber]struct{}{},
		log:  logger.With().Str("component", "events").Logger(),
	}
}

// HandleEvents upgrades the request and streams events until the client
// goes away.
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("client", clientIP(r)).Msg("ws upgrade failed")
		return
	}
	sub := &subscriber{conn: c, send: make(chan Event, sendBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("client", clientIP(r)).Msg("event subscriber connected")

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

// Publish queues ev for every subscriber. Slow subscribers are dropped.
func (h *EventHub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.send <- ev:
		default:
			go h.remove(sub)
		}
	}
}

// PublishAudit is an audit.Recorder callback.
func (h *EventHub) PublishAudit(e model.AuditEntry) {
	h.Publish(Event{Type: EventAudit, Payload: e})
}

// Subscribers returns the number of connected clients.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *EventHub) writeLoop(sub *subscriber) {
	defer h.remove(sub)
	for ev := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// readLoop drains control frames and notices the client closing.
func (h *EventHub) readLoop(sub *subscriber) {
	defer h.remove(sub)
	for {
		if _, _, err := sub.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *EventHub) remove(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
		close(sub.send)
	}
	h.mu.Unlock()
	if ok {
		_ = sub.conn.Close()
		h.log.Debug().Msg("event subscriber disconnected")
	}
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		h.remove(sub)
	}
}
