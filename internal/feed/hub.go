// Package feed fans processed exchanges out to live admin subscribers.
package feed

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/line-relay/backend/pkg/logger"
)

const subscriberBuffer = 16

const (
	TypeExchange = "exchange"
	TypeHandover = "handover"
	TypeFollow   = "follow"
	TypeImage    = "image"
)

type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	Message    string    `json:"message,omitempty"`
	Reply      string    `json:"reply,omitempty"`
	Route      string    `json:"route,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

// Subscription receives events until it is unsubscribed or the hub closes.
// A non-empty UserID limits it to that user's events.
type Subscription struct {
	C      chan Event
	UserID string
}

type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

func (h *Hub) Subscribe(userID string) *Subscription {
	s := &Subscription{C: make(chan Event, subscriberBuffer), UserID: userID}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	logger.Debug("Feed subscriber added", zap.String("user_filter", userID), zap.Int("subscribers", n))
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.C)
	}
}

// Publish delivers ev to every matching subscriber without blocking. Slow
// subscribers miss events.
func (h *Hub) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		if s.UserID != "" && s.UserID != ev.UserID {
			continue
		}
		select {
		case s.C <- ev:
		default:
			logger.Warn("Feed subscriber full, dropping event", zap.String("event_id", ev.ID))
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unsubscribes everyone.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.C)
	}
}
