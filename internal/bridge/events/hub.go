package events

import (
	"log/slog"
	"sync"
)

// DefaultMaxDrops is how many consecutive events a subscriber may miss
// before the hub treats it as dead and removes it.
const DefaultMaxDrops = 64

// Hub fans events out to a dynamic set of observers. Each observer has
// its own buffer; a slow or dead observer loses events without delaying
// the others.
type Hub struct {
	mu         sync.Mutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	maxDrops   int
}

// NewHub creates a hub whose subscribers buffer bufferSize events.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
		maxDrops:   DefaultMaxDrops,
	}
}

// Subscription is one observer's feed. Events is closed when the
// subscription ends, either by Close or because the hub dropped it.
type Subscription struct {
	id    uint64
	hub   *Hub
	ch    chan Event
	drops int
}

// Subscribe registers a new observer.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{id: h.nextID, hub: h, ch: make(chan Event, h.bufferSize)}
	h.subs[sub.id] = sub
	return sub
}

// Events returns the observer's channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *Hub) removeLocked(id uint64) {
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Publish implements Sink.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		select {
		case sub.ch <- event:
			sub.drops = 0
		default:
			sub.drops++
			if sub.drops >= h.maxDrops {
				slog.Warn("[Hub] Removing unresponsive observer", "subscriber", id, "dropped", sub.drops)
				h.removeLocked(id)
			} else {
				slog.Debug("[Hub] Observer buffer full, event dropped", "subscriber", id, "type", event.Type)
			}
		}
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
