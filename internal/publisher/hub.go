package publisher

import (
	"context"
	"log/slog"
	"sync"
)

// Hub fans markers out to in-process subscribers. Every subscriber has its
// own buffered channel; a full channel drops the marker for that subscriber
// only, so a slow consumer never blocks the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Marker
	nextID int
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Marker)}
}

// Subscribe registers a subscriber with the given buffer size. cancel
// unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Marker, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Marker, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast delivers m to every subscriber without blocking.
func (h *Hub) Broadcast(m Marker) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- m:
		default:
			markersDropped.WithLabelValues("hub").Inc()
			slog.Debug("Marker dropped for slow subscriber", "subscriber", id, "value", m.Value)
		}
	}
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.closed = true
}

// Publisher returns a Publisher broadcasting on the hub under sourceID.
func (h *Hub) Publisher(sourceID string) Publisher {
	return &hubPublisher{hub: h, sourceID: sourceID}
}

type hubPublisher struct {
	hub      *Hub
	sourceID string
}

func (p *hubPublisher) SourceID() string { return p.sourceID }

func (p *hubPublisher) Publish(ctx context.Context, value int) error {
	p.hub.Broadcast(newMarker(p.sourceID, value))
	markersPublished.WithLabelValues("hub").Inc()
	return nil
}

// Close leaves the hub running; it outlives sessions.
func (p *hubPublisher) Close() error { return nil }
