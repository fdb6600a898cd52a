// Package events implements the in-process event stream for plugin-emitted
// events. Plugins publish through the sandbox API; external subscribers
// (websocket gateway, tests) receive tagged copies.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Event is one plugin-emitted event, tagged with the plugin id.
type Event struct {
	ID       uuid.UUID `json:"id"`
	PluginID string    `json:"plugin_id"`
	Name     string    `json:"name"`
	Data     any       `json:"data,omitempty"`
	Time     time.Time `json:"time"`
}

// Bus fans plugin events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event (the stream is advisory
// observability, not a durable queue).
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	logger  *slog.Logger
	dropped prometheus.Counter // nil = not recorded
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]chan Event),
		logger: logger,
	}
}

// WithDropCounter records dropped events on the given counter.
func (b *Bus) WithDropCounter(c prometheus.Counter) *Bus {
	b.dropped = c
	return b
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus an unsubscribe function. The channel is closed
// on unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			if b.dropped != nil {
				b.dropped.Inc()
			}
			b.logger.Warn("event dropped for slow subscriber",
				slog.String("plugin_id", evt.PluginID),
				slog.String("event", evt.Name),
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
