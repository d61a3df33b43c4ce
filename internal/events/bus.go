// Package events provides the in-process event bus carrying job lifecycle,
// retry, scan, and cache events from the engine to its observers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/models"
)

// Filter decides whether a subscriber receives an event. A nil filter
// receives everything.
type Filter func(models.Event) bool

// TypeFilter returns a filter matching any of the given event types.
func TypeFilter(types ...models.EventType) Filter {
	set := make(map[models.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e models.Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

type subscription struct {
	id     int
	ch     chan models.Event
	filter Filter
}

// Bus is a fan-out publish/subscribe hub. Publish never blocks: each
// subscriber owns a bounded buffer and loses its oldest events first
// when it falls behind. Delivery order per subscriber follows publish
// order for the events it keeps.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	buffer  int
	closed  bool
	dropped atomic.Int64
	logger  *common.Logger
}

// NewBus creates a bus whose subscribers buffer up to bufferSize events.
func NewBus(logger *common.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		buffer: bufferSize,
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its event stream plus
// an unsubscribe func. The stream is closed on unsubscribe or bus close.
func (b *Bus) Subscribe(filter Filter) (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan models.Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	sub := &subscription{
		id:     b.nextID,
		ch:     make(chan models.Event, b.buffer),
		filter: filter,
	}
	b.subs[sub.id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// SubscribeTypes is Subscribe restricted to the given event types.
func (b *Bus) SubscribeTypes(types ...models.EventType) (<-chan models.Event, func()) {
	return b.Subscribe(TypeFilter(types...))
}

// Publish delivers the event to every matching subscriber without
// blocking. When a subscriber's buffer is full its oldest event is
// discarded to make room; the drop counter records each loss.
func (b *Bus) Publish(event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
			continue
		default:
		}
		// Buffer full. Evict the oldest entry, then try once more; a
		// concurrent reader can still win the race, so the second send
		// may also fail and the new event is dropped instead.
		select {
		case <-sub.ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			if b.logger != nil {
				b.logger.Warn().
					Str("event_type", string(event.Type)).
					Str("job_id", event.JobID).
					Msg("Event bus subscriber overrun, event dropped")
			}
		}
	}
}

// Dropped returns the total number of events discarded across all
// subscribers since the bus was created.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber stream and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
