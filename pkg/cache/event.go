package cache

import (
	"flag"
	"fmt"
	"sync"
)

var eventBuffer = flag.Int("cache_event_buffer", 64,
	"Events buffered per cache event subscriber; events for a full subscriber are dropped.")

// Event is one of UnableToLoad, UnableToSave, MaxCountExceeded or MaxLifetimeExceeded.
type Event interface {
	String() string
	isEvent()
}

// UnableToLoad reports that a persisted store could not be decoded; the cache started empty.
type UnableToLoad struct {
	Location string
	Err      error
}

// UnableToSave reports a failed write; the store stays dirty and the next save retries.
type UnableToSave struct {
	Location string
	Err      error
}

// MaxCountExceeded reports entries evicted by a MaxItemCount policy.
type MaxCountExceeded struct{ Evicted int }

// MaxLifetimeExceeded reports entries evicted by a MaxItemLifetime policy.
type MaxLifetimeExceeded struct{ Evicted int }

func (e UnableToLoad) String() string {
	return fmt.Sprintf("unable to load from %s: %v", e.Location, e.Err)
}
func (e UnableToSave) String() string {
	return fmt.Sprintf("unable to save to %s: %v", e.Location, e.Err)
}
func (e MaxCountExceeded) String() string {
	return fmt.Sprintf("max count exceeded, evicted %d", e.Evicted)
}
func (e MaxLifetimeExceeded) String() string {
	return fmt.Sprintf("max lifetime exceeded, evicted %d", e.Evicted)
}

func (UnableToLoad) isEvent()        {}
func (UnableToSave) isEvent()        {}
func (MaxCountExceeded) isEvent()    {}
func (MaxLifetimeExceeded) isEvent() {}

// Hub broadcasts events to any number of subscribers. Publishing never blocks: a subscriber whose buffer is full
// misses the event. Events published before anyone ever subscribed, such as load failures reported while the cache
// is being created, are kept (up to the buffer size) and handed to the first subscriber.
type Hub struct {
	cache       string // Cache identifier, for metrics.
	buffer      int
	mux         sync.Mutex
	nextID      int
	subscribers map[int]chan Event
	early       []Event // Published before the first subscription.
	closed      bool
}

func newHub(cache string, buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	return &Hub{cache: cache, buffer: buffer, subscribers: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving every event published from now on, and a function that cancels the
// subscription and closes the channel. Subscribing to a closed hub returns a closed channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mux.Lock()
	defer h.mux.Unlock()

	events := make(chan Event, h.buffer)
	if h.closed {
		close(events)
		return events, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subscribers[id] = events
	if id == 0 {
		for _, event := range h.early {
			events <- event
		}
		h.early = nil
	}
	return events, func() {
		h.mux.Lock()
		defer h.mux.Unlock()
		if subscriber, exists := h.subscribers[id]; exists {
			delete(h.subscribers, id)
			close(subscriber)
		}
	}
}

func (h *Hub) publish(events ...Event) {
	h.mux.Lock()
	defer h.mux.Unlock()

	if h.closed {
		return
	}
	for _, event := range events {
		if h.nextID == 0 {
			if len(h.early) < h.buffer {
				h.early = append(h.early, event)
			} else {
				droppedEventsMetric.WithLabelValues(h.cache).Inc()
			}
			continue
		}
		for _, subscriber := range h.subscribers {
			select {
			case subscriber <- event:
			default:
				droppedEventsMetric.WithLabelValues(h.cache).Inc()
			}
		}
	}
}

// Close closes every subscriber channel. Later publishes are dropped silently.
func (h *Hub) Close() {
	h.mux.Lock()
	defer h.mux.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, subscriber := range h.subscribers {
		delete(h.subscribers, id)
		close(subscriber)
	}
}
