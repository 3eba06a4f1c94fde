// Hosts may tell a cache that memory is running low, and the cache responds by shedding entries.
// This module models that host capability as a Signal that callers subscribe to. Where no such signal exists the
// capability is simply absent (a nil Signal).

package memwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Signal delivers low-memory notifications to subscribers.
type Signal interface {
	// Subscribe registers `fn` and returns a function removing it again. `fn` must not block.
	Subscribe(fn func()) (unsubscribe func())
}

// Manual is a Signal fired explicitly through Trigger.
type Manual struct { // Implements Signal.
	mux         sync.Mutex
	nextID      int
	subscribers map[int]func()
}

var _ Signal = (*Manual)(nil)

func NewManual() *Manual {
	return &Manual{subscribers: make(map[int]func())}
}

func (m *Manual) Subscribe(fn func()) func() {
	m.mux.Lock()
	defer m.mux.Unlock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mux.Lock()
			defer m.mux.Unlock()
			delete(m.subscribers, id)
		})
	}
}

// Trigger notifies every subscriber. Subscribers run outside the lock so they may unsubscribe.
func (m *Manual) Trigger() {
	m.mux.Lock()
	fns := make([]func(), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.mux.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// System polls the host for its free memory ratio and fires once each time the ratio drops below a threshold.
type System struct { // Implements Signal.
	*Manual
	probe        func() (float64, error) // Returns free/total memory.
	minFreeRatio float64
	below        bool // Whether the last probe was under the threshold; makes the signal edge triggered.
}

// newSystem starts polling `probe` every `interval` until `ctx` is done.
func newSystem(ctx context.Context, interval time.Duration, minFreeRatio float64,
	probe func() (float64, error)) *System {
	system := &System{Manual: NewManual(), probe: probe, minFreeRatio: minFreeRatio}
	go system.poll(ctx, interval)
	return system
}

func (s *System) poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

// check probes once and triggers on a falling edge.
func (s *System) check() {
	freeRatio, err := s.probe()
	if err != nil {
		slog.Debug("Failed to probe free memory.", "error", err)
		return
	}
	below := freeRatio < s.minFreeRatio
	if below && !s.below {
		slog.Warn("Host memory is low.", "freeRatio", freeRatio, "minFreeRatio", s.minFreeRatio)
		s.Trigger()
	}
	s.below = below
}
