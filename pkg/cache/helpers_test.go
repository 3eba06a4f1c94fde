package cache

import (
	"sync"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mux sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.now = c.now.Add(d)
}

// eventRecorder collects events sent to a storage sink.
type eventRecorder struct {
	mux    sync.Mutex
	events []Event
}

func (r *eventRecorder) record(events ...Event) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.events = append(r.events, events...)
}

func (r *eventRecorder) all() []Event {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]Event(nil), r.events...)
}

// fakeDelegate remembers the diagnostics it was handed.
type fakeDelegate struct {
	mux    sync.Mutex
	debugs []string
	errors []error
}

func (d *fakeDelegate) LogDebug(msg string, _ error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.debugs = append(d.debugs, msg)
}

func (d *fakeDelegate) LogError(_ string, err error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.errors = append(d.errors, err)
}

func (d *fakeDelegate) loggedErrors() []error {
	d.mux.Lock()
	defer d.mux.Unlock()
	return append([]error(nil), d.errors...)
}
