// Stash caches values in memory, bounded by eviction policies and optionally persisted to disk.
// Cache is the public entry point: it owns one storage layer and runs the right policies around every operation.
//   - Reads purge expired entries first, so callers never observe stale-but-not-yet-evicted values.
//   - Writes apply temporal policies, then size policies, so a fresh entry is subject to the size cap right away.
//   - Removals re-apply temporal policies only; removing can't break a size cap.
//
// Misses are not errors and persistence failures are never fatal: a cache that can't write its file keeps working
// in memory and reports the problem through its events, its delegate and the logs.

package cache

import (
	"time"

	"github.com/nobletooth/stash/pkg/location"
	"github.com/nobletooth/stash/pkg/memwatch"
	"github.com/nobletooth/stash/pkg/utils"
)

// Cache is a policy governed key/value cache. It is safe for concurrent use.
type Cache[K comparable, V any] struct {
	id       string
	temporal Policies // Temporal subset of the policies, in order.
	size     Policies // Size subset of the policies, in order.
	layer    Layer[K, V]
	events   *Hub
	now      func() time.Time
}

type options struct {
	policies       Policies
	location       *location.Location
	delegate       Delegate
	saveDelay      time.Duration
	now            func() time.Time
	memoryPressure memwatch.Signal
	eventBuffer    int
}

// Option customizes a Cache created by New.
type Option func(*options)

// WithPolicies replaces the default policies. Passing no policy at all makes the cache unbounded.
func WithPolicies(policies ...Policy) Option {
	return func(o *options) { o.policies = append(Policies{}, policies...) }
}

// WithLocation persists the cache in `loc`. Without it the cache lives in memory only.
func WithLocation(loc *location.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithDelegate sets the receiver of diagnostics about recoverable failures.
func WithDelegate(delegate Delegate) Option {
	return func(o *options) { o.delegate = delegate }
}

// WithSaveDelay overrides the --cache_save_delay debounce window.
func WithSaveDelay(delay time.Duration) Option {
	return func(o *options) { o.saveDelay = delay }
}

// WithClock overrides time.Now for timestamps and lifetime checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMemoryPressure makes the cache shed half its entries whenever `signal` fires.
func WithMemoryPressure(signal memwatch.Signal) Option {
	return func(o *options) { o.memoryPressure = signal }
}

// WithEventBuffer overrides the --cache_event_buffer size of subscriber channels.
func WithEventBuffer(size int) Option {
	return func(o *options) { o.eventBuffer = size }
}

// New creates the cache `identifier`. The identifier names the cache file, so two caches sharing a location need
// distinct identifiers. If a location is given, a previously saved store is loaded before New returns.
func New[K comparable, V any](identifier string, opts ...Option) *Cache[K, V] {
	if identifier == "" {
		utils.RaiseInvariant("cache", "empty_identifier", "Cache created without an identifier.")
		identifier = "default"
	}
	o := options{policies: DefaultPolicies(), now: time.Now, eventBuffer: *eventBuffer}
	for _, opt := range opts {
		opt(&o)
	}

	events := newHub(identifier, o.eventBuffer)
	layer := newStorage[K, V](storageConfig{
		id:             identifier,
		policies:       o.policies,
		location:       o.location,
		sink:           events.publish,
		delegate:       o.delegate,
		saveDelay:      o.saveDelay,
		now:            o.now,
		memoryPressure: o.memoryPressure,
	})
	return newCache[K, V](identifier, o.policies, layer, events, o.now)
}

func newCache[K comparable, V any](id string, policies Policies, layer Layer[K, V], events *Hub,
	now func() time.Time) *Cache[K, V] {
	return &Cache[K, V]{
		id:       id,
		temporal: policies.Of(TemporalCategory),
		size:     policies.Of(SizeCategory),
		layer:    layer,
		events:   events,
		now:      now,
	}
}

// ID returns the cache identifier.
func (c *Cache[K, V]) ID() string { return c.id }

// Get returns the values stored for `keys`. Absent keys are omitted from the result.
func (c *Cache[K, V]) Get(keys ...K) map[K]V {
	if len(keys) == 0 {
		return map[K]V{}
	}
	c.layer.Apply(c.temporal)
	entries := c.layer.Items(keys, c.now())

	values := make(map[K]V, len(entries))
	for _, entry := range entries {
		values[entry.Key] = entry.Value
	}
	requested := make(map[K]struct{}, len(keys))
	for _, key := range keys {
		requested[key] = struct{}{}
	}
	lookupsMetric.WithLabelValues(c.id, "hit").Add(float64(len(values)))
	lookupsMetric.WithLabelValues(c.id, "miss").Add(float64(len(requested) - len(values)))
	return values
}

// GetOne returns the value stored for `key` and whether there was one.
func (c *Cache[K, V]) GetOne(key K) (V, bool) {
	value, found := c.Get(key)[key]
	return value, found
}

// Set stores `value` under `key`.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetAll(map[K]V{key: value})
}

// SetAll stores every key/value pair of `values`.
func (c *Cache[K, V]) SetAll(values map[K]V) {
	if len(values) == 0 {
		return
	}
	now := c.now()
	entries := make([]Entry[K, V], 0, len(values))
	for key, value := range values {
		entries = append(entries, NewEntry(key, value, now))
	}
	c.layer.Set(entries)
	c.layer.Apply(c.temporal)
	c.layer.Apply(c.size)
}

// Put is the indexed setter: a non-nil `value` is stored, a nil one removes `key`.
func (c *Cache[K, V]) Put(key K, value *V) {
	if value == nil {
		c.Remove(key)
		return
	}
	c.Set(key, *value)
}

// Remove deletes `keys`; absent keys are ignored.
func (c *Cache[K, V]) Remove(keys ...K) {
	if len(keys) == 0 {
		return
	}
	c.layer.RemoveValues(keys)
	c.layer.Apply(c.temporal)
}

// RemoveAll deletes every entry.
func (c *Cache[K, V]) RemoveAll() {
	c.layer.RemoveAll()
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.layer.Apply(c.temporal)
	return c.layer.Len()
}

// Keys returns the live keys in no particular order. Listing keys doesn't count as accessing them.
func (c *Cache[K, V]) Keys() []K {
	c.layer.Apply(c.temporal)
	return c.layer.Keys()
}

// Subscribe returns a channel of cache events and a function cancelling the subscription.
// Slow subscribers miss events rather than slowing the cache down.
func (c *Cache[K, V]) Subscribe() (<-chan Event, func()) {
	return c.events.Subscribe()
}

// Flush writes pending changes to disk now instead of waiting for the save delay.
func (c *Cache[K, V]) Flush() {
	c.layer.Save()
}

// Close flushes pending changes and closes every event subscription. The cache stays usable in memory.
func (c *Cache[K, V]) Close() {
	c.layer.Close()
	c.events.Close()
}
