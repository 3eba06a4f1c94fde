package cache

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nobletooth/stash/pkg/location"
	"github.com/nobletooth/stash/pkg/memwatch"
	"github.com/nobletooth/stash/pkg/persist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeLayer records the calls the cache makes, in order.
type fakeLayer struct {
	mux   sync.Mutex
	calls []string
	store map[string]Entry[string, int]
}

var _ Layer[string, int] = (*fakeLayer)(nil)

func newFakeLayer() *fakeLayer {
	return &fakeLayer{store: make(map[string]Entry[string, int])}
}

func (l *fakeLayer) record(call string) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.calls = append(l.calls, call)
}

func (l *fakeLayer) takeCalls() []string {
	l.mux.Lock()
	defer l.mux.Unlock()
	calls := l.calls
	l.calls = nil
	return calls
}

func (l *fakeLayer) Items(keys []string, _ time.Time) []Entry[string, int] {
	l.record(fmt.Sprintf("items%v", keys))
	var entries []Entry[string, int]
	for _, key := range keys {
		if entry, exists := l.store[key]; exists {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (l *fakeLayer) Set(entries []Entry[string, int]) {
	l.record("set")
	for _, entry := range entries {
		l.store[entry.Key] = entry
	}
}

func (l *fakeLayer) RemoveValues(keys []string) {
	l.record(fmt.Sprintf("remove%v", keys))
	for _, key := range keys {
		delete(l.store, key)
	}
}

func (l *fakeLayer) RemoveAll() {
	l.record("removeAll")
	clear(l.store)
}

func (l *fakeLayer) SetLastAccessDate([]string, time.Time) { l.record("touch") }
func (l *fakeLayer) Apply(policies Policies) { l.record(fmt.Sprintf("apply%v", policies)) }
func (l *fakeLayer) Save() { l.record("save") }
func (l *fakeLayer) MarkDirty() { l.record("dirty") }
func (l *fakeLayer) Len() int { l.record("len"); return len(l.store) }
func (l *fakeLayer) Keys() []string { l.record("keys"); return nil }
func (l *fakeLayer) Close() { l.record("close") }

func TestCache_PolicyOrchestration(t *testing.T) {
	layer := newFakeLayer()
	policies := Policies{MaxItemCount(10), MaxItemLifetime(time.Hour), MaxItemCount(5)}
	cache := newCache[string, int]("orchestration", policies, layer, newHub("orchestration", 1), time.Now)

	cache.Set("a", 1)
	assert.Equal(t, []string{"set", "apply[MaxItemLifetime(1h0m0s)]", "apply[MaxItemCount(10) MaxItemCount(5)]"},
		layer.takeCalls(), "writes apply temporal policies, then size policies")

	value, found := cache.GetOne("a")
	assert.True(t, found)
	assert.Equal(t, 1, value)
	assert.Equal(t, []string{"apply[MaxItemLifetime(1h0m0s)]", "items[a]"}, layer.takeCalls(),
		"reads purge expired entries before reading")

	cache.Remove("a", "b")
	assert.Equal(t, []string{"remove[a b]", "apply[MaxItemLifetime(1h0m0s)]"}, layer.takeCalls())

	cache.RemoveAll()
	assert.Equal(t, []string{"removeAll"}, layer.takeCalls(), "clearing applies no policy")

	cache.Flush()
	cache.Close()
	assert.Equal(t, []string{"save", "close"}, layer.takeCalls())
}

func TestCache_EmptyCallsSkipTheLayer(t *testing.T) {
	layer := newFakeLayer()
	cache := newCache[string, int]("empty-calls", DefaultPolicies(), layer, newHub("empty-calls", 1), time.Now)
	assert.Empty(t, cache.Get())
	cache.SetAll(nil)
	cache.Remove()
	assert.Empty(t, layer.takeCalls())
}

func TestCache_DefaultPolicies(t *testing.T) {
	cache := New[string, int]("defaults")
	defer cache.Close()
	assert.Equal(t, Policies{MaxItemCount(1000)}, cache.size)
	assert.Equal(t, Policies{MaxItemLifetime(time.Hour)}, cache.temporal)

	unbounded := New[string, int]("unbounded", WithPolicies())
	defer unbounded.Close()
	assert.Empty(t, unbounded.size)
	assert.Empty(t, unbounded.temporal)
	for i := range 2000 {
		unbounded.Set(fmt.Sprint(i), i)
	}
	assert.Equal(t, 2000, unbounded.Len())
}

func TestCache_MaxItemCountKeepsNewest(t *testing.T) {
	clock := newFakeClock()
	cache := New[string, string]("max-count", WithPolicies(MaxItemCount(1)), WithClock(clock.Now))
	defer cache.Close()

	cache.Set("A", "1")
	clock.Advance(time.Millisecond)
	cache.Set("B", "2")

	_, found := cache.GetOne("A")
	assert.False(t, found)
	value, found := cache.GetOne("B")
	assert.True(t, found)
	assert.Equal(t, "2", value)
}

func TestCache_MaxItemCountFrozenClock(t *testing.T) {
	clock := newFakeClock()
	for range 50 {
		cache := New[string, string]("max-count-frozen", WithPolicies(MaxItemCount(1)), WithClock(clock.Now))
		cache.Set("A", "1")
		cache.Set("B", "2")
		value, found := cache.GetOne("B")
		require.True(t, found, "the latest insert must survive")
		assert.Equal(t, "2", value)
		_, found = cache.GetOne("A")
		assert.False(t, found)
		cache.Close()
	}
}

func TestCache_MaxItemCountFollowsReads(t *testing.T) {
	clock := newFakeClock()
	cache := New[string, int]("lru-reads", WithPolicies(MaxItemCount(3)), WithClock(clock.Now))
	defer cache.Close()
	for i, key := range []string{"a", "b", "c"} {
		cache.Set(key, i)
		clock.Advance(time.Second)
	}
	_, found := cache.GetOne("a")
	require.True(t, found)
	clock.Advance(time.Second)

	cache.Set("d", 3)
	keys := cache.Keys()
	slices.Sort(keys)
	assert.Equal(t, []string{"a", "c", "d"}, keys)
}

func TestCache_MaxItemLifetime(t *testing.T) {
	cache := New[string, string]("max-lifetime", WithPolicies(MaxItemLifetime(500*time.Millisecond)))
	defer cache.Close()

	cache.Set("Hello", "World")
	value, found := cache.GetOne("Hello")
	require.True(t, found)
	assert.Equal(t, "World", value)

	time.Sleep(time.Second)
	_, found = cache.GetOne("Hello")
	assert.False(t, found)
}

func TestCache_MaxItemLifetimeBoundary(t *testing.T) {
	clock := newFakeClock()
	cache := New[string, int]("lifetime-boundary", WithPolicies(MaxItemLifetime(time.Minute)), WithClock(clock.Now))
	defer cache.Close()

	cache.Set("a", 1)
	clock.Advance(time.Minute - time.Millisecond)
	_, found := cache.GetOne("a")
	assert.True(t, found, "reads don't extend the lifetime but it hasn't run out yet")

	clock.Advance(2 * time.Millisecond)
	_, found = cache.GetOne("a")
	assert.False(t, found)
	assert.Zero(t, cache.Len())
}

func TestCache_GetOmitsMissingKeys(t *testing.T) {
	cache := New[int, string]("get-missing", WithPolicies())
	defer cache.Close()
	cache.SetAll(map[int]string{1: "one", 2: "two"})
	assert.Equal(t, map[int]string{1: "one"}, cache.Get(1, 3, 1))
	assert.Empty(t, cache.Get(4))
}

func TestCache_PutAndRemove(t *testing.T) {
	cache := New[string, int]("put", WithPolicies())
	defer cache.Close()

	value := 7
	cache.Put("a", &value)
	got, found := cache.GetOne("a")
	require.True(t, found)
	assert.Equal(t, 7, got)

	cache.Put("a", nil)
	_, found = cache.GetOne("a")
	assert.False(t, found)
	cache.Put("missing", nil) // Removing an absent key is a no-op.

	cache.SetAll(map[string]int{"x": 1, "y": 2})
	cache.RemoveAll()
	assert.Zero(t, cache.Len())
	cache.RemoveAll()
	assert.Zero(t, cache.Len())
}

func TestCache_PersistsAcrossInstances(t *testing.T) {
	loc, err := location.At(t.TempDir())
	require.NoError(t, err)

	first := New[string, string]("greetings", WithLocation(loc))
	first.Set("Hello", "World")
	first.Close()

	second := New[string, string]("greetings", WithLocation(loc))
	defer second.Close()
	value, found := second.GetOne("Hello")
	require.True(t, found)
	assert.Equal(t, "World", value)

	// A different identifier in the same location is a different cache.
	other := New[string, string]("farewells", WithLocation(loc))
	defer other.Close()
	assert.Zero(t, other.Len())
}

func TestCache_SavesAfterDelay(t *testing.T) {
	loc, err := location.InMemory("saves-after-delay")
	require.NoError(t, err)
	cache := New[string, int]("delayed", WithLocation(loc), WithSaveDelay(20*time.Millisecond))
	defer cache.Close()

	cache.Set("a", 1)
	assert.Eventually(t, func() bool { return persist.Exists("delayed.cache", loc) }, time.Second, 5*time.Millisecond)

	reloaded := New[string, int]("delayed", WithLocation(loc), WithSaveDelay(time.Hour))
	defer reloaded.Close()
	value, found := reloaded.GetOne("a")
	require.True(t, found)
	assert.Equal(t, 1, value)
}

func TestCache_ExpiredEntriesDoNotSurviveReload(t *testing.T) {
	clock := newFakeClock()
	loc, err := location.InMemory("expired-reload")
	require.NoError(t, err)
	first := New[string, int]("expiring", WithLocation(loc), WithClock(clock.Now),
		WithPolicies(MaxItemLifetime(time.Minute)))
	first.Set("a", 1)
	first.Close()

	clock.Advance(time.Hour)
	second := New[string, int]("expiring", WithLocation(loc), WithClock(clock.Now),
		WithPolicies(MaxItemLifetime(time.Minute)))
	defer second.Close()
	assert.Zero(t, second.Len())
}

func TestCache_ConcurrentWrites(t *testing.T) {
	cache := New[int, int]("concurrent", WithPolicies())
	defer cache.Close()

	var group errgroup.Group
	for i := range 100 {
		group.Go(func() error {
			cache.Set(i, i*i)
			_, _ = cache.GetOne(i)
			return nil
		})
	}
	require.NoError(t, group.Wait())

	assert.Equal(t, 100, cache.Len())
	keys := make([]int, 100)
	for i := range keys {
		keys[i] = i
	}
	values := cache.Get(keys...)
	require.Len(t, values, 100)
	for i := range 100 {
		assert.Equal(t, i*i, values[i])
	}
}

func TestCache_Events(t *testing.T) {
	clock := newFakeClock()
	cache := New[string, int]("events", WithPolicies(MaxItemCount(1)), WithClock(clock.Now), WithEventBuffer(4))
	first, cancel := cache.Subscribe()
	defer cancel()
	second, _ := cache.Subscribe()

	cache.Set("a", 1)
	clock.Advance(time.Second)
	cache.Set("b", 2)
	assert.Equal(t, MaxCountExceeded{Evicted: 1}, <-first)
	assert.Equal(t, MaxCountExceeded{Evicted: 1}, <-second)

	cache.Close()
	_, open := <-second
	assert.False(t, open, "closing the cache ends subscriptions")
}

func TestCache_MemoryPressure(t *testing.T) {
	signal := memwatch.NewManual()
	cache := New[int, int]("memory-pressure", WithPolicies(), WithMemoryPressure(signal))
	defer cache.Close()
	for i := range 10 {
		cache.Set(i, i)
	}
	signal.Trigger()
	assert.Equal(t, 5, cache.Len())
}

func TestCache_LoadFailure(t *testing.T) {
	loc, err := location.InMemory("delegate")
	require.NoError(t, err)
	require.NoError(t, persist.Save("broken.cache", loc, "not a list", persist.JSON))

	delegate := &fakeDelegate{}
	cache := New[string, int]("broken", WithLocation(loc), WithDelegate(delegate))
	defer cache.Close()
	assert.Len(t, delegate.loggedErrors(), 1)
	assert.Zero(t, cache.Len())

	// The load failure happened inside New; the first subscriber still hears about it.
	events, cancel := cache.Subscribe()
	defer cancel()
	failure, ok := (<-events).(UnableToLoad)
	require.True(t, ok)
	assert.Equal(t, "mem://delegate", failure.Location)
}
