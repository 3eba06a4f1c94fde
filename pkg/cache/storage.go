// This module implements the storage engine behind every cache: a map of entries guarded by a single mutex, the
// eviction algorithms and the debounced persistence of the map.
//
// Persistence: every mutation marks the store dirty. The first dirty mark starts a timer; marks arriving while the
// timer is pending do nothing. When the timer fires the latest store is snapshotted under the lock and written
// outside of it, so callers never wait on disk. A failed write leaves the store dirty and the next mutation
// schedules a retry. Writes are serialized so an older snapshot can't overwrite a newer one.
//
// The engine lock is not reentrant. Public methods take it once; helpers ending in `Locked` expect it held.

package cache

import (
	"cmp"
	"errors"
	"flag"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nobletooth/stash/pkg/location"
	"github.com/nobletooth/stash/pkg/memwatch"
	"github.com/nobletooth/stash/pkg/persist"
	"github.com/nobletooth/stash/pkg/utils"
)

var defaultSaveDelay = flag.Duration("cache_save_delay", 5*time.Second,
	"Quiescence window between a cache mutation and the write of the cache file.")

// storageConfig is bound once, when the engine is created.
type storageConfig struct {
	id             string
	policies       Policies           // Applied once after loading a persisted store.
	location       *location.Location // Nil keeps the cache in memory only.
	sink           func(...Event)     // Receives events, outside the engine lock.
	delegate       Delegate
	saveDelay      time.Duration
	now            func() time.Time
	memoryPressure memwatch.Signal
}

// Storage is the production Layer.
type Storage[K comparable, V any] struct { // Implements Layer.
	config   storageConfig
	fileName string
	logger   *slog.Logger

	mux        sync.Mutex // Guards everything below.
	store      map[K]Entry[K, V]
	dirty      bool
	generation uint64      // Bumped on every mutation; tells Save whether its snapshot is still current.
	sequence   uint64      // Last insertion number handed out by Set.
	saveTimer  *time.Timer // Pending debounced save; at most one at a time.
	closed     bool

	saveMux     sync.Mutex // Serializes writes to the cache file.
	unsubscribe func()     // Drops the memory pressure subscription.
}

var _ Layer[string, int] = (*Storage[string, int])(nil)

// newStorage creates the engine and runs its setup.
func newStorage[K comparable, V any](config storageConfig) *Storage[K, V] {
	if config.now == nil {
		config.now = time.Now
	}
	if config.saveDelay <= 0 {
		config.saveDelay = *defaultSaveDelay
	}
	s := &Storage[K, V]{
		config:   config,
		fileName: config.id + ".cache",
		logger:   slog.With("cache", config.id),
		store:    make(map[K]Entry[K, V]),
	}
	s.setup()
	return s
}

// setup loads the persisted store, heals it against the current policies and subscribes to memory pressure.
func (s *Storage[K, V]) setup() {
	if s.config.memoryPressure != nil {
		s.unsubscribe = s.config.memoryPressure.Subscribe(s.onMemoryPressure)
	}
	if s.config.location == nil {
		return
	}

	records, err := persist.Load[[]entryRecord[K, V]](s.fileName, s.config.location, persist.JSON)
	if errors.Is(err, persist.ErrNotFound) { // First run.
		loadsMetric.WithLabelValues(s.config.id, "missing").Inc()
		s.reportDebug("No persisted cache found.", nil)
		return
	}
	if err != nil {
		loadsMetric.WithLabelValues(s.config.id, "error").Inc()
		s.reportError("Failed to load persisted cache, starting empty.", err)
		s.emit(UnableToLoad{Location: s.config.location.String(), Err: err})
		return
	}
	loadsMetric.WithLabelValues(s.config.id, "ok").Inc()

	s.mux.Lock()
	s.store = decodeStore(records)
	s.sequence = uint64(len(records))
	var events []Event
	if len(s.store) > 0 {
		// Policies may have changed since the store was written.
		events = s.applyLocked(s.config.policies)
		s.markDirtyLocked()
	}
	loaded := len(s.store)
	s.mux.Unlock()

	s.logger.Debug("Loaded persisted cache.", "entries", loaded, "location", s.config.location)
	s.emit(events...)
}

func (s *Storage[K, V]) Items(keys []K, accessDate time.Time) []Entry[K, V] {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.setLastAccessDateLocked(keys, accessDate)
	entries := make([]Entry[K, V], 0, len(keys))
	seen := make(map[K]struct{}, len(keys))
	for _, key := range keys {
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		if entry, exists := s.store[key]; exists {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (s *Storage[K, V]) Set(entries []Entry[K, V]) {
	if len(entries) == 0 {
		return
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, entry := range entries {
		s.sequence++
		entry.sequence = s.sequence
		s.store[entry.Key] = entry.withAccessDate(entry.LastAccessDate)
	}
	s.markDirtyLocked()
}

func (s *Storage[K, V]) RemoveValues(keys []K) {
	s.mux.Lock()
	defer s.mux.Unlock()

	removed := false
	for _, key := range keys {
		if _, exists := s.store[key]; exists {
			delete(s.store, key)
			removed = true
		}
	}
	if removed {
		s.markDirtyLocked()
	}
}

func (s *Storage[K, V]) RemoveAll() {
	s.mux.Lock()
	defer s.mux.Unlock()

	clear(s.store)
	s.markDirtyLocked()
}

func (s *Storage[K, V]) SetLastAccessDate(keys []K, date time.Time) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.setLastAccessDateLocked(keys, date)
}

func (s *Storage[K, V]) setLastAccessDateLocked(keys []K, date time.Time) {
	touched := false
	for _, key := range keys {
		if entry, exists := s.store[key]; exists {
			s.store[key] = entry.withAccessDate(date)
			touched = true
		}
	}
	if touched {
		s.markDirtyLocked()
	}
}

func (s *Storage[K, V]) Apply(policies Policies) {
	if len(policies) == 0 {
		return
	}
	s.mux.Lock()
	events := s.applyLocked(policies)
	s.mux.Unlock()
	s.emit(events...)
}

// applyLocked enforces `policies` in order and returns the events to emit once the lock is released.
func (s *Storage[K, V]) applyLocked(policies Policies) []Event {
	var events []Event
	for _, policy := range policies {
		switch policy := policy.(type) {
		case MaxItemCount:
			if evicted := s.evictLeastRecentlyUsedLocked(int(policy)); evicted > 0 {
				evictionsMetric.WithLabelValues(s.config.id, "max_count").Add(float64(evicted))
				events = append(events, MaxCountExceeded{Evicted: evicted})
			}
		case MaxItemLifetime:
			if evicted := s.evictExpiredLocked(time.Duration(policy)); evicted > 0 {
				evictionsMetric.WithLabelValues(s.config.id, "max_lifetime").Add(float64(evicted))
				events = append(events, MaxLifetimeExceeded{Evicted: evicted})
			}
		default:
			utils.RaiseInvariant("cache", "unknown_policy", "Got an unknown eviction policy.",
				"cache", s.config.id, "policy", policy)
		}
	}
	if len(events) > 0 {
		s.markDirtyLocked()
		s.logger.Debug("Evicted entries.", "events", events, "remaining", len(s.store))
	}
	return events
}

// evictLeastRecentlyUsedLocked shrinks the store to `maxCount` entries, evicting the oldest last access dates first.
// Ties fall back to creation date, then to insertion order, so equal timestamps still evict the older insert.
func (s *Storage[K, V]) evictLeastRecentlyUsedLocked(maxCount int) int {
	if maxCount < 0 {
		utils.RaiseInvariant("cache", "negative_max_count", "Got a negative max item count.",
			"cache", s.config.id, "maxCount", maxCount)
		maxCount = 0
	}
	excess := len(s.store) - maxCount
	if excess <= 0 {
		return 0
	}
	snapshot := slices.Collect(maps.Values(s.store))
	slices.SortStableFunc(snapshot, func(a, b Entry[K, V]) int {
		if byAccess := a.LastAccessDate.Compare(b.LastAccessDate); byAccess != 0 {
			return byAccess
		}
		if byCreation := a.CreationDate.Compare(b.CreationDate); byCreation != 0 {
			return byCreation
		}
		return cmp.Compare(a.sequence, b.sequence)
	})
	for _, entry := range snapshot[:excess] {
		delete(s.store, entry.Key)
	}
	return excess
}

// evictExpiredLocked removes entries created more than `lifetime` ago.
func (s *Storage[K, V]) evictExpiredLocked(lifetime time.Duration) int {
	if lifetime < 0 {
		utils.RaiseInvariant("cache", "negative_max_lifetime", "Got a negative max item lifetime.",
			"cache", s.config.id, "lifetime", lifetime)
		lifetime = 0
	}
	now := s.config.now()
	evicted := 0
	for key, entry := range s.store {
		if now.Sub(entry.CreationDate) > lifetime {
			delete(s.store, key)
			evicted++
		}
	}
	return evicted
}

// Save writes the store if it has diverged from disk.
func (s *Storage[K, V]) Save() {
	if s.config.location == nil {
		return
	}
	s.saveMux.Lock()
	defer s.saveMux.Unlock()

	s.mux.Lock()
	if !s.dirty {
		s.mux.Unlock()
		return
	}
	records := encodeStore(s.store)
	generation := s.generation
	s.mux.Unlock()

	if err := persist.Save(s.fileName, s.config.location, records, persist.JSON); err != nil {
		savesMetric.WithLabelValues(s.config.id, "error").Inc()
		s.reportError("Failed to save cache.", err)
		s.emit(UnableToSave{Location: s.config.location.String(), Err: err})
		return
	}
	savesMetric.WithLabelValues(s.config.id, "ok").Inc()

	s.mux.Lock()
	if s.generation == generation { // Nothing changed while writing.
		s.dirty = false
	}
	s.mux.Unlock()
	s.logger.Debug("Saved cache.", "entries", len(records), "location", s.config.location)
}

func (s *Storage[K, V]) MarkDirty() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.markDirtyLocked()
}

// markDirtyLocked flags the store and starts the save timer unless one is already pending.
func (s *Storage[K, V]) markDirtyLocked() {
	s.dirty = true
	s.generation++
	if s.config.location == nil || s.closed || s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.config.saveDelay, s.onSaveTimer)
}

func (s *Storage[K, V]) onSaveTimer() {
	s.mux.Lock()
	s.saveTimer = nil
	s.mux.Unlock()
	s.Save()
}

// onMemoryPressure sheds half of the entries, least recently used first.
func (s *Storage[K, V]) onMemoryPressure() {
	s.mux.Lock()
	before := len(s.store)
	events := s.applyLocked(Policies{MaxItemCount(before / 2)})
	after := len(s.store)
	s.mux.Unlock()

	if after < before {
		s.logger.Info("Shed entries on memory pressure.", "before", before, "after", after)
	}
	s.emit(events...)
}

func (s *Storage[K, V]) Len() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.store)
}

func (s *Storage[K, V]) Keys() []K {
	s.mux.Lock()
	defer s.mux.Unlock()
	return slices.Collect(maps.Keys(s.store))
}

// Close stops the pending save timer, drops the memory pressure subscription and flushes the store.
// The engine keeps working in memory afterwards but never schedules another save.
func (s *Storage[K, V]) Close() {
	s.mux.Lock()
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mux.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.Save()
}

func (s *Storage[K, V]) emit(events ...Event) {
	if len(events) > 0 && s.config.sink != nil {
		s.config.sink(events...)
	}
}

func (s *Storage[K, V]) reportDebug(msg string, err error) {
	if err != nil {
		s.logger.Debug(msg, "error", err)
	} else {
		s.logger.Debug(msg)
	}
	if s.config.delegate != nil {
		s.config.delegate.LogDebug(msg, err)
	}
}

func (s *Storage[K, V]) reportError(msg string, err error) {
	s.logger.Error(msg, "error", err)
	if s.config.delegate != nil {
		s.config.delegate.LogError(msg, err)
	}
}
