// Stash keeps entries in a storage layer that the Cache façade drives. The layer owns the entry map and its
// persistence; the façade decides which policies run around which operation. Production code has a single layer,
// Storage, and the interface is there so the façade can be tested against a fake.

package cache

import "time"

// Layer is the storage engine capability behind a Cache.
type Layer[K comparable, V any] interface {
	// Items returns the stored entries for `keys`, skipping absent ones, and marks them accessed at `accessDate`.
	Items(keys []K, accessDate time.Time) []Entry[K, V]
	// Set upserts `entries`; for duplicate keys the last one wins. No policy is applied.
	Set(entries []Entry[K, V])
	RemoveValues(keys []K) // Deletes `keys`; absent keys are ignored.
	RemoveAll()            // Deletes every entry.
	// SetLastAccessDate updates the last access date of the present `keys`.
	SetLastAccessDate(keys []K, date time.Time)
	// Apply enforces `policies` in order, evicting entries that violate them.
	Apply(policies Policies)
	Save()      // Writes the store if it is dirty and a location is configured.
	MarkDirty() // Flags the store as diverged from disk and schedules a save.
	Len() int   // Returns the number of stored entries.
	Keys() []K  // Returns the stored keys in no particular order.
	Close()     // Stops background work and flushes pending changes.
}
