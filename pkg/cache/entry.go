package cache

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Entry is one stored record. Entries are values: the storage engine hands out copies, never its own.
// Note that a reference typed V (slice, map, pointer) still shares its referent with the caller.
type Entry[K comparable, V any] struct {
	Key            K
	Value          V
	CreationDate   time.Time // Set when the key is (re)inserted.
	LastAccessDate time.Time // Set on insertion and on every read; never before CreationDate.
	sequence       uint64    // Insertion order within the store; the last LRU tie-break.
}

// NewEntry returns an entry created and last accessed at `now`.
func NewEntry[K comparable, V any](key K, value V, now time.Time) Entry[K, V] {
	return Entry[K, V]{Key: key, Value: value, CreationDate: now, LastAccessDate: now}
}

// withAccessDate returns a copy of `e` accessed at `date`, clamped so it is never before the creation date.
func (e Entry[K, V]) withAccessDate(date time.Time) Entry[K, V] {
	if date.Before(e.CreationDate) {
		date = e.CreationDate
	}
	e.LastAccessDate = date
	return e
}

// timestampLayout always writes nine fractional digits so timestamps round-trip to the nanosecond.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timestamp is a time.Time with a fixed precision JSON form.
type timestamp time.Time

func (t timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(timestampLayout) + `"`), nil
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp must be a JSON string, got %s", data)
	}
	parsed, err := time.Parse(timestampLayout, string(data[1:len(data)-1]))
	if err != nil {
		return err
	}
	*t = timestamp(parsed)
	return nil
}

// entryRecord is how an entry is persisted.
type entryRecord[K comparable, V any] struct {
	Key            K         `json:"key"`
	CreationDate   timestamp `json:"creationDate"`
	LastAccessDate timestamp `json:"lastAccessDate"`
	Value          V         `json:"value"`
}

// encodeStore flattens the store into records in insertion order. Keys need not have a text form, hence a list and
// not an object.
func encodeStore[K comparable, V any](store map[K]Entry[K, V]) []entryRecord[K, V] {
	entries := slices.SortedFunc(maps.Values(store), func(a, b Entry[K, V]) int {
		return cmp.Compare(a.sequence, b.sequence)
	})
	records := make([]entryRecord[K, V], 0, len(entries))
	for _, entry := range entries {
		records = append(records, entryRecord[K, V]{
			Key:            entry.Key,
			CreationDate:   timestamp(entry.CreationDate),
			LastAccessDate: timestamp(entry.LastAccessDate),
			Value:          entry.Value,
		})
	}
	return records
}

// decodeStore rebuilds the store from records, numbering entries in record order; later duplicates win.
func decodeStore[K comparable, V any](records []entryRecord[K, V]) map[K]Entry[K, V] {
	store := make(map[K]Entry[K, V], len(records))
	for i, record := range records {
		entry := Entry[K, V]{
			Key:          record.Key,
			Value:        record.Value,
			CreationDate: time.Time(record.CreationDate),
			sequence:     uint64(i + 1),
		}
		store[record.Key] = entry.withAccessDate(time.Time(record.LastAccessDate))
	}
	return store
}
