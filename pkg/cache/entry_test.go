package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nobletooth/stash/pkg/persist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_WithAccessDate(t *testing.T) {
	created := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	entry := NewEntry("k", 1, created)
	assert.Equal(t, created, entry.LastAccessDate)

	later := created.Add(time.Minute)
	assert.Equal(t, later, entry.withAccessDate(later).LastAccessDate)
	// Never before creation.
	assert.Equal(t, created, entry.withAccessDate(created.Add(-time.Minute)).LastAccessDate)
	// The receiver is a copy.
	assert.Equal(t, created, entry.LastAccessDate)
}

func TestTimestamp_JSON(t *testing.T) {
	original := time.Date(2024, time.July, 4, 10, 30, 15, 1, time.FixedZone("UTC+2", 2*60*60))
	encoded, err := json.Marshal(timestamp(original))
	require.NoError(t, err)
	assert.Equal(t, `"2024-07-04T08:30:15.000000001Z"`, string(encoded))

	var decoded timestamp
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.True(t, original.Equal(time.Time(decoded)))
	assert.Equal(t, original.UnixNano(), time.Time(decoded).UnixNano())

	t.Run("rejects_non_strings", func(t *testing.T) {
		assert.Error(t, json.Unmarshal([]byte(`12`), &decoded))
		assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &decoded))
	})
}

func TestStore_RoundTrip(t *testing.T) {
	type profile struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	created := time.Date(2024, time.May, 5, 5, 5, 5, 123456789, time.Local)
	store := map[int]Entry[int, profile]{
		1: {Key: 1, Value: profile{Name: "ada", Tags: []string{"math"}},
			CreationDate: created, LastAccessDate: created.Add(987654321)},
		2: {Key: 2, Value: profile{Name: "alan"},
			CreationDate: created.Add(time.Hour), LastAccessDate: created.Add(time.Hour)},
		3: NewEntry(3, profile{Name: "now"}, time.Now()),
	}

	payload, err := persist.JSON.Marshal(encodeStore(store))
	require.NoError(t, err)
	var records []entryRecord[int, profile]
	require.NoError(t, persist.JSON.Unmarshal(payload, &records))
	decoded := decodeStore(records)

	require.Len(t, decoded, len(store))
	for key, want := range store {
		got, exists := decoded[key]
		require.True(t, exists, "key %d lost", key)
		assert.Equal(t, want.Key, got.Key)
		assert.Equal(t, want.Value, got.Value)
		assert.Equal(t, want.CreationDate.UnixNano(), got.CreationDate.UnixNano())
		assert.Equal(t, want.LastAccessDate.UnixNano(), got.LastAccessDate.UnixNano())
		assert.True(t, want.CreationDate.Equal(got.CreationDate))
	}
}

func TestDecodeStore_ClampsAccessDate(t *testing.T) {
	created := time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)
	decoded := decodeStore([]entryRecord[string, int]{{
		Key:            "k",
		CreationDate:   timestamp(created),
		LastAccessDate: timestamp(created.Add(-time.Hour)),
		Value:          1,
	}})
	assert.Equal(t, created, decoded["k"].LastAccessDate)
}
