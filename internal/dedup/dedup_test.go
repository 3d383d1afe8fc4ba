package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSetSuppressesDuplicates(t *testing.T) {
	s := NewEventSet(10)

	assert.False(t, s.SeenOrAdd("a1"), "first observation must not be flagged as seen")
	assert.True(t, s.SeenOrAdd("a1"), "second observation of the same id must be flagged as seen")
	assert.Equal(t, 1, s.Len())
}

func TestEventSetEvictsOldestOverCapacity(t *testing.T) {
	s := NewEventSet(3)

	require.False(t, s.SeenOrAdd("1"))
	require.False(t, s.SeenOrAdd("2"))
	require.False(t, s.SeenOrAdd("3"))
	require.False(t, s.SeenOrAdd("4")) // evicts "1"

	assert.Equal(t, 3, s.Len())
	assert.False(t, s.SeenOrAdd("1"), "evicted id must be re-admitted as new")
}

func TestFingerprintCacheSuppressesWithinTTL(t *testing.T) {
	c := NewFingerprintCache(50 * time.Millisecond)
	defer c.Stop()

	assert.False(t, c.SeenOrAdd("author1", "hello"), "first occurrence must not be suppressed")
	assert.True(t, c.SeenOrAdd("author1", "hello"), "repeat within TTL must be suppressed")
	assert.False(t, c.SeenOrAdd("author2", "hello"), "different author is a different fingerprint")

	time.Sleep(80 * time.Millisecond)
	assert.False(t, c.SeenOrAdd("author1", "hello"), "expired entry must be re-admitted")
}
