package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdds-team/hdds/internal/wire"
)

func TestReaderCacheKeepLastEvictsOldestPerInstance(t *testing.T) {
	c := NewReaderCache(false, 2, 0, 0)
	inst := InstanceKey{0x01}

	require.True(t, c.Push(CacheChange{SequenceNumber: 1, Instance: inst}))
	require.True(t, c.Push(CacheChange{SequenceNumber: 2, Instance: inst}))
	require.True(t, c.Push(CacheChange{SequenceNumber: 3, Instance: inst}))

	assert.Equal(t, 2, c.Len())
	snapshot := c.Peek(10)
	require.Len(t, snapshot, 2)
	assert.EqualValues(t, 2, snapshot[0].SequenceNumber)
	assert.EqualValues(t, 3, snapshot[1].SequenceNumber)
}

func TestReaderCacheKeepLastTracksInstancesIndependently(t *testing.T) {
	c := NewReaderCache(false, 1, 0, 0)
	instA := InstanceKey{0x01}
	instB := InstanceKey{0x02}

	require.True(t, c.Push(CacheChange{SequenceNumber: 1, Instance: instA}))
	require.True(t, c.Push(CacheChange{SequenceNumber: 2, Instance: instB}))
	require.True(t, c.Push(CacheChange{SequenceNumber: 3, Instance: instA}))

	assert.Equal(t, 2, c.Len(), "instA's depth-1 eviction must not touch instB's sample")
	snapshot := c.Peek(10)
	var sawInstB bool
	for _, ch := range snapshot {
		if ch.Instance == instB {
			sawInstB = true
		}
		assert.NotEqualValues(t, 1, ch.SequenceNumber, "instA's first sample should have been evicted")
	}
	assert.True(t, sawInstB)
}

func TestReaderCacheKeepAllRejectsPastMaxSamples(t *testing.T) {
	c := NewReaderCache(true, 0, 2, 0)
	inst := InstanceKey{0x01}

	require.True(t, c.Push(CacheChange{SequenceNumber: 1, Instance: inst}))
	require.True(t, c.Push(CacheChange{SequenceNumber: 2, Instance: inst}))
	assert.False(t, c.Push(CacheChange{SequenceNumber: 3, Instance: inst}))
	assert.Equal(t, 2, c.Len())
}

func TestReaderCacheKeepAllRejectsPastMaxPerInstance(t *testing.T) {
	c := NewReaderCache(true, 0, 0, 1)
	instA := InstanceKey{0x01}
	instB := InstanceKey{0x02}

	require.True(t, c.Push(CacheChange{SequenceNumber: 1, Instance: instA}))
	assert.False(t, c.Push(CacheChange{SequenceNumber: 2, Instance: instA}))
	require.True(t, c.Push(CacheChange{SequenceNumber: 3, Instance: instB}), "per-instance limit must not affect other instances")
}

func TestReaderCacheTryTakeRemovesFromInstanceIndexToo(t *testing.T) {
	c := NewReaderCache(false, 5, 0, 0)
	inst := InstanceKey{0x01}
	require.True(t, c.Push(CacheChange{SequenceNumber: 1, Instance: inst}))

	_, ok := c.TryTake(0)
	require.True(t, ok)

	for i := 2; i <= 6; i++ {
		require.True(t, c.Push(CacheChange{SequenceNumber: wire.SequenceNumber(i), Instance: inst}))
	}
	assert.Equal(t, 5, c.Len(), "the taken sample must not still occupy instance capacity")
}
