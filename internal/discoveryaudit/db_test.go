package discoveryaudit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenRunsMigrations(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Health())
}

func TestRecordAndRecent(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Record(EventParticipantSeen, "prefix-1", "first announcement"))
	require.NoError(t, db.Record(EventEndpointMatched, "writer-1", "matched reader-1"))
	require.NoError(t, db.Record(EventEndpointUnmatched, "writer-1", "lease expired"))

	events, err := db.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// newest first
	assert.Equal(t, EventEndpointUnmatched, events[0].Type)
	assert.Equal(t, EventParticipantSeen, events[2].Type)
}

func TestRecentRespectsLimit(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Record(EventLeaseExpired, "peer", ""))
	}
	events, err := db.Recent(2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestByGUIDFiltersToOneEntity(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Record(EventEndpointMatched, "writer-a", "x"))
	require.NoError(t, db.Record(EventEndpointMatched, "writer-b", "y"))
	require.NoError(t, db.Record(EventEndpointUnmatched, "writer-a", "z"))

	events, err := db.ByGUID("writer-a", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "writer-a", e.GUID)
	}
}
