package history

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basehaven/dbsync/internal/gateway"
	dbsync "github.com/basehaven/dbsync/internal/sync"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func terminalSnapshot(id string, status dbsync.Status, direction gateway.Direction, started time.Time) dbsync.Snapshot {
	synced := int64(6674)
	total := int64(6674)
	completed := started.Add(3 * time.Minute)
	return dbsync.Snapshot{
		ID:              id,
		Direction:       direction,
		Status:          status,
		PercentComplete: 100,
		SyncedRows:      &synced,
		TotalRows:       &total,
		StartedAt:       &started,
		CompletedAt:     &completed,
		TriggeredBy:     "alice",
		Logs:            []string{"Sync started", "Sync finished"},
	}
}

func TestStoreRecordAndGet(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)
	snap := terminalSnapshot("op-1", dbsync.StatusCompleted, gateway.DirectionLocalToRemote, started)
	verification := dbsync.VerificationResult{
		"row_counts": {Status: dbsync.VerificationPassed, Message: "all tables match"},
	}
	require.NoError(t, store.Record(ctx, snap, verification))

	entry, err := store.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", entry.ID)
	assert.Equal(t, dbsync.StatusCompleted, entry.Status)
	assert.Equal(t, gateway.DirectionLocalToRemote, entry.Direction)
	assert.Equal(t, 100, entry.Percent)
	require.NotNil(t, entry.SyncedRows)
	assert.Equal(t, int64(6674), *entry.SyncedRows)
	require.NotNil(t, entry.StartedAt)
	assert.True(t, entry.StartedAt.Equal(started))
	assert.Equal(t, "alice", entry.TriggeredBy)
	require.NotNil(t, entry.DurationSecs)
	assert.Equal(t, int64(180), *entry.DurationSecs)
	assert.Equal(t, "local", entry.SourceLabel)
	assert.Equal(t, "remote", entry.TargetLabel)
	assert.Equal(t, []string{"Sync started", "Sync finished"}, entry.Logs)
	require.Contains(t, entry.Verification, "row_counts")
	assert.Equal(t, dbsync.VerificationPassed, entry.Verification["row_counts"].Status)
}

func TestStoreGetUnknown(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStoreRecordOverwrites(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)

	snap := terminalSnapshot("op-1", dbsync.StatusRunning, gateway.DirectionLocalToRemote, started)
	snap.PercentComplete = 60
	require.NoError(t, store.Record(ctx, snap, nil))

	snap.Status = dbsync.StatusFailed
	snap.ErrorMessage = "import: write users: connection reset"
	require.NoError(t, store.Record(ctx, snap, nil))

	entry, err := store.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, dbsync.StatusFailed, entry.Status)
	assert.Equal(t, "import: write users: connection reset", entry.ErrorMessage)

	_, total, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

// seedHistory records four operations with staggered start times, newest
// last.
func seedHistory(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

	fixtures := []struct {
		id        string
		status    dbsync.Status
		direction gateway.Direction
	}{
		{"op-1", dbsync.StatusCompleted, gateway.DirectionLocalToRemote},
		{"op-2", dbsync.StatusFailed, gateway.DirectionLocalToRemote},
		{"op-3", dbsync.StatusCompleted, gateway.DirectionRemoteToLocal},
		{"op-4", dbsync.StatusCancelled, gateway.DirectionLocalToRemote},
	}
	for i, f := range fixtures {
		snap := terminalSnapshot(f.id, f.status, f.direction, base.AddDate(0, 0, i))
		require.NoError(t, store.Record(ctx, snap, nil))
	}
}

func TestStoreListFilters(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	seedHistory(t, store)
	ctx := context.Background()

	t.Run("default order is newest first", func(t *testing.T) {
		entries, total, err := store.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		require.Len(t, entries, 4)
		assert.Equal(t, "op-4", entries[0].ID)
		assert.Equal(t, "op-1", entries[3].ID)
	})

	t.Run("status filter", func(t *testing.T) {
		entries, total, err := store.List(ctx, Filter{Status: "completed"})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, entries, 2)
		for _, e := range entries {
			assert.Equal(t, dbsync.StatusCompleted, e.Status)
		}
	})

	t.Run("direction filter", func(t *testing.T) {
		entries, total, err := store.List(ctx, Filter{Direction: "remote_to_local"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, entries, 1)
		assert.Equal(t, "op-3", entries[0].ID)
	})

	t.Run("search matches id and operator", func(t *testing.T) {
		entries, total, err := store.List(ctx, Filter{Search: "op-3"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, entries, 1)
		assert.Equal(t, "op-3", entries[0].ID)

		_, total, err = store.List(ctx, Filter{Search: "alice"})
		require.NoError(t, err)
		assert.Equal(t, 4, total)

		_, total, err = store.List(ctx, Filter{Search: "no such thing"})
		require.NoError(t, err)
		assert.Equal(t, 0, total)
	})

	t.Run("since filter", func(t *testing.T) {
		since := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
		_, total, err := store.List(ctx, Filter{Since: since})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})

	t.Run("paging keeps the full count", func(t *testing.T) {
		entries, total, err := store.List(ctx, Filter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		require.Len(t, entries, 2)
		assert.Equal(t, "op-3", entries[0].ID)
		assert.Equal(t, "op-2", entries[1].ID)
	})

	t.Run("ascending sort", func(t *testing.T) {
		entries, _, err := store.List(ctx, Filter{SortBy: "started_at", Ascending: true})
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, "op-1", entries[0].ID)
	})

	t.Run("unknown sort column falls back to start time", func(t *testing.T) {
		entries, _, err := store.List(ctx, Filter{SortBy: "id; DROP TABLE sync_history"})
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, "op-4", entries[0].ID)
	})
}

func TestStoreExportCSV(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	seedHistory(t, store)

	var buf bytes.Buffer
	require.NoError(t, store.ExportCSV(context.Background(), Filter{Status: "completed"}, &buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // header + two completed operations
	assert.Equal(t, "id", records[0][0])
	assert.Equal(t, "triggered_by", records[0][len(records[0])-1])
	assert.Equal(t, "op-3", records[1][0])
	assert.Equal(t, "completed", records[1][2])
	assert.Equal(t, "6674", records[1][4])
	assert.Equal(t, "180", records[1][8])
	assert.Equal(t, "remote", records[1][9])
}
