package cache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-admission/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.CachedTicket)(nil),
		(*models.OfflineScanRecord)(nil),
		(*models.CacheMetadata)(nil),
	} {
		require.NoError(t, bunDB.ResetModel(ctx, model))
	}

	t.Cleanup(func() { bunDB.Close() })
	return &DB{Bun: bunDB}
}

func testRoster(eventID string, n int) *models.Roster {
	roster := &models.Roster{
		Event: models.Event{
			ID:            eventID,
			Name:          "Night Market",
			StartsAt:      time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC),
			AdmissionMode: models.ModeSingle,
		},
	}
	for i := 0; i < n; i++ {
		roster.Tickets = append(roster.Tickets, models.Ticket{
			ID:       eventID + "-t" + string(rune('a'+i)),
			EventID:  eventID,
			Token:    eventID + "-tok-" + string(rune('a'+i)),
			Status:   models.StatusValid,
			Presence: models.PresenceOutside,
		})
	}
	return roster
}

func TestReplaceRoster(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

	roster := testRoster("ev1", 3)
	roster.Tickets[1].Status = models.StatusScanned
	require.NoError(t, d.ReplaceRoster(ctx, roster, now))

	meta, err := d.GetMetadata(ctx, "ev1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 3, meta.TicketCount)
	assert.Equal(t, 1, meta.ScannedCount)
	assert.True(t, meta.LastSyncAt.Equal(now))

	// A later sync replaces the snapshot, not merges it.
	later := now.Add(10 * time.Minute)
	require.NoError(t, d.ReplaceRoster(ctx, testRoster("ev1", 2), later))

	cached, err := d.GetByToken(ctx, "ev1-tok-c")
	require.NoError(t, err)
	assert.Nil(t, cached, "ticket dropped from the roster disappears from the cache")

	meta, err = d.GetMetadata(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.TicketCount)
	assert.Equal(t, 0, meta.ScannedCount)
}

func TestGetByTokenMiss(t *testing.T) {
	d := setupTestDB(t)
	cached, err := d.GetByToken(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestUpdateCachedState(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	require.NoError(t, d.ReplaceRoster(ctx, testRoster("ev1", 1), now))

	require.NoError(t, d.UpdateCachedState(ctx, "ev1-ta", models.StatusScanned, models.PresenceInside, now.Add(time.Minute)))

	cached, err := d.GetByToken(ctx, "ev1-tok-a")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, models.StatusScanned, cached.Status)
	assert.Equal(t, models.PresenceInside, cached.Presence)
}

func TestPendingScansOrderedOldestFirst(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{2 * time.Minute, 0, time.Minute} {
		record := &models.OfflineScanRecord{
			TicketID:   "t" + string(rune('a'+i)),
			Token:      "tok-" + string(rune('a'+i)),
			EventID:    "ev1",
			ScanType:   models.ScanEntry,
			Method:     models.MethodQR,
			ScannedAt:  base.Add(offset),
			DeviceID:   "gate-a",
			SyncStatus: models.SyncPending,
		}
		require.NoError(t, d.InsertOfflineScan(ctx, record))
		assert.NotZero(t, record.LocalID)
	}

	records, err := d.PendingScans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "tb", records[0].TicketID)
	assert.Equal(t, "tc", records[1].TicketID)
	assert.Equal(t, "ta", records[2].TicketID)
}

func TestUpdateSyncOutcome(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	record := &models.OfflineScanRecord{
		TicketID:   "t1",
		Token:      "tok-1",
		EventID:    "ev1",
		ScanType:   models.ScanEntry,
		Method:     models.MethodQR,
		ScannedAt:  now,
		DeviceID:   "gate-a",
		SyncStatus: models.SyncPending,
	}
	require.NoError(t, d.InsertOfflineScan(ctx, record))

	winnerTime := now.Add(-time.Minute)
	record.SyncStatus = models.SyncConflict
	record.Winner = models.WinnerRemote
	record.WinnerTime = &winnerTime
	record.WinnerDevice = "gate-b"
	record.SyncAttempts = 1
	syncedAt := now.Add(time.Hour)
	record.SyncedAt = &syncedAt
	require.NoError(t, d.UpdateSyncOutcome(ctx, record))

	pending, err := d.PendingScans(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	conflicts, err := d.CountByStatus(ctx, models.SyncConflict)
	require.NoError(t, err)
	assert.Equal(t, 1, conflicts)
}

func TestPruneSyncedKeepsConflicts(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	old := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	for _, status := range []models.SyncStatus{models.SyncSynced, models.SyncConflict, models.SyncFailed} {
		record := &models.OfflineScanRecord{
			TicketID:   "t-" + string(status),
			Token:      "tok-" + string(status),
			EventID:    "ev1",
			ScanType:   models.ScanEntry,
			Method:     models.MethodQR,
			ScannedAt:  old,
			DeviceID:   "gate-a",
			SyncStatus: status,
		}
		require.NoError(t, d.InsertOfflineScan(ctx, record))
	}

	pruned, err := d.PruneSynced(ctx, old.AddDate(0, 0, 14))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	for _, status := range []models.SyncStatus{models.SyncConflict, models.SyncFailed} {
		count, err := d.CountByStatus(ctx, status)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "%s records survive pruning for staff review", status)
	}
}

func TestBumpScannedCount(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	require.NoError(t, d.ReplaceRoster(ctx, testRoster("ev1", 2), now))

	require.NoError(t, d.BumpScannedCount(ctx, "ev1"))
	require.NoError(t, d.BumpScannedCount(ctx, "ev1"))

	meta, err := d.GetMetadata(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.ScannedCount)
}
