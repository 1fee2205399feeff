package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/admission"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

// stubFetcher serves a canned roster and counts calls.
type stubFetcher struct {
	roster *models.Roster
	err    error
	calls  int
}

func (f *stubFetcher) FetchRoster(ctx context.Context, eventID string) (*models.Roster, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.roster, nil
}

func setupCacheService(t *testing.T, fetcher *stubFetcher) (*Service, *DB) {
	t.Helper()
	d := setupTestDB(t)
	svc := NewService(d, fetcher, logger.NewLogger("cache-test"), "gate-a", "ev1", 5*time.Minute)
	svc.Now = func() time.Time { return time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC) }
	return svc, d
}

func reentryRoster() *models.Roster {
	roster := testRoster("ev1", 2)
	roster.Event.AdmissionMode = models.ModeReentry
	return roster
}

func TestSyncRosterAndLookup(t *testing.T) {
	fetcher := &stubFetcher{roster: testRoster("ev1", 3)}
	fetcher.roster.Tickets[2].Status = models.StatusScanned
	fetcher.roster.Tickets[2].Presence = models.PresenceInside

	svc, _ := setupCacheService(t, fetcher)
	ctx := context.Background()
	require.NoError(t, svc.SyncRoster(ctx))

	// Every roster ticket classifies according to the snapshot.
	status, cached, err := svc.Lookup(ctx, "ev1-tok-a")
	require.NoError(t, err)
	assert.Equal(t, LookupValid, status)
	require.NotNil(t, cached)
	assert.Equal(t, models.ModeSingle, cached.AdmissionMode)

	status, _, err = svc.Lookup(ctx, "ev1-tok-c")
	require.NoError(t, err)
	assert.Equal(t, LookupScanned, status)

	// Anything outside the roster is a cache miss, never an invention.
	status, cached, err = svc.Lookup(ctx, "unknown-token")
	require.NoError(t, err)
	assert.Equal(t, LookupNotInCache, status)
	assert.Nil(t, cached)
}

func TestLookupWrongEvent(t *testing.T) {
	fetcher := &stubFetcher{roster: testRoster("ev1", 1)}
	svc, d := setupCacheService(t, fetcher)
	ctx := context.Background()
	require.NoError(t, svc.SyncRoster(ctx))

	// A stale row from another event's roster is still on disk.
	other := testRoster("ev2", 1)
	require.NoError(t, d.ReplaceRoster(ctx, other, svc.Now()))

	status, cached, err := svc.Lookup(ctx, "ev2-tok-a")
	require.NoError(t, err)
	assert.Equal(t, LookupWrongEvent, status)
	require.NotNil(t, cached)
	assert.Equal(t, "ev2", cached.EventID)
}

func TestCommitScanValidTicket(t *testing.T) {
	fetcher := &stubFetcher{roster: testRoster("ev1", 1)}
	svc, d := setupCacheService(t, fetcher)
	ctx := context.Background()
	require.NoError(t, svc.SyncRoster(ctx))

	outcome, err := svc.CommitScan(ctx, LocalScan{Token: "ev1-tok-a", ScannerID: "staff-1", Method: models.MethodQR})
	require.NoError(t, err)
	assert.Equal(t, models.ScanEntry, outcome.ScanType)
	assert.Empty(t, outcome.Warning)
	require.NotNil(t, outcome.Record)
	assert.Equal(t, models.SyncPending, outcome.Record.SyncStatus)
	assert.Equal(t, "gate-a", outcome.Record.DeviceID)
	assert.False(t, outcome.Record.Unlisted)

	// The cached row flipped so the next lookup sees scanned.
	status, _, err := svc.Lookup(ctx, "ev1-tok-a")
	require.NoError(t, err)
	assert.Equal(t, LookupScanned, status)

	meta, err := d.GetMetadata(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 1, meta.ScannedCount)
}

func TestCommitScanDuplicateSingleMode(t *testing.T) {
	fetcher := &stubFetcher{roster: testRoster("ev1", 1)}
	svc, _ := setupCacheService(t, fetcher)
	ctx := context.Background()
	require.NoError(t, svc.SyncRoster(ctx))

	_, err := svc.CommitScan(ctx, LocalScan{Token: "ev1-tok-a", Method: models.MethodQR})
	require.NoError(t, err)

	_, err = svc.CommitScan(ctx, LocalScan{Token: "ev1-tok-a", Method: models.MethodQR})
	require.Error(t, err)
	assert.Equal(t, admission.CodeAlreadyUsed, admission.CodeOf(err))
}

func TestCommitScanReentryCycle(t *testing.T) {
	fetcher := &stubFetcher{roster: reentryRoster()}
	svc, _ := setupCacheService(t, fetcher)
	ctx := context.Background()
	require.NoError(t, svc.SyncRoster(ctx))

	wantTypes := []models.ScanType{models.ScanEntry, models.ScanExit, models.ScanReentry}
	for i, want := range wantTypes {
		outcome, err := svc.CommitScan(ctx, LocalScan{Token: "ev1-tok-a", Method: models.MethodQR})
		require.NoError(t, err)
		assert.Equal(t, want, outcome.ScanType, "scan %d", i+1)
	}
}

func TestCommitScanNotInCache(t *testing.T) {
	fetcher := &stubFetcher{roster: testRoster("ev1", 1)}
	svc, d := setupCacheService(t, fetcher)
	ctx := context.Background()
	require.NoError(t, svc.SyncRoster(ctx))

	// Unknown token is admitted with a warning, not rejected: a sync gap is
	// likelier than a forgery and reconciliation settles it.
	outcome, err := svc.CommitScan(ctx, LocalScan{Token: "mystery-token", Method: models.MethodQR})
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.Warning)
	require.NotNil(t, outcome.Record)
	assert.True(t, outcome.Record.Unlisted)
	assert.Empty(t, outcome.Record.TicketID)
	assert.Equal(t, "mystery-token", outcome.Record.Token)

	pending, err := d.PendingScans(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCommitScanWrongEvent(t *testing.T) {
	fetcher := &stubFetcher{roster: testRoster("ev1", 1)}
	svc, d := setupCacheService(t, fetcher)
	ctx := context.Background()
	require.NoError(t, svc.SyncRoster(ctx))
	require.NoError(t, d.ReplaceRoster(ctx, testRoster("ev2", 1), svc.Now()))

	_, err := svc.CommitScan(ctx, LocalScan{Token: "ev2-tok-a", Method: models.MethodQR})
	require.Error(t, err)
	ae, ok := admission.AsError(err)
	require.True(t, ok)
	assert.Equal(t, admission.CodeWrongEvent, ae.Code)
	require.NotNil(t, ae.Details)
	assert.Equal(t, "Night Market", ae.Details.EventName)

	// Rejections leave no pending record behind.
	pending, err := d.PendingScans(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBacklogCounts(t *testing.T) {
	fetcher := &stubFetcher{roster: testRoster("ev1", 2)}
	svc, d := setupCacheService(t, fetcher)
	ctx := context.Background()
	require.NoError(t, svc.SyncRoster(ctx))

	_, err := svc.CommitScan(ctx, LocalScan{Token: "ev1-tok-a", Method: models.MethodQR})
	require.NoError(t, err)
	outcome, err := svc.CommitScan(ctx, LocalScan{Token: "ev1-tok-b", Method: models.MethodQR})
	require.NoError(t, err)

	outcome.Record.SyncStatus = models.SyncSynced
	require.NoError(t, d.UpdateSyncOutcome(ctx, outcome.Record))

	backlog, err := svc.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, backlog[models.SyncPending])
	assert.Equal(t, 1, backlog[models.SyncSynced])
	assert.Equal(t, 0, backlog[models.SyncConflict])
}

func TestEnsureFreshHonorsTTL(t *testing.T) {
	fetcher := &stubFetcher{roster: testRoster("ev1", 1)}
	svc, _ := setupCacheService(t, fetcher)
	ctx := context.Background()
	require.NoError(t, svc.SyncRoster(ctx))
	require.Equal(t, 1, fetcher.calls)

	// Within the TTL nothing is fetched.
	svc.EnsureFresh(ctx)
	assert.Equal(t, 1, fetcher.calls)

	// Past the TTL the roster is refreshed.
	svc.Now = func() time.Time { return time.Date(2026, 3, 14, 20, 6, 0, 0, time.UTC) }
	svc.EnsureFresh(ctx)
	assert.Equal(t, 2, fetcher.calls)
}

func TestEnsureFreshToleratesFailedRefresh(t *testing.T) {
	fetcher := &stubFetcher{roster: testRoster("ev1", 1)}
	svc, _ := setupCacheService(t, fetcher)
	ctx := context.Background()
	require.NoError(t, svc.SyncRoster(ctx))

	svc.Now = func() time.Time { return time.Date(2026, 3, 14, 20, 6, 0, 0, time.UTC) }
	fetcher.err = errors.New("ledger unreachable")
	svc.EnsureFresh(ctx)

	// The stale snapshot still serves lookups.
	status, _, err := svc.Lookup(ctx, "ev1-tok-a")
	require.NoError(t, err)
	assert.Equal(t, LookupValid, status)
}
