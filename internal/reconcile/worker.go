// Package reconcile replays the offline scan log against the admission
// ledger once connectivity returns.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-admission/internal/admission"
	"ms-admission/internal/ledgerclient"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

type SyncClient interface {
	SyncOfflineScan(ctx context.Context, req models.SyncScanRequest) (*models.SyncScanResponse, error)
}

type ScanLog interface {
	PendingScans(ctx context.Context, limit int) ([]models.OfflineScanRecord, error)
	UpdateSyncOutcome(ctx context.Context, record *models.OfflineScanRecord) error
	PruneSynced(ctx context.Context, cutoff time.Time) (int64, error)
}

// Summary reports one reconciliation pass.
type Summary struct {
	Replayed  int
	Synced    int
	Conflicts int
	Failed    int
	Retryable int
}

// Worker replays pending offline records one at a time. Safe to re-run: the
// ledger's first-scan-wins operation is idempotent for an already-recorded
// claim, and only pending records are picked up.
type Worker struct {
	Log         ScanLog
	Client      SyncClient
	Logger      *logger.Logger
	DeviceID    string
	BatchSize   int
	MaxAttempts int
	Retention   time.Duration
	Now         func() time.Time
}

func NewWorker(log ScanLog, client SyncClient, lg *logger.Logger, deviceID string) *Worker {
	return &Worker{
		Log:         log,
		Client:      client,
		Logger:      lg,
		DeviceID:    deviceID,
		BatchSize:   100,
		MaxAttempts: 5,
		Retention:   14 * 24 * time.Hour,
		Now:         time.Now,
	}
}

// RunOnce replays the current pending backlog.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary

	records, err := w.Log.PendingScans(ctx, w.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("load pending scans: %w", err)
	}

	for i := range records {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		record := &records[i]
		summary.Replayed++
		w.replay(ctx, record, &summary)
	}

	if summary.Replayed > 0 {
		w.Logger.LogSync("REPLAY", fmt.Sprintf("replayed=%d synced=%d conflicts=%d failed=%d retryable=%d",
			summary.Replayed, summary.Synced, summary.Conflicts, summary.Failed, summary.Retryable))
	}

	if w.Retention > 0 {
		if pruned, err := w.Log.PruneSynced(ctx, w.Now().UTC().Add(-w.Retention)); err != nil {
			w.Logger.Warn("SYNC", fmt.Sprintf("prune: %v", err))
		} else if pruned > 0 {
			w.Logger.LogSync("PRUNE", fmt.Sprintf("%d synced records dropped", pruned))
		}
	}

	return summary, nil
}

// Run replays on a fixed interval until the context is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.Logger.Warn("SYNC", fmt.Sprintf("reconciliation pass: %v", err))
			}
		}
	}
}

func (w *Worker) replay(ctx context.Context, record *models.OfflineScanRecord, summary *Summary) {
	resp, err := w.Client.SyncOfflineScan(ctx, models.SyncScanRequest{
		TicketID:  record.TicketID,
		Token:     record.Token,
		ScannerID: record.ScannerID,
		ScannedAt: record.ScannedAt,
		DeviceID:  record.DeviceID,
		Method:    record.Method,
	})

	now := w.Now().UTC()
	record.SyncAttempts++

	switch {
	case err == nil && resp.Accepted:
		record.SyncStatus = models.SyncSynced
		record.SyncedAt = &now
		record.LastError = ""
		if resp.ConflictResolved {
			// This device's earlier scan beat a later competing claim.
			record.Winner = models.WinnerLocal
			record.WinnerTime = resp.WinnerTime
			record.WinnerDevice = resp.WinnerDevice
		}
		summary.Synced++

	case err == nil && resp.ConflictResolved:
		// An earlier claim from another device (or scan) already won; kept
		// for staff review, the ticket itself stays untouched.
		record.SyncStatus = models.SyncConflict
		record.Winner = models.WinnerRemote
		record.WinnerTime = resp.WinnerTime
		record.WinnerDevice = resp.WinnerDevice
		record.SyncedAt = &now
		record.LastError = ""
		summary.Conflicts++

	case err == nil:
		// Not accepted and no conflict reported: treat as retryable.
		record.LastError = "ledger rejected replay without verdict"
		summary.Retryable++

	case admission.CodeOf(err) == admission.CodeNotFound:
		record.SyncStatus = models.SyncFailed
		record.LastError = err.Error()
		summary.Failed++

	case errors.Is(err, ledgerclient.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded):
		record.LastError = err.Error()
		if record.SyncAttempts >= w.MaxAttempts {
			record.SyncStatus = models.SyncFailed
			summary.Failed++
		} else {
			summary.Retryable++
		}

	default:
		record.LastError = err.Error()
		if record.SyncAttempts >= w.MaxAttempts {
			record.SyncStatus = models.SyncFailed
			summary.Failed++
		} else {
			summary.Retryable++
		}
	}

	if err := w.Log.UpdateSyncOutcome(ctx, record); err != nil {
		w.Logger.Warn("SYNC", fmt.Sprintf("record %d outcome write: %v", record.LocalID, err))
	}
}
