// Package cache is the gate device's persistent mirror of one event's ticket
// roster plus the append-only log of scans committed while offline.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-admission/internal/models"
)

type DB struct {
	Bun *bun.DB
}

// CreateSchema creates the device-local tables when they don't exist.
func CreateSchema(ctx context.Context, bunDB *bun.DB) error {
	schemaModels := []interface{}{
		(*models.CachedTicket)(nil),
		(*models.OfflineScanRecord)(nil),
		(*models.CacheMetadata)(nil),
	}
	for _, model := range schemaModels {
		if _, err := bunDB.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	for _, idx := range []struct{ name, table, column string }{
		{"idx_cached_tickets_token", "cached_tickets", "token"},
		{"idx_cached_tickets_event_id", "cached_tickets", "event_id"},
		{"idx_offline_scans_sync_status", "offline_scans", "sync_status"},
	} {
		if _, err := bunDB.NewCreateIndex().
			Table(idx.table).
			Index(idx.name).
			Column(idx.column).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// ReplaceRoster swaps in a fresh snapshot for one event: prior rows for that
// event are dropped, not merged, and the metadata row is recomputed.
func (d *DB) ReplaceRoster(ctx context.Context, roster *models.Roster, now time.Time) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*models.CachedTicket)(nil)).
			Where("event_id = ?", roster.Event.ID).
			Exec(ctx); err != nil {
			return err
		}

		scanned := 0
		for _, ticket := range roster.Tickets {
			cached := &models.CachedTicket{
				TicketID:      ticket.ID,
				EventID:       ticket.EventID,
				EventName:     roster.Event.Name,
				Token:         ticket.Token,
				Status:        ticket.Status,
				Presence:      ticket.Presence,
				AdmissionMode: roster.Event.AdmissionMode,
				HolderName:    ticket.HolderName,
				TierName:      ticket.TierName,
				SyncedAt:      now,
			}
			if ticket.Status == models.StatusScanned {
				scanned++
			}
			if _, err := tx.NewInsert().
				Model(cached).
				On("CONFLICT (ticket_id) DO UPDATE").
				Set("status = EXCLUDED.status").
				Set("presence = EXCLUDED.presence").
				Set("synced_at = EXCLUDED.synced_at").
				Exec(ctx); err != nil {
				return err
			}
		}

		meta := &models.CacheMetadata{
			EventID:      roster.Event.ID,
			EventName:    roster.Event.Name,
			LastSyncAt:   now,
			TicketCount:  len(roster.Tickets),
			ScannedCount: scanned,
		}
		_, err := tx.NewInsert().
			Model(meta).
			On("CONFLICT (event_id) DO UPDATE").
			Set("event_name = EXCLUDED.event_name").
			Set("last_sync_at = EXCLUDED.last_sync_at").
			Set("ticket_count = EXCLUDED.ticket_count").
			Set("scanned_count = EXCLUDED.scanned_count").
			Exec(ctx)
		return err
	})
}

// GetByToken looks a cached ticket up regardless of event; the caller decides
// whether a hit from another event's roster is WRONG_EVENT.
func (d *DB) GetByToken(ctx context.Context, token string) (*models.CachedTicket, error) {
	var cached models.CachedTicket
	err := d.Bun.NewSelect().
		Model(&cached).
		Where("token = ?", token).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cached, nil
}

// UpdateCachedState flips a cached ticket's status/presence after a local
// admission commit.
func (d *DB) UpdateCachedState(ctx context.Context, ticketID string, status models.TicketStatus, presence models.Presence, now time.Time) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.CachedTicket)(nil)).
		Set("status = ?", status).
		Set("presence = ?", presence).
		Set("synced_at = ?", now).
		Where("ticket_id = ?", ticketID).
		Exec(ctx)
	return err
}

// InsertOfflineScan appends one pending record to the offline scan log.
func (d *DB) InsertOfflineScan(ctx context.Context, record *models.OfflineScanRecord) error {
	_, err := d.Bun.NewInsert().Model(record).Exec(ctx)
	return err
}

// PendingScans returns records awaiting reconciliation, oldest first.
func (d *DB) PendingScans(ctx context.Context, limit int) ([]models.OfflineScanRecord, error) {
	var records []models.OfflineScanRecord
	q := d.Bun.NewSelect().
		Model(&records).
		Where("sync_status = ?", models.SyncPending).
		Order("scanned_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateSyncOutcome records the reconciliation result for one record.
func (d *DB) UpdateSyncOutcome(ctx context.Context, record *models.OfflineScanRecord) error {
	_, err := d.Bun.NewUpdate().
		Model(record).
		Column("sync_status", "winner", "winner_time", "winner_device",
			"sync_attempts", "last_error", "synced_at").
		Where("local_id = ?", record.LocalID).
		Exec(ctx)
	return err
}

// BumpScannedCount keeps the metadata row in step with local commits.
func (d *DB) BumpScannedCount(ctx context.Context, eventID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.CacheMetadata)(nil)).
		Set("scanned_count = scanned_count + 1").
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}

// GetMetadata returns the cache freshness record for one event, or nil when
// the device has never synced it.
func (d *DB) GetMetadata(ctx context.Context, eventID string) (*models.CacheMetadata, error) {
	var meta models.CacheMetadata
	err := d.Bun.NewSelect().
		Model(&meta).
		Where("event_id = ?", eventID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// PruneSynced deletes synced records older than the retention cutoff.
// Conflict and failed records are kept for staff review.
func (d *DB) PruneSynced(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.Bun.NewDelete().
		Model((*models.OfflineScanRecord)(nil)).
		Where("sync_status = ?", models.SyncSynced).
		Where("scanned_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus reports the offline log's reconciliation backlog.
func (d *DB) CountByStatus(ctx context.Context, status models.SyncStatus) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.OfflineScanRecord)(nil)).
		Where("sync_status = ?", status).
		Count(ctx)
}
