package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-admission/internal/admission"
	"ms-admission/internal/models"
)

type DB struct {
	Bun *bun.DB
}

// lockRow adds row-level locking on dialects that support it. SQLite (used
// in tests and on gate devices) serializes writers on its own.
func (d *DB) lockRow(q *bun.SelectQuery) *bun.SelectQuery {
	if d.Bun.Dialect().Name() == dialect.PG {
		return q.For("UPDATE")
	}
	return q
}

func (d *DB) GetTicketByID(ctx context.Context, id string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DB) GetTicketByToken(ctx context.Context, token string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("token = ?", token).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DB) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	err := d.Bun.NewSelect().
		Model(&event).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// GetRoster returns one event plus its full ticket set for a device cache sync.
func (d *DB) GetRoster(ctx context.Context, eventID string) (*models.Roster, error) {
	event, err := d.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("event %s not found: %w", eventID, err)
	}

	var tickets []models.Ticket
	err = d.Bun.NewSelect().
		Model(&tickets).
		Where("event_id = ?", eventID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	return &models.Roster{Event: *event, Tickets: tickets}, nil
}

// SetFraudFlag records an advisory fraud signal on a ticket. Advisory only.
func (d *DB) SetFraudFlag(ctx context.Context, ticketID, reason string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("fraud_flagged = ?", true).
		Set("fraud_reason = ?", reason).
		Where("id = ?", ticketID).
		Exec(ctx)
	return err
}

// ApplyScan runs the full online transition as one atomic operation: lock the
// ticket row, check the current state, mutate it and append the audit record
// in a single transaction. Two devices racing on the same ticket cannot both
// succeed; exactly one observes ALREADY_USED.
func (d *DB) ApplyScan(ctx context.Context, req models.TransitionRequest, now time.Time) (*models.TransitionOutcome, error) {
	var outcome *models.TransitionOutcome
	// Rejections commit too: the audit row for a refused scan must survive,
	// so the admission error is carried out instead of aborting the tx.
	var rejection *admission.Error

	err := d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var ticket models.Ticket
		err := d.lockRow(tx.NewSelect().Model(&ticket).Where("token = ?", req.Token)).
			Limit(1).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return admission.NewError(admission.CodeNotFound, "no ticket for token")
		}
		if err != nil {
			return err
		}

		var event models.Event
		if err := tx.NewSelect().Model(&event).Where("id = ?", ticket.EventID).Limit(1).Scan(ctx); err != nil {
			return fmt.Errorf("event lookup for ticket %s: %w", ticket.ID, err)
		}

		transition, err := admission.Next(event.AdmissionMode, ticket.Status, ticket.Presence)
		if err != nil {
			if ae, ok := admission.AsError(err); ok && ae.Code == admission.CodeAlreadyUsed {
				// A confirmed table/VIP reservation link overrides the
				// rejection; the pass is recorded as reentry, not entry.
				linked, linkErr := hasReentryLink(ctx, tx, ticket.ID)
				if linkErr != nil {
					return linkErr
				}
				if !linked {
					ae.Details = rejectionDetails(&ticket)
					if logErr := insertScanLog(ctx, tx, &ticket, models.ScanEntry, req, admission.CodeAlreadyUsed, now); logErr != nil {
						return logErr
					}
					rejection = ae
					return nil
				}
				transition = admission.ReentryOverride()
			} else {
				return err
			}
		}

		admission.Apply(&ticket, transition, req.ScannerID, req.DeviceID, now)

		if _, err := tx.NewUpdate().
			Model(&ticket).
			Column("status", "presence", "entry_count", "exit_count",
				"last_entry_at", "last_exit_at", "scanned_by",
				"scanned_by_device", "first_scan_at", "updated_at").
			Where("id = ?", ticket.ID).
			Exec(ctx); err != nil {
			return err
		}

		if err := insertScanLog(ctx, tx, &ticket, transition.ScanType, req, "accepted", now); err != nil {
			return err
		}

		outcome = &models.TransitionOutcome{Ticket: &ticket, ScanType: transition.ScanType}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejection != nil {
		return nil, rejection
	}
	return outcome, nil
}

// SyncOfflineScan applies first-scan-wins for one replayed offline record.
// The earliest scanned_at among all competing claims for the ticket becomes
// canonical; later claims are reported as conflicts and never mutate the
// ticket further. Safe to re-run with the same record.
func (d *DB) SyncOfflineScan(ctx context.Context, req models.SyncScanRequest, now time.Time) (*models.SyncScanResponse, error) {
	var resp *models.SyncScanResponse

	err := d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var ticket models.Ticket
		q := d.lockRow(tx.NewSelect().Model(&ticket)).Limit(1)
		if req.TicketID != "" {
			q = q.Where("id = ?", req.TicketID)
		} else {
			q = q.Where("token = ?", req.Token)
		}
		err := q.Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return admission.NewError(admission.CodeNotFound, "no ticket for offline scan")
		}
		if err != nil {
			return err
		}

		scannedAt := req.ScannedAt.UTC()

		// No prior claim: this scan becomes canonical.
		if ticket.FirstScanAt == nil {
			applyOfflineWin(&ticket, req, scannedAt, now)
			if err := updateSyncColumns(ctx, tx, &ticket); err != nil {
				return err
			}
			if err := insertSyncLog(ctx, tx, &ticket, req, "accepted", now); err != nil {
				return err
			}
			resp = &models.SyncScanResponse{Accepted: true}
			return nil
		}

		first := ticket.FirstScanAt.UTC()

		// Idempotent replay of the claim already recorded as winner.
		if first.Equal(scannedAt) && ticket.ScannedByDevice == req.DeviceID {
			resp = &models.SyncScanResponse{Accepted: true}
			return nil
		}

		// Earlier claim arriving late: it takes the win from the one recorded.
		if scannedAt.Before(first) {
			applyOfflineWin(&ticket, req, scannedAt, now)
			if err := updateSyncColumns(ctx, tx, &ticket); err != nil {
				return err
			}
			if err := insertSyncLog(ctx, tx, &ticket, req, "accepted_late_winner", now); err != nil {
				return err
			}
			resp = &models.SyncScanResponse{
				Accepted:         true,
				ConflictResolved: true,
				WinnerTime:       &scannedAt,
				WinnerDevice:     req.DeviceID,
			}
			return nil
		}

		// A competing claim already won; the ticket is not mutated.
		winnerTime := first
		resp = &models.SyncScanResponse{
			Accepted:         false,
			ConflictResolved: true,
			WinnerTime:       &winnerTime,
			WinnerDevice:     ticket.ScannedByDevice,
		}
		return insertSyncLog(ctx, tx, &ticket, req, admission.CodeSyncConflict, now)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func applyOfflineWin(ticket *models.Ticket, req models.SyncScanRequest, scannedAt, now time.Time) {
	ticket.Status = models.StatusScanned
	ticket.Presence = models.PresenceInside
	if ticket.FirstScanAt == nil {
		ticket.EntryCount++
	}
	ticket.FirstScanAt = &scannedAt
	ticket.LastEntryAt = &scannedAt
	ticket.ScannedBy = req.ScannerID
	ticket.ScannedByDevice = req.DeviceID
	ticket.UpdatedAt = now
}

func updateSyncColumns(ctx context.Context, tx bun.Tx, ticket *models.Ticket) error {
	_, err := tx.NewUpdate().
		Model(ticket).
		Column("status", "presence", "entry_count", "last_entry_at",
			"scanned_by", "scanned_by_device", "first_scan_at", "updated_at").
		Where("id = ?", ticket.ID).
		Exec(ctx)
	return err
}

func hasReentryLink(ctx context.Context, tx bun.Tx, ticketID string) (bool, error) {
	return tx.NewSelect().
		Model((*models.TableReservation)(nil)).
		Where("ticket_id = ?", ticketID).
		Where("status = ?", "confirmed").
		Exists(ctx)
}

func rejectionDetails(ticket *models.Ticket) *models.RejectionDetails {
	details := &models.RejectionDetails{
		PriorScanBy:     ticket.ScannedBy,
		PriorScanDevice: ticket.ScannedByDevice,
	}
	if ticket.FirstScanAt != nil {
		t := *ticket.FirstScanAt
		details.PriorScanAt = &t
	} else if ticket.LastEntryAt != nil {
		t := *ticket.LastEntryAt
		details.PriorScanAt = &t
	}
	return details
}

func insertScanLog(ctx context.Context, tx bun.Tx, ticket *models.Ticket, scanType models.ScanType, req models.TransitionRequest, result string, now time.Time) error {
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}
	logRow := &models.ScanLog{
		ID:             uuid.New().String(),
		TraceID:        traceID,
		TicketID:       ticket.ID,
		EventID:        ticket.EventID,
		ScannerID:      req.ScannerID,
		DeviceID:       req.DeviceID,
		ScanType:       scanType,
		Method:         req.Method,
		Result:         result,
		OverrideUsed:   req.OverrideUsed,
		OverrideReason: req.OverrideReason,
		ScannedAt:      now,
	}
	_, err := tx.NewInsert().Model(logRow).Exec(ctx)
	return err
}

func insertSyncLog(ctx context.Context, tx bun.Tx, ticket *models.Ticket, req models.SyncScanRequest, result string, now time.Time) error {
	method := req.Method
	if method == "" {
		method = models.MethodQR
	}
	logRow := &models.ScanLog{
		ID:        uuid.New().String(),
		TraceID:   uuid.New().String(),
		TicketID:  ticket.ID,
		EventID:   ticket.EventID,
		ScannerID: req.ScannerID,
		DeviceID:  req.DeviceID,
		ScanType:  models.ScanEntry,
		Method:    method,
		Result:    result,
		ScannedAt: req.ScannedAt.UTC(),
	}
	logRow.DurationMs = now.Sub(req.ScannedAt.UTC()).Milliseconds()
	_, err := tx.NewInsert().Model(logRow).Exec(ctx)
	return err
}
