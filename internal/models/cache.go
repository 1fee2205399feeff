package models

import (
	"time"

	"github.com/uptrace/bun"
)

// CachedTicket is the per-device mirror of one event's roster. Fully replaced
// on each roster sync; may be stale relative to the authoritative Ticket.
type CachedTicket struct {
	bun.BaseModel `bun:"table:cached_tickets"`

	TicketID      string        `bun:"ticket_id,pk" json:"ticket_id"`
	EventID       string        `bun:"event_id,notnull" json:"event_id"`
	EventName     string        `bun:"event_name" json:"event_name,omitempty"`
	Token         string        `bun:"token,notnull" json:"token"`
	Status        TicketStatus  `bun:"status,notnull" json:"status"`
	Presence      Presence      `bun:"presence,notnull" json:"presence"`
	AdmissionMode AdmissionMode `bun:"admission_mode,notnull" json:"admission_mode"`
	HolderName    string        `bun:"holder_name" json:"holder_name,omitempty"`
	TierName      string        `bun:"tier_name" json:"tier_name,omitempty"`
	SyncedAt      time.Time     `bun:"synced_at,notnull" json:"synced_at"`
}

// CacheMetadata drives cache-freshness decisions, one row per event.
// Recomputed on every roster sync and on every local scan commit.
type CacheMetadata struct {
	bun.BaseModel `bun:"table:cache_metadata"`

	EventID      string    `bun:"event_id,pk" json:"event_id"`
	EventName    string    `bun:"event_name" json:"event_name,omitempty"`
	LastSyncAt   time.Time `bun:"last_sync_at,notnull" json:"last_sync_at"`
	TicketCount  int       `bun:"ticket_count,notnull,default:0" json:"ticket_count"`
	ScannedCount int       `bun:"scanned_count,notnull,default:0" json:"scanned_count"`
}

// SyncStatus is the reconciliation state of an offline scan record.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncFailed   SyncStatus = "failed"
)

// ConflictWinner names which side won a first-scan-wins resolution.
type ConflictWinner string

const (
	WinnerLocal  ConflictWinner = "local"
	WinnerRemote ConflictWinner = "remote"
)

// OfflineScanRecord is the device-side append-only log of scans committed
// while offline. Mutated only by the reconciliation worker, retained after
// sync for audit and pruned after a retention window.
type OfflineScanRecord struct {
	bun.BaseModel `bun:"table:offline_scans"`

	LocalID    int64      `bun:"local_id,pk,autoincrement" json:"local_id"`
	TicketID   string     `bun:"ticket_id,notnull" json:"ticket_id"`
	Token      string     `bun:"token,notnull" json:"token"`
	EventID    string     `bun:"event_id,notnull" json:"event_id"`
	ScanType   ScanType   `bun:"scan_type,notnull" json:"scan_type"`
	Method     ScanMethod `bun:"method,notnull,default:'qr'" json:"scan_method"`
	ScannedAt  time.Time  `bun:"scanned_at,notnull" json:"scanned_at"`
	ScannerID  string     `bun:"scanner_id" json:"scanner_id,omitempty"`
	DeviceID   string     `bun:"device_id,notnull" json:"device_id"`
	Unlisted   bool       `bun:"unlisted,notnull,default:false" json:"unlisted"`
	SyncStatus SyncStatus `bun:"sync_status,notnull,default:'pending'" json:"sync_status"`

	Winner       ConflictWinner `bun:"winner" json:"winner,omitempty"`
	WinnerTime   *time.Time     `bun:"winner_time" json:"winner_time,omitempty"`
	WinnerDevice string         `bun:"winner_device" json:"winner_device,omitempty"`

	SyncAttempts int        `bun:"sync_attempts,notnull,default:0" json:"sync_attempts"`
	LastError    string     `bun:"last_error" json:"last_error,omitempty"`
	SyncedAt     *time.Time `bun:"synced_at" json:"synced_at,omitempty"`
}
