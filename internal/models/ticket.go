package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AdmissionMode is the per-event policy for how often a ticket may pass the gate.
type AdmissionMode string

const (
	ModeSingle       AdmissionMode = "single"
	ModeReentry      AdmissionMode = "reentry"
	ModeExitTracking AdmissionMode = "exit_tracking"
)

// TicketStatus is the lifecycle status of a ticket.
type TicketStatus string

const (
	StatusValid   TicketStatus = "valid"
	StatusScanned TicketStatus = "scanned"
)

// Presence tracks whether the holder is currently inside the venue.
type Presence string

const (
	PresenceInside  Presence = "inside"
	PresenceOutside Presence = "outside"
	PresenceLeft    Presence = "left"
)

// ScanType classifies a single gate pass.
type ScanType string

const (
	ScanEntry   ScanType = "entry"
	ScanExit    ScanType = "exit"
	ScanReentry ScanType = "reentry"
)

// ScanMethod is how the credential reached the gate.
type ScanMethod string

const (
	MethodQR     ScanMethod = "qr"
	MethodNFC    ScanMethod = "nfc"
	MethodManual ScanMethod = "manual"
)

// Ticket is the authoritative, server-owned admission record. Created at
// issuance, mutated only through the ledger's atomic transition, never deleted.
type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ID        string `bun:"id,pk" json:"id"`
	EventID   string `bun:"event_id,notnull" json:"event_id"`
	Token     string `bun:"token,notnull,unique" json:"token"`
	Signature string `bun:"signature" json:"signature,omitempty"`

	HolderName string `bun:"holder_name" json:"holder_name,omitempty"`
	TierName   string `bun:"tier_name" json:"tier_name,omitempty"`

	Status   TicketStatus `bun:"status,notnull,default:'valid'" json:"status"`
	Presence Presence     `bun:"presence,notnull,default:'outside'" json:"presence"`

	EntryCount int `bun:"entry_count,notnull,default:0" json:"entry_count"`
	ExitCount  int `bun:"exit_count,notnull,default:0" json:"exit_count"`

	LastEntryAt *time.Time `bun:"last_entry_at" json:"last_entry_at,omitempty"`
	LastExitAt  *time.Time `bun:"last_exit_at" json:"last_exit_at,omitempty"`

	// ScannedBy/ScannedByDevice hold the actor and gate of the first accepted
	// scan; replayed into ALREADY_USED rejections for operator display.
	ScannedBy       string     `bun:"scanned_by" json:"scanned_by,omitempty"`
	ScannedByDevice string     `bun:"scanned_by_device" json:"scanned_by_device,omitempty"`
	FirstScanAt     *time.Time `bun:"first_scan_at" json:"first_scan_at,omitempty"`

	// Advisory fraud signal, consumed from the fraud-signals topic. Never
	// changes an admission decision.
	FraudFlagged bool   `bun:"fraud_flagged,notnull,default:false" json:"fraud_flagged"`
	FraudReason  string `bun:"fraud_reason" json:"fraud_reason,omitempty"`

	IssuedAt  time.Time `bun:"issued_at,notnull" json:"issued_at"`
	UpdatedAt time.Time `bun:"updated_at" json:"updated_at"`
}

// Event carries the per-event admission configuration. The admission mode is
// an explicit per-event value passed into the scan engine, not a device-local
// preference.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID            string        `bun:"id,pk" json:"id"`
	Name          string        `bun:"name,notnull" json:"name"`
	VenueName     string        `bun:"venue_name" json:"venue_name,omitempty"`
	StartsAt      time.Time     `bun:"starts_at,notnull" json:"starts_at"`
	AdmissionMode AdmissionMode `bun:"admission_mode,notnull,default:'single'" json:"admission_mode"`
}

// TableReservation cross-links a ticket to a table/VIP pass. A confirmed
// reservation grants re-entry even when the core ticket is already scanned.
type TableReservation struct {
	bun.BaseModel `bun:"table:table_reservations"`

	ID          string    `bun:"id,pk" json:"id"`
	EventID     string    `bun:"event_id,notnull" json:"event_id"`
	TicketID    string    `bun:"ticket_id,notnull" json:"ticket_id"`
	TableNumber string    `bun:"table_number" json:"table_number,omitempty"`
	Status      string    `bun:"status,notnull,default:'confirmed'" json:"status"`
	CreatedAt   time.Time `bun:"created_at,notnull" json:"created_at"`
}

// ScanLog is the ledger-side audit record, written in the same transaction as
// the status transition.
type ScanLog struct {
	bun.BaseModel `bun:"table:scan_logs"`

	ID             string     `bun:"id,pk" json:"id"`
	TraceID        string     `bun:"trace_id,notnull" json:"trace_id"`
	TicketID       string     `bun:"ticket_id,notnull" json:"ticket_id"`
	EventID        string     `bun:"event_id,notnull" json:"event_id"`
	ScannerID      string     `bun:"scanner_id" json:"scanner_id,omitempty"`
	DeviceID       string     `bun:"device_id" json:"device_id,omitempty"`
	ScanType       ScanType   `bun:"scan_type,notnull" json:"scan_type"`
	Method         ScanMethod `bun:"method,notnull" json:"method"`
	Result         string     `bun:"result,notnull" json:"result"`
	OverrideUsed   bool       `bun:"override_used,notnull,default:false" json:"override_used"`
	OverrideReason string     `bun:"override_reason" json:"override_reason,omitempty"`
	DurationMs     int64      `bun:"duration_ms" json:"duration_ms"`
	ScannedAt      time.Time  `bun:"scanned_at,notnull" json:"scanned_at"`
}
