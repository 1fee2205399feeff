package models

import "time"

// ScanRequest is the scan engine entry point payload.
type ScanRequest struct {
	CredentialRaw  string     `json:"credential_raw"`
	ScannerID      string     `json:"scanner_id,omitempty"`
	Method         ScanMethod `json:"scan_method"`
	OverrideUsed   bool       `json:"override_used,omitempty"`
	OverrideReason string     `json:"override_reason,omitempty"`
}

// RejectionDetails gives the operator enough context for a manual judgment
// call: prior-scan staff/gate/time for ALREADY_USED, event name/date for
// WRONG_EVENT.
type RejectionDetails struct {
	PriorScanAt     *time.Time `json:"prior_scan_at,omitempty"`
	PriorScanBy     string     `json:"prior_scan_by,omitempty"`
	PriorScanDevice string     `json:"prior_scan_device,omitempty"`
	EventName       string     `json:"event_name,omitempty"`
	EventDate       *time.Time `json:"event_date,omitempty"`
}

// ScanResult is what the gate operator sees.
type ScanResult struct {
	Success          bool              `json:"success"`
	ErrorCode        string            `json:"error_code,omitempty"`
	Message          string            `json:"message,omitempty"`
	Warning          string            `json:"warning,omitempty"`
	Offline          bool              `json:"offline,omitempty"`
	ScanType         ScanType          `json:"scan_type,omitempty"`
	Ticket           *Ticket           `json:"ticket,omitempty"`
	RejectionDetails *RejectionDetails `json:"rejection_details,omitempty"`
	TraceID          string            `json:"trace_id,omitempty"`
	DurationMs       int64             `json:"duration_ms"`
}

// TransitionRequest is the ledger-side atomic scan operation input. Status
// check, mutation and audit write happen in one server-side transaction.
type TransitionRequest struct {
	Token          string     `json:"token"`
	Signature      string     `json:"signature,omitempty"`
	ScannerID      string     `json:"scanner_id,omitempty"`
	DeviceID       string     `json:"device_id,omitempty"`
	Method         ScanMethod `json:"scan_method"`
	TraceID        string     `json:"trace_id,omitempty"`
	OverrideUsed   bool       `json:"override_used,omitempty"`
	OverrideReason string     `json:"override_reason,omitempty"`
}

// TransitionOutcome is the ledger's answer to a transition request.
type TransitionOutcome struct {
	Ticket   *Ticket  `json:"ticket"`
	ScanType ScanType `json:"scan_type"`
}

// SyncScanRequest is the reconciliation RPC input. Token is carried alongside
// the ticket id so scans accepted for tokens missing from the device cache
// can still be resolved server-side.
type SyncScanRequest struct {
	TicketID  string     `json:"ticket_id,omitempty"`
	Token     string     `json:"token,omitempty"`
	ScannerID string     `json:"scanner_id,omitempty"`
	ScannedAt time.Time  `json:"scanned_at"`
	DeviceID  string     `json:"device_id"`
	Method    ScanMethod `json:"scan_method,omitempty"`
}

// SyncScanResponse reports the first-scan-wins outcome for one replayed record.
type SyncScanResponse struct {
	Accepted         bool       `json:"accepted"`
	ConflictResolved bool       `json:"conflict_resolved"`
	WinnerTime       *time.Time `json:"winner_time,omitempty"`
	WinnerDevice     string     `json:"winner_device,omitempty"`
}

// Roster is one event's full ticket set, used to populate the offline cache.
type Roster struct {
	Event   Event    `json:"event"`
	Tickets []Ticket `json:"tickets"`
}

// ScanEventMessage is the fire-and-forget event published after every scan
// decision for downstream fraud-scoring and notification collaborators.
type ScanEventMessage struct {
	TraceID   string     `json:"trace_id"`
	TicketID  string     `json:"ticket_id,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	ScanType  ScanType   `json:"scan_type,omitempty"`
	Method    ScanMethod `json:"scan_method"`
	Success   bool       `json:"success"`
	ErrorCode string     `json:"error_code,omitempty"`
	DeviceID  string     `json:"device_id,omitempty"`
	ScannerID string     `json:"scanner_id,omitempty"`
	Offline   bool       `json:"offline"`
	ScannedAt time.Time  `json:"scanned_at"`
}

// FraudSignalMessage is the advisory signal consumed from the fraud-signals
// topic. Advisory only: it flags a ticket for staff review and never blocks
// an admission.
type FraudSignalMessage struct {
	TicketID string  `json:"ticket_id"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}
