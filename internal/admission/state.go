// Package admission holds the per-ticket state machine shared by the online
// ledger path and the offline cache path.
package admission

import (
	"fmt"
	"time"

	"ms-admission/internal/models"
)

// Transition is the computed next state for one scan attempt.
type Transition struct {
	ScanType models.ScanType
	Status   models.TicketStatus
	Presence models.Presence
}

// Next computes the state transition for a scan attempt. It returns an
// *Error with code ALREADY_USED when a single-mode ticket is re-presented;
// the caller fills in the prior-scan details and may override the rejection
// via a table/VIP re-entry link.
func Next(mode models.AdmissionMode, status models.TicketStatus, presence models.Presence) (Transition, error) {
	switch mode {
	case models.ModeSingle:
		if status == models.StatusScanned {
			return Transition{}, NewError(CodeAlreadyUsed, "ticket already scanned")
		}
		return Transition{
			ScanType: models.ScanEntry,
			Status:   models.StatusScanned,
			Presence: models.PresenceInside,
		}, nil

	case models.ModeReentry, models.ModeExitTracking:
		// Entry when outside or never scanned, exit otherwise.
		if presence == models.PresenceInside {
			return Transition{
				ScanType: models.ScanExit,
				Status:   models.StatusScanned,
				Presence: models.PresenceOutside,
			}, nil
		}
		scanType := models.ScanEntry
		if status == models.StatusScanned {
			scanType = models.ScanReentry
		}
		return Transition{
			ScanType: scanType,
			Status:   models.StatusScanned,
			Presence: models.PresenceInside,
		}, nil

	default:
		return Transition{}, fmt.Errorf("unknown admission mode %q", mode)
	}
}

// ReentryOverride is the transition applied when a table/VIP reservation link
// grants re-entry to an already-used single-mode ticket. Recorded as reentry,
// not entry.
func ReentryOverride() Transition {
	return Transition{
		ScanType: models.ScanReentry,
		Status:   models.StatusScanned,
		Presence: models.PresenceInside,
	}
}

// Apply mutates a ticket according to a computed transition at the given
// time. Counters stay monotonic; entry_count >= exit_count always holds
// because an exit is only derivable from presence inside.
func Apply(t *models.Ticket, tr Transition, scannerID, deviceID string, at time.Time) {
	t.Status = tr.Status
	t.Presence = tr.Presence
	switch tr.ScanType {
	case models.ScanEntry, models.ScanReentry:
		t.EntryCount++
		ts := at
		t.LastEntryAt = &ts
		if t.FirstScanAt == nil {
			first := at
			t.FirstScanAt = &first
			t.ScannedBy = scannerID
			t.ScannedByDevice = deviceID
		}
	case models.ScanExit:
		t.ExitCount++
		ts := at
		t.LastExitAt = &ts
	}
	t.UpdatedAt = at
}
