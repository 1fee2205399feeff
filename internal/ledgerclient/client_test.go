package ledgerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/admission"
	"ms-admission/internal/models"
)

func TestScanDecodesOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scan", r.URL.Path)
		var req models.TransitionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tok-1", req.Token)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"message": "admitted",
			"data": models.TransitionOutcome{
				Ticket:   &models.Ticket{ID: "t1", Token: "tok-1", Status: models.StatusScanned},
				ScanType: models.ScanEntry,
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	outcome, err := c.Scan(context.Background(), models.TransitionRequest{Token: "tok-1", Method: models.MethodQR})
	require.NoError(t, err)
	assert.Equal(t, "t1", outcome.Ticket.ID)
	assert.Equal(t, models.ScanEntry, outcome.ScanType)
}

func TestScanDecodesAdmissionError(t *testing.T) {
	priorScan := time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"message": "ticket already scanned",
			"error":   admission.CodeAlreadyUsed,
			"data": models.RejectionDetails{
				PriorScanAt:     &priorScan,
				PriorScanBy:     "staff-1",
				PriorScanDevice: "gate-b",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Scan(context.Background(), models.TransitionRequest{Token: "tok-1", Method: models.MethodQR})
	require.Error(t, err)

	ae, ok := admission.AsError(err)
	require.True(t, ok, "remote rejection decodes to the same typed error as a local one")
	assert.Equal(t, admission.CodeAlreadyUsed, ae.Code)
	require.NotNil(t, ae.Details)
	assert.Equal(t, "staff-1", ae.Details.PriorScanBy)
	assert.True(t, ae.Details.PriorScanAt.Equal(priorScan))
}

func TestTransportFailuresAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	c := New(srv.URL, time.Second)

	_, err := c.Scan(context.Background(), models.TransitionRequest{Token: "tok-1"})
	assert.ErrorIs(t, err, ErrUnavailable)

	srv.Close()
	_, err = c.Scan(context.Background(), models.TransitionRequest{Token: "tok-1"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFetchRoster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/event/ev1/roster", r.URL.Path)
		assert.Equal(t, "Bearer device-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": models.Roster{
				Event:   models.Event{ID: "ev1", AdmissionMode: models.ModeReentry},
				Tickets: []models.Ticket{{ID: "t1", EventID: "ev1", Token: "tok-1"}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	c.AuthToken = "device-token"
	roster, err := c.FetchRoster(context.Background(), "ev1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeReentry, roster.Event.AdmissionMode)
	assert.Len(t, roster.Tickets, 1)
}

func TestSyncOfflineScan(t *testing.T) {
	winnerTime := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scan/sync", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": models.SyncScanResponse{
				Accepted:         false,
				ConflictResolved: true,
				WinnerTime:       &winnerTime,
				WinnerDevice:     "gate-b",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	resp, err := c.SyncOfflineScan(context.Background(), models.SyncScanRequest{TicketID: "t1", DeviceID: "gate-a", ScannedAt: winnerTime.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.True(t, resp.ConflictResolved)
	assert.Equal(t, "gate-b", resp.WinnerDevice)
}
