package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-admission/internal/admission"
	"ms-admission/internal/credential"
	"ms-admission/internal/ledger"
	ledgerdb "ms-admission/internal/ledger/db"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

func setupServer(t *testing.T) (*httptest.Server, *credential.LocalVerifier) {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.Event)(nil),
		(*models.Ticket)(nil),
		(*models.TableReservation)(nil),
		(*models.ScanLog)(nil),
	} {
		require.NoError(t, bunDB.ResetModel(ctx, model))
	}

	event := &models.Event{ID: "ev1", Name: "Night Market", StartsAt: time.Now(), AdmissionMode: models.ModeSingle}
	_, err = bunDB.NewInsert().Model(event).Exec(ctx)
	require.NoError(t, err)

	verifier := credential.NewLocalVerifier("test-secret-key")
	ticket := &models.Ticket{
		ID:        "t1",
		EventID:   "ev1",
		Token:     "tok-1",
		Signature: verifier.Sign("tok-1"),
		Status:    models.StatusValid,
		Presence:  models.PresenceOutside,
		IssuedAt:  time.Now(),
	}
	_, err = bunDB.NewInsert().Model(ticket).Exec(ctx)
	require.NoError(t, err)

	svc := ledger.NewService(&ledgerdb.DB{Bun: bunDB}, verifier, nil, nil, logger.NewLogger("api-test"))
	handler := NewHandler(svc)

	r := chi.NewRouter()
	r.Post("/scan", handler.Scan)
	r.Post("/scan/sync", handler.SyncOfflineScan)
	r.Get("/event/{eventID}/roster", handler.Roster)
	r.Post("/credential/verify", handler.VerifyCredential)
	r.Get("/ticket/{ticketID}", handler.Ticket)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		bunDB.Close()
	})
	return srv, verifier
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestScanEndpoint(t *testing.T) {
	srv, verifier := setupServer(t)

	req := models.TransitionRequest{
		Token:     "tok-1",
		Signature: verifier.Sign("tok-1"),
		DeviceID:  "gate-a",
		Method:    models.MethodQR,
	}

	resp := postJSON(t, srv.URL+"/scan", req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Success bool `json:"success"`
		Data    struct {
			ScanType models.ScanType `json:"scan_type"`
			Ticket   models.Ticket   `json:"ticket"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.True(t, env.Success)
	assert.Equal(t, models.ScanEntry, env.Data.ScanType)
	assert.Equal(t, models.StatusScanned, env.Data.Ticket.Status)

	// Duplicate scan surfaces ALREADY_USED with the prior-scan context.
	dup := postJSON(t, srv.URL+"/scan", req)
	defer dup.Body.Close()
	require.Equal(t, http.StatusConflict, dup.StatusCode)

	var rejection struct {
		Success bool                    `json:"success"`
		Error   string                  `json:"error"`
		Data    models.RejectionDetails `json:"data"`
	}
	require.NoError(t, json.NewDecoder(dup.Body).Decode(&rejection))
	assert.False(t, rejection.Success)
	assert.Equal(t, admission.CodeAlreadyUsed, rejection.Error)
	assert.Equal(t, "gate-a", rejection.Data.PriorScanDevice)
	require.NotNil(t, rejection.Data.PriorScanAt)
}

func TestScanEndpointTampered(t *testing.T) {
	srv, _ := setupServer(t)

	forged := credential.NewLocalVerifier("attacker-secret")
	resp := postJSON(t, srv.URL+"/scan", models.TransitionRequest{
		Token:     "tok-1",
		Signature: forged.Sign("tok-1"),
		Method:    models.MethodQR,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestScanEndpointNotFound(t *testing.T) {
	srv, verifier := setupServer(t)

	resp := postJSON(t, srv.URL+"/scan", models.TransitionRequest{
		Token:     "tok-unknown",
		Signature: verifier.Sign("tok-unknown"),
		Method:    models.MethodQR,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSyncEndpointConflictIs200(t *testing.T) {
	srv, _ := setupServer(t)
	base := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	first := postJSON(t, srv.URL+"/scan/sync", models.SyncScanRequest{TicketID: "t1", ScannedAt: base, DeviceID: "gate-a"})
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := postJSON(t, srv.URL+"/scan/sync", models.SyncScanRequest{TicketID: "t1", ScannedAt: base.Add(time.Minute), DeviceID: "gate-b"})
	defer second.Body.Close()
	require.Equal(t, http.StatusOK, second.StatusCode, "a lost conflict is a normal outcome, not an HTTP error")

	var env struct {
		Data models.SyncScanResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(second.Body).Decode(&env))
	assert.False(t, env.Data.Accepted)
	assert.True(t, env.Data.ConflictResolved)
	assert.Equal(t, "gate-a", env.Data.WinnerDevice)
}

func TestVerifyCredentialEndpoint(t *testing.T) {
	srv, verifier := setupServer(t)

	resp := postJSON(t, srv.URL+"/credential/verify", map[string]string{
		"token":     "tok-1",
		"signature": verifier.Sign("tok-1"),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Valid)
}

func TestRosterEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/event/ev1/roster")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Data models.Roster `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "ev1", env.Data.Event.ID)
	assert.Len(t, env.Data.Tickets, 1)
}
