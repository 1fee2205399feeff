package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-admission/internal/admission"
	"ms-admission/internal/auth"
	"ms-admission/internal/ledger"
	"ms-admission/internal/models"
	"ms-admission/internal/utils"
)

type Handler struct {
	Ledger *ledger.Service
}

func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{Ledger: svc}
}

// Scan handles the online admission path: one atomic state transition plus
// audit write. Expected POST body: models.TransitionRequest.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req models.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid request body", err.Error()))
		return
	}
	if req.Token == "" {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("token is required", ""))
		return
	}

	// Scanner identity comes from the verified OIDC context when auth is on,
	// else from the Bearer token claims; the body value is only a fallback
	// for manual stations.
	if scannerID := auth.ScannerID(r.Context()); scannerID != "" {
		req.ScannerID = scannerID
	} else if tokenString, err := auth.ExtractTokenFromRequest(r); err == nil {
		if scannerID, err := auth.ExtractUserIDFromJWT(tokenString); err == nil {
			req.ScannerID = scannerID
		}
	}

	outcome, err := h.Ledger.ApplyScan(r.Context(), req)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("scan accepted", outcome))
}

// SyncOfflineScan is the reconciliation RPC: first-scan-wins for one replayed
// offline record. Conflicts are a normal outcome, not an HTTP error.
func (h *Handler) SyncOfflineScan(w http.ResponseWriter, r *http.Request) {
	var req models.SyncScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid request body", err.Error()))
		return
	}
	if req.TicketID == "" && req.Token == "" {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("ticket_id or token is required", ""))
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("device_id is required", ""))
		return
	}

	resp, err := h.Ledger.SyncOfflineScan(r.Context(), req)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("offline scan reconciled", resp))
}

// Roster streams one event's full ticket set for a device cache sync.
func (h *Handler) Roster(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	roster, err := h.Ledger.GetRoster(r.Context(), eventID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, utils.ErrorResponse("roster unavailable", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("roster", roster))
}

// VerifyCredential lets untrusted gate hardware delegate signature checks.
// Expected POST body: {"token": "...", "signature": "..."}.
func (h *Handler) VerifyCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token     string `json:"token"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid request body", err.Error()))
		return
	}

	valid := h.Ledger.VerifyCredential(r.Context(), req.Token, req.Signature)
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// Ticket returns one authoritative ticket record for staff review.
func (h *Handler) Ticket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")
	ticket, err := h.Ledger.GetTicket(r.Context(), ticketID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, utils.ErrorResponse("ticket not found", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("ticket", ticket))
}

// writeAdmissionError maps the admission error taxonomy onto HTTP statuses
// and keeps the rejection details in the payload for operator display.
func writeAdmissionError(w http.ResponseWriter, err error) {
	ae, ok := admission.AsError(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("internal error", err.Error()))
		return
	}

	status := http.StatusConflict
	switch ae.Code {
	case admission.CodeNotFound:
		status = http.StatusNotFound
	case admission.CodeTampered:
		status = http.StatusForbidden
	}

	resp := utils.ErrorResponse(ae.Message, ae.Code)
	if ae.Details != nil {
		resp.Data = ae.Details
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
