package api

import (
	"encoding/json"
	"net/http"

	"ms-admission/internal/auth"
	"ms-admission/internal/cache"
	"ms-admission/internal/models"
	"ms-admission/internal/reconcile"
	"ms-admission/internal/scanner"
	"ms-admission/internal/utils"
)

type Handler struct {
	Engine     *scanner.Engine
	Cache      *cache.Service
	Reconciler *reconcile.Worker
}

func NewHandler(engine *scanner.Engine, cacheSvc *cache.Service, worker *reconcile.Worker) *Handler {
	return &Handler{Engine: engine, Cache: cacheSvc, Reconciler: worker}
}

// Scan is the operator-facing scan endpoint.
// Expected POST body: models.ScanRequest.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req models.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid request body", err.Error()))
		return
	}
	if req.CredentialRaw == "" {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("credential_raw is required", ""))
		return
	}
	if req.Method == "" {
		req.Method = models.MethodQR
	}

	if tokenString, err := auth.ExtractTokenFromRequest(r); err == nil {
		if scannerID, err := auth.ExtractUserIDFromJWT(tokenString); err == nil {
			req.ScannerID = scannerID
		}
	}

	result := h.Engine.Scan(r.Context(), req)

	// The scan result is the payload either way; HTTP status mirrors the
	// admission decision for dumb gate clients.
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// SyncNow triggers one reconciliation pass on demand.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Reconciler.RunOnce(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("reconciliation failed", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("reconciliation complete", summary))
}

// RefreshRoster forces a roster re-download for the selected event.
func (h *Handler) RefreshRoster(w http.ResponseWriter, r *http.Request) {
	if err := h.Cache.SyncRoster(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, utils.ErrorResponse("roster refresh failed", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("roster refreshed", nil))
}

// Status reports cache freshness and reconciliation backlog for operators.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	meta, err := h.Cache.Metadata(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("status unavailable", err.Error()))
		return
	}
	backlog, err := h.Cache.Backlog(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("status unavailable", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("device status", map[string]interface{}{
		"cache":   meta,
		"backlog": backlog,
	}))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
