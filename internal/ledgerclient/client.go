// Package ledgerclient is the gate device's HTTP client for the remote
// admission ledger.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ms-admission/internal/admission"
	"ms-admission/internal/models"
)

// ErrUnavailable wraps any transport-level failure. Callers fall back to the
// offline path instead of surfacing it to the operator.
var ErrUnavailable = errors.New("ledger unavailable")

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// envelope mirrors the ledger API's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Scan submits one online admission attempt.
func (c *Client) Scan(ctx context.Context, req models.TransitionRequest) (*models.TransitionOutcome, error) {
	env, err := c.post(ctx, "/scan", req)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, decodeAdmissionError(env)
	}
	var outcome models.TransitionOutcome
	if err := json.Unmarshal(env.Data, &outcome); err != nil {
		return nil, fmt.Errorf("decode scan outcome: %w", err)
	}
	return &outcome, nil
}

// SyncOfflineScan replays one offline record through the reconciliation RPC.
func (c *Client) SyncOfflineScan(ctx context.Context, req models.SyncScanRequest) (*models.SyncScanResponse, error) {
	env, err := c.post(ctx, "/scan/sync", req)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, decodeAdmissionError(env)
	}
	var resp models.SyncScanResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	return &resp, nil
}

// FetchRoster downloads one event's full ticket set.
func (c *Client) FetchRoster(ctx context.Context, eventID string) (*models.Roster, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/event/"+eventID+"/roster", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: bad roster response: %v", ErrUnavailable, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("roster fetch rejected: %s", env.Message)
	}
	var roster models.Roster
	if err := json.Unmarshal(env.Data, &roster); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	return &roster, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: ledger returned %d", ErrUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: bad response body: %v", ErrUnavailable, err)
	}
	return &env, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
}

// decodeAdmissionError rebuilds the typed rejection the ledger produced so
// the engine treats remote and local rejections identically.
func decodeAdmissionError(env *envelope) error {
	ae := &admission.Error{Code: env.Error, Message: env.Message}
	if ae.Code == "" {
		return fmt.Errorf("ledger rejected request: %s", env.Message)
	}
	if len(env.Data) > 0 {
		var details models.RejectionDetails
		if err := json.Unmarshal(env.Data, &details); err == nil {
			ae.Details = &details
		}
	}
	return ae
}
