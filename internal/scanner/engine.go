// Package scanner orchestrates a gate device's scan flow: decode the
// credential, prove authenticity, try the ledger, fall back to the offline
// cache, and record the audit trail.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-admission/internal/admission"
	"ms-admission/internal/cache"
	"ms-admission/internal/credential"
	"ms-admission/internal/ledgerclient"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/utils"
)

type TicketLedger interface {
	Scan(ctx context.Context, req models.TransitionRequest) (*models.TransitionOutcome, error)
}

type OfflineCache interface {
	EnsureFresh(ctx context.Context)
	CommitScan(ctx context.Context, scan cache.LocalScan) (*cache.ScanOutcome, error)
}

type ScanEventPublisher interface {
	PublishScanEvent(msg models.ScanEventMessage) error
}

// Engine is the scan control flow. Verifier is optional: it is only set on
// fully trusted hardware that may hold the issuing secret locally; everyone
// else relies on the ledger's server-side check.
type Engine struct {
	Ledger   TicketLedger
	Cache    OfflineCache
	Verifier credential.Verifier
	Producer ScanEventPublisher
	Logger   *logger.Logger
	DeviceID string
	Retries  int
	Timeout  time.Duration
	Now      func() time.Time
}

func NewEngine(ledger TicketLedger, offlineCache OfflineCache, log *logger.Logger, deviceID string, retries int, timeout time.Duration) *Engine {
	return &Engine{
		Ledger:   ledger,
		Cache:    offlineCache,
		Logger:   log,
		DeviceID: deviceID,
		Retries:  retries,
		Timeout:  timeout,
		Now:      time.Now,
	}
}

// Scan runs one admission attempt end to end and always returns an
// operator-facing result; errors are folded into it.
func (e *Engine) Scan(ctx context.Context, req models.ScanRequest) models.ScanResult {
	start := e.Now()
	traceID := utils.GenerateTraceID()

	cred, err := credential.Decode(req.CredentialRaw)
	if err != nil {
		return e.finish(start, traceID, req, models.ScanResult{
			Success:   false,
			ErrorCode: admission.CodeTampered,
			Message:   "credential could not be parsed",
		})
	}

	// Trusted-hardware deployments verify locally and reject forgeries
	// before any network round trip.
	if e.Verifier != nil && cred.Verified() {
		if !e.Verifier.Verify(ctx, cred.Token, cred.Signature) {
			e.Logger.LogSecurity("TAMPERED", fmt.Sprintf("signature rejected for token %s", cred.Token))
			return e.finish(start, traceID, req, models.ScanResult{
				Success:   false,
				ErrorCode: admission.CodeTampered,
				Message:   "signature verification failed",
			})
		}
	}

	if result, done := e.scanOnline(ctx, cred, req, traceID); done {
		return e.finish(start, traceID, req, result)
	}

	return e.finish(start, traceID, req, e.scanOffline(ctx, cred, req))
}

// scanOnline tries the atomic ledger transition with bounded retries. The
// second return value is false when the device should fall back to the
// offline path.
func (e *Engine) scanOnline(ctx context.Context, cred credential.Credential, req models.ScanRequest, traceID string) (models.ScanResult, bool) {
	if e.Ledger == nil {
		return models.ScanResult{}, false
	}

	transition := models.TransitionRequest{
		Token:          cred.Token,
		Signature:      cred.Signature,
		ScannerID:      req.ScannerID,
		DeviceID:       e.DeviceID,
		Method:         req.Method,
		TraceID:        traceID,
		OverrideUsed:   req.OverrideUsed,
		OverrideReason: req.OverrideReason,
	}

	var lastErr error
	for attempt := 0; attempt <= e.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.Timeout)
		outcome, err := e.Ledger.Scan(attemptCtx, transition)
		cancel()

		if err == nil {
			return models.ScanResult{
				Success:  true,
				ScanType: outcome.ScanType,
				Ticket:   outcome.Ticket,
			}, true
		}

		if ae, ok := admission.AsError(err); ok {
			return models.ScanResult{
				Success:          false,
				ErrorCode:        ae.Code,
				Message:          ae.Message,
				RejectionDetails: ae.Details,
			}, true
		}

		lastErr = err
		if !errors.Is(err, ledgerclient.ErrUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}

	e.Logger.Warn("SCAN", fmt.Sprintf("ledger unreachable, falling back offline: %v", lastErr))
	return models.ScanResult{}, false
}

// scanOffline validates against the cached roster. Unverified credentials
// are tolerated here: with no network there is nothing sounder to check
// against, and reconciliation settles the claim later.
func (e *Engine) scanOffline(ctx context.Context, cred credential.Credential, req models.ScanRequest) models.ScanResult {
	if e.Cache == nil {
		return models.ScanResult{
			Success:   false,
			ErrorCode: admission.CodeNetworkUnavailable,
			Message:   "no ledger connection and no local cache",
		}
	}

	e.Cache.EnsureFresh(ctx)

	outcome, err := e.Cache.CommitScan(ctx, cache.LocalScan{
		Token:     cred.Token,
		ScannerID: req.ScannerID,
		Method:    req.Method,
	})
	if err != nil {
		if ae, ok := admission.AsError(err); ok {
			return models.ScanResult{
				Success:          false,
				Offline:          true,
				ErrorCode:        ae.Code,
				Message:          ae.Message,
				RejectionDetails: ae.Details,
			}
		}
		return models.ScanResult{
			Success:   false,
			Offline:   true,
			ErrorCode: admission.CodeNetworkUnavailable,
			Message:   fmt.Sprintf("offline commit failed: %v", err),
		}
	}

	result := models.ScanResult{
		Success:  true,
		Offline:  true,
		ScanType: outcome.ScanType,
		Warning:  outcome.Warning,
	}
	if outcome.Ticket != nil {
		result.Ticket = &models.Ticket{
			ID:         outcome.Ticket.TicketID,
			EventID:    outcome.Ticket.EventID,
			Token:      outcome.Ticket.Token,
			Status:     outcome.Ticket.Status,
			Presence:   outcome.Ticket.Presence,
			HolderName: outcome.Ticket.HolderName,
			TierName:   outcome.Ticket.TierName,
		}
	}
	return result
}

// finish stamps trace/duration and emits the fire-and-forget scan event.
// Publication failure never changes the admission decision.
func (e *Engine) finish(start time.Time, traceID string, req models.ScanRequest, result models.ScanResult) models.ScanResult {
	result.TraceID = traceID
	result.DurationMs = e.Now().Sub(start).Milliseconds()

	if e.Producer != nil {
		msg := models.ScanEventMessage{
			TraceID:   traceID,
			Method:    req.Method,
			Success:   result.Success,
			ErrorCode: result.ErrorCode,
			DeviceID:  e.DeviceID,
			ScannerID: req.ScannerID,
			ScanType:  result.ScanType,
			Offline:   result.Offline,
			ScannedAt: start.UTC(),
		}
		if result.Ticket != nil {
			msg.TicketID = result.Ticket.ID
			msg.EventID = result.Ticket.EventID
		}
		go func() {
			if err := e.Producer.PublishScanEvent(msg); err != nil {
				e.Logger.Warn("KAFKA", fmt.Sprintf("scan event publish failed: %v", err))
			}
		}()
	}

	if result.Success {
		e.Logger.LogScan(string(result.ScanType), msgTicketID(result), "admitted")
	} else {
		e.Logger.LogScan(result.ErrorCode, msgTicketID(result), result.Message)
	}
	return result
}

func msgTicketID(result models.ScanResult) string {
	if result.Ticket != nil {
		return result.Ticket.ID
	}
	return "-"
}
