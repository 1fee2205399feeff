package ledger

import (
	"context"
	"fmt"
	"time"

	"ms-admission/internal/admission"
	"ms-admission/internal/credential"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

type LedgerDBLayer interface {
	GetTicketByID(ctx context.Context, id string) (*models.Ticket, error)
	GetTicketByToken(ctx context.Context, token string) (*models.Ticket, error)
	GetRoster(ctx context.Context, eventID string) (*models.Roster, error)
	SetFraudFlag(ctx context.Context, ticketID, reason string) error
	ApplyScan(ctx context.Context, req models.TransitionRequest, now time.Time) (*models.TransitionOutcome, error)
	SyncOfflineScan(ctx context.Context, req models.SyncScanRequest, now time.Time) (*models.SyncScanResponse, error)
}

type TicketLocker interface {
	LockTicket(ctx context.Context, ticketID, deviceID string) (bool, error)
	UnlockTicket(ctx context.Context, ticketID, deviceID string) error
}

type ScanEventPublisher interface {
	PublishScanEvent(msg models.ScanEventMessage) error
}

// Service is the authoritative admission ledger: the single place ticket
// state transitions happen.
type Service struct {
	DB        LedgerDBLayer
	Verifier  *credential.LocalVerifier
	Locks     TicketLocker
	Producer  ScanEventPublisher
	Logger    *logger.Logger
	Now       func() time.Time
}

func NewService(db LedgerDBLayer, verifier *credential.LocalVerifier, locks TicketLocker, producer ScanEventPublisher, log *logger.Logger) *Service {
	return &Service{
		DB:       db,
		Verifier: verifier,
		Locks:    locks,
		Producer: producer,
		Logger:   log,
		Now:      time.Now,
	}
}

// VerifyCredential checks a token/signature pair against the issuing secret.
func (s *Service) VerifyCredential(ctx context.Context, token, signature string) bool {
	return s.Verifier.Verify(ctx, token, signature)
}

// ApplyScan is the online scan path. The signature is checked here so the
// secret never has to live on gate hardware; manual entry is the only method
// allowed through unsigned.
func (s *Service) ApplyScan(ctx context.Context, req models.TransitionRequest) (*models.TransitionOutcome, error) {
	now := s.Now().UTC()

	if req.Signature != "" {
		if !s.Verifier.Verify(ctx, req.Token, req.Signature) {
			s.logSecurity(req, "invalid signature")
			return nil, admission.NewError(admission.CodeTampered, "signature verification failed")
		}
	} else if req.Method != models.MethodManual {
		s.logSecurity(req, "unsigned credential on networked scan")
		return nil, admission.NewError(admission.CodeTampered, "unsigned credential")
	}

	outcome, err := s.DB.ApplyScan(ctx, req, now)
	s.publishAsync(models.ScanEventMessage{
		TraceID:   req.TraceID,
		ScanType:  scanTypeOf(outcome),
		Method:    req.Method,
		Success:   err == nil,
		ErrorCode: admission.CodeOf(err),
		DeviceID:  req.DeviceID,
		ScannerID: req.ScannerID,
		TicketID:  ticketIDOf(outcome),
		EventID:   eventIDOf(outcome),
		ScannedAt: now,
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// SyncOfflineScan replays one offline record under the per-ticket lock. The
// database transaction is the real serialization point; the lock keeps a
// fleet of reconciling devices from hammering the same row.
func (s *Service) SyncOfflineScan(ctx context.Context, req models.SyncScanRequest) (*models.SyncScanResponse, error) {
	now := s.Now().UTC()

	lockKey := req.TicketID
	if lockKey == "" {
		lockKey = req.Token
	}
	if s.Locks != nil && lockKey != "" {
		ok, err := s.Locks.LockTicket(ctx, lockKey, req.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("ticket lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("ticket %s is being reconciled by another device", lockKey)
		}
		defer func() {
			if err := s.Locks.UnlockTicket(ctx, lockKey, req.DeviceID); err != nil {
				s.Logger.Warn("SYNC", fmt.Sprintf("unlock ticket %s: %v", lockKey, err))
			}
		}()
	}

	resp, err := s.DB.SyncOfflineScan(ctx, req, now)
	if err != nil {
		return nil, err
	}

	s.publishAsync(models.ScanEventMessage{
		TicketID:  req.TicketID,
		Method:    req.Method,
		Success:   resp.Accepted,
		DeviceID:  req.DeviceID,
		ScannerID: req.ScannerID,
		Offline:   true,
		ScannedAt: req.ScannedAt,
	})
	return resp, nil
}

// GetRoster returns one event's full ticket set for a device cache sync.
func (s *Service) GetRoster(ctx context.Context, eventID string) (*models.Roster, error) {
	return s.DB.GetRoster(ctx, eventID)
}

// GetTicket looks a ticket up by id for staff review tooling.
func (s *Service) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	ticket, err := s.DB.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ticket %s not found: %w", ticketID, err)
	}
	return ticket, nil
}

// HandleFraudSignal records an advisory flag from the fraud-signals topic.
// Failures are logged and swallowed; the signal never gates an admission.
func (s *Service) HandleFraudSignal(ctx context.Context, msg models.FraudSignalMessage) {
	if msg.TicketID == "" {
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = fmt.Sprintf("fraud score %.2f", msg.Score)
	}
	if err := s.DB.SetFraudFlag(ctx, msg.TicketID, reason); err != nil {
		s.Logger.Warn("FRAUD", fmt.Sprintf("flag ticket %s: %v", msg.TicketID, err))
	}
}

// publishAsync emits the scan event fire-and-forget: publication failure is
// logged and never propagated into the admission decision.
func (s *Service) publishAsync(msg models.ScanEventMessage) {
	if s.Producer == nil {
		return
	}
	go func() {
		if err := s.Producer.PublishScanEvent(msg); err != nil {
			s.Logger.Warn("KAFKA", fmt.Sprintf("scan event publish failed: %v", err))
		}
	}()
}

func (s *Service) logSecurity(req models.TransitionRequest, reason string) {
	s.Logger.LogSecurity("TAMPERED", fmt.Sprintf("%s (device=%s scanner=%s)", reason, req.DeviceID, req.ScannerID))
}

func scanTypeOf(o *models.TransitionOutcome) models.ScanType {
	if o == nil {
		return ""
	}
	return o.ScanType
}

func ticketIDOf(o *models.TransitionOutcome) string {
	if o == nil || o.Ticket == nil {
		return ""
	}
	return o.Ticket.ID
}

func eventIDOf(o *models.TransitionOutcome) string {
	if o == nil || o.Ticket == nil {
		return ""
	}
	return o.Ticket.EventID
}
