package cache

import (
	"context"
	"fmt"
	"time"

	"ms-admission/internal/admission"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

// LookupStatus is the offline validation outcome for a token.
type LookupStatus string

const (
	LookupValid      LookupStatus = "valid"
	LookupScanned    LookupStatus = "scanned"
	LookupNotInCache LookupStatus = "not_in_cache"
	LookupWrongEvent LookupStatus = "wrong_event"
)

type CacheDBLayer interface {
	ReplaceRoster(ctx context.Context, roster *models.Roster, now time.Time) error
	GetByToken(ctx context.Context, token string) (*models.CachedTicket, error)
	UpdateCachedState(ctx context.Context, ticketID string, status models.TicketStatus, presence models.Presence, now time.Time) error
	InsertOfflineScan(ctx context.Context, record *models.OfflineScanRecord) error
	BumpScannedCount(ctx context.Context, eventID string) error
	GetMetadata(ctx context.Context, eventID string) (*models.CacheMetadata, error)
	CountByStatus(ctx context.Context, status models.SyncStatus) (int, error)
}

type RosterFetcher interface {
	FetchRoster(ctx context.Context, eventID string) (*models.Roster, error)
}

// LocalScan is one admission committed against the cache while offline.
type LocalScan struct {
	Token     string
	ScannerID string
	Method    models.ScanMethod
}

// ScanOutcome is the result of a local admission commit.
type ScanOutcome struct {
	Record   *models.OfflineScanRecord
	ScanType models.ScanType
	Ticket   *models.CachedTicket
	Warning  string
}

// Service owns the device's roster mirror and offline scan log.
type Service struct {
	DB       CacheDBLayer
	Fetcher  RosterFetcher
	Logger   *logger.Logger
	DeviceID string
	EventID  string
	TTL      time.Duration
	Now      func() time.Time
}

func NewService(db CacheDBLayer, fetcher RosterFetcher, log *logger.Logger, deviceID, eventID string, ttl time.Duration) *Service {
	return &Service{
		DB:       db,
		Fetcher:  fetcher,
		Logger:   log,
		DeviceID: deviceID,
		EventID:  eventID,
		TTL:      ttl,
		Now:      time.Now,
	}
}

// SyncRoster downloads the selected event's full ticket set and replaces the
// prior snapshot.
func (s *Service) SyncRoster(ctx context.Context) error {
	roster, err := s.Fetcher.FetchRoster(ctx, s.EventID)
	if err != nil {
		return fmt.Errorf("roster fetch for event %s: %w", s.EventID, err)
	}
	now := s.Now().UTC()
	if err := s.DB.ReplaceRoster(ctx, roster, now); err != nil {
		return fmt.Errorf("roster replace for event %s: %w", s.EventID, err)
	}
	s.Logger.LogCache("SYNC", s.EventID, fmt.Sprintf("%d tickets cached", len(roster.Tickets)))
	return nil
}

// EnsureFresh refreshes the roster when the snapshot has aged past the TTL.
// A failed refresh is logged and the stale cache is used anyway: availability
// beats strict freshness at the door.
func (s *Service) EnsureFresh(ctx context.Context) {
	meta, err := s.DB.GetMetadata(ctx, s.EventID)
	if err != nil {
		s.Logger.Warn("CACHE", fmt.Sprintf("metadata read: %v", err))
		return
	}
	if meta != nil && s.Now().UTC().Sub(meta.LastSyncAt) < s.TTL {
		return
	}
	if err := s.SyncRoster(ctx); err != nil {
		s.Logger.Warn("CACHE", fmt.Sprintf("refresh failed, using stale cache: %v", err))
	}
}

// Lookup classifies a token against the cached roster.
func (s *Service) Lookup(ctx context.Context, token string) (LookupStatus, *models.CachedTicket, error) {
	cached, err := s.DB.GetByToken(ctx, token)
	if err != nil {
		return "", nil, err
	}
	if cached == nil {
		return LookupNotInCache, nil, nil
	}
	if cached.EventID != s.EventID {
		return LookupWrongEvent, cached, nil
	}
	if cached.Status == models.StatusScanned {
		return LookupScanned, cached, nil
	}
	return LookupValid, cached, nil
}

// CommitScan commits one admission against the cache and appends a pending
// offline record. Tokens missing from the cache are accepted with a warning:
// an unrecognized token is more likely a sync gap than a forgery, and the
// real decision is deferred to reconciliation.
func (s *Service) CommitScan(ctx context.Context, scan LocalScan) (*ScanOutcome, error) {
	now := s.Now().UTC()

	status, cached, err := s.Lookup(ctx, scan.Token)
	if err != nil {
		return nil, err
	}

	switch status {
	case LookupWrongEvent:
		details := &models.RejectionDetails{EventName: cached.EventName}
		return nil, &admission.Error{
			Code:    admission.CodeWrongEvent,
			Message: "ticket belongs to another event",
			Details: details,
		}

	case LookupNotInCache:
		record := &models.OfflineScanRecord{
			Token:      scan.Token,
			EventID:    s.EventID,
			ScanType:   models.ScanEntry,
			Method:     scan.Method,
			ScannedAt:  now,
			ScannerID:  scan.ScannerID,
			DeviceID:   s.DeviceID,
			Unlisted:   true,
			SyncStatus: models.SyncPending,
		}
		if err := s.DB.InsertOfflineScan(ctx, record); err != nil {
			return nil, err
		}
		s.Logger.Warn("CACHE", fmt.Sprintf("token %s not in cache, admitted pending reconciliation", scan.Token))
		return &ScanOutcome{
			Record:   record,
			ScanType: models.ScanEntry,
			Warning:  "ticket not in local cache; admission deferred to reconciliation",
		}, nil
	}

	transition, err := admission.Next(cached.AdmissionMode, cached.Status, cached.Presence)
	if err != nil {
		return nil, err
	}

	if err := s.DB.UpdateCachedState(ctx, cached.TicketID, transition.Status, transition.Presence, now); err != nil {
		return nil, err
	}

	record := &models.OfflineScanRecord{
		TicketID:   cached.TicketID,
		Token:      scan.Token,
		EventID:    cached.EventID,
		ScanType:   transition.ScanType,
		Method:     scan.Method,
		ScannedAt:  now,
		ScannerID:  scan.ScannerID,
		DeviceID:   s.DeviceID,
		SyncStatus: models.SyncPending,
	}
	if err := s.DB.InsertOfflineScan(ctx, record); err != nil {
		return nil, err
	}
	if transition.ScanType != models.ScanExit {
		if err := s.DB.BumpScannedCount(ctx, cached.EventID); err != nil {
			s.Logger.Warn("CACHE", fmt.Sprintf("scanned count update: %v", err))
		}
	}

	cached.Status = transition.Status
	cached.Presence = transition.Presence
	return &ScanOutcome{Record: record, ScanType: transition.ScanType, Ticket: cached}, nil
}

// Metadata exposes the freshness record for the device status endpoint.
func (s *Service) Metadata(ctx context.Context) (*models.CacheMetadata, error) {
	return s.DB.GetMetadata(ctx, s.EventID)
}

// Backlog reports the offline log's per-state record counts for the device
// status endpoint.
func (s *Service) Backlog(ctx context.Context) (map[models.SyncStatus]int, error) {
	counts := make(map[models.SyncStatus]int, 4)
	for _, status := range []models.SyncStatus{models.SyncPending, models.SyncSynced, models.SyncConflict, models.SyncFailed} {
		n, err := s.DB.CountByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, nil
}
