package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openctemio/sast-triage/internal/metrics"
	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
	"github.com/openctemio/sast-triage/pkg/validator"
)

// ScanRunner schedules a scan run in the background. Runners may drop a request
// for a scan version that is already queued.
type ScanRunner interface {
	Enqueue(ctx context.Context, scan *triage.Scan) error
}

// ScanService exposes the scan control surface: start, inspect, pause, resume,
// stop and delete.
type ScanService struct {
	scans     triage.ScanRepository
	analyses  triage.AnalysisRepository
	configs   configuration.Repository
	runner    ScanRunner
	events    ScanEventPublisher
	validator *validator.Validator
	logger    *logger.Logger
}

// NewScanService creates a new ScanService.
func NewScanService(
	scans triage.ScanRepository,
	analyses triage.AnalysisRepository,
	configs configuration.Repository,
	runner ScanRunner,
	log *logger.Logger,
) *ScanService {
	return &ScanService{
		scans:     scans,
		analyses:  analyses,
		configs:   configs,
		runner:    runner,
		validator: validator.New(),
		logger:    log.With("service", "scan"),
	}
}

// SetEventPublisher sets the publisher notified of control changes.
func (s *ScanService) SetEventPublisher(p ScanEventPublisher) {
	s.events = p
}

// ScanDetail is a scan with every analysis recorded so far, in finding order.
type ScanDetail struct {
	Scan     *triage.Scan
	Analyses []*triage.Analysis
}

// ScanStatus is the polling view of a scan.
type ScanStatus struct {
	ScanID       shared.ID
	Status       triage.Status
	Progress     int
	Message      string
	ErrorMessage *string
	Counts       triage.Counts
	Cursor       int
}

// StartScan creates a pending scan for the configuration and queues it.
func (s *ScanService) StartScan(ctx context.Context, configurationID string) (*triage.Scan, error) {
	cid, err := shared.IDFromString(configurationID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid configuration id", shared.ErrValidation)
	}

	cfg, err := s.configs.GetByID(ctx, cid)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive() {
		return nil, shared.NewDomainError("CONFIGURATION_INACTIVE", "configuration is inactive", shared.ErrValidation)
	}

	scan := triage.NewScan(cfg.ID())
	if err := s.scans.Create(ctx, scan); err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}

	if err := s.runner.Enqueue(ctx, scan); err != nil {
		s.logger.Error("failed to queue scan", "scan_id", scan.ID().String(), "error", err)
		if ferr := scan.Fail(fmt.Sprintf("Failed to queue scan: %v", err)); ferr == nil {
			_ = s.scans.Update(ctx, scan)
		}
		return nil, fmt.Errorf("queue scan: %w", err)
	}

	s.logger.Info("scan queued",
		"scan_id", scan.ID().String(),
		"configuration_id", cfg.ID().String(),
	)
	return scan, nil
}

// GetScan returns the scan and its analyses.
func (s *ScanService) GetScan(ctx context.Context, scanID string) (*ScanDetail, error) {
	id, err := parseScanID(scanID)
	if err != nil {
		return nil, err
	}
	scan, err := s.scans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	analyses, err := s.analyses.ListByScan(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	return &ScanDetail{Scan: scan, Analyses: analyses}, nil
}

// GetStatus returns the polling view of a scan.
func (s *ScanService) GetStatus(ctx context.Context, scanID string) (*ScanStatus, error) {
	id, err := parseScanID(scanID)
	if err != nil {
		return nil, err
	}
	scan, err := s.scans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ScanStatus{
		ScanID:       scan.ID(),
		Status:       scan.Status(),
		Progress:     scan.Progress(),
		Message:      scan.Message(),
		ErrorMessage: scan.ErrorMessage(),
		Counts:       scan.Counts(),
		Cursor:       scan.Cursor(),
	}, nil
}

// ListScansInput filters a scan listing.
type ListScansInput struct {
	ConfigurationID string `validate:"omitempty,uuid"`
	Status          string `validate:"omitempty,scan_status"`
	Offset          int    `validate:"gte=0"`
	Limit           int    `validate:"gte=0,lte=500"`
}

// ListScans lists scans, newest first.
func (s *ScanService) ListScans(ctx context.Context, input ListScansInput) ([]*triage.Scan, error) {
	if err := s.validator.Validate(input); err != nil {
		return nil, err
	}

	filter := triage.ScanFilter{Offset: input.Offset, Limit: input.Limit}
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	if input.ConfigurationID != "" {
		cid := shared.MustIDFromString(input.ConfigurationID)
		filter.ConfigurationID = &cid
	}
	if input.Status != "" {
		filter.Statuses = []triage.Status{triage.Status(input.Status)}
	}
	return s.scans.List(ctx, filter)
}

// PauseScan asks a running scan to pause at its next checkpoint.
func (s *ScanService) PauseScan(ctx context.Context, scanID string) (*triage.Scan, error) {
	return s.control(ctx, scanID, "pause", (*triage.Scan).RequestPause)
}

// StopScan stops a pending or paused scan, or asks a running one to stop at its
// next checkpoint.
func (s *ScanService) StopScan(ctx context.Context, scanID string) (*triage.Scan, error) {
	return s.control(ctx, scanID, "stop", (*triage.Scan).RequestStop)
}

// ResumeScan moves a paused scan back to running and queues a run that continues
// from the persisted cursor.
func (s *ScanService) ResumeScan(ctx context.Context, scanID string) (*triage.Scan, error) {
	scan, err := s.control(ctx, scanID, "resume", (*triage.Scan).Resume)
	if err != nil {
		return nil, err
	}
	if err := s.runner.Enqueue(ctx, scan); err != nil {
		// The recovery job re-queues running scans that stop making progress.
		s.logger.Error("failed to queue resumed scan", "scan_id", scan.ID().String(), "error", err)
	}
	return scan, nil
}

// control applies a control request, retrying when the orchestrator wrote in between.
func (s *ScanService) control(ctx context.Context, scanID, action string, apply func(*triage.Scan) error) (*triage.Scan, error) {
	id, err := parseScanID(scanID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		scan, err := s.scans.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := apply(scan); err != nil {
			metrics.ScanControlRequests.WithLabelValues(action, "rejected").Inc()
			return nil, err
		}

		err = s.scans.Update(ctx, scan)
		if errors.Is(err, triage.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update scan: %w", err)
		}

		metrics.ScanControlRequests.WithLabelValues(action, "accepted").Inc()
		s.logger.Info("scan control request accepted",
			"scan_id", id.String(),
			"action", action,
			"status", scan.Status(),
		)
		if s.events != nil {
			s.events.PublishScan(ctx, scan)
		}
		return scan, nil
	}
	return nil, triage.ErrConcurrentModification
}

// DeleteScan removes a pending or finished scan and its analyses.
func (s *ScanService) DeleteScan(ctx context.Context, scanID string) error {
	id, err := parseScanID(scanID)
	if err != nil {
		return err
	}
	scan, err := s.scans.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !scan.CanDelete() {
		return triage.ErrScanActive
	}
	if err := s.scans.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("scan deleted", "scan_id", id.String())
	return nil
}

// RecoverStuckScans re-queues pending scans and running scans that have not
// persisted progress since staleAfter. It returns how many were queued.
func (s *ScanService) RecoverStuckScans(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	scans, err := s.scans.ListRecoverable(ctx, time.Now().UTC().Add(-staleAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("list recoverable scans: %w", err)
	}

	queued := 0
	for _, scan := range scans {
		if err := s.runner.Enqueue(ctx, scan); err != nil {
			s.logger.Warn("failed to re-queue scan", "scan_id", scan.ID().String(), "error", err)
			continue
		}
		queued++
	}
	if queued > 0 {
		metrics.ScansRecovered.Add(float64(queued))
		s.logger.Info("re-queued stuck scans", "count", queued)
	}
	return queued, nil
}

func parseScanID(s string) (shared.ID, error) {
	id, err := shared.IDFromString(s)
	if err != nil {
		return shared.ID{}, triage.ErrScanNotFound
	}
	return id, nil
}
