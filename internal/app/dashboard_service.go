package app

import (
	"context"
	"fmt"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

const recentScansLimit = 5

// DashboardStats represents aggregated dashboard statistics.
type DashboardStats struct {
	*triage.Statistics

	FalsePositiveRate float64
	TruePositiveRate  float64
	NeedsReviewRate   float64

	RecentScans []*triage.Scan
}

// DashboardService aggregates scans and analyses for the dashboard.
type DashboardService struct {
	scans    triage.ScanRepository
	analyses triage.AnalysisRepository
	logger   *logger.Logger
}

// NewDashboardService creates a new DashboardService.
func NewDashboardService(scans triage.ScanRepository, analyses triage.AnalysisRepository, log *logger.Logger) *DashboardService {
	return &DashboardService{
		scans:    scans,
		analyses: analyses,
		logger:   log.With("service", "dashboard"),
	}
}

// GetStats returns verdict, severity and kind breakdowns plus the most recent scans.
func (s *DashboardService) GetStats(ctx context.Context) (*DashboardStats, error) {
	stats, err := s.analyses.Statistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("load statistics: %w", err)
	}

	recent, err := s.scans.List(ctx, triage.ScanFilter{Limit: recentScansLimit})
	if err != nil {
		return nil, fmt.Errorf("list recent scans: %w", err)
	}

	return &DashboardStats{
		Statistics:        stats,
		FalsePositiveRate: stats.Rate(triage.VerdictFalsePositive),
		TruePositiveRate:  stats.Rate(triage.VerdictTruePositive),
		NeedsReviewRate:   stats.Rate(triage.VerdictNeedsReview),
		RecentScans:       recent,
	}, nil
}
