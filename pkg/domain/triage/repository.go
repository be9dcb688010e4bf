package triage

import (
	"context"
	"time"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

// ScanFilter narrows scan listings.
type ScanFilter struct {
	ConfigurationID *shared.ID
	Statuses        []Status
	Limit           int
	Offset          int
}

// ScanState is the part of a scan that control requests change.
type ScanState struct {
	Status  Status
	Control ControlRequest
	Version int
}

// ScanRepository persists scans.
// Update, Freeze and RecordAnalysis are conditional on Version and return
// ErrConcurrentModification when another writer got there first.
type ScanRepository interface {
	Create(ctx context.Context, scan *Scan) error
	GetByID(ctx context.Context, id shared.ID) (*Scan, error)

	// State reads status, control request and version without the finding list.
	State(ctx context.Context, id shared.ID) (ScanState, error)

	// Update writes everything except the frozen finding list, which only Freeze stores.
	Update(ctx context.Context, scan *Scan) error
	Freeze(ctx context.Context, scan *Scan) error

	// RecordAnalysis stores the analysis and the scan's advanced counters in one atomic write.
	RecordAnalysis(ctx context.Context, scan *Scan, analysis *Analysis) error

	// Delete removes the scan and all of its analyses.
	Delete(ctx context.Context, id shared.ID) error
	List(ctx context.Context, filter ScanFilter) ([]*Scan, error)

	// ListRecoverable returns pending scans and running scans not updated since staleBefore.
	ListRecoverable(ctx context.Context, staleBefore time.Time, limit int) ([]*Scan, error)
}

// AnalysisRepository reads analyses written through ScanRepository.RecordAnalysis.
type AnalysisRepository interface {
	ListByScan(ctx context.Context, scanID shared.ID) ([]*Analysis, error)
	Statistics(ctx context.Context) (*Statistics, error)
}

// Statistics aggregates all scans and analyses.
type Statistics struct {
	TotalScans    int               `json:"total_scans"`
	TotalAnalyzed int               `json:"total_analyzed"`
	ByVerdict     map[Verdict]int   `json:"by_verdict"`
	BySeverity    map[string]int    `json:"by_severity"`
	ByKind        map[IssueKind]int `json:"by_kind"`
}

// NewStatistics returns empty statistics with initialized maps.
func NewStatistics() *Statistics {
	return &Statistics{
		ByVerdict:  map[Verdict]int{},
		BySeverity: map[string]int{},
		ByKind:     map[IssueKind]int{},
	}
}

// Add counts one analysis.
func (s *Statistics) Add(a *Analysis) {
	s.TotalAnalyzed++
	s.ByVerdict[a.Verdict()]++

	severity := "UNKNOWN"
	if a.SeverityOverride() != nil {
		severity = string(*a.SeverityOverride())
	} else if f := a.Finding(); f.Severity != nil && *f.Severity != "" {
		severity = *f.Severity
	}
	s.BySeverity[severity]++

	kind := a.Finding().Kind
	if kind == "" {
		kind = KindVulnerability
	}
	s.ByKind[kind]++
}

// Rate returns the share of analyses with verdict v, in percent rounded to one decimal.
func (s *Statistics) Rate(v Verdict) float64 {
	if s.TotalAnalyzed == 0 {
		return 0
	}
	pct := float64(s.ByVerdict[v]) / float64(s.TotalAnalyzed) * 100
	return float64(int(pct*10+0.5)) / 10
}
