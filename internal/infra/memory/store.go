// Package memory provides in-process implementations of the scan and configuration
// repositories, used when no database is configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

// Store keeps scans, analyses, configurations and defaults behind one lock so that
// RecordAnalysis is atomic with respect to every reader.
type Store struct {
	mu       sync.RWMutex
	scans    map[shared.ID]triage.ScanData
	analyses map[shared.ID][]triage.AnalysisData
	configs  map[shared.ID]*configRecord
	defaults *defaultsRecord
	now      func() time.Time
}

type configRecord struct {
	id        shared.ID
	name      string
	settings  configuration.Settings
	isActive  bool
	createdAt time.Time
	updatedAt time.Time
}

type defaultsRecord struct {
	settings  configuration.Settings
	updatedAt time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		scans:    make(map[shared.ID]triage.ScanData),
		analyses: make(map[shared.ID][]triage.AnalysisData),
		configs:  make(map[shared.ID]*configRecord),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Scans returns the store as a triage.ScanRepository.
func (s *Store) Scans() *ScanRepository { return &ScanRepository{s} }

// Analyses returns the store as a triage.AnalysisRepository.
func (s *Store) Analyses() *AnalysisRepository { return &AnalysisRepository{s} }

// Configurations returns the store as a configuration.Repository.
func (s *Store) Configurations() *ConfigurationRepository { return &ConfigurationRepository{s} }

// Defaults returns the store as a configuration.DefaultsRepository.
func (s *Store) Defaults() *DefaultsRepository { return &DefaultsRepository{s} }

// ScanRepository implements triage.ScanRepository.
type ScanRepository struct{ s *Store }

var _ triage.ScanRepository = (*ScanRepository)(nil)

// Create implements triage.ScanRepository.
func (r *ScanRepository) Create(_ context.Context, scan *triage.Scan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.scans[scan.ID()]; ok {
		return shared.ErrAlreadyExists
	}
	scan.MarkPersisted(1, r.s.now())
	r.s.scans[scan.ID()] = scan.Snapshot()
	return nil
}

// GetByID implements triage.ScanRepository.
func (r *ScanRepository) GetByID(_ context.Context, id shared.ID) (*triage.Scan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	data, ok := r.s.scans[id]
	if !ok {
		return nil, triage.ErrScanNotFound
	}
	return triage.ReconstituteScan(copyScan(data)), nil
}

// State implements triage.ScanRepository.
func (r *ScanRepository) State(_ context.Context, id shared.ID) (triage.ScanState, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	data, ok := r.s.scans[id]
	if !ok {
		return triage.ScanState{}, triage.ErrScanNotFound
	}
	return triage.ScanState{Status: data.Status, Control: data.Control, Version: data.Version}, nil
}

// Update implements triage.ScanRepository. The stored finding list is kept.
func (r *ScanRepository) Update(_ context.Context, scan *triage.Scan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.s.updateLocked(scan, false)
}

// Freeze implements triage.ScanRepository.
func (r *ScanRepository) Freeze(_ context.Context, scan *triage.Scan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.s.updateLocked(scan, true)
}

func (s *Store) updateLocked(scan *triage.Scan, withFindings bool) error {
	stored, ok := s.scans[scan.ID()]
	if !ok {
		return triage.ErrScanNotFound
	}
	if stored.Version != scan.Version() {
		return triage.ErrConcurrentModification
	}
	scan.MarkPersisted(stored.Version+1, s.now())
	data := scan.Snapshot()
	if !withFindings {
		data.Findings = stored.Findings
		data.Frozen = stored.Frozen
	}
	s.scans[scan.ID()] = data
	return nil
}

// RecordAnalysis implements triage.ScanRepository.
func (r *ScanRepository) RecordAnalysis(_ context.Context, scan *triage.Scan, a *triage.Analysis) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.analyses[scan.ID()] {
		if existing.Position == a.Position() {
			return shared.NewDomainError("ANALYSIS_EXISTS", "finding already has an analysis in this scan", shared.ErrAlreadyExists)
		}
	}
	if err := r.s.updateLocked(scan, false); err != nil {
		return err
	}
	r.s.analyses[scan.ID()] = append(r.s.analyses[scan.ID()], analysisData(a))
	return nil
}

// Delete implements triage.ScanRepository.
func (r *ScanRepository) Delete(_ context.Context, id shared.ID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.scans[id]; !ok {
		return triage.ErrScanNotFound
	}
	delete(r.s.scans, id)
	delete(r.s.analyses, id)
	return nil
}

// List implements triage.ScanRepository. Newest scans come first.
func (r *ScanRepository) List(_ context.Context, filter triage.ScanFilter) ([]*triage.Scan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	statuses := make(map[triage.Status]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}

	var matched []triage.ScanData
	for _, d := range r.s.scans {
		if filter.ConfigurationID != nil && d.ConfigurationID != *filter.ConfigurationID {
			continue
		}
		if len(statuses) > 0 && !statuses[d.Status] {
			continue
		}
		matched = append(matched, d)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	return page(matched, filter.Offset, filter.Limit), nil
}

// ListRecoverable implements triage.ScanRepository.
func (r *ScanRepository) ListRecoverable(_ context.Context, staleBefore time.Time, limit int) ([]*triage.Scan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var matched []triage.ScanData
	for _, d := range r.s.scans {
		switch d.Status {
		case triage.StatusPending:
			matched = append(matched, d)
		case triage.StatusRunning:
			if d.UpdatedAt.Before(staleBefore) {
				matched = append(matched, d)
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	return page(matched, 0, limit), nil
}

func page(data []triage.ScanData, offset, limit int) []*triage.Scan {
	if offset > len(data) {
		offset = len(data)
	}
	data = data[offset:]
	if limit > 0 && limit < len(data) {
		data = data[:limit]
	}
	out := make([]*triage.Scan, 0, len(data))
	for _, d := range data {
		out = append(out, triage.ReconstituteScan(copyScan(d)))
	}
	return out
}

func copyScan(d triage.ScanData) triage.ScanData {
	findings := make([]triage.Finding, len(d.Findings))
	copy(findings, d.Findings)
	d.Findings = findings
	return d
}

// AnalysisRepository implements triage.AnalysisRepository.
type AnalysisRepository struct{ s *Store }

var _ triage.AnalysisRepository = (*AnalysisRepository)(nil)

// ListByScan implements triage.AnalysisRepository, in finding order.
func (r *AnalysisRepository) ListByScan(_ context.Context, scanID shared.ID) ([]*triage.Analysis, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	stored := r.s.analyses[scanID]
	out := make([]*triage.Analysis, 0, len(stored))
	for _, d := range stored {
		out = append(out, triage.ReconstituteAnalysis(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position() < out[j].Position() })
	return out, nil
}

// Statistics implements triage.AnalysisRepository.
func (r *AnalysisRepository) Statistics(_ context.Context) (*triage.Statistics, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	stats := triage.NewStatistics()
	stats.TotalScans = len(r.s.scans)
	for _, list := range r.s.analyses {
		for _, d := range list {
			stats.Add(triage.ReconstituteAnalysis(d))
		}
	}
	return stats, nil
}

func analysisData(a *triage.Analysis) triage.AnalysisData {
	return triage.AnalysisData{
		ID:                  a.ID(),
		ScanID:              a.ScanID(),
		Position:            a.Position(),
		Finding:             a.Finding(),
		Verdict:             a.Verdict(),
		Confidence:          a.Confidence(),
		ShortReason:         a.ShortReason(),
		DetailedExplanation: a.DetailedExplanation(),
		FixSuggestion:       a.FixSuggestion(),
		SeverityOverride:    a.SeverityOverride(),
		Prompt:              a.Prompt(),
		RawResponse:         a.RawResponse(),
		SourceSnippet:       a.SourceSnippet(),
		AnalyzedAt:          a.AnalyzedAt(),
	}
}

// ConfigurationRepository implements configuration.Repository.
type ConfigurationRepository struct{ s *Store }

var _ configuration.Repository = (*ConfigurationRepository)(nil)

// Create implements configuration.Repository.
func (r *ConfigurationRepository) Create(_ context.Context, c *configuration.Configuration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.nameTakenLocked(c.Name(), c.ID()) {
		return configuration.ErrConfigurationExists
	}
	r.s.configs[c.ID()] = toConfigRecord(c)
	return nil
}

// GetByID implements configuration.Repository.
func (r *ConfigurationRepository) GetByID(_ context.Context, id shared.ID) (*configuration.Configuration, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rec, ok := r.s.configs[id]
	if !ok {
		return nil, configuration.ErrConfigurationNotFound
	}
	return rec.toEntity(), nil
}

// Update implements configuration.Repository.
func (r *ConfigurationRepository) Update(_ context.Context, c *configuration.Configuration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.configs[c.ID()]; !ok {
		return configuration.ErrConfigurationNotFound
	}
	if r.s.nameTakenLocked(c.Name(), c.ID()) {
		return configuration.ErrConfigurationExists
	}
	r.s.configs[c.ID()] = toConfigRecord(c)
	return nil
}

// Delete implements configuration.Repository. Scans of the configuration go with it.
func (r *ConfigurationRepository) Delete(_ context.Context, id shared.ID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.configs[id]; !ok {
		return configuration.ErrConfigurationNotFound
	}
	delete(r.s.configs, id)
	for scanID, d := range r.s.scans {
		if d.ConfigurationID == id {
			delete(r.s.scans, scanID)
			delete(r.s.analyses, scanID)
		}
	}
	return nil
}

// List implements configuration.Repository, ordered by name.
func (r *ConfigurationRepository) List(_ context.Context, offset, limit int) ([]*configuration.Configuration, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	recs := make([]*configRecord, 0, len(r.s.configs))
	for _, rec := range r.s.configs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].name < recs[j].name })

	if offset > len(recs) {
		offset = len(recs)
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}

	out := make([]*configuration.Configuration, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toEntity())
	}
	return out, nil
}

func (s *Store) nameTakenLocked(name string, except shared.ID) bool {
	for id, rec := range s.configs {
		if id != except && rec.name == name {
			return true
		}
	}
	return false
}

func toConfigRecord(c *configuration.Configuration) *configRecord {
	return &configRecord{
		id:        c.ID(),
		name:      c.Name(),
		settings:  c.Settings(),
		isActive:  c.IsActive(),
		createdAt: c.CreatedAt(),
		updatedAt: c.UpdatedAt(),
	}
}

func (rec *configRecord) toEntity() *configuration.Configuration {
	return configuration.Reconstitute(rec.id, rec.name, rec.settings, rec.isActive, rec.createdAt, rec.updatedAt)
}

// DefaultsRepository implements configuration.DefaultsRepository.
type DefaultsRepository struct{ s *Store }

var _ configuration.DefaultsRepository = (*DefaultsRepository)(nil)

// Get implements configuration.DefaultsRepository.
func (r *DefaultsRepository) Get(_ context.Context) (*configuration.Defaults, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if r.s.defaults == nil {
		return nil, nil
	}
	return configuration.ReconstituteDefaults(r.s.defaults.settings, r.s.defaults.updatedAt), nil
}

// Save implements configuration.DefaultsRepository.
func (r *DefaultsRepository) Save(_ context.Context, d *configuration.Defaults) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.defaults = &defaultsRecord{settings: d.Settings(), updatedAt: d.UpdatedAt()}
	return nil
}

// Delete implements configuration.DefaultsRepository.
func (r *DefaultsRepository) Delete(_ context.Context) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.defaults = nil
	return nil
}
