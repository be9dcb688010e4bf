package triage

import (
	"fmt"
	"math"
	"time"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

// =============================================================================
// Scan Status
// =============================================================================

// Status is the lifecycle state of a scan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusStopped, StatusFailed},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusStopped},
	StatusPaused:  {StatusRunning, StatusStopped},
}

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// IsTerminal returns true for completed, failed and stopped.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ControlRequest is an advisory flag observed by the orchestrator at checkpoints.
type ControlRequest string

const (
	ControlNone  ControlRequest = ""
	ControlPause ControlRequest = "pause"
	ControlStop  ControlRequest = "stop"
)

// Counts tallies verdicts recorded so far.
type Counts struct {
	Total          int `json:"total"`
	FalsePositives int `json:"false_positives"`
	TruePositives  int `json:"true_positives"`
	NeedsReview    int `json:"needs_review"`
}

// Processed returns the number of findings with a recorded analysis.
func (c Counts) Processed() int {
	return c.FalsePositives + c.TruePositives + c.NeedsReview
}

// =============================================================================
// Scan Entity
// =============================================================================

// Scan is one orchestration run over a configuration's findings.
type Scan struct {
	id              shared.ID
	configurationID shared.ID

	status       Status
	progress     int
	message      string
	errorMessage *string
	control      ControlRequest

	counts     Counts
	cursor     int
	findings   []Finding
	frozen     bool
	projectKey string

	startedAt   time.Time
	completedAt *time.Time
	updatedAt   time.Time
	version     int
}

// NewScan creates a pending scan for a configuration.
func NewScan(configurationID shared.ID) *Scan {
	now := time.Now().UTC()
	return &Scan{
		id:              shared.NewID(),
		configurationID: configurationID,
		status:          StatusPending,
		message:         "Scan queued",
		startedAt:       now,
		updatedAt:       now,
	}
}

func (s *Scan) transition(to Status) error {
	if !s.status.CanTransitionTo(to) {
		return &TransitionError{From: s.status, To: to}
	}
	s.status = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		s.completedAt = &now
		s.control = ControlNone
	}
	return nil
}

// Start moves a pending scan to running.
func (s *Scan) Start() error {
	if err := s.transition(StatusRunning); err != nil {
		return err
	}
	s.message = "Scan started"
	return nil
}

// RequestPause asks a running scan to pause at its next checkpoint.
// A pending stop is never downgraded to a pause.
func (s *Scan) RequestPause() error {
	if s.status != StatusRunning || s.control == ControlStop {
		return &TransitionError{From: s.status, To: StatusPaused}
	}
	s.control = ControlPause
	s.message = "Pause requested"
	return nil
}

// RequestStop stops a pending or paused scan immediately, or asks a running one
// to stop at its next checkpoint.
func (s *Scan) RequestStop() error {
	switch s.status {
	case StatusPending, StatusPaused:
		if err := s.transition(StatusStopped); err != nil {
			return err
		}
		s.message = "Scan stopped by user"
		return nil
	case StatusRunning:
		s.control = ControlStop
		s.message = "Stop requested"
		return nil
	default:
		return &TransitionError{From: s.status, To: StatusStopped}
	}
}

// Resume moves a paused scan back to running.
func (s *Scan) Resume() error {
	if err := s.transition(StatusRunning); err != nil {
		return err
	}
	s.control = ControlNone
	s.message = fmt.Sprintf("Resuming at finding %d of %d", s.cursor+1, s.counts.Total)
	return nil
}

// HonorControl applies a pending control request at a checkpoint.
// It returns true when the scan halted and no further finding may be processed.
func (s *Scan) HonorControl() (bool, error) {
	switch s.control {
	case ControlStop:
		if err := s.transition(StatusStopped); err != nil {
			return false, err
		}
		s.message = fmt.Sprintf("Scan stopped after %d of %d findings", s.cursor, s.counts.Total)
		return true, nil
	case ControlPause:
		if err := s.transition(StatusPaused); err != nil {
			return false, err
		}
		s.control = ControlNone
		s.message = fmt.Sprintf("Scan paused after %d of %d findings", s.cursor, s.counts.Total)
		return true, nil
	}
	return false, nil
}

// FreezeFindings captures the ordered finding list processed by every run of this scan.
func (s *Scan) FreezeFindings(findings []Finding, projectKey string) error {
	if s.status != StatusRunning {
		return &TransitionError{From: s.status, To: StatusRunning}
	}
	s.findings = Flatten(GroupByFile(findings))
	s.frozen = true
	s.projectKey = projectKey
	s.cursor = 0
	s.counts = Counts{Total: len(s.findings)}
	s.progress = 0
	s.message = fmt.Sprintf("Found %d findings in %d files", len(s.findings), len(GroupByFile(s.findings)))
	return nil
}

// RecordOutcome counts a verdict for the finding at the cursor and advances it.
func (s *Scan) RecordOutcome(v Verdict) error {
	if s.status != StatusRunning {
		return &TransitionError{From: s.status, To: StatusRunning}
	}
	if s.cursor >= s.counts.Total {
		return ErrCursorExhausted
	}

	switch v {
	case VerdictFalsePositive:
		s.counts.FalsePositives++
	case VerdictTruePositive:
		s.counts.TruePositives++
	default:
		s.counts.NeedsReview++
	}
	s.cursor++

	progress := int(math.Round(float64(s.cursor) / float64(s.counts.Total) * 100))
	if progress > s.progress {
		s.progress = progress
	}
	s.message = fmt.Sprintf("Analyzed %d of %d findings", s.cursor, s.counts.Total)
	return nil
}

// Complete marks a running scan as finished.
func (s *Scan) Complete() error {
	if err := s.transition(StatusCompleted); err != nil {
		return err
	}
	s.progress = 100
	s.message = fmt.Sprintf("Scan completed: %d findings analyzed", s.cursor)
	return nil
}

// Fail marks the scan as failed with a user-facing reason.
func (s *Scan) Fail(reason string) error {
	if err := s.transition(StatusFailed); err != nil {
		return err
	}
	s.errorMessage = &reason
	s.message = "Scan failed"
	return nil
}

// SetMessage updates the human-readable status line.
func (s *Scan) SetMessage(msg string) {
	s.message = msg
}

// CanDelete reports whether no background work can still touch the scan.
func (s *Scan) CanDelete() bool {
	return s.status == StatusPending || s.status.IsTerminal()
}

// Groups regroups the frozen findings. Regrouping a flattened grouping is the identity,
// so positions in Groups match positions in Findings.
func (s *Scan) Groups() []FileGroup {
	return GroupByFile(s.findings)
}

// MarkPersisted records the version and timestamp assigned by the store.
func (s *Scan) MarkPersisted(version int, updatedAt time.Time) {
	s.version = version
	s.updatedAt = updatedAt
}

// Getters

func (s *Scan) ID() shared.ID              { return s.id }
func (s *Scan) ConfigurationID() shared.ID { return s.configurationID }
func (s *Scan) Status() Status             { return s.status }
func (s *Scan) Progress() int              { return s.progress }
func (s *Scan) Message() string            { return s.message }
func (s *Scan) ErrorMessage() *string      { return s.errorMessage }
func (s *Scan) Control() ControlRequest    { return s.control }
func (s *Scan) Counts() Counts             { return s.counts }
func (s *Scan) Cursor() int                { return s.cursor }
func (s *Scan) Findings() []Finding        { return s.findings }
func (s *Scan) HasFrozenFindings() bool    { return s.frozen }
func (s *Scan) ProjectKey() string         { return s.projectKey }
func (s *Scan) StartedAt() time.Time       { return s.startedAt }
func (s *Scan) CompletedAt() *time.Time    { return s.completedAt }
func (s *Scan) UpdatedAt() time.Time       { return s.updatedAt }
func (s *Scan) Version() int               { return s.version }

// ScanData carries persisted scan fields for Reconstitute.
type ScanData struct {
	ID              shared.ID
	ConfigurationID shared.ID
	Status          Status
	Progress        int
	Message         string
	ErrorMessage    *string
	Control         ControlRequest
	Counts          Counts
	Cursor          int
	Findings        []Finding
	Frozen          bool
	ProjectKey      string
	StartedAt       time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
	Version         int
}

// ReconstituteScan recreates a Scan from persistence.
func ReconstituteScan(d ScanData) *Scan {
	return &Scan{
		id:              d.ID,
		configurationID: d.ConfigurationID,
		status:          d.Status,
		progress:        d.Progress,
		message:         d.Message,
		errorMessage:    d.ErrorMessage,
		control:         d.Control,
		counts:          d.Counts,
		cursor:          d.Cursor,
		findings:        d.Findings,
		frozen:          d.Frozen,
		projectKey:      d.ProjectKey,
		startedAt:       d.StartedAt,
		completedAt:     d.CompletedAt,
		updatedAt:       d.UpdatedAt,
		version:         d.Version,
	}
}

// Snapshot returns the persisted form of the scan.
func (s *Scan) Snapshot() ScanData {
	findings := make([]Finding, len(s.findings))
	copy(findings, s.findings)
	return ScanData{
		ID:              s.id,
		ConfigurationID: s.configurationID,
		Status:          s.status,
		Progress:        s.progress,
		Message:         s.message,
		ErrorMessage:    s.errorMessage,
		Control:         s.control,
		Counts:          s.counts,
		Cursor:          s.cursor,
		Findings:        findings,
		Frozen:          s.frozen,
		ProjectKey:      s.projectKey,
		StartedAt:       s.startedAt,
		CompletedAt:     s.completedAt,
		UpdatedAt:       s.updatedAt,
		Version:         s.version,
	}
}
