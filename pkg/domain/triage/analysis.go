package triage

import (
	"time"
	"unicode/utf8"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

// MaxSourceSnippetLength bounds the source stored alongside each analysis.
const MaxSourceSnippetLength = 5000

// Classification holds the fields a classifier produces for one finding.
type Classification struct {
	Verdict             Verdict
	Confidence          *float64
	ShortReason         string
	DetailedExplanation string
	FixSuggestion       *string
	SeverityOverride    *Severity
}

// Analysis is the immutable outcome for one finding within one scan.
type Analysis struct {
	id       shared.ID
	scanID   shared.ID
	position int
	finding  Finding

	verdict             Verdict
	confidence          *float64
	shortReason         string
	detailedExplanation string
	fixSuggestion       *string
	severityOverride    *Severity

	prompt        string
	rawResponse   *string
	sourceSnippet *string
	analyzedAt    time.Time
}

// NewAnalysis records a classification of the finding at position in the scan's frozen list.
// An out-of-range confidence is dropped rather than stored.
func NewAnalysis(scanID shared.ID, position int, finding Finding, c Classification, prompt string, rawResponse *string, source *string) *Analysis {
	verdict := c.Verdict
	if !verdict.IsValid() {
		verdict = VerdictNeedsReview
	}

	confidence := c.Confidence
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		confidence = nil
	}

	return &Analysis{
		id:                  shared.NewID(),
		scanID:              scanID,
		position:            position,
		finding:             finding,
		verdict:             verdict,
		confidence:          confidence,
		shortReason:         c.ShortReason,
		detailedExplanation: c.DetailedExplanation,
		fixSuggestion:       c.FixSuggestion,
		severityOverride:    c.SeverityOverride,
		prompt:              prompt,
		rawResponse:         rawResponse,
		sourceSnippet:       truncateSource(source),
		analyzedAt:          time.Now().UTC(),
	}
}

// NewReviewAnalysis records a finding that could not be classified.
func NewReviewAnalysis(scanID shared.ID, position int, finding Finding, reason, explanation, prompt string, rawResponse *string, source *string) *Analysis {
	zero := 0.0
	return NewAnalysis(scanID, position, finding, Classification{
		Verdict:             VerdictNeedsReview,
		Confidence:          &zero,
		ShortReason:         reason,
		DetailedExplanation: explanation,
	}, prompt, rawResponse, source)
}

func truncateSource(source *string) *string {
	if source == nil {
		return nil
	}
	s := *source
	if utf8.RuneCountInString(s) > MaxSourceSnippetLength {
		s = string([]rune(s)[:MaxSourceSnippetLength])
	}
	return &s
}

// AnalysisData carries persisted analysis fields for Reconstitute.
type AnalysisData struct {
	ID                  shared.ID
	ScanID              shared.ID
	Position            int
	Finding             Finding
	Verdict             Verdict
	Confidence          *float64
	ShortReason         string
	DetailedExplanation string
	FixSuggestion       *string
	SeverityOverride    *Severity
	Prompt              string
	RawResponse         *string
	SourceSnippet       *string
	AnalyzedAt          time.Time
}

// ReconstituteAnalysis recreates an Analysis from persistence.
func ReconstituteAnalysis(d AnalysisData) *Analysis {
	return &Analysis{
		id:                  d.ID,
		scanID:              d.ScanID,
		position:            d.Position,
		finding:             d.Finding,
		verdict:             d.Verdict,
		confidence:          d.Confidence,
		shortReason:         d.ShortReason,
		detailedExplanation: d.DetailedExplanation,
		fixSuggestion:       d.FixSuggestion,
		severityOverride:    d.SeverityOverride,
		prompt:              d.Prompt,
		rawResponse:         d.RawResponse,
		sourceSnippet:       d.SourceSnippet,
		analyzedAt:          d.AnalyzedAt,
	}
}

// Getters

func (a *Analysis) ID() shared.ID               { return a.id }
func (a *Analysis) ScanID() shared.ID           { return a.scanID }
func (a *Analysis) Position() int               { return a.position }
func (a *Analysis) Finding() Finding            { return a.finding }
func (a *Analysis) Verdict() Verdict            { return a.verdict }
func (a *Analysis) Confidence() *float64        { return a.confidence }
func (a *Analysis) ShortReason() string         { return a.shortReason }
func (a *Analysis) DetailedExplanation() string { return a.detailedExplanation }
func (a *Analysis) FixSuggestion() *string      { return a.fixSuggestion }
func (a *Analysis) SeverityOverride() *Severity { return a.severityOverride }
func (a *Analysis) Prompt() string              { return a.prompt }
func (a *Analysis) RawResponse() *string        { return a.rawResponse }
func (a *Analysis) SourceSnippet() *string      { return a.sourceSnippet }
func (a *Analysis) AnalyzedAt() time.Time       { return a.analyzedAt }
