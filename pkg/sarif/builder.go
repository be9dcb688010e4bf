package sarif

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

// ToolName is the driver name written into every log.
const ToolName = "sast-triage"

// Property keys carried on each result.
const (
	PropVerdict    = "triage/verdict"
	PropConfidence = "triage/confidence"
	PropReason     = "triage/shortReason"
	PropFix        = "triage/fixSuggestion"
	PropKind       = "sonarqube/kind"
	PropCategory   = "sonarqube/securityCategory"
)

// FromScan builds a log with one run holding every analysis of scan in
// finding order. False positives are emitted with an accepted external
// suppression so SARIF consumers hide them by default.
func FromScan(scan *triage.Scan, analyses []*triage.Analysis, toolVersion string) *Log {
	run := Run{
		Tool: Tool{Driver: ToolComponent{
			Name:           ToolName,
			Version:        toolVersion,
			InformationURI: "https://docs.oasis-open.org/sarif/sarif/v2.1.0/",
		}},
		Results: make([]Result, 0, len(analyses)),
		Properties: Properties{
			"scanId":     scan.ID().String(),
			"projectKey": scan.ProjectKey(),
			"status":     string(scan.Status()),
		},
	}

	inv := Invocation{
		StartTimeUTC:        scan.StartedAt().UTC().Format(time.RFC3339),
		ExecutionSuccessful: scan.Status() == triage.StatusCompleted,
	}
	if end := scan.CompletedAt(); end != nil {
		inv.EndTimeUTC = end.UTC().Format(time.RFC3339)
	}
	run.Invocations = []Invocation{inv}

	ruleIndex := make(map[string]int)
	for _, a := range analyses {
		f := a.Finding()
		idx, ok := ruleIndex[f.Rule]
		if !ok {
			idx = len(run.Tool.Driver.Rules)
			ruleIndex[f.Rule] = idx
			rule := ReportingDescriptor{ID: f.Rule}
			if f.SecurityCategory != "" {
				rule.Properties = Properties{"tags": []string{"security", f.SecurityCategory}}
			}
			run.Tool.Driver.Rules = append(run.Tool.Driver.Rules, rule)
		}
		run.Results = append(run.Results, newResult(a, idx))
	}

	return &Log{Version: Version, Schema: Schema, Runs: []Run{run}}
}

func newResult(a *triage.Analysis, ruleIdx int) Result {
	f := a.Finding()
	res := Result{
		RuleID:    f.Rule,
		RuleIndex: ruleIdx,
		Kind:      KindFail,
		Level:     levelOf(a),
		Message:   Message{Text: f.Message},
		PartialFingerprints: map[string]string{
			"sonarqubeKey/v1": f.Key,
		},
		Properties: Properties{
			PropVerdict: string(a.Verdict()),
			PropReason:  a.ShortReason(),
			PropKind:    string(f.Kind),
		},
	}
	if c := a.Confidence(); c != nil {
		res.Properties[PropConfidence] = *c
	}
	if fix := a.FixSuggestion(); fix != nil {
		res.Properties[PropFix] = *fix
	}
	if f.SecurityCategory != "" {
		res.Properties[PropCategory] = f.SecurityCategory
	}

	loc := Location{PhysicalLocation: &PhysicalLocation{
		ArtifactLocation: &ArtifactLocation{URI: f.FilePath, URIBaseID: "%SRCROOT%"},
	}}
	if f.Line != nil && *f.Line > 0 {
		loc.PhysicalLocation.Region = &Region{StartLine: *f.Line}
	}
	res.Locations = []Location{loc}

	if flow := codeFlow(f); flow != nil {
		res.CodeFlows = []CodeFlow{*flow}
	}

	switch a.Verdict() {
	case triage.VerdictFalsePositive:
		res.Suppressions = []Suppression{{
			Kind:          SuppressionKindExternal,
			Status:        SuppressionStatusAccepted,
			Justification: a.ShortReason(),
		}}
	case triage.VerdictNeedsReview:
		res.Kind = KindReview
	}
	return res
}

func codeFlow(f triage.Finding) *CodeFlow {
	steps := make([]ThreadFlowLocation, 0, len(f.Locations))
	for _, l := range f.Locations {
		if l.Line == nil {
			continue
		}
		steps = append(steps, ThreadFlowLocation{Location: &Location{
			PhysicalLocation: &PhysicalLocation{
				ArtifactLocation: &ArtifactLocation{URI: f.FilePath, URIBaseID: "%SRCROOT%"},
				Region:           &Region{StartLine: *l.Line},
			},
			Message: &Message{Text: l.Message},
		}})
	}
	if len(steps) == 0 {
		return nil
	}
	return &CodeFlow{ThreadFlows: []ThreadFlow{{Locations: steps}}}
}

// levelOf prefers the classifier's severity override, then the backend
// severity, then the hotspot probability.
func levelOf(a *triage.Analysis) Level {
	if o := a.SeverityOverride(); o != nil {
		return levelForSeverity(string(*o))
	}
	f := a.Finding()
	if f.Severity != nil && *f.Severity != "" {
		return levelForSeverity(*f.Severity)
	}
	if f.VulnerabilityProbability != "" {
		return levelForSeverity(f.VulnerabilityProbability)
	}
	return LevelWarning
}

func levelForSeverity(s string) Level {
	switch strings.ToUpper(s) {
	case "BLOCKER", "CRITICAL", "HIGH":
		return LevelError
	case "MAJOR", "MEDIUM":
		return LevelWarning
	case "MINOR", "LOW", "INFO":
		return LevelNote
	default:
		return LevelWarning
	}
}

// Encode writes log as indented JSON.
func Encode(w io.Writer, log *Log) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(log); err != nil {
		return fmt.Errorf("encode sarif: %w", err)
	}
	return nil
}
