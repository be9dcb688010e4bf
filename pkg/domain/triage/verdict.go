package triage

import (
	"fmt"
	"strings"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

// Verdict is the triage outcome for a single finding.
type Verdict string

const (
	VerdictFalsePositive Verdict = "false_positive"
	VerdictTruePositive  Verdict = "true_positive"
	VerdictNeedsReview   Verdict = "needs_human_review"
)

// IsValid checks if the verdict is valid.
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictFalsePositive, VerdictTruePositive, VerdictNeedsReview:
		return true
	}
	return false
}

// ParseVerdict normalizes a verdict as returned by a model.
// Case, surrounding whitespace, hyphens and spaces are tolerated.
func ParseVerdict(s string) (Verdict, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)

	v := Verdict(normalized)
	if !v.IsValid() {
		return "", fmt.Errorf("%w: unknown triage verdict %q", shared.ErrValidation, s)
	}
	return v, nil
}

// Severity is the severity a model may assign in place of the reported one.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity returns the severity for s, or false when s is not one of the four levels.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	switch sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, true
	}
	return "", false
}
