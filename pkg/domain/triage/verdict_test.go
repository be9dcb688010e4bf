package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in      string
		want    Verdict
		wantErr bool
	}{
		{"false_positive", VerdictFalsePositive, false},
		{" TRUE_POSITIVE ", VerdictTruePositive, false},
		{"needs-human-review", VerdictNeedsReview, false},
		{"needs human review", VerdictNeedsReview, false},
		{"maybe", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVerdict(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, shared.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSeverity(t *testing.T) {
	sev, ok := ParseSeverity("high")
	assert.True(t, ok)
	assert.Equal(t, SeverityHigh, sev)

	_, ok = ParseSeverity("BLOCKER")
	assert.False(t, ok)
}

func TestNewAnalysis(t *testing.T) {
	long := make([]rune, MaxSourceSnippetLength+10)
	for i := range long {
		long[i] = 'é'
	}
	source := string(long)
	bad := 1.7

	a := NewAnalysis(shared.NewID(), 2, finding("k", "a.go"), Classification{
		Verdict:     "bogus",
		Confidence:  &bad,
		ShortReason: "r",
	}, "prompt", nil, &source)

	assert.Equal(t, VerdictNeedsReview, a.Verdict())
	assert.Nil(t, a.Confidence())
	assert.Equal(t, 2, a.Position())
	assert.Equal(t, "prompt", a.Prompt())
	require.NotNil(t, a.SourceSnippet())
	assert.Equal(t, MaxSourceSnippetLength, len([]rune(*a.SourceSnippet())))
}

func TestStatistics(t *testing.T) {
	high := "HIGH"
	crit := SeverityCritical
	stats := NewStatistics()

	f := finding("1", "a")
	f.Severity = &high
	stats.Add(NewAnalysis(shared.NewID(), 0, f, Classification{Verdict: VerdictTruePositive}, "", nil, nil))
	stats.Add(NewAnalysis(shared.NewID(), 1, f, Classification{Verdict: VerdictFalsePositive, SeverityOverride: &crit}, "", nil, nil))
	hotspot := Finding{Key: "2", Kind: KindSecurityHotspot}
	stats.Add(NewAnalysis(shared.NewID(), 2, hotspot, Classification{Verdict: VerdictFalsePositive}, "", nil, nil))

	assert.Equal(t, 3, stats.TotalAnalyzed)
	assert.Equal(t, 1, stats.BySeverity["HIGH"])
	assert.Equal(t, 1, stats.BySeverity["CRITICAL"])
	assert.Equal(t, 1, stats.BySeverity["UNKNOWN"])
	assert.Equal(t, 2, stats.ByKind[KindVulnerability])
	assert.Equal(t, 66.7, stats.Rate(VerdictFalsePositive))
	assert.Equal(t, 0.0, NewStatistics().Rate(VerdictTruePositive))
}
