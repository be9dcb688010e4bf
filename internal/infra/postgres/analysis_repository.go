package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

// AnalysisRepository implements triage.AnalysisRepository using PostgreSQL.
type AnalysisRepository struct {
	db *DB
}

var _ triage.AnalysisRepository = (*AnalysisRepository)(nil)

// NewAnalysisRepository creates a new AnalysisRepository.
func NewAnalysisRepository(db *DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

// ListByScan returns the scan's analyses in finding order.
func (r *AnalysisRepository) ListByScan(ctx context.Context, scanID shared.ID) ([]*triage.Analysis, error) {
	query := `
		SELECT id, scan_id, position, finding, verdict, confidence,
			short_reason, detailed_explanation, fix_suggestion, severity_override,
			prompt, raw_response, source_snippet, analyzed_at
		FROM analyses
		WHERE scan_id = $1
		ORDER BY position ASC`

	rows, err := r.db.QueryContext(ctx, query, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*triage.Analysis{}
	for rows.Next() {
		var (
			d          triage.AnalysisData
			finding    []byte
			verdict    string
			confidence sql.NullFloat64
			fix        sql.NullString
			severity   sql.NullString
			raw        sql.NullString
			snippet    sql.NullString
		)
		if err := rows.Scan(
			&d.ID, &d.ScanID, &d.Position, &finding, &verdict, &confidence,
			&d.ShortReason, &d.DetailedExplanation, &fix, &severity,
			&d.Prompt, &raw, &snippet, &d.AnalyzedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		if err := fromJSONB(finding, &d.Finding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal finding: %w", err)
		}
		d.Verdict = triage.Verdict(verdict)
		d.Confidence = nullFloatValue(confidence)
		d.FixSuggestion = nullStringPtrValue(fix)
		if severity.Valid {
			s := triage.Severity(severity.String)
			d.SeverityOverride = &s
		}
		d.RawResponse = nullStringPtrValue(raw)
		d.SourceSnippet = nullStringPtrValue(snippet)
		d.AnalyzedAt = d.AnalyzedAt.UTC()

		out = append(out, triage.ReconstituteAnalysis(d))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analyses: %w", err)
	}
	return out, nil
}

// Statistics aggregates every analysis by verdict, effective severity and kind.
func (r *AnalysisRepository) Statistics(ctx context.Context) (*triage.Statistics, error) {
	stats := triage.NewStatistics()

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scans`).Scan(&stats.TotalScans); err != nil {
		return nil, fmt.Errorf("failed to count scans: %w", err)
	}

	query := `
		SELECT verdict,
			COALESCE(severity_override, NULLIF(finding->>'severity', ''), 'UNKNOWN') AS severity,
			COALESCE(NULLIF(finding->>'kind', ''), $1) AS kind,
			COUNT(*)
		FROM analyses
		GROUP BY 1, 2, 3`

	rows, err := r.db.QueryContext(ctx, query, string(triage.KindVulnerability))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate analyses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			verdict, severity, kind string
			n                       int
		)
		if err := rows.Scan(&verdict, &severity, &kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan statistics row: %w", err)
		}
		stats.TotalAnalyzed += n
		stats.ByVerdict[triage.Verdict(verdict)] += n
		stats.BySeverity[severity] += n
		stats.ByKind[triage.IssueKind(kind)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate statistics: %w", err)
	}
	return stats, nil
}
