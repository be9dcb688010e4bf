package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

const scanColumns = `
	id, configuration_id, status, progress, message, error_message, control,
	total_findings, false_positives, true_positives, needs_review,
	cursor_position, findings, findings_frozen, project_key,
	started_at, completed_at, updated_at, version`

var errAnalysisExists = shared.NewDomainError("ANALYSIS_EXISTS", "finding already has an analysis in this scan", shared.ErrAlreadyExists)

// ScanRepository implements triage.ScanRepository using PostgreSQL.
type ScanRepository struct {
	db  *DB
	now func() time.Time
}

var _ triage.ScanRepository = (*ScanRepository)(nil)

// NewScanRepository creates a new ScanRepository.
func NewScanRepository(db *DB) *ScanRepository {
	return &ScanRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a new scan at version 1.
func (r *ScanRepository) Create(ctx context.Context, scan *triage.Scan) error {
	findings, err := toJSONB(scan.Findings())
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}
	now := r.now()
	c := scan.Counts()

	query := `
		INSERT INTO scans (` + scanColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1)`

	_, err = r.db.ExecContext(ctx, query,
		scan.ID(),
		scan.ConfigurationID(),
		string(scan.Status()),
		scan.Progress(),
		scan.Message(),
		nullStringPtr(scan.ErrorMessage()),
		string(scan.Control()),
		c.Total, c.FalsePositives, c.TruePositives, c.NeedsReview,
		scan.Cursor(),
		findings,
		scan.HasFrozenFindings(),
		scan.ProjectKey(),
		scan.StartedAt(),
		nullTime(scan.CompletedAt()),
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return shared.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create scan: %w", err)
	}

	scan.MarkPersisted(1, now)
	return nil
}

// GetByID loads a scan.
func (r *ScanRepository) GetByID(ctx context.Context, id shared.ID) (*triage.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE id = $1`
	scan, err := r.scanRow(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, triage.ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return scan, nil
}

// Update writes the scan when its stored version still matches. The frozen
// finding list is left as stored.
func (r *ScanRepository) Update(ctx context.Context, scan *triage.Scan) error {
	now := r.now()
	if err := r.update(ctx, r.db, scan, now); err != nil {
		return err
	}
	scan.MarkPersisted(scan.Version()+1, now)
	return nil
}

// Freeze writes the scan together with its frozen finding list.
func (r *ScanRepository) Freeze(ctx context.Context, scan *triage.Scan) error {
	findings, err := toJSONB(scan.Findings())
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}
	now := r.now()
	err = r.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := r.update(ctx, tx, scan, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE scans SET findings = $1, findings_frozen = $2 WHERE id = $3`,
			findings, scan.HasFrozenFindings(), scan.ID())
		if err != nil {
			return fmt.Errorf("failed to store findings: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	scan.MarkPersisted(scan.Version()+1, now)
	return nil
}

// State reads the lifecycle fields of a scan without its finding list.
func (r *ScanRepository) State(ctx context.Context, id shared.ID) (triage.ScanState, error) {
	var (
		state   triage.ScanState
		status  string
		control string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT status, control, version FROM scans WHERE id = $1`, id,
	).Scan(&status, &control, &state.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return state, triage.ErrScanNotFound
	}
	if err != nil {
		return state, fmt.Errorf("failed to get scan state: %w", err)
	}
	state.Status = triage.Status(status)
	state.Control = triage.ControlRequest(control)
	return state, nil
}

// RecordAnalysis inserts the analysis and advances the scan in one transaction.
func (r *ScanRepository) RecordAnalysis(ctx context.Context, scan *triage.Scan, a *triage.Analysis) error {
	now := r.now()
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := insertAnalysis(ctx, tx, a); err != nil {
			return err
		}
		return r.update(ctx, tx, scan, now)
	})
	if err != nil {
		return err
	}
	scan.MarkPersisted(scan.Version()+1, now)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *ScanRepository) update(ctx context.Context, ex execer, scan *triage.Scan, now time.Time) error {
	c := scan.Counts()

	query := `
		UPDATE scans SET
			status = $1,
			progress = $2,
			message = $3,
			error_message = $4,
			control = $5,
			total_findings = $6,
			false_positives = $7,
			true_positives = $8,
			needs_review = $9,
			cursor_position = $10,
			project_key = $11,
			completed_at = $12,
			updated_at = $13,
			version = version + 1
		WHERE id = $14 AND version = $15`

	result, err := ex.ExecContext(ctx, query,
		string(scan.Status()),
		scan.Progress(),
		scan.Message(),
		nullStringPtr(scan.ErrorMessage()),
		string(scan.Control()),
		c.Total, c.FalsePositives, c.TruePositives, c.NeedsReview,
		scan.Cursor(),
		scan.ProjectKey(),
		nullTime(scan.CompletedAt()),
		now,
		scan.ID(),
		scan.Version(),
	)
	if err != nil {
		return fmt.Errorf("failed to update scan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	if err := ex.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM scans WHERE id = $1)`, scan.ID()).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check scan: %w", err)
	}
	if !exists {
		return triage.ErrScanNotFound
	}
	return triage.ErrConcurrentModification
}

func insertAnalysis(ctx context.Context, tx *sql.Tx, a *triage.Analysis) error {
	finding, err := toJSONB(a.Finding())
	if err != nil {
		return fmt.Errorf("failed to marshal finding: %w", err)
	}

	var severity sql.NullString
	if s := a.SeverityOverride(); s != nil {
		severity = sql.NullString{String: string(*s), Valid: true}
	}

	query := `
		INSERT INTO analyses (
			id, scan_id, position, finding, verdict, confidence,
			short_reason, detailed_explanation, fix_suggestion, severity_override,
			prompt, raw_response, source_snippet, analyzed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = tx.ExecContext(ctx, query,
		a.ID(),
		a.ScanID(),
		a.Position(),
		finding,
		string(a.Verdict()),
		nullFloat(a.Confidence()),
		a.ShortReason(),
		a.DetailedExplanation(),
		nullStringPtr(a.FixSuggestion()),
		severity,
		a.Prompt(),
		nullStringPtr(a.RawResponse()),
		nullStringPtr(a.SourceSnippet()),
		a.AnalyzedAt(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errAnalysisExists
		}
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return nil
}

// Delete removes the scan. Analyses are removed by the foreign key cascade.
func (r *ScanRepository) Delete(ctx context.Context, id shared.ID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM scans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return triage.ErrScanNotFound
	}
	return nil
}

// List returns scans newest first.
func (r *ScanRepository) List(ctx context.Context, filter triage.ScanFilter) ([]*triage.Scan, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.ConfigurationID != nil {
		args = append(args, *filter.ConfigurationID)
		conditions = append(conditions, fmt.Sprintf("configuration_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + scanColumns + ` FROM scans`)
	if len(conditions) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conditions, " AND "))
	}
	sb.WriteString(" ORDER BY started_at DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	return r.query(ctx, sb.String(), args...)
}

// ListRecoverable returns pending scans and running scans idle since staleBefore, oldest first.
func (r *ScanRepository) ListRecoverable(ctx context.Context, staleBefore time.Time, limit int) ([]*triage.Scan, error) {
	query := `
		SELECT ` + scanColumns + ` FROM scans
		WHERE status = $1 OR (status = $2 AND updated_at < $3)
		ORDER BY updated_at ASC
		LIMIT $4`
	return r.query(ctx, query, string(triage.StatusPending), string(triage.StatusRunning), staleBefore, limit)
}

func (r *ScanRepository) query(ctx context.Context, query string, args ...any) ([]*triage.Scan, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scans []*triage.Scan
	for rows.Next() {
		scan, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scans: %w", err)
	}
	return scans, nil
}

func (r *ScanRepository) scanRow(row rowScanner) (*triage.Scan, error) {
	var (
		d            triage.ScanData
		status       string
		control      string
		errorMessage sql.NullString
		findings     []byte
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&d.ID, &d.ConfigurationID, &status, &d.Progress, &d.Message, &errorMessage, &control,
		&d.Counts.Total, &d.Counts.FalsePositives, &d.Counts.TruePositives, &d.Counts.NeedsReview,
		&d.Cursor, &findings, &d.Frozen, &d.ProjectKey,
		&d.StartedAt, &completedAt, &d.UpdatedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}

	d.Status = triage.Status(status)
	d.Control = triage.ControlRequest(control)
	d.ErrorMessage = nullStringPtrValue(errorMessage)
	d.CompletedAt = nullTimeValue(completedAt)
	d.StartedAt = d.StartedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	if err := fromJSONB(findings, &d.Findings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal findings: %w", err)
	}

	return triage.ReconstituteScan(d), nil
}
