// Package migrations applies the embedded database schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/openctemio/sast-triage/pkg/logger"
)

//go:embed sql/*.sql
var files embed.FS

// Runner executes database migrations.
type Runner struct {
	db     *sql.DB
	fsys   fs.FS
	logger *logger.Logger
}

// NewRunner creates a runner over the embedded migrations.
func NewRunner(db *sql.DB, log *logger.Logger) *Runner {
	sub, _ := fs.Sub(files, "sql")
	return &Runner{db: db, fsys: sub, logger: log.With("component", "migrations")}
}

// MigrationRecord represents a migration in the schema_migrations table.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// MigrationStatus is one available migration and whether it was applied.
type MigrationStatus struct {
	Version   string
	Name      string
	AppliedAt *time.Time
}

// EnsureMigrationTable creates the schema_migrations table if it doesn't exist.
func (r *Runner) EnsureMigrationTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(14) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	return err
}

// GetAppliedMigrations returns all applied migration versions.
func (r *Runner) GetAppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		if err := rows.Scan(&rec.Version, &rec.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetPendingMigrations returns versions that need to be applied, in order.
func (r *Runner) GetPendingMigrations(ctx context.Context) ([]string, error) {
	available, err := r.available()
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	applied, err := r.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = true
	}

	var pending []string
	for _, m := range available {
		if !appliedSet[m.Version] {
			pending = append(pending, m.Version)
		}
	}
	return pending, nil
}

// Up runs all pending migrations and returns how many were applied.
func (r *Runner) Up(ctx context.Context) (int, error) {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure migration table: %w", err)
	}

	pending, err := r.GetPendingMigrations(ctx)
	if err != nil {
		return 0, err
	}

	for i, version := range pending {
		if err := r.runMigration(ctx, version, "up"); err != nil {
			return i, fmt.Errorf("migration %s failed: %w", version, err)
		}
		r.logger.Info("migration applied", "version", version)
	}
	return len(pending), nil
}

// Down rolls back the last applied migration. It returns the rolled back version,
// or "" when nothing was applied.
func (r *Runner) Down(ctx context.Context) (string, error) {
	applied, err := r.GetAppliedMigrations(ctx)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", nil
	}

	last := applied[len(applied)-1]
	if err := r.runMigration(ctx, last.Version, "down"); err != nil {
		return "", fmt.Errorf("rollback %s failed: %w", last.Version, err)
	}
	r.logger.Info("migration rolled back", "version", last.Version)
	return last.Version, nil
}

// Status lists every embedded migration with its applied time.
func (r *Runner) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := r.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	appliedAt := make(map[string]time.Time, len(applied))
	for _, rec := range applied {
		appliedAt[rec.Version] = rec.AppliedAt
	}

	available, err := r.available()
	if err != nil {
		return nil, err
	}
	for i, m := range available {
		if t, ok := appliedAt[m.Version]; ok {
			available[i].AppliedAt = &t
		}
	}
	return available, nil
}

// runMigration executes one migration file and updates schema_migrations in the same transaction.
func (r *Runner) runMigration(ctx context.Context, version, direction string) error {
	matches, err := fs.Glob(r.fsys, fmt.Sprintf("%s_*.%s.sql", version, direction))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("migration file not found: %s (%s)", version, direction)
	}

	content, err := fs.ReadFile(r.fsys, matches[0])
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return err
	}

	if direction == "up" {
		_, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// available lists the embedded up migrations ordered by version.
func (r *Runner) available() ([]MigrationStatus, error) {
	entries, err := fs.Glob(r.fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(entries))
	for _, name := range entries {
		base := strings.TrimSuffix(path.Base(name), ".up.sql")
		version, label, _ := strings.Cut(base, "_")
		out = append(out, MigrationStatus{Version: version, Name: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
