package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openctemio/sast-triage/pkg/crypto"
	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

// settingsCodec stores settings as JSONB with API keys encrypted.
type settingsCodec struct {
	enc crypto.Encryptor
}

func (c settingsCodec) encode(s configuration.Settings) ([]byte, error) {
	for _, key := range []*string{&s.LLMAPIKey, &s.SonarQubeAPIKey, &s.GitHubAPIKey} {
		sealed, err := c.enc.EncryptString(*key)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt credential: %w", err)
		}
		*key = sealed
	}
	return toJSONB(s)
}

func (c settingsCodec) decode(data []byte) (configuration.Settings, error) {
	var s configuration.Settings
	if err := fromJSONB(data, &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	for _, key := range []*string{&s.LLMAPIKey, &s.SonarQubeAPIKey, &s.GitHubAPIKey} {
		plain, err := c.enc.DecryptString(*key)
		if err != nil {
			return s, fmt.Errorf("failed to decrypt credential: %w", err)
		}
		*key = plain
	}
	return s, nil
}

// ConfigurationRepository implements configuration.Repository using PostgreSQL.
type ConfigurationRepository struct {
	db    *DB
	codec settingsCodec
}

var _ configuration.Repository = (*ConfigurationRepository)(nil)

// NewConfigurationRepository creates a new ConfigurationRepository.
// A nil encryptor stores credentials in plaintext.
func NewConfigurationRepository(db *DB, enc crypto.Encryptor) *ConfigurationRepository {
	if enc == nil {
		enc = crypto.NoOpEncryptor{}
	}
	return &ConfigurationRepository{db: db, codec: settingsCodec{enc: enc}}
}

// Create inserts a configuration.
func (r *ConfigurationRepository) Create(ctx context.Context, c *configuration.Configuration) error {
	settings, err := r.codec.encode(c.Settings())
	if err != nil {
		return err
	}

	query := `
		INSERT INTO configurations (id, name, settings, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.db.ExecContext(ctx, query, c.ID(), c.Name(), settings, c.IsActive(), c.CreatedAt(), c.UpdatedAt())
	if err != nil {
		if isUniqueViolation(err) {
			return configuration.ErrConfigurationExists
		}
		return fmt.Errorf("failed to create configuration: %w", err)
	}
	return nil
}

// GetByID loads a configuration.
func (r *ConfigurationRepository) GetByID(ctx context.Context, id shared.ID) (*configuration.Configuration, error) {
	query := `SELECT id, name, settings, is_active, created_at, updated_at FROM configurations WHERE id = $1`
	c, err := r.scanRow(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, configuration.ErrConfigurationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return c, nil
}

// Update overwrites a configuration.
func (r *ConfigurationRepository) Update(ctx context.Context, c *configuration.Configuration) error {
	settings, err := r.codec.encode(c.Settings())
	if err != nil {
		return err
	}

	query := `
		UPDATE configurations
		SET name = $2, settings = $3, is_active = $4, updated_at = $5
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, c.ID(), c.Name(), settings, c.IsActive(), c.UpdatedAt())
	if err != nil {
		if isUniqueViolation(err) {
			return configuration.ErrConfigurationExists
		}
		return fmt.Errorf("failed to update configuration: %w", err)
	}
	return requireOneRow(result, configuration.ErrConfigurationNotFound)
}

// Delete removes a configuration. Its scans and their analyses cascade.
func (r *ConfigurationRepository) Delete(ctx context.Context, id shared.ID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM configurations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete configuration: %w", err)
	}
	return requireOneRow(result, configuration.ErrConfigurationNotFound)
}

// List returns configurations ordered by name.
func (r *ConfigurationRepository) List(ctx context.Context, offset, limit int) ([]*configuration.Configuration, error) {
	query := `
		SELECT id, name, settings, is_active, created_at, updated_at
		FROM configurations
		ORDER BY name ASC
		OFFSET $1`
	args := []any{offset}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*configuration.Configuration{}
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate configurations: %w", err)
	}
	return out, nil
}

func (r *ConfigurationRepository) scanRow(row rowScanner) (*configuration.Configuration, error) {
	var (
		id        shared.ID
		name      string
		raw       []byte
		isActive  bool
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&id, &name, &raw, &isActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	settings, err := r.codec.decode(raw)
	if err != nil {
		return nil, err
	}
	return configuration.Reconstitute(id, name, settings, isActive, createdAt.UTC(), updatedAt.UTC()), nil
}

// DefaultsRepository implements configuration.DefaultsRepository on the single-row triage_defaults table.
type DefaultsRepository struct {
	db    *DB
	codec settingsCodec
}

var _ configuration.DefaultsRepository = (*DefaultsRepository)(nil)

// NewDefaultsRepository creates a new DefaultsRepository.
func NewDefaultsRepository(db *DB, enc crypto.Encryptor) *DefaultsRepository {
	if enc == nil {
		enc = crypto.NoOpEncryptor{}
	}
	return &DefaultsRepository{db: db, codec: settingsCodec{enc: enc}}
}

// Get returns the saved defaults, or nil when none were saved.
func (r *DefaultsRepository) Get(ctx context.Context) (*configuration.Defaults, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := r.db.QueryRowContext(ctx, `SELECT settings, updated_at FROM triage_defaults WHERE id = 1`).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get defaults: %w", err)
	}
	settings, err := r.codec.decode(raw)
	if err != nil {
		return nil, err
	}
	return configuration.ReconstituteDefaults(settings, updatedAt.UTC()), nil
}

// Save upserts the defaults row.
func (r *DefaultsRepository) Save(ctx context.Context, d *configuration.Defaults) error {
	settings, err := r.codec.encode(d.Settings())
	if err != nil {
		return err
	}
	query := `
		INSERT INTO triage_defaults (id, settings, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, settings, d.UpdatedAt()); err != nil {
		return fmt.Errorf("failed to save defaults: %w", err)
	}
	return nil
}

// Delete clears the defaults.
func (r *DefaultsRepository) Delete(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM triage_defaults WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete defaults: %w", err)
	}
	return nil
}

func requireOneRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
