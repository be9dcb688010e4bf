package configuration

import (
	"context"
	"strings"
	"time"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

// Errors.
var (
	ErrConfigurationNotFound = shared.NewDomainError("CONFIGURATION_NOT_FOUND", "configuration not found", shared.ErrNotFound)
	ErrConfigurationExists   = shared.NewDomainError("CONFIGURATION_EXISTS", "configuration with this name already exists", shared.ErrAlreadyExists)
	ErrNameRequired          = shared.NewDomainError("NAME_REQUIRED", "configuration name is required", shared.ErrValidation)
)

// Configuration is a named set of connection parameters a scan can run with.
type Configuration struct {
	id        shared.ID
	name      string
	settings  Settings
	isActive  bool
	createdAt time.Time
	updatedAt time.Time
}

// NewConfiguration creates an active configuration.
func NewConfiguration(name string, s Settings) (*Configuration, error) {
	c := &Configuration{
		id:        shared.NewID(),
		isActive:  true,
		createdAt: time.Now().UTC(),
	}
	if err := c.Rename(name); err != nil {
		return nil, err
	}
	if err := c.SetSettings(s); err != nil {
		return nil, err
	}
	return c, nil
}

// Rename changes the configuration's unique name.
func (c *Configuration) Rename(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	c.name = name
	c.updatedAt = time.Now().UTC()
	return nil
}

// SetSettings replaces the connection parameters.
func (c *Configuration) SetSettings(s Settings) error {
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	c.settings = s
	c.updatedAt = time.Now().UTC()
	return nil
}

// SetActive toggles whether the configuration is offered for new scans.
func (c *Configuration) SetActive(active bool) {
	c.isActive = active
	c.updatedAt = time.Now().UTC()
}

func (c *Configuration) ID() shared.ID        { return c.id }
func (c *Configuration) Name() string         { return c.name }
func (c *Configuration) Settings() Settings   { return c.settings }
func (c *Configuration) IsActive() bool       { return c.isActive }
func (c *Configuration) CreatedAt() time.Time { return c.createdAt }
func (c *Configuration) UpdatedAt() time.Time { return c.updatedAt }

// Reconstitute recreates a Configuration from persistence.
func Reconstitute(id shared.ID, name string, s Settings, isActive bool, createdAt, updatedAt time.Time) *Configuration {
	return &Configuration{
		id:        id,
		name:      name,
		settings:  s,
		isActive:  isActive,
		createdAt: createdAt,
		updatedAt: updatedAt,
	}
}

// Defaults are process-wide fallbacks for configuration fields.
// Only credentials, endpoints and the GitHub owner can be defaulted.
type Defaults struct {
	settings  Settings
	updatedAt time.Time
}

// NewDefaults keeps the defaultable fields of s.
func NewDefaults(s Settings) (*Defaults, error) {
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Defaults{
		settings: Settings{
			LLMURL:          s.LLMURL,
			LLMModel:        s.LLMModel,
			LLMAPIKey:       s.LLMAPIKey,
			SonarQubeURL:    s.SonarQubeURL,
			SonarQubeAPIKey: s.SonarQubeAPIKey,
			GitHubOwner:     s.GitHubOwner,
			GitHubAPIKey:    s.GitHubAPIKey,
			SourceProvider:  s.SourceProvider,
		},
		updatedAt: time.Now().UTC(),
	}, nil
}

// ReconstituteDefaults recreates Defaults from persistence.
func ReconstituteDefaults(s Settings, updatedAt time.Time) *Defaults {
	return &Defaults{settings: s, updatedAt: updatedAt}
}

func (d *Defaults) Settings() Settings   { return d.settings }
func (d *Defaults) UpdatedAt() time.Time { return d.updatedAt }

// Repository persists configurations.
type Repository interface {
	Create(ctx context.Context, c *Configuration) error
	GetByID(ctx context.Context, id shared.ID) (*Configuration, error)
	Update(ctx context.Context, c *Configuration) error
	Delete(ctx context.Context, id shared.ID) error
	List(ctx context.Context, offset, limit int) ([]*Configuration, error)
}

// DefaultsRepository persists the single defaults row.
// Get returns nil, nil when no defaults have been saved.
type DefaultsRepository interface {
	Get(ctx context.Context) (*Defaults, error)
	Save(ctx context.Context, d *Defaults) error
	Delete(ctx context.Context) error
}
