package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
	"github.com/openctemio/sast-triage/pkg/validator"
)

// ConfigurationService manages configurations and their merged, effective view.
type ConfigurationService struct {
	configs   configuration.Repository
	defaults  configuration.DefaultsRepository
	scans     triage.ScanRepository
	adapters  AdapterFactory
	validator *validator.Validator
	logger    *logger.Logger
}

// NewConfigurationService creates a new ConfigurationService.
func NewConfigurationService(
	configs configuration.Repository,
	defaults configuration.DefaultsRepository,
	scans triage.ScanRepository,
	adapters AdapterFactory,
	log *logger.Logger,
) *ConfigurationService {
	return &ConfigurationService{
		configs:   configs,
		defaults:  defaults,
		scans:     scans,
		adapters:  adapters,
		validator: validator.New(),
		logger:    log.With("service", "configuration"),
	}
}

// SettingsInput carries connection parameters from the API.
type SettingsInput struct {
	LLMURL               string `json:"llm_url" validate:"http_url"`
	LLMModel             string `json:"llm_model" validate:"max=200"`
	LLMAPIKey            string `json:"llm_api_key" validate:"max=500"`
	SonarQubeURL         string `json:"sonarqube_url" validate:"http_url"`
	SonarQubeAPIKey      string `json:"sonarqube_api_key" validate:"max=500"`
	SonarQubeProjectKey  string `json:"sonarqube_project_key" validate:"max=400"`
	SonarQubeProjectName string `json:"sonarqube_project_name" validate:"max=400"`
	GitHubOwner          string `json:"github_owner" validate:"max=100"`
	GitHubRepo           string `json:"github_repo" validate:"max=100"`
	GitHubAPIKey         string `json:"github_api_key" validate:"max=500"`
	GitHubBranch         string `json:"github_branch" validate:"max=255"`
	SourceProvider       string `json:"source_provider" validate:"source_provider"`
	GitRemoteURL         string `json:"git_remote_url" validate:"max=1000"`
}

func (in SettingsInput) toSettings() configuration.Settings {
	return configuration.Settings{
		LLMURL:               in.LLMURL,
		LLMModel:             in.LLMModel,
		LLMAPIKey:            in.LLMAPIKey,
		SonarQubeURL:         in.SonarQubeURL,
		SonarQubeAPIKey:      in.SonarQubeAPIKey,
		SonarQubeProjectKey:  in.SonarQubeProjectKey,
		SonarQubeProjectName: in.SonarQubeProjectName,
		GitHubOwner:          in.GitHubOwner,
		GitHubRepo:           in.GitHubRepo,
		GitHubAPIKey:         in.GitHubAPIKey,
		GitHubBranch:         in.GitHubBranch,
		SourceProvider:       configuration.SourceProvider(in.SourceProvider),
		GitRemoteURL:         in.GitRemoteURL,
	}
}

// CreateConfigurationInput represents the input for creating a configuration.
type CreateConfigurationInput struct {
	Name     string        `json:"name" validate:"required,min=1,max=100"`
	Settings SettingsInput `json:"settings"`
}

// CreateConfiguration creates a new configuration.
func (s *ConfigurationService) CreateConfiguration(ctx context.Context, input CreateConfigurationInput) (*configuration.Configuration, error) {
	if err := s.validator.Validate(input); err != nil {
		return nil, err
	}

	cfg, err := configuration.NewConfiguration(input.Name, input.Settings.toSettings())
	if err != nil {
		return nil, err
	}
	if err := s.configs.Create(ctx, cfg); err != nil {
		return nil, err
	}

	s.logger.Info("configuration created", "configuration_id", cfg.ID().String(), "name", cfg.Name())
	return cfg, nil
}

// GetConfiguration returns a configuration by id.
func (s *ConfigurationService) GetConfiguration(ctx context.Context, id string) (*configuration.Configuration, error) {
	cid, err := parseConfigurationID(id)
	if err != nil {
		return nil, err
	}
	return s.configs.GetByID(ctx, cid)
}

// ListConfigurations lists configurations ordered by name.
func (s *ConfigurationService) ListConfigurations(ctx context.Context, offset, limit int) ([]*configuration.Configuration, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.configs.List(ctx, offset, limit)
}

// UpdateConfigurationInput carries a partial update; nil fields are left unchanged.
type UpdateConfigurationInput struct {
	Name     *string        `json:"name" validate:"omitempty,min=1,max=100"`
	Settings *SettingsInput `json:"settings"`
	IsActive *bool          `json:"is_active"`
}

// UpdateConfiguration applies a partial update.
func (s *ConfigurationService) UpdateConfiguration(ctx context.Context, id string, input UpdateConfigurationInput) (*configuration.Configuration, error) {
	if err := s.validator.Validate(input); err != nil {
		return nil, err
	}

	cfg, err := s.GetConfiguration(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		if err := cfg.Rename(*input.Name); err != nil {
			return nil, err
		}
	}
	if input.Settings != nil {
		if err := cfg.SetSettings(input.Settings.toSettings()); err != nil {
			return nil, err
		}
	}
	if input.IsActive != nil {
		cfg.SetActive(*input.IsActive)
	}

	if err := s.configs.Update(ctx, cfg); err != nil {
		return nil, err
	}
	s.logger.Info("configuration updated", "configuration_id", cfg.ID().String())
	return cfg, nil
}

// DeleteConfiguration removes a configuration and its finished scans.
// It is rejected while one of its scans is queued, running or paused.
func (s *ConfigurationService) DeleteConfiguration(ctx context.Context, id string) error {
	cid, err := parseConfigurationID(id)
	if err != nil {
		return err
	}
	if _, err := s.configs.GetByID(ctx, cid); err != nil {
		return err
	}

	active, err := s.scans.List(ctx, triage.ScanFilter{
		ConfigurationID: &cid,
		Statuses:        []triage.Status{triage.StatusPending, triage.StatusRunning, triage.StatusPaused},
		Limit:           1,
	})
	if err != nil {
		return fmt.Errorf("check active scans: %w", err)
	}
	if len(active) > 0 {
		return shared.NewDomainError("CONFIGURATION_IN_USE", "configuration has an active scan; stop it first", shared.ErrConflict)
	}

	if err := s.configs.Delete(ctx, cid); err != nil {
		return err
	}
	s.logger.Info("configuration deleted", "configuration_id", id)
	return nil
}

// MergedConfiguration is the effective configuration a scan would run with.
type MergedConfiguration struct {
	Configuration *configuration.Configuration
	Values        map[configuration.Field]configuration.Value
	Missing       []string
}

// GetMergedConfiguration overlays the configuration on the defaults, with secrets masked.
func (s *ConfigurationService) GetMergedConfiguration(ctx context.Context, id string) (*MergedConfiguration, error) {
	cfg, merged, err := s.merge(ctx, id)
	if err != nil {
		return nil, err
	}
	return &MergedConfiguration{
		Configuration: cfg,
		Values:        merged.Values(true),
		Missing:       merged.Missing(),
	}, nil
}

func (s *ConfigurationService) merge(ctx context.Context, id string) (*configuration.Configuration, *configuration.Merged, error) {
	cfg, err := s.GetConfiguration(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defaults, err := s.defaults.Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load defaults: %w", err)
	}
	return cfg, configuration.MergeForScan(cfg, defaults), nil
}

// ConnectionTestReport is the outcome of probing every external dependency
// of a configuration.
type ConnectionTestReport struct {
	SonarQube *triage.ConnectionResult `json:"sonarqube,omitempty"`
	Source    *triage.ConnectionResult `json:"source,omitempty"`
	LLM       *triage.ConnectionResult `json:"llm,omitempty"`
	AllPassed bool                     `json:"all_passed"`
	Errors    []string                 `json:"errors"`
}

// TestConfiguration checks SonarQube, the code host and the model endpoint
// concurrently using the merged configuration. Failures are reported, never returned.
func (s *ConfigurationService) TestConfiguration(ctx context.Context, id string) (*ConnectionTestReport, error) {
	_, merged, err := s.merge(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &ConnectionTestReport{Errors: []string{}}
	if missing := merged.Missing(); len(missing) > 0 {
		if err := merged.Validate(); err != nil {
			report.Errors = append(report.Errors, validationMessage(err))
		}
		return report, nil
	}

	settings := merged.Settings()
	var sonar, source, model triage.ConnectionResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sonar = s.adapters.TestSonarQube(gctx, settings)
		return nil
	})
	g.Go(func() error {
		source = s.adapters.TestSource(gctx, settings)
		return nil
	})
	g.Go(func() error {
		model = s.adapters.TestLLM(gctx, settings)
		return nil
	})
	_ = g.Wait()

	report.SonarQube, report.Source, report.LLM = &sonar, &source, &model
	for _, r := range []struct {
		label  string
		result triage.ConnectionResult
	}{
		{"SonarQube", sonar},
		{sourceLabel(settings), source},
		{"LLM", model},
	} {
		if !r.result.Success {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", r.label, r.result.Message))
		}
	}
	report.AllPassed = len(report.Errors) == 0

	s.logger.Info("configuration tested", "configuration_id", id, "all_passed", report.AllPassed)
	return report, nil
}

func sourceLabel(s configuration.Settings) string {
	if s.SourceProvider == configuration.ProviderGit {
		return "Git"
	}
	return "GitHub"
}

func validationMessage(err error) string {
	var de *shared.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

func parseConfigurationID(s string) (shared.ID, error) {
	id, err := shared.IDFromString(s)
	if err != nil {
		return shared.ID{}, configuration.ErrConfigurationNotFound
	}
	return id, nil
}
