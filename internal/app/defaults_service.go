package app

import (
	"context"

	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/logger"
	"github.com/openctemio/sast-triage/pkg/validator"
)

// DefaultsService manages the process-wide fallback settings.
type DefaultsService struct {
	repo      configuration.DefaultsRepository
	validator *validator.Validator
	logger    *logger.Logger
}

// NewDefaultsService creates a new DefaultsService.
func NewDefaultsService(repo configuration.DefaultsRepository, log *logger.Logger) *DefaultsService {
	return &DefaultsService{
		repo:      repo,
		validator: validator.New(),
		logger:    log.With("service", "defaults"),
	}
}

// GetDefaults returns the saved defaults, or empty defaults when none were saved.
func (s *DefaultsService) GetDefaults(ctx context.Context) (*configuration.Defaults, error) {
	d, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return configuration.NewDefaults(configuration.Settings{})
	}
	return d, nil
}

// SaveDefaults replaces the defaults. Fields that cannot be defaulted are ignored.
func (s *DefaultsService) SaveDefaults(ctx context.Context, input SettingsInput) (*configuration.Defaults, error) {
	if err := s.validator.Validate(input); err != nil {
		return nil, err
	}

	d, err := configuration.NewDefaults(input.toSettings())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info("defaults saved")
	return d, nil
}

// ImportDefaults saves settings read from a file, as done by the CLI.
func (s *DefaultsService) ImportDefaults(ctx context.Context, settings configuration.Settings) (*configuration.Defaults, error) {
	return s.SaveDefaults(ctx, SettingsInput{
		LLMURL:          settings.LLMURL,
		LLMModel:        settings.LLMModel,
		LLMAPIKey:       settings.LLMAPIKey,
		SonarQubeURL:    settings.SonarQubeURL,
		SonarQubeAPIKey: settings.SonarQubeAPIKey,
		GitHubOwner:     settings.GitHubOwner,
		GitHubAPIKey:    settings.GitHubAPIKey,
		SourceProvider:  string(settings.SourceProvider),
	})
}

// ClearDefaults removes the defaults.
func (s *DefaultsService) ClearDefaults(ctx context.Context) error {
	if err := s.repo.Delete(ctx); err != nil {
		return err
	}
	s.logger.Info("defaults cleared")
	return nil
}
