// Package configuration holds scan configurations, process-wide defaults and
// the layered merge that produces the settings a scan runs with.
package configuration

import (
	"fmt"
	"strings"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

// SourceProvider selects how source files are retrieved.
type SourceProvider string

const (
	ProviderGitHub SourceProvider = "github"
	ProviderGit    SourceProvider = "git"
)

// IsValid checks if the provider is valid. Empty means "inherit".
func (p SourceProvider) IsValid() bool {
	return p == "" || p == ProviderGitHub || p == ProviderGit
}

// Settings are the connection parameters shared by configurations and defaults.
// Empty strings mean "not set".
type Settings struct {
	LLMURL    string `json:"llm_url,omitempty" yaml:"llm_url,omitempty"`
	LLMModel  string `json:"llm_model,omitempty" yaml:"llm_model,omitempty"`
	LLMAPIKey string `json:"llm_api_key,omitempty" yaml:"llm_api_key,omitempty"`

	SonarQubeURL         string `json:"sonarqube_url,omitempty" yaml:"sonarqube_url,omitempty"`
	SonarQubeAPIKey      string `json:"sonarqube_api_key,omitempty" yaml:"sonarqube_api_key,omitempty"`
	SonarQubeProjectKey  string `json:"sonarqube_project_key,omitempty" yaml:"sonarqube_project_key,omitempty"`
	SonarQubeProjectName string `json:"sonarqube_project_name,omitempty" yaml:"sonarqube_project_name,omitempty"`

	GitHubOwner  string `json:"github_owner,omitempty" yaml:"github_owner,omitempty"`
	GitHubRepo   string `json:"github_repo,omitempty" yaml:"github_repo,omitempty"`
	GitHubAPIKey string `json:"github_api_key,omitempty" yaml:"github_api_key,omitempty"`
	GitHubBranch string `json:"github_branch,omitempty" yaml:"github_branch,omitempty"`

	SourceProvider SourceProvider `json:"source_provider,omitempty" yaml:"source_provider,omitempty"`
	GitRemoteURL   string         `json:"git_remote_url,omitempty" yaml:"git_remote_url,omitempty"`
}

// Field names a merged setting.
type Field string

const (
	FieldLLMURL               Field = "llm_url"
	FieldLLMModel             Field = "llm_model"
	FieldLLMAPIKey            Field = "llm_api_key"
	FieldSonarQubeURL         Field = "sonarqube_url"
	FieldSonarQubeAPIKey      Field = "sonarqube_api_key"
	FieldSonarQubeProjectKey  Field = "sonarqube_project_key"
	FieldSonarQubeProjectName Field = "sonarqube_project_name"
	FieldGitHubOwner          Field = "github_owner"
	FieldGitHubRepo           Field = "github_repo"
	FieldGitHubAPIKey         Field = "github_api_key"
	FieldGitHubBranch         Field = "github_branch"
	FieldSourceProvider       Field = "source_provider"
	FieldGitRemoteURL         Field = "git_remote_url"
)

// AllFields lists every merged field in display order.
var AllFields = []Field{
	FieldLLMURL, FieldLLMModel, FieldLLMAPIKey,
	FieldSonarQubeURL, FieldSonarQubeAPIKey, FieldSonarQubeProjectKey, FieldSonarQubeProjectName,
	FieldGitHubOwner, FieldGitHubRepo, FieldGitHubAPIKey, FieldGitHubBranch,
	FieldSourceProvider, FieldGitRemoteURL,
}

// IsSecret reports whether the field holds a credential.
func (f Field) IsSecret() bool {
	return f == FieldLLMAPIKey || f == FieldSonarQubeAPIKey || f == FieldGitHubAPIKey
}

// Get returns the value of field f.
func (s Settings) Get(f Field) string {
	switch f {
	case FieldLLMURL:
		return s.LLMURL
	case FieldLLMModel:
		return s.LLMModel
	case FieldLLMAPIKey:
		return s.LLMAPIKey
	case FieldSonarQubeURL:
		return s.SonarQubeURL
	case FieldSonarQubeAPIKey:
		return s.SonarQubeAPIKey
	case FieldSonarQubeProjectKey:
		return s.SonarQubeProjectKey
	case FieldSonarQubeProjectName:
		return s.SonarQubeProjectName
	case FieldGitHubOwner:
		return s.GitHubOwner
	case FieldGitHubRepo:
		return s.GitHubRepo
	case FieldGitHubAPIKey:
		return s.GitHubAPIKey
	case FieldGitHubBranch:
		return s.GitHubBranch
	case FieldSourceProvider:
		return string(s.SourceProvider)
	case FieldGitRemoteURL:
		return s.GitRemoteURL
	}
	return ""
}

// Normalize trims surrounding whitespace from every field.
func (s Settings) Normalize() Settings {
	trim := strings.TrimSpace
	s.LLMURL = strings.TrimRight(trim(s.LLMURL), "/")
	s.LLMModel = trim(s.LLMModel)
	s.LLMAPIKey = trim(s.LLMAPIKey)
	s.SonarQubeURL = strings.TrimRight(trim(s.SonarQubeURL), "/")
	s.SonarQubeAPIKey = trim(s.SonarQubeAPIKey)
	s.SonarQubeProjectKey = trim(s.SonarQubeProjectKey)
	s.SonarQubeProjectName = trim(s.SonarQubeProjectName)
	s.GitHubOwner = trim(s.GitHubOwner)
	s.GitHubRepo = trim(s.GitHubRepo)
	s.GitHubAPIKey = trim(s.GitHubAPIKey)
	s.GitHubBranch = trim(s.GitHubBranch)
	s.SourceProvider = SourceProvider(strings.ToLower(trim(string(s.SourceProvider))))
	s.GitRemoteURL = trim(s.GitRemoteURL)
	return s
}

// Validate checks values that are wrong regardless of layering.
func (s Settings) Validate() error {
	if !s.SourceProvider.IsValid() {
		return shared.NewDomainError("INVALID_SOURCE_PROVIDER",
			fmt.Sprintf("source provider must be %q or %q", ProviderGitHub, ProviderGit), shared.ErrValidation)
	}
	return nil
}

// MaskSecret hides all but the last four characters of a credential.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
