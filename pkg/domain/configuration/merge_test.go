package configuration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

func TestMerge_ProvenancePerField(t *testing.T) {
	cfg, err := NewConfiguration("payments", Settings{
		LLMModel:            "qwen2.5-coder",
		SonarQubeProjectKey: "acme_payments",
		GitHubRepo:          "payments",
		GitHubBranch:        "develop",
	})
	require.NoError(t, err)
	defaults, err := NewDefaults(Settings{
		LLMURL:          "http://localhost:1234/v1/",
		LLMModel:        "ignored-because-config-wins",
		SonarQubeAPIKey: "squ_default",
		GitHubOwner:     "acme",
		GitHubAPIKey:    "ghp_default",
		GitHubRepo:      "not-defaultable",
	})
	require.NoError(t, err)

	m := MergeForScan(cfg, defaults)

	tests := []struct {
		field  Field
		value  string
		source Source
	}{
		{FieldLLMURL, "http://localhost:1234/v1", SourceDefault},
		{FieldLLMModel, "qwen2.5-coder", SourceConfig},
		{FieldLLMAPIKey, "", SourceAbsent},
		{FieldSonarQubeURL, DefaultSonarQubeURL, SourceDefault},
		{FieldSonarQubeAPIKey, "squ_default", SourceDefault},
		{FieldSonarQubeProjectKey, "acme_payments", SourceConfig},
		{FieldGitHubOwner, "acme", SourceDefault},
		{FieldGitHubRepo, "payments", SourceConfig},
		{FieldGitHubBranch, "develop", SourceConfig},
	}
	for _, tt := range tests {
		t.Run(string(tt.field), func(t *testing.T) {
			got := m.Get(tt.field)
			assert.Equal(t, tt.source, got.Source)
			if tt.field != FieldLLMURL {
				assert.Equal(t, tt.value, got.Value)
			}
		})
	}
	assert.Equal(t, "http://localhost:1234/v1", m.Settings().LLMURL)
	assert.Empty(t, m.Missing())
	assert.NoError(t, m.Validate())
}

func TestMerge_NilDefaultsUsesBuiltins(t *testing.T) {
	cfg, err := NewConfiguration("bare", Settings{SonarQubeProjectName: "Payments"})
	require.NoError(t, err)

	m := MergeForScan(cfg, nil)

	assert.Equal(t, DefaultGitHubBranch, m.Settings().GitHubBranch)
	assert.Equal(t, ProviderGitHub, m.Settings().SourceProvider)
	assert.Equal(t, []string{"LLM URL", "LLM Model", "SonarQube API Key", "GitHub Owner", "GitHub Repo", "GitHub API Key"}, m.Missing())

	err = m.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Contains(t, err.Error(), "Missing required fields (not set in config or defaults): LLM URL, LLM Model")
}

func TestMerge_GitProviderRequiresRemote(t *testing.T) {
	m := Merge(Layer{Source: SourceConfig, Values: Settings{
		LLMURL:              "http://llm",
		LLMModel:            "m",
		SonarQubeAPIKey:     "k",
		SonarQubeProjectKey: "p",
		SourceProvider:      ProviderGit,
		GitHubRepo:          "app",
	}}, BuiltinLayer())

	assert.Equal(t, []string{"Git Remote URL"}, m.Missing())
}

func TestMerge_GitProviderRequiresRepo(t *testing.T) {
	m := Merge(Layer{Source: SourceConfig, Values: Settings{
		LLMURL:              "http://llm",
		LLMModel:            "m",
		SonarQubeAPIKey:     "k",
		SonarQubeProjectKey: "p",
		SourceProvider:      ProviderGit,
		GitRemoteURL:        "https://git.example.com/acme/app.git",
	}}, BuiltinLayer())

	assert.Equal(t, []string{"GitHub Repo"}, m.Missing())
	assert.Error(t, m.Validate())
}

func TestMerged_ValuesMasksSecrets(t *testing.T) {
	m := Merge(Layer{Source: SourceConfig, Values: Settings{GitHubAPIKey: "ghp_abcdef123456"}})

	assert.Equal(t, "****3456", m.Values(true)[FieldGitHubAPIKey].Value)
	assert.Equal(t, "ghp_abcdef123456", m.Values(false)[FieldGitHubAPIKey].Value)
}

func TestNewConfiguration_Validation(t *testing.T) {
	_, err := NewConfiguration("  ", Settings{})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = NewConfiguration("x", Settings{SourceProvider: "svn"})
	assert.ErrorIs(t, err, shared.ErrValidation)
}
