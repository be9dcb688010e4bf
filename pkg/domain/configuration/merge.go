package configuration

import (
	"fmt"
	"strings"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

// Source tags where a merged value came from.
type Source string

const (
	SourceConfig  Source = "config"
	SourceDefault Source = "default"
	SourceAbsent  Source = "absent"
)

// Built-in fallbacks applied after stored defaults.
const (
	DefaultSonarQubeURL = "https://sonarcloud.io"
	DefaultGitHubBranch = "main"
)

// Layer is one source of settings in a merge.
type Layer struct {
	Source Source
	Values Settings
}

// ConfigLayer wraps a configuration's own values.
func ConfigLayer(c *Configuration) Layer {
	return Layer{Source: SourceConfig, Values: c.Settings()}
}

// DefaultsLayer wraps stored defaults. A nil defaults row contributes nothing.
func DefaultsLayer(d *Defaults) Layer {
	if d == nil {
		return Layer{Source: SourceDefault}
	}
	return Layer{Source: SourceDefault, Values: d.Settings()}
}

// BuiltinLayer holds the fallbacks used when neither the configuration nor the defaults set a value.
func BuiltinLayer() Layer {
	return Layer{Source: SourceDefault, Values: Settings{
		SonarQubeURL:   DefaultSonarQubeURL,
		GitHubBranch:   DefaultGitHubBranch,
		SourceProvider: ProviderGitHub,
	}}
}

// Value is a merged field with its provenance.
type Value struct {
	Value  string `json:"value,omitempty"`
	Source Source `json:"source"`
}

// Merged is the effective settings of a scan. It is read-only.
type Merged struct {
	values   map[Field]Value
	settings Settings
}

// Merge overlays layers field by field: the first layer with a non-empty value wins.
func Merge(layers ...Layer) *Merged {
	m := &Merged{values: make(map[Field]Value, len(AllFields))}
	for _, f := range AllFields {
		v := Value{Source: SourceAbsent}
		for _, l := range layers {
			if s := strings.TrimSpace(l.Values.Get(f)); s != "" {
				v = Value{Value: s, Source: l.Source}
				break
			}
		}
		m.values[f] = v
	}
	m.settings = m.build().Normalize()
	return m
}

// MergeForScan applies the standard layering: configuration, stored defaults, built-ins.
func MergeForScan(c *Configuration, d *Defaults) *Merged {
	return Merge(ConfigLayer(c), DefaultsLayer(d), BuiltinLayer())
}

func (m *Merged) build() Settings {
	get := func(f Field) string { return m.values[f].Value }
	return Settings{
		LLMURL:               get(FieldLLMURL),
		LLMModel:             get(FieldLLMModel),
		LLMAPIKey:            get(FieldLLMAPIKey),
		SonarQubeURL:         get(FieldSonarQubeURL),
		SonarQubeAPIKey:      get(FieldSonarQubeAPIKey),
		SonarQubeProjectKey:  get(FieldSonarQubeProjectKey),
		SonarQubeProjectName: get(FieldSonarQubeProjectName),
		GitHubOwner:          get(FieldGitHubOwner),
		GitHubRepo:           get(FieldGitHubRepo),
		GitHubAPIKey:         get(FieldGitHubAPIKey),
		GitHubBranch:         get(FieldGitHubBranch),
		SourceProvider:       SourceProvider(get(FieldSourceProvider)),
		GitRemoteURL:         get(FieldGitRemoteURL),
	}
}

// Settings returns the effective values.
func (m *Merged) Settings() Settings {
	return m.settings
}

// Get returns the merged value and provenance of f.
func (m *Merged) Get(f Field) Value {
	return m.values[f]
}

// Values returns every field with its provenance, masking credentials when mask is set.
func (m *Merged) Values(mask bool) map[Field]Value {
	out := make(map[Field]Value, len(m.values))
	for f, v := range m.values {
		if mask && f.IsSecret() {
			v.Value = MaskSecret(v.Value)
		}
		out[f] = v
	}
	return out
}

// Missing lists the human-readable names of required fields that have no value.
func (m *Merged) Missing() []string {
	s := m.settings
	var missing []string
	if s.LLMURL == "" {
		missing = append(missing, "LLM URL")
	}
	if s.LLMModel == "" {
		missing = append(missing, "LLM Model")
	}
	if s.SonarQubeAPIKey == "" {
		missing = append(missing, "SonarQube API Key")
	}
	if s.SonarQubeProjectKey == "" && s.SonarQubeProjectName == "" {
		missing = append(missing, "SonarQube Project Key or Project Name")
	}

	// The repository identifier is required for both providers.
	if s.SourceProvider == ProviderGit {
		if s.GitHubRepo == "" {
			missing = append(missing, "GitHub Repo")
		}
		if s.GitRemoteURL == "" {
			missing = append(missing, "Git Remote URL")
		}
		return missing
	}

	if s.GitHubOwner == "" {
		missing = append(missing, "GitHub Owner")
	}
	if s.GitHubRepo == "" {
		missing = append(missing, "GitHub Repo")
	}
	if s.GitHubAPIKey == "" {
		missing = append(missing, "GitHub API Key")
	}
	return missing
}

// Validate fails when any required field is missing.
func (m *Merged) Validate() error {
	missing := m.Missing()
	if len(missing) == 0 {
		return nil
	}
	return shared.NewDomainError("MISSING_REQUIRED_FIELDS",
		fmt.Sprintf("Missing required fields (not set in config or defaults): %s", strings.Join(missing, ", ")),
		shared.ErrValidation)
}
