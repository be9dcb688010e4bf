package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/internal/infra/memory"
	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
	"github.com/openctemio/sast-triage/pkg/validator"
)

type configFixture struct {
	store    *memory.Store
	configs  *ConfigurationService
	defaults *DefaultsService
	scans    *ScanService
	factory  *stubFactory
}

func newConfigFixture() *configFixture {
	store := memory.NewStore()
	factory := &stubFactory{}
	log := logger.NewNop()
	return &configFixture{
		store:    store,
		configs:  NewConfigurationService(store.Configurations(), store.Defaults(), store.Scans(), factory, log),
		defaults: NewDefaultsService(store.Defaults(), log),
		scans:    NewScanService(store.Scans(), store.Analyses(), store.Configurations(), &syncRunner{}, log),
		factory:  factory,
	}
}

func TestConfigurationService_CRUD(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture()

	created, err := f.configs.CreateConfiguration(ctx, CreateConfigurationInput{
		Name:     "payments",
		Settings: SettingsInput{LLMURL: "http://llm.local/v1/", GitHubOwner: " acme "},
	})
	require.NoError(t, err)
	assert.True(t, created.IsActive())
	assert.Equal(t, "http://llm.local/v1", created.Settings().LLMURL)
	assert.Equal(t, "acme", created.Settings().GitHubOwner)

	_, err = f.configs.CreateConfiguration(ctx, CreateConfigurationInput{Name: "payments"})
	assert.ErrorIs(t, err, configuration.ErrConfigurationExists)

	name := "billing"
	inactive := false
	updated, err := f.configs.UpdateConfiguration(ctx, created.ID().String(), UpdateConfigurationInput{
		Name:     &name,
		IsActive: &inactive,
	})
	require.NoError(t, err)
	assert.Equal(t, "billing", updated.Name())
	assert.False(t, updated.IsActive())
	assert.Equal(t, "acme", updated.Settings().GitHubOwner, "settings untouched by a partial update")

	list, err := f.configs.ListConfigurations(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, f.configs.DeleteConfiguration(ctx, created.ID().String()))
	_, err = f.configs.GetConfiguration(ctx, created.ID().String())
	assert.ErrorIs(t, err, configuration.ErrConfigurationNotFound)
}

func TestConfigurationService_Validation(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture()

	tests := []struct {
		name  string
		input CreateConfigurationInput
		field string
	}{
		{name: "missing name", input: CreateConfigurationInput{}, field: "name"},
		{name: "bad llm url", input: CreateConfigurationInput{Name: "x", Settings: SettingsInput{LLMURL: "ftp://llm"}}, field: "llm_url"},
		{name: "bad provider", input: CreateConfigurationInput{Name: "x", Settings: SettingsInput{SourceProvider: "svn"}}, field: "source_provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.configs.CreateConfiguration(ctx, tt.input)
			var verrs validator.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.ErrorIs(t, err, shared.ErrValidation)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestConfigurationService_DeleteRejectedWhileScanActive(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture()

	cfg, err := f.configs.CreateConfiguration(ctx, CreateConfigurationInput{Name: "app"})
	require.NoError(t, err)
	scan, err := f.scans.StartScan(ctx, cfg.ID().String())
	require.NoError(t, err)

	err = f.configs.DeleteConfiguration(ctx, cfg.ID().String())
	assert.True(t, shared.IsConflict(err))

	_, err = f.scans.StopScan(ctx, scan.ID().String())
	require.NoError(t, err)
	require.NoError(t, f.configs.DeleteConfiguration(ctx, cfg.ID().String()))

	_, err = f.store.Scans().GetByID(ctx, scan.ID())
	assert.ErrorIs(t, err, triage.ErrScanNotFound, "finished scans go with their configuration")
}

func TestConfigurationService_MergedView(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture()

	_, err := f.defaults.SaveDefaults(ctx, SettingsInput{
		LLMURL:          "http://llm.local/v1",
		LLMModel:        "default-model",
		SonarQubeAPIKey: "sq-default-secret",
	})
	require.NoError(t, err)

	cfg, err := f.configs.CreateConfiguration(ctx, CreateConfigurationInput{
		Name:     "app",
		Settings: SettingsInput{LLMModel: "override-model", SonarQubeProjectKey: "acme_app"},
	})
	require.NoError(t, err)

	merged, err := f.configs.GetMergedConfiguration(ctx, cfg.ID().String())
	require.NoError(t, err)

	assert.Equal(t, configuration.Value{Value: "override-model", Source: configuration.SourceConfig}, merged.Values[configuration.FieldLLMModel])
	assert.Equal(t, configuration.SourceDefault, merged.Values[configuration.FieldLLMURL].Source)
	assert.Equal(t, configuration.DefaultSonarQubeURL, merged.Values[configuration.FieldSonarQubeURL].Value)
	assert.Equal(t, "****cret", merged.Values[configuration.FieldSonarQubeAPIKey].Value)
	assert.Equal(t, []string{"GitHub Owner", "GitHub Repo", "GitHub API Key"}, merged.Missing)
}

func TestConfigurationService_TestConfiguration(t *testing.T) {
	ctx := context.Background()

	t.Run("missing fields short-circuit", func(t *testing.T) {
		f := newConfigFixture()
		cfg, err := f.configs.CreateConfiguration(ctx, CreateConfigurationInput{Name: "app"})
		require.NoError(t, err)

		report, err := f.configs.TestConfiguration(ctx, cfg.ID().String())
		require.NoError(t, err)
		assert.False(t, report.AllPassed)
		assert.Nil(t, report.SonarQube)
		require.Len(t, report.Errors, 1)
		assert.Contains(t, report.Errors[0], "Missing required fields")
	})

	t.Run("checks every dependency", func(t *testing.T) {
		f := newConfigFixture()
		s := validSettings()
		cfg, err := f.configs.CreateConfiguration(ctx, CreateConfigurationInput{
			Name: "app",
			Settings: SettingsInput{
				LLMURL:              s.LLMURL,
				LLMModel:            s.LLMModel,
				SonarQubeAPIKey:     s.SonarQubeAPIKey,
				SonarQubeProjectKey: s.SonarQubeProjectKey,
				GitHubOwner:         s.GitHubOwner,
				GitHubRepo:          s.GitHubRepo,
				GitHubAPIKey:        s.GitHubAPIKey,
			},
		})
		require.NoError(t, err)

		report, err := f.configs.TestConfiguration(ctx, cfg.ID().String())
		require.NoError(t, err)
		require.NotNil(t, report.SonarQube)
		assert.False(t, report.SonarQube.Success)
		assert.Equal(t, triage.ErrorTypeAuthentication, report.SonarQube.ErrorType)
		assert.True(t, report.Source.Success)
		assert.True(t, report.LLM.Success)
		assert.False(t, report.AllPassed)
		assert.Equal(t, []string{"SonarQube: Authentication failed"}, report.Errors)
	})
}

func TestDefaultsService(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture()

	empty, err := f.defaults.GetDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, configuration.Settings{}, empty.Settings())

	saved, err := f.defaults.ImportDefaults(ctx, configuration.Settings{
		LLMURL:              "http://llm.local",
		SonarQubeProjectKey: "ignored",
		GitHubRepo:          "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://llm.local", saved.Settings().LLMURL)
	assert.Empty(t, saved.Settings().SonarQubeProjectKey, "project fields are never defaulted")
	assert.Empty(t, saved.Settings().GitHubRepo)

	require.NoError(t, f.defaults.ClearDefaults(ctx))
	cleared, err := f.defaults.GetDefaults(ctx)
	require.NoError(t, err)
	assert.Empty(t, cleared.Settings().LLMURL)
}

func TestDashboardService_Rates(t *testing.T) {
	ctx := context.Background()
	findings := append(findingsIn("A.java", "a1", "a2", "a3"), findingsIn("B.java", "b1")...)
	h := newHarness(t, findings, map[string]string{"A.java": "a", "B.java": "b"})
	h.classifier.verdicts = map[string]triage.Verdict{
		"a1": triage.VerdictFalsePositive,
		"a2": triage.VerdictFalsePositive,
		"a3": triage.VerdictFalsePositive,
		"b1": triage.VerdictTruePositive,
	}
	id := h.start(t)
	require.NoError(t, h.orchestrator.Run(ctx, id))

	stats, err := NewDashboardService(h.store.Scans(), h.store.Analyses(), logger.NewNop()).GetStats(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 75.0, stats.FalsePositiveRate, 1e-9)
	assert.InDelta(t, 25.0, stats.TruePositiveRate, 1e-9)
	assert.Zero(t, stats.NeedsReviewRate)
	require.Len(t, stats.RecentScans, 1)
	assert.Equal(t, id, stats.RecentScans[0].ID())
}
