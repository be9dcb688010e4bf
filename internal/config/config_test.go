package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_HOST", "")
	t.Setenv("REDIS_HOST", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.Database.Enabled(), "no DB_HOST selects the in-memory store")
	assert.False(t, cfg.Redis.Enabled(), "no REDIS_HOST selects the in-process runner")
	assert.Equal(t, 300*time.Millisecond, cfg.Triage.FindingDelay)
	assert.Equal(t, "@every 5m", cfg.Triage.RecoverySchedule)
	assert.False(t, cfg.Auth.Enabled())
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.False(t, cfg.Notify.Enabled())
	assert.Equal(t, []string{"completed", "failed"}, cfg.Notify.On)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("TRIAGE_FINDING_DELAY", "1s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Database.Enabled())
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal port=6543")
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr())
	assert.Equal(t, time.Second, cfg.Triage.FindingDelay)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			App:     AppConfig{Env: "development"},
			Server:  ServerConfig{Port: 8080},
			Log:     LogConfig{Level: "info", Format: "json"},
			Triage:  TriageConfig{Concurrency: 1, RecoveryBatchSize: 10},
			LLM:     LLMConfig{Timeout: time.Second},
			Tracing: TracingConfig{SampleRatio: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "invalid server port"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "trace" }, wantErr: "LOG_LEVEL"},
		{name: "negative delay", mutate: func(c *Config) { c.Triage.FindingDelay = -time.Second }, wantErr: "TRIAGE_FINDING_DELAY"},
		{name: "bucket required", mutate: func(c *Config) { c.Storage.Enabled = true }, wantErr: "STORAGE_S3_BUCKET"},
		{name: "external id without role", mutate: func(c *Config) { c.Storage.ExternalID = "ext-1" }, wantErr: "STORAGE_S3_ROLE_ARN"},
		{name: "unknown notify provider", mutate: func(c *Config) { c.Notify.Provider = "pager" }, wantErr: "NOTIFY_PROVIDER"},
		{name: "notify url required", mutate: func(c *Config) { c.Notify.Provider = "slack" }, wantErr: "NOTIFY_WEBHOOK_URL"},
		{
			name: "bad notify status",
			mutate: func(c *Config) {
				c.Notify = NotifyConfig{Provider: "webhook", WebhookURL: "https://hooks.example.com", On: []string{"running"}}
			},
			wantErr: "NOTIFY_ON",
		},
		{name: "short encryption key", mutate: func(c *Config) { c.Encryption.Key = "short" }, wantErr: "APP_ENCRYPTION_KEY"},
		{
			name: "production needs encryption",
			mutate: func(c *Config) {
				c.App.Env = EnvProduction
				c.Database.Host = "db"
				c.Database.SSLMode = "require"
			},
			wantErr: "APP_ENCRYPTION_KEY is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
