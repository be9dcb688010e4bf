package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	CORS       CORSConfig
	RateLimit  RateLimitConfig
	Auth       AuthConfig
	Encryption EncryptionConfig
	Triage     TriageConfig
	LLM        LLMConfig
	Storage    StorageConfig
	Notify     NotifyConfig
	Tracing    TracingConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name  string
	Env   string
	Debug bool
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration // Per-request handler timeout
	ShutdownTimeout time.Duration
	MaxBodySize     int64
	MaxConnections  int // concurrent connections accepted; 0 means unlimited
}

// DatabaseConfig holds database configuration.
// An empty Host selects the in-memory store.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig holds Redis configuration.
// An empty Host disables the task queue and the source cache.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	TLSEnabled    bool
	TLSSkipVerify bool
	MaxRetries    int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string

	// HTTP logging configuration
	SkipHealthLogs     bool // Skip logging health check endpoints (default: true)
	SlowRequestSeconds int  // Log requests slower than this as warnings (default: 5)
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled         bool
	RequestsPerSec  float64
	Burst           int
	CleanupInterval time.Duration
}

// AuthConfig holds API authentication configuration.
// With an empty JWTSecret the API is unauthenticated.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

// Enabled reports whether bearer tokens are required.
func (c *AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

// EncryptionConfig holds the key for API keys stored at rest.
type EncryptionConfig struct {
	// Key is the encryption key for AES-256-GCM encryption of stored credentials.
	// Can be provided as hex (64 characters), base64 (44 characters), or any
	// passphrase, which is stretched with HKDF.
	Key string

	// KeyFormat specifies the format of the encryption key.
	// Values: "hex", "base64", "passphrase". Default: auto-detected.
	KeyFormat string
}

// IsConfigured returns true if encryption is configured.
func (c *EncryptionConfig) IsConfigured() bool {
	return c.Key != ""
}

// TriageConfig holds scan execution settings.
type TriageConfig struct {
	// Delay between consecutive findings of a scan, to pace the model endpoint.
	FindingDelay time.Duration

	// Concurrency is the number of scans a worker runs at once.
	Concurrency int

	// Stuck scan recovery
	RecoveryEnabled       bool
	RecoverySchedule      string        // cron expression
	RecoveryStuckDuration time.Duration // running scans without progress for this long are re-queued
	RecoveryBatchSize     int

	// SourceCacheTTL bounds how long fetched files are kept in Redis.
	SourceCacheTTL time.Duration
}

// LLMConfig holds model endpoint client settings shared by every configuration.
// Endpoint, model and key come from configurations and defaults.
type LLMConfig struct {
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerMinute int
}

// StorageConfig holds the optional S3 archive for completed scan reports.
type StorageConfig struct {
	Enabled         bool
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// RoleARN, when set, is assumed through STS on top of the base credentials.
	RoleARN    string
	ExternalID string
}

// NotifyConfig holds the optional scan outcome notification channel.
type NotifyConfig struct {
	Provider   string // slack or webhook; empty disables notifications
	WebhookURL string
	On         []string // scan statuses that trigger a notification
	BaseURL    string   // public URL of the API, used for links
}

// Enabled reports whether notifications are configured.
func (c *NotifyConfig) Enabled() bool {
	return c.Provider != ""
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string // OTLP/HTTP host:port
	Insecure    bool
	SampleRatio float64
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:  getEnv("APP_NAME", "sast-triage"),
			Env:   getEnv("APP_ENV", "development"),
			Debug: getEnvBool("APP_DEBUG", false),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second), // connection tests can be slow
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodySize:     getEnvInt64("SERVER_MAX_BODY_SIZE", 1<<20),
			MaxConnections:  getEnvInt("SERVER_MAX_CONNECTIONS", 0),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", ""),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "triage"),
			Password:        getEnv("DB_PASSWORD", ""),
			Name:            getEnv("DB_NAME", "triage"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", ""),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PoolSize:      getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:  getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:   getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:   getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:  getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			TLSEnabled:    getEnvBool("REDIS_TLS_ENABLED", false),
			TLSSkipVerify: getEnvBool("REDIS_TLS_SKIP_VERIFY", false),
			MaxRetries:    getEnvInt("REDIS_MAX_RETRIES", 3),
			MinRetryDelay: getEnvDuration("REDIS_MIN_RETRY_DELAY", 100*time.Millisecond),
			MaxRetryDelay: getEnvDuration("REDIS_MAX_RETRY_DELAY", 3*time.Second),
		},
		Log: LogConfig{
			Level:              getEnv("LOG_LEVEL", "info"),
			Format:             getEnv("LOG_FORMAT", "json"),
			SkipHealthLogs:     getEnvBool("LOG_SKIP_HEALTH", true),
			SlowRequestSeconds: getEnvInt("LOG_SLOW_REQUEST_SECONDS", 5),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvSlice("CORS_ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"}),
			MaxAge:         getEnvInt("CORS_MAX_AGE", 86400),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerSec:  getEnvFloat("RATE_LIMIT_RPS", 50),
			Burst:           getEnvInt("RATE_LIMIT_BURST", 100),
			CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP", 1*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			JWTIssuer: getEnv("AUTH_JWT_ISSUER", "sast-triage"),
		},
		Encryption: EncryptionConfig{
			Key:       getEnv("APP_ENCRYPTION_KEY", ""),
			KeyFormat: getEnv("APP_ENCRYPTION_KEY_FORMAT", ""),
		},
		Triage: TriageConfig{
			FindingDelay:          getEnvDuration("TRIAGE_FINDING_DELAY", 300*time.Millisecond),
			Concurrency:           getEnvInt("TRIAGE_CONCURRENCY", 4),
			RecoveryEnabled:       getEnvBool("TRIAGE_RECOVERY_ENABLED", true),
			RecoverySchedule:      getEnv("TRIAGE_RECOVERY_SCHEDULE", "@every 5m"),
			RecoveryStuckDuration: getEnvDuration("TRIAGE_RECOVERY_STUCK_DURATION", 15*time.Minute),
			RecoveryBatchSize:     getEnvInt("TRIAGE_RECOVERY_BATCH_SIZE", 50),
			SourceCacheTTL:        getEnvDuration("TRIAGE_SOURCE_CACHE_TTL", 10*time.Minute),
		},
		LLM: LLMConfig{
			Timeout:           getEnvDuration("LLM_TIMEOUT", 120*time.Second),
			MaxRetries:        getEnvInt("LLM_MAX_RETRIES", 2),
			RequestsPerMinute: getEnvInt("LLM_REQUESTS_PER_MINUTE", 0),
		},
		Storage: StorageConfig{
			Enabled:         getEnvBool("STORAGE_S3_ENABLED", false),
			Bucket:          getEnv("STORAGE_S3_BUCKET", ""),
			Prefix:          getEnv("STORAGE_S3_PREFIX", "scans/"),
			Region:          getEnv("STORAGE_S3_REGION", "us-east-1"),
			Endpoint:        getEnv("STORAGE_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("STORAGE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("STORAGE_S3_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    getEnvBool("STORAGE_S3_USE_PATH_STYLE", false),
			RoleARN:         getEnv("STORAGE_S3_ROLE_ARN", ""),
			ExternalID:      getEnv("STORAGE_S3_EXTERNAL_ID", ""),
		},
		Notify: NotifyConfig{
			Provider:   strings.ToLower(getEnv("NOTIFY_PROVIDER", "")),
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
			On:         getEnvSlice("NOTIFY_ON", []string{"completed", "failed"}),
			BaseURL:    getEnv("NOTIFY_BASE_URL", ""),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateBasic(); err != nil {
		return err
	}
	if c.App.Env == EnvProduction {
		return c.validateProduction()
	}
	return nil
}

// validateBasic validates basic configuration regardless of environment.
func (c *Config) validateBasic() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	if err := c.validateEncryption(); err != nil {
		return err
	}
	if err := c.validateTriage(); err != nil {
		return err
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return fmt.Errorf("STORAGE_S3_BUCKET is required when STORAGE_S3_ENABLED is set")
	}
	if c.Storage.ExternalID != "" && c.Storage.RoleARN == "" {
		return fmt.Errorf("STORAGE_S3_EXTERNAL_ID requires STORAGE_S3_ROLE_ARN")
	}
	if err := c.validateNotify(); err != nil {
		return err
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be between 0.0 and 1.0, got %f", c.Tracing.SampleRatio)
	}
	return nil
}

func (c *Config) validateNotify() error {
	switch c.Notify.Provider {
	case "":
		return nil
	case "slack", "webhook":
	default:
		return fmt.Errorf("invalid NOTIFY_PROVIDER: %s (must be slack or webhook)", c.Notify.Provider)
	}
	if c.Notify.WebhookURL == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_URL is required when NOTIFY_PROVIDER is set")
	}
	for _, status := range c.Notify.On {
		switch status {
		case "completed", "failed", "stopped", "paused":
		default:
			return fmt.Errorf("invalid NOTIFY_ON status: %s", status)
		}
	}
	return nil
}

// validateLog validates logging configuration.
func (c *Config) validateLog() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %s (must be json or text)", c.Log.Format)
	}

	if c.Log.SlowRequestSeconds < 0 {
		return fmt.Errorf("LOG_SLOW_REQUEST_SECONDS must be non-negative, got %d", c.Log.SlowRequestSeconds)
	}
	return nil
}

// validateEncryption validates encryption configuration.
func (c *Config) validateEncryption() error {
	switch c.Encryption.KeyFormat {
	case "", "hex", "base64", "passphrase":
	default:
		return fmt.Errorf("invalid APP_ENCRYPTION_KEY_FORMAT: %s (must be hex, base64, or passphrase)", c.Encryption.KeyFormat)
	}
	if c.Encryption.Key != "" && len(c.Encryption.Key) < 16 {
		return fmt.Errorf("APP_ENCRYPTION_KEY must be at least 16 characters")
	}
	return nil
}

// validateTriage validates scan execution settings.
func (c *Config) validateTriage() error {
	if c.Triage.FindingDelay < 0 {
		return fmt.Errorf("TRIAGE_FINDING_DELAY must be non-negative, got %v", c.Triage.FindingDelay)
	}
	if c.Triage.Concurrency < 1 {
		return fmt.Errorf("TRIAGE_CONCURRENCY must be at least 1, got %d", c.Triage.Concurrency)
	}
	if c.Triage.RecoveryBatchSize < 1 {
		return fmt.Errorf("TRIAGE_RECOVERY_BATCH_SIZE must be at least 1, got %d", c.Triage.RecoveryBatchSize)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive, got %v", c.LLM.Timeout)
	}
	if c.LLM.MaxRetries < 0 || c.LLM.MaxRetries > 10 {
		return fmt.Errorf("LLM_MAX_RETRIES must be between 0 and 10, got %d", c.LLM.MaxRetries)
	}
	return nil
}

// validateProduction validates configuration for production.
func (c *Config) validateProduction() error {
	if c.App.Debug {
		return fmt.Errorf("debug mode must be disabled in production")
	}
	if !c.Encryption.IsConfigured() {
		return fmt.Errorf("APP_ENCRYPTION_KEY is required in production")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required in production")
	}
	if c.Database.SSLMode == "disable" {
		return fmt.Errorf("database SSL must be enabled in production")
	}
	if c.Auth.Enabled() && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters in production")
	}
	if strings.EqualFold(c.Log.Level, "debug") {
		return fmt.Errorf("log level should not be 'debug' in production")
	}
	if c.Redis.Host != "" && c.Redis.Password == "" {
		return fmt.Errorf("redis password must be set in production")
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Enabled reports whether Postgres is configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether Redis is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// Addr returns the HTTP server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if the application is in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		if result := splitAndTrim(value, ","); len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
