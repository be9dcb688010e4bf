package main

import (
	"context"
	"fmt"

	"github.com/openctemio/sast-triage/internal/app"
	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/internal/infra/http/handler"
	"github.com/openctemio/sast-triage/internal/infra/memory"
	"github.com/openctemio/sast-triage/internal/infra/postgres"
	"github.com/openctemio/sast-triage/internal/infra/redis"
	"github.com/openctemio/sast-triage/internal/infra/storage"
	"github.com/openctemio/sast-triage/pkg/crypto"
	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
	"github.com/openctemio/sast-triage/pkg/migrations"
)

const sourceCachePrefix = "triage:source"

// repositories is the persistence the services run on: PostgreSQL when a
// database host is configured, process memory otherwise.
type repositories struct {
	scans    triage.ScanRepository
	analyses triage.AnalysisRepository
	configs  configuration.Repository
	defaults configuration.DefaultsRepository

	pinger handler.Pinger
	close  func()
}

func (r *repositories) Close() {
	if r.close != nil {
		r.close()
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*repositories, error) {
	if !cfg.Database.Enabled() {
		log.Warn("DB_HOST not set - using the in-memory store, data is lost on restart")
		mem := memory.NewStore()
		return &repositories{
			scans:    mem.Scans(),
			analyses: mem.Analyses(),
			configs:  mem.Configurations(),
			defaults: mem.Defaults(),
		}, nil
	}

	enc, err := crypto.NewEncryptor(cfg.Encryption.Key, cfg.Encryption.KeyFormat)
	if err != nil {
		return nil, fmt.Errorf("initialize credentials encryptor: %w", err)
	}
	if !cfg.Encryption.IsConfigured() {
		log.Warn("APP_ENCRYPTION_KEY not configured - API keys will be stored in plaintext")
	}

	db, err := postgres.New(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("database connected", "host", cfg.Database.Host, "name", cfg.Database.Name)

	if cfg.Database.AutoMigrate {
		n, err := migrations.NewRunner(db.DB, log).Up(ctx)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		log.Info("migrations applied", "count", n)
	}

	return &repositories{
		scans:    postgres.NewScanRepository(db),
		analyses: postgres.NewAnalysisRepository(db),
		configs:  postgres.NewConfigurationRepository(db, enc),
		defaults: postgres.NewDefaultsRepository(db, enc),
		pinger:   db,
		close: func() {
			if err := db.Close(); err != nil {
				log.Error("failed to close database", "error", err)
			}
		},
	}, nil
}

// redisInfra is the optional Redis connection with the file cache built on it.
type redisInfra struct {
	client      *redis.Client
	sourceCache app.SourceCache
}

func (r *redisInfra) Close() {
	if r.client != nil {
		_ = r.client.Close()
	}
}

func openRedis(ctx context.Context, cfg *config.Config, log *logger.Logger) (*redisInfra, error) {
	if !cfg.Redis.Enabled() {
		log.Info("REDIS_HOST not set - scans run in-process and file contents are not cached")
		return &redisInfra{}, nil
	}

	client, err := redis.New(ctx, &cfg.Redis, log)
	if err != nil {
		return nil, err
	}
	cache, err := redis.NewCache[string](client, sourceCachePrefix, cfg.Triage.SourceCacheTTL)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisInfra{client: client, sourceCache: cache}, nil
}

// newArchiver returns nil when archiving is disabled.
func newArchiver(ctx context.Context, cfg *config.Config, log *logger.Logger) (app.ScanArchiver, error) {
	if !cfg.Storage.Enabled {
		return nil, nil
	}
	a, err := storage.NewS3Archiver(ctx, cfg.Storage, version, log)
	if err != nil {
		return nil, err
	}
	log.Info("scan reports will be archived", "bucket", cfg.Storage.Bucket)
	return a, nil
}
