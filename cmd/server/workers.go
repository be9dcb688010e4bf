package main

import (
	"context"

	"github.com/openctemio/sast-triage/internal/app"
	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/internal/infra/jobs"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// workers runs scans: through the Redis task queue when Redis is configured,
// on goroutines of this process otherwise.
type workers struct {
	cfg    *config.Config
	log    *logger.Logger
	runner app.ScanRunner

	client   *jobs.Client
	worker   *jobs.Worker
	local    *app.LocalRunner
	recovery *jobs.RecoveryJob

	cancel context.CancelFunc
	done   chan struct{}
}

func newWorkers(cfg *config.Config, infra *redisInfra, executor *app.ScanOrchestrator, log *logger.Logger) *workers {
	w := &workers{cfg: cfg, log: log}
	if infra.client != nil {
		w.client = jobs.NewClient(&cfg.Redis, log)
		w.worker = jobs.NewWorker(&cfg.Redis, cfg.Triage.Concurrency, executor, log)
		w.runner = w.client
		log.Info("scans run through the task queue", "concurrency", cfg.Triage.Concurrency)
		return w
	}
	w.local = app.NewLocalRunner(executor, log)
	w.runner = w.local
	return w
}

// Start starts the queue worker and the stuck scan recovery.
func (w *workers) Start(ctx context.Context, scans *app.ScanService) error {
	if w.worker != nil {
		runCtx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		w.done = make(chan struct{})
		go func() {
			defer close(w.done)
			if err := w.worker.Run(runCtx); err != nil {
				w.log.Error("job worker error", "error", err)
			}
		}()
	}

	if w.local != nil {
		// No other process can be running these: pick every unfinished scan up again.
		if n, err := scans.RecoverStuckScans(ctx, 0, w.cfg.Triage.RecoveryBatchSize); err != nil {
			w.log.Warn("startup recovery failed", "error", err)
		} else if n > 0 {
			w.log.Info("re-queued unfinished scans", "count", n)
		}
	}

	recovery, err := jobs.NewRecoveryJob(scans, w.cfg.Triage, w.log)
	if err != nil {
		return err
	}
	w.recovery = recovery
	w.recovery.Start()
	return nil
}

// Stop stops recovery, then interrupts in-flight scans. Their progress is
// persisted after every finding, so the next start resumes them.
func (w *workers) Stop(ctx context.Context) {
	if w.recovery != nil {
		w.recovery.Stop()
	}
	if w.cancel != nil {
		w.cancel()
		select {
		case <-w.done:
		case <-ctx.Done():
			w.log.Warn("job worker did not stop in time")
		}
	}
	if w.client != nil {
		if err := w.client.Close(); err != nil {
			w.log.Error("failed to close job client", "error", err)
		}
	}
	if w.local != nil {
		if err := w.local.Shutdown(ctx); err != nil {
			w.log.Warn("in-process scans did not stop in time", "error", err)
		}
	}
}
