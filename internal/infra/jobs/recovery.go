package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// ScanRecoverer re-queues scans that no worker is advancing. app.ScanService implements it.
type ScanRecoverer interface {
	RecoverStuckScans(ctx context.Context, staleAfter time.Duration, limit int) (int, error)
}

// RecoveryJob runs stuck scan recovery on a cron schedule.
type RecoveryJob struct {
	recoverer ScanRecoverer
	cfg       config.TriageConfig
	cron      *cron.Cron
	logger    *logger.Logger
}

// NewRecoveryJob creates the job. The schedule is validated here so that a bad
// expression fails startup.
func NewRecoveryJob(recoverer ScanRecoverer, cfg config.TriageConfig, log *logger.Logger) (*RecoveryJob, error) {
	j := &RecoveryJob{
		recoverer: recoverer,
		cfg:       cfg,
		logger:    log.With("component", "scan-recovery"),
	}
	j.cron = cron.New(cron.WithLogger(cronLogger{j.logger}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{j.logger})))

	if _, err := j.cron.AddFunc(cfg.RecoverySchedule, j.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", cfg.RecoverySchedule, err)
	}
	return j, nil
}

// Start runs recovery once, for scans left over from a previous process, then on schedule.
func (j *RecoveryJob) Start() {
	if !j.cfg.RecoveryEnabled {
		j.logger.Info("scan recovery is disabled")
		return
	}
	j.logger.Info("starting scan recovery",
		"schedule", j.cfg.RecoverySchedule,
		"stuck_duration", j.cfg.RecoveryStuckDuration,
		"batch_size", j.cfg.RecoveryBatchSize,
	)
	go j.RunOnce()
	j.cron.Start()
}

// Stop stops the schedule and waits for a running recovery to finish.
func (j *RecoveryJob) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce re-queues one batch of stuck scans.
func (j *RecoveryJob) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	n, err := j.recoverer.RecoverStuckScans(ctx, j.cfg.RecoveryStuckDuration, j.cfg.RecoveryBatchSize)
	if err != nil {
		j.logger.Error("failed to recover stuck scans", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("recovered stuck scans", "count", n)
	}
}

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct{ l *logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
