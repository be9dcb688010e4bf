package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// Worker processes queued scan runs.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *logger.Logger
}

// NewWorker creates a worker that runs up to concurrency scans at once.
func NewWorker(cfg *config.RedisConfig, concurrency int, executor ScanExecutor, log *logger.Logger) *Worker {
	log = log.With("component", "job_worker")

	server := asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueScans: 1},
		Logger:      asynqLogger{log},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			log.Warn("task failed", "type", task.Type(), "error", err)
		}),
	})

	mux := asynq.NewServeMux()
	NewScanTaskHandler(executor, log).RegisterHandlers(mux)

	return &Worker{server: server, mux: mux, logger: log}
}

// Run runs the worker until ctx is canceled. In-flight scans are interrupted;
// their progress is already persisted and recovery re-queues them.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting job worker")
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}

	<-ctx.Done()
	w.logger.Info("stopping job worker")
	w.server.Shutdown()
	return nil
}

// asynqLogger routes asynq's logs through the application logger.
type asynqLogger struct{ l *logger.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
