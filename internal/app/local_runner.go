package app

import (
	"context"
	"sync"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// ScanExecutor runs one scan to a halt. ScanOrchestrator implements it.
type ScanExecutor interface {
	Run(ctx context.Context, scanID shared.ID) error
}

// LocalRunner runs scans on goroutines of this process. It is used when no task
// queue is configured. A scan enqueued while its previous run is still halting
// runs again once that run returns.
type LocalRunner struct {
	executor ScanExecutor
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[shared.ID]bool
	rerun  map[shared.ID]bool
	closed bool
}

// NewLocalRunner creates a runner. Call Shutdown to stop in-flight scans.
func NewLocalRunner(executor ScanExecutor, log *logger.Logger) *LocalRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalRunner{
		executor: executor,
		logger:   log.With("component", "local-runner"),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[shared.ID]bool),
		rerun:    make(map[shared.ID]bool),
	}
}

// Enqueue implements ScanRunner.
func (r *LocalRunner) Enqueue(_ context.Context, scan *triage.Scan) error {
	id := scan.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return context.Canceled
	}
	if r.active[id] {
		r.rerun[id] = true
		return nil
	}
	r.active[id] = true

	r.wg.Add(1)
	go r.loop(id)
	return nil
}

func (r *LocalRunner) loop(id shared.ID) {
	defer r.wg.Done()

	for {
		if err := r.executor.Run(r.ctx, id); err != nil {
			r.logger.Error("scan run failed", "scan_id", id.String(), "error", err)
		}

		r.mu.Lock()
		if !r.rerun[id] || r.closed {
			delete(r.active, id)
			delete(r.rerun, id)
			r.mu.Unlock()
			return
		}
		delete(r.rerun, id)
		r.mu.Unlock()
	}
}

// Shutdown cancels in-flight runs and waits for them, or for ctx to expire.
// Interrupted scans stay running and are picked up by recovery on the next start.
func (r *LocalRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
