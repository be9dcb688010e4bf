package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
	"github.com/openctemio/sast-triage/pkg/validator"
)

func TestScanService_StartScan(t *testing.T) {
	t.Run("queues a pending scan", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		scan, err := h.service.StartScan(context.Background(), h.config.ID().String())
		require.NoError(t, err)
		assert.Equal(t, triage.StatusPending, scan.Status())
		assert.Equal(t, []shared.ID{scan.ID()}, h.runner.queued)
		assert.Equal(t, h.config.ID(), scan.ConfigurationID())
	})

	t.Run("unknown configuration", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		_, err := h.service.StartScan(context.Background(), shared.NewID().String())
		assert.True(t, shared.IsNotFound(err))
	})

	t.Run("malformed id", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		_, err := h.service.StartScan(context.Background(), "not-a-uuid")
		assert.ErrorIs(t, err, shared.ErrValidation)
	})

	t.Run("inactive configuration", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.config.SetActive(false)
		require.NoError(t, h.store.Configurations().Update(context.Background(), h.config))

		_, err := h.service.StartScan(context.Background(), h.config.ID().String())
		assert.ErrorIs(t, err, shared.ErrValidation)
		assert.Empty(t, h.runner.queued)
	})

	t.Run("queue failure fails the scan", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.runner.err = errors.New("redis: connection refused")

		_, err := h.service.StartScan(context.Background(), h.config.ID().String())
		require.Error(t, err)

		scans, err := h.service.ListScans(context.Background(), ListScansInput{})
		require.NoError(t, err)
		require.Len(t, scans, 1)
		assert.Equal(t, triage.StatusFailed, scans[0].Status())
	})
}

func TestScanService_Control(t *testing.T) {
	ctx := context.Background()

	t.Run("pause requires a running scan", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		id := h.start(t)

		_, err := h.service.PauseScan(ctx, id.String())
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.True(t, shared.IsConflict(err))
	})

	t.Run("pause does not override a pending stop", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		id := h.start(t)
		h.forceRunning(t, id)

		_, err := h.service.StopScan(ctx, id.String())
		require.NoError(t, err)
		_, err = h.service.PauseScan(ctx, id.String())
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Equal(t, triage.ControlStop, h.scan(t, id).Control())
	})

	t.Run("resume requires a paused scan", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		id := h.start(t)
		h.forceRunning(t, id)

		_, err := h.service.ResumeScan(ctx, id.String())
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	})

	t.Run("stop on a terminal scan is rejected", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		id := h.start(t)
		require.NoError(t, h.orchestrator.Run(ctx, id))
		require.Equal(t, triage.StatusCompleted, h.scan(t, id).Status())

		_, err := h.service.StopScan(ctx, id.String())
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	})

	t.Run("unknown scan", func(t *testing.T) {
		h := newHarness(t, nil, nil)

		_, err := h.service.PauseScan(ctx, "garbage")
		assert.ErrorIs(t, err, triage.ErrScanNotFound)
	})
}

func TestScanService_ConcurrentControlRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	id := h.start(t)
	h.forceRunning(t, id)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = h.service.PauseScan(ctx, id.String())
				return
			}
			_, _ = h.service.StopScan(ctx, id.String())
		}(i)
	}
	wg.Wait()

	scan := h.scan(t, id)
	assert.Equal(t, triage.StatusRunning, scan.Status())
	assert.Equal(t, triage.ControlStop, scan.Control(), "a stop always survives concurrent pauses")
}

func TestScanService_GetScanAndStatus(t *testing.T) {
	ctx := context.Background()
	findings := findingsIn("A.java", "a1", "a2")
	h := newHarness(t, findings, map[string]string{"A.java": "class A {}"})
	id := h.start(t)
	require.NoError(t, h.orchestrator.Run(ctx, id))

	detail, err := h.service.GetScan(ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, id, detail.Scan.ID())
	require.Len(t, detail.Analyses, 2)
	assert.Equal(t, "a1", detail.Analyses[0].Finding().Key)

	status, err := h.service.GetStatus(ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, triage.StatusCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)
	assert.Equal(t, 2, status.Counts.Total)
	assert.Nil(t, status.ErrorMessage)
}

func TestScanService_ListScans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	first := h.start(t)
	second := h.start(t)
	require.NoError(t, h.orchestrator.Run(ctx, first))

	all, err := h.service.ListScans(ctx, ListScansInput{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second, all[0].ID(), "newest first")

	pending, err := h.service.ListScans(ctx, ListScansInput{Status: string(triage.StatusPending)})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second, pending[0].ID())

	_, err = h.service.ListScans(ctx, ListScansInput{Status: "exploded"})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "status", verrs[0].Field)
}

func TestScanService_DeleteScan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	running := h.start(t)
	h.forceRunning(t, running)
	assert.ErrorIs(t, h.service.DeleteScan(ctx, running.String()), triage.ErrScanActive)

	pending := h.start(t)
	require.NoError(t, h.service.DeleteScan(ctx, pending.String()))
	_, err := h.store.Scans().GetByID(ctx, pending)
	assert.ErrorIs(t, err, triage.ErrScanNotFound)
}

func TestScanService_RecoverStuckScans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	pending := h.start(t)
	running := h.start(t)
	h.forceRunning(t, running)
	h.runner.queued = nil

	n, err := h.service.RecoverStuckScans(ctx, -time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []shared.ID{pending, running}, h.runner.queued)

	h.runner.queued = nil
	n, err = h.service.RecoverStuckScans(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "fresh running scans are left alone")
	assert.Equal(t, []shared.ID{pending}, h.runner.queued)
}

// forceRunning starts a pending scan without running the orchestrator.
func (h *harness) forceRunning(t *testing.T, id shared.ID) {
	t.Helper()
	scan := h.scan(t, id)
	require.NoError(t, scan.Start())
	require.NoError(t, h.store.Scans().Update(context.Background(), scan))
}

// =============================================================================
// LocalRunner
// =============================================================================

type blockingExecutor struct {
	mu      sync.Mutex
	runs    map[shared.ID]int
	release chan struct{}
	started chan shared.ID
}

func (e *blockingExecutor) Run(ctx context.Context, id shared.ID) error {
	e.mu.Lock()
	e.runs[id]++
	e.mu.Unlock()

	e.started <- id
	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *blockingExecutor) count(id shared.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

func TestLocalRunner_RerunsWhenEnqueuedWhileActive(t *testing.T) {
	exec := &blockingExecutor{
		runs:    map[shared.ID]int{},
		release: make(chan struct{}),
		started: make(chan shared.ID, 4),
	}
	r := NewLocalRunner(exec, logger.NewNop())
	scan := triage.NewScan(shared.NewID())

	require.NoError(t, r.Enqueue(context.Background(), scan))
	<-exec.started

	// Both land while the first run is in flight and collapse into one rerun.
	require.NoError(t, r.Enqueue(context.Background(), scan))
	require.NoError(t, r.Enqueue(context.Background(), scan))

	exec.release <- struct{}{}
	<-exec.started
	exec.release <- struct{}{}

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 2, exec.count(scan.ID()))
}

func TestLocalRunner_ShutdownCancelsInFlightRuns(t *testing.T) {
	exec := &blockingExecutor{
		runs:    map[shared.ID]int{},
		release: make(chan struct{}),
		started: make(chan shared.ID, 4),
	}
	r := NewLocalRunner(exec, logger.NewNop())

	require.NoError(t, r.Enqueue(context.Background(), triage.NewScan(shared.NewID())))
	<-exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	err := r.Enqueue(context.Background(), triage.NewScan(shared.NewID()))
	assert.ErrorIs(t, err, context.Canceled)
}
