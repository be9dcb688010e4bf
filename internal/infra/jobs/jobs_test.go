package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

type fakeExecutor struct {
	ran []shared.ID
	err error
}

func (f *fakeExecutor) Run(_ context.Context, id shared.ID) error {
	f.ran = append(f.ran, id)
	return f.err
}

func TestNewScanRunTask(t *testing.T) {
	id := shared.NewID()
	task, err := NewScanRunTask(ScanRunPayload{ScanID: id.String(), Version: 3})
	require.NoError(t, err)

	assert.Equal(t, TypeScanRun, task.Type())
	var payload ScanRunPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, id.String(), payload.ScanID)
	assert.Equal(t, 3, payload.Version)
	assert.Equal(t, "scan:"+id.String()+":3", scanTaskID(payload))
}

func TestHandleScanRun(t *testing.T) {
	id := shared.NewID()
	exec := &fakeExecutor{}
	h := NewScanTaskHandler(exec, logger.NewNop())

	task, err := NewScanRunTask(ScanRunPayload{ScanID: id.String(), Version: 1})
	require.NoError(t, err)

	require.NoError(t, h.HandleScanRun(context.Background(), task))
	assert.Equal(t, []shared.ID{id}, exec.ran)
}

func TestHandleScanRun_Errors(t *testing.T) {
	h := NewScanTaskHandler(&fakeExecutor{}, logger.NewNop())

	err := h.HandleScanRun(context.Background(), asynq.NewTask(TypeScanRun, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h.HandleScanRun(context.Background(), asynq.NewTask(TypeScanRun, []byte(`{"scan_id":"nope"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	boom := errors.New("database unavailable")
	h = NewScanTaskHandler(&fakeExecutor{err: boom}, logger.NewNop())
	task, err := NewScanRunTask(ScanRunPayload{ScanID: shared.NewID().String(), Version: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, h.HandleScanRun(context.Background(), task), boom)
}

type fakeRecoverer struct {
	staleAfter time.Duration
	limit      int
	calls      int
}

func (f *fakeRecoverer) RecoverStuckScans(_ context.Context, staleAfter time.Duration, limit int) (int, error) {
	f.calls++
	f.staleAfter = staleAfter
	f.limit = limit
	return 2, nil
}

func TestRecoveryJob(t *testing.T) {
	rec := &fakeRecoverer{}
	cfg := config.TriageConfig{
		RecoveryEnabled:       true,
		RecoverySchedule:      "@every 5m",
		RecoveryStuckDuration: 15 * time.Minute,
		RecoveryBatchSize:     25,
	}

	job, err := NewRecoveryJob(rec, cfg, logger.NewNop())
	require.NoError(t, err)

	job.RunOnce()
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, 15*time.Minute, rec.staleAfter)
	assert.Equal(t, 25, rec.limit)
}

func TestRecoveryJob_InvalidSchedule(t *testing.T) {
	_, err := NewRecoveryJob(&fakeRecoverer{}, config.TriageConfig{RecoverySchedule: "every now and then"}, logger.NewNop())
	assert.Error(t, err)
}

type fakeQueue struct {
	// existing maps task ids already in the queue to their state.
	existing map[string]asynq.TaskState
	enqueued []string
	deleted  []string
}

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	var payload ScanRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return nil, err
	}
	id := scanTaskID(payload)
	if _, ok := q.existing[id]; ok {
		return nil, asynq.ErrTaskIDConflict
	}
	q.existing[id] = asynq.TaskStatePending
	q.enqueued = append(q.enqueued, id)
	return &asynq.TaskInfo{ID: id, Queue: QueueScans, State: asynq.TaskStatePending}, nil
}

func (q *fakeQueue) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	state, ok := q.existing[id]
	if !ok {
		return nil, asynq.ErrTaskNotFound
	}
	return &asynq.TaskInfo{ID: id, Queue: queue, State: state}, nil
}

func (q *fakeQueue) DeleteTask(_, id string) error {
	delete(q.existing, id)
	q.deleted = append(q.deleted, id)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func TestClient_Enqueue_ReplacesExhaustedRun(t *testing.T) {
	scan := triage.ReconstituteScan(triage.ScanData{ID: shared.NewID(), Status: triage.StatusRunning, Version: 7})
	id := scanTaskID(ScanRunPayload{ScanID: scan.ID().String(), Version: 7})

	tests := []struct {
		name        string
		state       asynq.TaskState
		wantDeleted bool
	}{
		{"archived after retries", asynq.TaskStateArchived, true},
		{"completed and retained", asynq.TaskStateCompleted, true},
		{"still pending", asynq.TaskStatePending, false},
		{"running", asynq.TaskStateActive, false},
		{"waiting to retry", asynq.TaskStateRetry, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{existing: map[string]asynq.TaskState{id: tt.state}}
			c := &Client{client: q, inspector: q, logger: logger.NewNop()}

			require.NoError(t, c.Enqueue(context.Background(), scan))
			if tt.wantDeleted {
				assert.Equal(t, []string{id}, q.deleted)
				assert.Equal(t, []string{id}, q.enqueued)
				assert.Equal(t, asynq.TaskStatePending, q.existing[id])
				return
			}
			assert.Empty(t, q.deleted)
			assert.Empty(t, q.enqueued)
			assert.Equal(t, tt.state, q.existing[id])
		})
	}
}

func TestClient_Enqueue_NewRun(t *testing.T) {
	q := &fakeQueue{existing: map[string]asynq.TaskState{}}
	c := &Client{client: q, inspector: q, logger: logger.NewNop()}
	scan := triage.ReconstituteScan(triage.ScanData{ID: shared.NewID(), Status: triage.StatusPending, Version: 1})

	require.NoError(t, c.Enqueue(context.Background(), scan))
	require.NoError(t, c.Enqueue(context.Background(), scan))
	assert.Len(t, q.enqueued, 1, "a queued run is not duplicated")
	assert.Empty(t, q.deleted)
}
