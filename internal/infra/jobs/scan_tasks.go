package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/logger"
)

const (
	// TypeScanRun runs a scan until it completes, fails, pauses or stops.
	TypeScanRun = "scan:run"

	// QueueScans is the queue scan runs are placed on.
	QueueScans = "scans"

	scanRunTimeout = 6 * time.Hour
	scanRunRetries = 3
)

// ScanRunPayload identifies the scan to run.
type ScanRunPayload struct {
	ScanID  string `json:"scan_id"`
	Version int    `json:"version"`
}

// ScanExecutor runs one scan to a halt. app.ScanOrchestrator implements it.
type ScanExecutor interface {
	Run(ctx context.Context, scanID shared.ID) error
}

// scanTaskID is unique per scan version so that a request already waiting in the
// queue is not duplicated, while a resume (which bumps the version) is accepted.
func scanTaskID(p ScanRunPayload) string {
	return fmt.Sprintf("scan:%s:%d", p.ScanID, p.Version)
}

// NewScanRunTask creates a scan run task.
func NewScanRunTask(payload ScanRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal scan run payload: %w", err)
	}

	return asynq.NewTask(TypeScanRun, data,
		asynq.TaskID(scanTaskID(payload)),
		asynq.Queue(QueueScans),
		asynq.MaxRetry(scanRunRetries),
		asynq.Timeout(scanRunTimeout),
	), nil
}

// ScanTaskHandler handles scan run tasks.
type ScanTaskHandler struct {
	executor ScanExecutor
	logger   *logger.Logger
}

// NewScanTaskHandler creates a new ScanTaskHandler.
func NewScanTaskHandler(executor ScanExecutor, log *logger.Logger) *ScanTaskHandler {
	return &ScanTaskHandler{executor: executor, logger: log.With("component", "scan-task")}
}

// RegisterHandlers registers the scan handlers on mux.
func (h *ScanTaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeScanRun, h.HandleScanRun)
}

// HandleScanRun runs the scan named by the task payload.
func (h *ScanTaskHandler) HandleScanRun(ctx context.Context, t *asynq.Task) error {
	var payload ScanRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("failed to unmarshal scan run payload", "error", err)
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	scanID, err := shared.IDFromString(payload.ScanID)
	if err != nil {
		h.logger.Error("invalid scan_id", "scan_id", payload.ScanID, "error", err)
		return fmt.Errorf("invalid scan_id: %v: %w", err, asynq.SkipRetry)
	}

	h.logger.Info("processing scan run", "scan_id", payload.ScanID, "version", payload.Version)
	if err := h.executor.Run(ctx, scanID); err != nil {
		h.logger.Error("scan run failed", "scan_id", payload.ScanID, "error", err)
		return err
	}
	return nil
}
