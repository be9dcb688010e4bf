// Package jobs runs scans on an asynq task queue and schedules stuck-scan recovery.
package jobs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// RedisOpt maps the Redis configuration to asynq connection options.
func RedisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	opt := asynq.RedisClientOpt{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLSEnabled {
		opt.TLSConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // opt-in for self-signed dev servers
			MinVersion:         tls.VersionTLS12,
		}
	}
	return opt
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

// Client enqueues scan runs. It implements app.ScanRunner.
type Client struct {
	client    taskEnqueuer
	inspector taskInspector
	logger    *logger.Logger
}

// NewClient creates a new job client.
func NewClient(cfg *config.RedisConfig, log *logger.Logger) *Client {
	opt := RedisOpt(cfg)
	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		logger:    log.With("component", "job_client"),
	}
}

// Close closes the client connections.
func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}

// Enqueue queues a run of scan at its current version. A run still waiting or
// executing for that version is left in place. A finished or archived run with
// the same id is replaced, so a scan whose retries were exhausted can be
// recovered without a version change.
func (c *Client) Enqueue(ctx context.Context, scan *triage.Scan) error {
	payload := ScanRunPayload{ScanID: scan.ID().String(), Version: scan.Version()}
	task, err := NewScanRunTask(payload)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		replaced, rerr := c.replaceFinished(scanTaskID(payload))
		if rerr != nil {
			return fmt.Errorf("failed to replace finished scan run: %w", rerr)
		}
		if !replaced {
			c.logger.Debug("scan run already queued", "scan_id", payload.ScanID, "version", payload.Version)
			return nil
		}
		info, err = c.client.EnqueueContext(ctx, task)
	}
	if errors.Is(err, asynq.ErrDuplicateTask) {
		c.logger.Debug("scan run already queued", "scan_id", payload.ScanID, "version", payload.Version)
		return nil
	}
	if err != nil {
		c.logger.Error("failed to enqueue scan run", "scan_id", payload.ScanID, "error", err)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Info("scan run queued",
		"task_id", info.ID,
		"scan_id", payload.ScanID,
		"version", payload.Version,
		"queue", info.Queue,
	)
	return nil
}

// replaceFinished deletes the task with id when it can no longer run and
// reports whether it did.
func (c *Client) replaceFinished(id string) (bool, error) {
	info, err := c.inspector.GetTaskInfo(QueueScans, id)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		// Gone between the conflict and the lookup.
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false, nil
	}

	if err := c.inspector.DeleteTask(QueueScans, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, err
	}
	c.logger.Info("replacing finished scan run", "task_id", id, "state", info.State.String())
	return true, nil
}
