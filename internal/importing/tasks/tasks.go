// Package tasks runs batch imports from an asynq task queue.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/vietddude/importer/internal/core/domain"
	redisclient "github.com/vietddude/importer/internal/infra/redis"
)

// TypeBatchImport is the asynq task type for a batch run.
const TypeBatchImport = "batch:import"

// ErrAlreadyQueued is returned when a task for the same batch is still pending or running.
var ErrAlreadyQueued = errors.New("batch already queued")

// BatchImportPayload is the task body.
type BatchImportPayload struct {
	JobID     string        `json:"job_id"`
	Namespace string        `json:"namespace"`
	Handler   string        `json:"handler"`
	Items     []domain.Item `json:"items"`
}

// Validate checks required fields and item ids.
func (p BatchImportPayload) Validate() error {
	if p.JobID == "" || p.Namespace == "" {
		return fmt.Errorf("job_id and namespace are required")
	}
	if p.Handler == "" {
		return fmt.Errorf("handler is required")
	}
	seen := make(map[string]struct{}, len(p.Items))
	for i, item := range p.Items {
		if item.ID == "" {
			return fmt.Errorf("item %d has no id", i)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("duplicate item id %q", item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

// TaskID is the asynq task id for a batch, so duplicate enqueues conflict.
func TaskID(jobID, namespace string) string {
	return namespace + ":" + jobID
}

// NewBatchImportTask builds the task for a payload.
func NewBatchImportTask(p BatchImportPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	opts = append([]asynq.Option{asynq.TaskID(TaskID(p.JobID, p.Namespace))}, opts...)
	return asynq.NewTask(TypeBatchImport, data, opts...), nil
}

// RedisConnOpt converts the Redis config into asynq connection options.
func RedisConnOpt(cfg redisclient.Config) (asynq.RedisClientOpt, error) {
	opts, err := cfg.ParseOptions()
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Network:   opts.Network,
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}, nil
}

// Client enqueues batch imports.
type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisConnOpt, queue string) *Client {
	return &Client{client: asynq.NewClient(redisOpt), queue: queue}
}

// Enqueue schedules a batch run.
func (c *Client) Enqueue(ctx context.Context, p BatchImportPayload, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	task, err := NewBatchImportTask(p)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task, append([]asynq.Option{asynq.Queue(c.queue)}, opts...)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyQueued, p.Namespace, p.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue batch %s/%s: %w", p.Namespace, p.JobID, err)
	}
	return info, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// slogAdapter routes asynq's logger through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (l slogAdapter) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l slogAdapter) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l slogAdapter) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l slogAdapter) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }
func (l slogAdapter) Fatal(args ...any) { l.logger.Error(fmt.Sprint(args...)) }
