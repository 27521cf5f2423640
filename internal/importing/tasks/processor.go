package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/vietddude/importer/internal/core/domain"
	"github.com/vietddude/importer/internal/importing/handlers"
	"github.com/vietddude/importer/internal/importing/recovery"
)

// Processor handles batch:import tasks.
type Processor struct {
	orch     *recovery.Orchestrator
	registry *handlers.Registry
	logger   *slog.Logger
}

func NewProcessor(orch *recovery.Orchestrator, registry *handlers.Registry) *Processor {
	return &Processor{
		orch:     orch,
		registry: registry,
		logger:   slog.Default().With("component", "tasks"),
	}
}

// ProcessTask runs the batch described by the task.
//
// Bad payloads and unknown handlers are not retried. Run errors (checkpoint
// failures, a concurrent run) are returned so asynq retries the task, and the
// retry resumes from the last checkpoint.
func (p *Processor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload BatchImportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	fn, ok := p.registry.Get(payload.Handler)
	if !ok {
		return fmt.Errorf("unknown handler %q: %w", payload.Handler, asynq.SkipRetry)
	}

	res, err := recovery.Process[domain.Item](ctx, p.orch, payload.JobID, payload.Namespace, payload.Items, fn)
	if errors.Is(err, recovery.ErrResumeCursorNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	p.logger.Info("Batch task done",
		"job_id", payload.JobID,
		"namespace", payload.Namespace,
		"status", res.Status,
		"processed", res.ProcessedCount,
		"failed", len(res.FailedItemIDs),
		"resumed", res.Resumed,
	)
	return nil
}

// ServerConfig configures the task worker.
type ServerConfig struct {
	Queue       string
	Concurrency int
}

// Server consumes batch:import tasks.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

func NewServer(redisOpt asynq.RedisConnOpt, cfg ServerConfig, processor *Processor) *Server {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "default"
	}
	logger := slog.Default().With("component", "asynq")

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      slogAdapter{logger: logger},
		// Another worker owning the batch is not a task failure.
		IsFailure: func(err error) bool {
			var cerr *recovery.ConcurrentRunError
			return !errors.As(err, &cerr)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn("Batch task failed",
				"type", task.Type(),
				"retry", retried,
				"max_retry", maxRetry,
				"error", err,
			)
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeBatchImport, processor)
	return &Server{srv: srv, mux: mux}
}

// Run starts the worker and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.srv.Start(s.mux); err != nil {
		return fmt.Errorf("failed to start task server: %w", err)
	}
	<-ctx.Done()
	s.srv.Shutdown()
	return nil
}
