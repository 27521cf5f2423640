// Package recovery drives resumable batch imports.
//
// Items are processed one at a time in input order. Progress is checkpointed
// before and after every item so a crashed or cancelled run can be resumed
// from the last recorded item by running the same batch again.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/importer/internal/core/batch"
	"github.com/vietddude/importer/internal/core/domain"
	"github.com/vietddude/importer/internal/importing/metrics"
	"github.com/vietddude/importer/internal/importing/retry"
)

// Identifiable is an input item with a stable id.
type Identifiable interface {
	ItemID() string
}

// StateStore is the subset of batch.Store used by the orchestrator.
type StateStore interface {
	SaveState(ctx context.Context, state *domain.BatchJobState) error
	GetState(ctx context.Context, jobID, namespace string) *domain.BatchJobState
	MarkCompleted(ctx context.Context, jobID, namespace string) error
	MarkFailed(ctx context.Context, jobID, namespace, msg string) error
}

// Locker is a lease-based lock keyed by batch.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// MissingCursorPolicy decides what happens when the checkpointed item is not in the input.
type MissingCursorPolicy string

const (
	// MissingCursorRestart reprocesses the batch from the first item.
	MissingCursorRestart MissingCursorPolicy = "restart"
	// MissingCursorAbort fails the run with ErrResumeCursorNotFound.
	MissingCursorAbort MissingCursorPolicy = "abort"
)

// Config holds orchestrator configuration.
type Config struct {
	Retry           retry.Policy
	LockTTL         time.Duration
	StrictStatus    bool
	OnMissingCursor MissingCursorPolicy
}

// DefaultConfig returns the default retry policy, a 5 minute lock and restart on missing cursor.
func DefaultConfig() Config {
	return Config{
		Retry:           retry.DefaultPolicy(),
		LockTTL:         5 * time.Minute,
		OnMissingCursor: MissingCursorRestart,
	}
}

// Result summarizes a finished run.
type Result struct {
	ProcessedCount int                `json:"processed_count"`
	FailedItemIDs  []string           `json:"failed_item_ids"`
	Status         domain.BatchStatus `json:"status"`
	Resumed        bool               `json:"resumed"`
}

// Orchestrator runs batches against a state store.
type Orchestrator struct {
	store    StateStore
	cfg      Config
	locker   Locker
	sink     Sink
	execOpts []retry.Option
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker guards runs of the same batch with a lock.
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithSink sets the progress event sink.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithExecutorOptions passes options to the per-item retry executor.
func WithExecutorOptions(opts ...retry.Option) Option {
	return func(o *Orchestrator) { o.execOpts = append(o.execOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(store StateStore, cfg Config, opts ...Option) *Orchestrator {
	if cfg.OnMissingCursor == "" {
		cfg.OnMissingCursor = MissingCursorRestart
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	o := &Orchestrator{
		store:  store,
		cfg:    cfg,
		sink:   NopSink{},
		logger: slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs handler over items, resuming from the stored checkpoint of
// (jobID, namespace) when the previous run did not finish.
//
// Item failures never abort the run; they are retried per the retry policy
// and then recorded in the result. The returned error is non-nil only when
// the run itself could not continue: a checkpoint write failed, the batch is
// locked by another run, or ctx was cancelled.
func Process[T Identifiable](
	ctx context.Context,
	o *Orchestrator,
	jobID, namespace string,
	items []T,
	handler func(context.Context, T) error,
) (Result, error) {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ItemID()
	}
	return o.run(ctx, domain.BatchKey{JobID: jobID, Namespace: namespace}, ids, func(ctx context.Context, i int) error {
		return handler(ctx, items[i])
	})
}

// run is the untyped core of Process.
func (o *Orchestrator) run(
	ctx context.Context,
	key domain.BatchKey,
	ids []string,
	handle func(ctx context.Context, i int) error,
) (Result, error) {
	runID := uuid.NewString()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if o.locker != nil {
		release, err := o.acquire(ctx, key, runID, cancel)
		if err != nil {
			return Result{}, err
		}
		defer release()
	}

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	state, start, resumed, err := o.prepare(ctx, key, runID, ids)
	if err != nil {
		return Result{}, err
	}
	if resumed {
		metrics.BatchResumesTotal.WithLabelValues(key.Namespace).Inc()
	}

	// The row must exist before the first item, even for empty input.
	if err := o.store.SaveState(ctx, state); err != nil {
		return resultOf(state, resumed), err
	}

	o.emit(ctx, key, runID, Event{
		Type:      EventBatchStarted,
		Processed: state.ProcessedCount,
		Total:     state.TotalCount,
		Resumed:   resumed,
	})

	for i := start; i < len(ids); i++ {
		if ctx.Err() != nil {
			return resultOf(state, resumed), context.Cause(ctx)
		}

		itemID := ids[i]

		// Checkpoint before the attempt so a crash mid-item moves past it on resume.
		state.LastProcessedItemID = &itemID
		state.Status = domain.BatchStatusInProgress
		if err := o.store.SaveState(ctx, state); err != nil {
			return resultOf(state, resumed), err
		}

		exec := o.executor(ctx, key, runID, itemID, state)
		err := exec.Run(ctx, func(ctx context.Context) error {
			return handle(ctx, i)
		})
		if ctx.Err() != nil {
			// Interrupted, not failed: leave the item to the checkpoint.
			return resultOf(state, resumed), context.Cause(ctx)
		}

		state.ProcessedCount++
		if err != nil {
			msg := err.Error()
			state.FailedItemIDs = append(state.FailedItemIDs, itemID)
			state.LastError = &msg
			metrics.ItemsProcessed.WithLabelValues(key.Namespace, "failed").Inc()
			o.emit(ctx, key, runID, Event{
				Type:      EventItemFailed,
				ItemID:    itemID,
				Error:     msg,
				Processed: state.ProcessedCount,
				Total:     state.TotalCount,
			})
		} else {
			metrics.ItemsProcessed.WithLabelValues(key.Namespace, "succeeded").Inc()
			o.emit(ctx, key, runID, Event{
				Type:      EventItemSucceeded,
				ItemID:    itemID,
				Processed: state.ProcessedCount,
				Total:     state.TotalCount,
			})
		}

		if err := o.store.SaveState(ctx, state); err != nil {
			return resultOf(state, resumed), err
		}
	}

	if err := o.finish(ctx, state); err != nil {
		return resultOf(state, resumed), err
	}

	metrics.BatchRunsTotal.WithLabelValues(key.Namespace, string(state.Status)).Inc()
	o.emit(ctx, key, runID, Event{
		Type:      EventBatchFinished,
		Processed: state.ProcessedCount,
		Total:     state.TotalCount,
		Status:    state.Status,
		Error:     derefString(state.LastError),
	})

	return resultOf(state, resumed), nil
}

// prepare builds the working state and the index of the first item to process.
func (o *Orchestrator) prepare(
	ctx context.Context,
	key domain.BatchKey,
	runID string,
	ids []string,
) (*domain.BatchJobState, int, bool, error) {
	state := &domain.BatchJobState{
		JobID:         key.JobID,
		Namespace:     key.Namespace,
		TotalCount:    len(ids),
		FailedItemIDs: []string{},
		Status:        domain.BatchStatusInProgress,
	}

	prev := o.store.GetState(ctx, key.JobID, key.Namespace)
	if prev == nil || prev.Status != domain.BatchStatusInProgress {
		return state, 0, false, nil
	}

	state.CreatedAt = prev.CreatedAt
	if prev.LastProcessedItemID == nil {
		// Stopped before its first item.
		return state, 0, false, nil
	}

	cursor := *prev.LastProcessedItemID
	idx := indexOf(ids, cursor)
	if idx < 0 {
		switch o.cfg.OnMissingCursor {
		case MissingCursorAbort:
			return nil, 0, false, fmt.Errorf("%w: item %q, batch %s", ErrResumeCursorNotFound, cursor, key)
		default:
			o.emit(ctx, key, runID, Event{
				Type:      EventResumeCursorMissing,
				ItemID:    cursor,
				Processed: prev.ProcessedCount,
				Total:     len(ids),
			})
			return state, 0, false, nil
		}
	}

	start := idx + 1
	state.LastProcessedItemID = &cursor
	state.FailedItemIDs = append(state.FailedItemIDs, prev.FailedItemIDs...)
	state.LastError = prev.LastError
	// An item interrupted after its checkpoint is skipped and still counts as attempted.
	state.ProcessedCount = max(prev.ProcessedCount, start)

	return state, start, true, nil
}

// finish writes the terminal status.
func (o *Orchestrator) finish(ctx context.Context, state *domain.BatchJobState) error {
	failed := len(state.FailedItemIDs)

	switch {
	case failed == 0:
		state.Status = domain.BatchStatusCompleted
		return o.store.MarkCompleted(ctx, state.JobID, state.Namespace)
	// A resumed run keeps failures from a longer earlier input, so failed may exceed the total.
	case failed >= state.TotalCount:
		msg := batch.AllItemsFailedMessage
		state.Status = domain.BatchStatusFailed
		state.LastError = &msg
		return o.store.MarkFailed(ctx, state.JobID, state.Namespace, msg)
	default:
		state.Status = domain.BatchStatusCompleted
		if o.cfg.StrictStatus {
			state.Status = domain.BatchStatusCompletedWithErrors
		}
		return o.store.SaveState(ctx, state)
	}
}

// executor builds the retry executor for one item.
func (o *Orchestrator) executor(
	ctx context.Context,
	key domain.BatchKey,
	runID, itemID string,
	state *domain.BatchJobState,
) *retry.Executor {
	opts := []retry.Option{
		retry.WithClassifier(func(err error) bool { return !IsPermanent(err) }),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			metrics.ItemRetriesTotal.WithLabelValues(key.Namespace).Inc()
			o.emit(ctx, key, runID, Event{
				Type:      EventItemRetry,
				ItemID:    itemID,
				Attempt:   attempt,
				DelayMS:   delay.Milliseconds(),
				Error:     err.Error(),
				Processed: state.ProcessedCount,
				Total:     state.TotalCount,
			})
		}),
	}
	return retry.New(o.cfg.Retry, append(opts, o.execOpts...)...)
}

// acquire takes the batch lock and keeps it alive until release is called.
// Losing the lease cancels the run with ErrLockLost.
func (o *Orchestrator) acquire(
	ctx context.Context,
	key domain.BatchKey,
	token string,
	cancel context.CancelCauseFunc,
) (func(), error) {
	lockKey := key.String()
	ttl := o.cfg.LockTTL

	ok, err := o.locker.TryLock(ctx, lockKey, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock for %s: %w", key, err)
	}
	if !ok {
		return nil, &ConcurrentRunError{Key: key}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := o.locker.Refresh(ctx, lockKey, token, ttl)
				if err != nil {
					o.logger.Warn("Failed to refresh run lock", "batch", lockKey, "error", err)
					continue
				}
				if !ok {
					o.logger.Error("Run lock lost, stopping batch", "batch", lockKey)
					cancel(ErrLockLost)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped

		unlockCtx, unlockCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer unlockCancel()
		if err := o.locker.Unlock(unlockCtx, lockKey, token); err != nil {
			o.logger.Warn("Failed to release run lock", "batch", lockKey, "error", err)
		}
	}, nil
}

func (o *Orchestrator) emit(ctx context.Context, key domain.BatchKey, runID string, e Event) {
	e.JobID = key.JobID
	e.Namespace = key.Namespace
	e.RunID = runID
	e.At = time.Now()
	o.sink.Publish(ctx, e)
}

func resultOf(state *domain.BatchJobState, resumed bool) Result {
	return Result{
		ProcessedCount: state.ProcessedCount,
		FailedItemIDs:  append([]string{}, state.FailedItemIDs...),
		Status:         state.Status,
		Resumed:        resumed,
	}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
