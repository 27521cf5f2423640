package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/importer/internal/core/domain"
	"github.com/vietddude/importer/internal/importing/metrics"
	"github.com/vietddude/importer/internal/infra/storage"
)

// AllItemsFailedMessage is recorded when every item of a batch failed.
const AllItemsFailedMessage = "all items failed"

// Store persists batch progress on top of a BatchStateRepository.
//
// Writes fail loudly with *PersistenceError. Reads fail open: an unreadable
// state is reported as absent so the caller starts a fresh run.
type Store struct {
	repo   storage.BatchStateRepository
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a new batch state store.
func NewStore(repo storage.BatchStateRepository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		now:    time.Now,
		logger: slog.Default().With("component", "batch-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveState upserts the full row for the state's key.
// UpdatedAt is stamped on every write, CreatedAt only when unset.
func (s *Store) SaveState(ctx context.Context, state *domain.BatchJobState) error {
	now := s.now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	if state.FailedItemIDs == nil {
		state.FailedItemIDs = []string{}
	}

	start := time.Now()
	err := s.repo.Upsert(ctx, state)
	metrics.CheckpointDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StateStoreErrors.WithLabelValues("save").Inc()
		return &PersistenceError{Op: "save", Key: state.Key(), Err: err}
	}
	return nil
}

// GetState returns the current state, or nil when none exists or it cannot be read.
func (s *Store) GetState(ctx context.Context, jobID, namespace string) *domain.BatchJobState {
	key := domain.BatchKey{JobID: jobID, Namespace: namespace}
	state, err := s.repo.Get(ctx, key)
	if err != nil {
		metrics.StateStoreErrors.WithLabelValues("get").Inc()
		s.logger.Warn("Failed to read batch state, starting fresh",
			"batch", key.String(),
			"error", err,
		)
		return nil
	}
	return state
}

// MarkCompleted sets the batch status to completed.
func (s *Store) MarkCompleted(ctx context.Context, jobID, namespace string) error {
	return s.updateStatus(ctx, "mark_completed", jobID, namespace, domain.BatchStatusCompleted, nil)
}

// MarkFailed sets the batch status to failed and records the error.
func (s *Store) MarkFailed(ctx context.Context, jobID, namespace, msg string) error {
	return s.updateStatus(ctx, "mark_failed", jobID, namespace, domain.BatchStatusFailed, &msg)
}

func (s *Store) updateStatus(
	ctx context.Context,
	op, jobID, namespace string,
	status domain.BatchStatus,
	errMsg *string,
) error {
	key := domain.BatchKey{JobID: jobID, Namespace: namespace}

	start := time.Now()
	err := s.repo.UpdateStatus(ctx, key, status, errMsg, s.now())
	metrics.CheckpointDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StateStoreErrors.WithLabelValues(op).Inc()
		return &PersistenceError{Op: op, Key: key, Err: err}
	}
	return nil
}

// Cleanup deletes completed batches and batches idle for more than maxAgeDays.
// It is best-effort: failures are logged and reported as zero rows deleted.
// A maxAgeDays below 1 would put the cutoff at or after now and delete
// in-progress checkpoints, so it is refused.
func (s *Store) Cleanup(ctx context.Context, maxAgeDays int) int64 {
	if maxAgeDays < 1 {
		s.logger.Error("Refusing batch state cleanup", "max_age_days", maxAgeDays)
		return 0
	}
	cutoff := s.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	deleted, err := s.repo.DeleteStale(ctx, cutoff)
	if err != nil {
		metrics.StateStoreErrors.WithLabelValues("cleanup").Inc()
		s.logger.Error("Batch state cleanup failed", "max_age_days", maxAgeDays, "error", err)
		return 0
	}

	metrics.CleanupDeleted.Add(float64(deleted))
	if deleted > 0 {
		s.logger.Info("Cleaned up batch states", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted
}

// ListActive returns in-progress batches, optionally limited to one namespace.
func (s *Store) ListActive(ctx context.Context, namespace string) ([]*domain.BatchJobState, error) {
	states, err := s.repo.ListByStatus(ctx, domain.BatchStatusInProgress, namespace)
	if err != nil {
		metrics.StateStoreErrors.WithLabelValues("list").Inc()
		return nil, err
	}
	return states, nil
}

// Reset removes a batch's state so its next run starts from the first item.
func (s *Store) Reset(ctx context.Context, jobID, namespace string) error {
	key := domain.BatchKey{JobID: jobID, Namespace: namespace}
	if err := s.repo.Delete(ctx, key); err != nil {
		metrics.StateStoreErrors.WithLabelValues("reset").Inc()
		return &PersistenceError{Op: "reset", Key: key, Err: err}
	}
	return nil
}

// Ping checks the backing store.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
