package storage

import (
	"context"
	"time"

	"github.com/vietddude/importer/internal/core/domain"
)

// BatchStateRepository handles batch state storage operations.
// Implementations return driver errors unchanged in meaning (wrapped with context);
// policy on which failures are fatal lives in the batch package.
type BatchStateRepository interface {
	// Upsert inserts the row or overwrites every mutable field of the existing one.
	// CreatedAt of an existing row is preserved.
	Upsert(ctx context.Context, state *domain.BatchJobState) error

	// Get retrieves a state row; returns nil, nil when it does not exist.
	Get(ctx context.Context, key domain.BatchKey) (*domain.BatchJobState, error)

	// UpdateStatus sets status and, when errMsg is non-nil, the last error.
	UpdateStatus(
		ctx context.Context,
		key domain.BatchKey,
		status domain.BatchStatus,
		errMsg *string,
		updatedAt time.Time,
	) error

	// DeleteStale deletes completed rows and rows not updated since olderThan.
	DeleteStale(ctx context.Context, olderThan time.Time) (int64, error)

	// ListByStatus returns rows in the given status, optionally filtered by namespace ("" = all).
	ListByStatus(
		ctx context.Context,
		status domain.BatchStatus,
		namespace string,
	) ([]*domain.BatchJobState, error)

	// Delete removes a single row. Deleting a missing row is not an error.
	Delete(ctx context.Context, key domain.BatchKey) error

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}
