package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/vietddude/importer/internal/core/domain"
)

// BatchStateRepo implements storage.BatchStateRepository using PostgreSQL.
type BatchStateRepo struct {
	db *DB
}

// NewBatchStateRepo creates a new PostgreSQL batch state repository.
func NewBatchStateRepo(db *DB) *BatchStateRepo {
	return &BatchStateRepo{db: db}
}

type batchRow struct {
	JobID               string         `db:"job_id"`
	Namespace           string         `db:"namespace"`
	LastProcessedItemID sql.NullString `db:"last_processed_item_id"`
	ProcessedCount      int            `db:"processed_count"`
	TotalCount          int            `db:"total_count"`
	FailedItems         types.JSONText `db:"failed_items"`
	Status              string         `db:"status"`
	Error               sql.NullString `db:"error"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (b *batchRow) toDomain() (*domain.BatchJobState, error) {
	state := &domain.BatchJobState{
		JobID:          b.JobID,
		Namespace:      b.Namespace,
		ProcessedCount: b.ProcessedCount,
		TotalCount:     b.TotalCount,
		FailedItemIDs:  []string{},
		Status:         domain.BatchStatus(b.Status),
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
	if b.LastProcessedItemID.Valid {
		v := b.LastProcessedItemID.String
		state.LastProcessedItemID = &v
	}
	if b.Error.Valid {
		v := b.Error.String
		state.LastError = &v
	}
	if len(b.FailedItems) > 0 {
		if err := b.FailedItems.Unmarshal(&state.FailedItemIDs); err != nil {
			return nil, fmt.Errorf("failed to decode failed_items for %s/%s: %w", b.Namespace, b.JobID, err)
		}
		if state.FailedItemIDs == nil {
			state.FailedItemIDs = []string{}
		}
	}
	return state, nil
}

const selectBatchColumns = `
	SELECT job_id, namespace, last_processed_item_id, processed_count, total_count,
	       failed_items, status, error, created_at, updated_at
	FROM batch_job_states
`

// Upsert writes the full row, keyed by (job_id, namespace).
func (r *BatchStateRepo) Upsert(ctx context.Context, state *domain.BatchJobState) error {
	query := `
		INSERT INTO batch_job_states (
			job_id, namespace, last_processed_item_id, processed_count, total_count,
			failed_items, status, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)
		ON CONFLICT (job_id, namespace) DO UPDATE SET
			last_processed_item_id = EXCLUDED.last_processed_item_id,
			processed_count = EXCLUDED.processed_count,
			total_count = EXCLUDED.total_count,
			failed_items = EXCLUDED.failed_items,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`

	failed := state.FailedItemIDs
	if failed == nil {
		failed = []string{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("failed to encode failed items: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		state.JobID,
		state.Namespace,
		nullString(state.LastProcessedItemID),
		state.ProcessedCount,
		state.TotalCount,
		string(failedJSON),
		string(state.Status),
		nullString(state.LastError),
		state.CreatedAt.UTC(),
		state.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save batch state: %w", err)
	}
	return nil
}

// Get retrieves a batch state by key.
func (r *BatchStateRepo) Get(ctx context.Context, key domain.BatchKey) (*domain.BatchJobState, error) {
	query := selectBatchColumns + `WHERE job_id = $1 AND namespace = $2`

	var row batchRow
	err := r.db.GetContext(ctx, &row, query, key.JobID, key.Namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch state: %w", err)
	}

	return row.toDomain()
}

// UpdateStatus updates the status of a batch, keeping the previous error unless a new one is given.
func (r *BatchStateRepo) UpdateStatus(
	ctx context.Context,
	key domain.BatchKey,
	status domain.BatchStatus,
	errMsg *string,
	updatedAt time.Time,
) error {
	query := `
		UPDATE batch_job_states
		SET status = $1, error = COALESCE($2, error), updated_at = $3
		WHERE job_id = $4 AND namespace = $5
	`
	_, err := r.db.ExecContext(ctx, query,
		string(status),
		nullString(errMsg),
		updatedAt.UTC(),
		key.JobID,
		key.Namespace,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}
	return nil
}

// DeleteStale deletes completed batches and batches idle since olderThan.
func (r *BatchStateRepo) DeleteStale(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM batch_job_states
		WHERE status IN ('completed', 'completed_with_errors') OR updated_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale batch states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted batch states: %w", err)
	}
	return n, nil
}

// ListByStatus lists batches in a status, newest first.
func (r *BatchStateRepo) ListByStatus(
	ctx context.Context,
	status domain.BatchStatus,
	namespace string,
) ([]*domain.BatchJobState, error) {
	query := selectBatchColumns + `
		WHERE status = $1 AND ($2 = '' OR namespace = $2)
		ORDER BY updated_at DESC
	`

	var rows []batchRow
	if err := r.db.SelectContext(ctx, &rows, query, string(status), namespace); err != nil {
		return nil, fmt.Errorf("failed to list batch states: %w", err)
	}

	states := make([]*domain.BatchJobState, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, nil
}

// Delete removes a batch state row.
func (r *BatchStateRepo) Delete(ctx context.Context, key domain.BatchKey) error {
	query := `DELETE FROM batch_job_states WHERE job_id = $1 AND namespace = $2`
	if _, err := r.db.ExecContext(ctx, query, key.JobID, key.Namespace); err != nil {
		return fmt.Errorf("failed to delete batch state: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *BatchStateRepo) Ping(ctx context.Context) error {
	return r.db.Health(ctx)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
