package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/vietddude/importer/internal/core/domain"
)

// Store is a SQLite-backed implementation of storage.BatchStateRepository.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the SQLite database at path and creates the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// modernc serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err = s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS batch_job_states (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id                 TEXT    NOT NULL,
			namespace              TEXT    NOT NULL,
			last_processed_item_id TEXT,
			processed_count        INTEGER NOT NULL DEFAULT 0,
			total_count            INTEGER NOT NULL DEFAULT 0,
			failed_items           TEXT    NOT NULL DEFAULT '[]',
			status                 TEXT    NOT NULL DEFAULT 'in_progress',
			error                  TEXT,
			created_at             INTEGER NOT NULL,
			updated_at             INTEGER NOT NULL,
			UNIQUE (job_id, namespace)
		);
		CREATE INDEX IF NOT EXISTS idx_batch_job_states_status     ON batch_job_states(status, namespace);
		CREATE INDEX IF NOT EXISTS idx_batch_job_states_updated_at ON batch_job_states(updated_at);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type batchRow struct {
	JobID               string         `db:"job_id"`
	Namespace           string         `db:"namespace"`
	LastProcessedItemID sql.NullString `db:"last_processed_item_id"`
	ProcessedCount      int            `db:"processed_count"`
	TotalCount          int            `db:"total_count"`
	FailedItems         string         `db:"failed_items"`
	Status              string         `db:"status"`
	Error               sql.NullString `db:"error"`
	CreatedAt           int64          `db:"created_at"`
	UpdatedAt           int64          `db:"updated_at"`
}

func (b *batchRow) toDomain() (*domain.BatchJobState, error) {
	state := &domain.BatchJobState{
		JobID:          b.JobID,
		Namespace:      b.Namespace,
		ProcessedCount: b.ProcessedCount,
		TotalCount:     b.TotalCount,
		FailedItemIDs:  []string{},
		Status:         domain.BatchStatus(b.Status),
		CreatedAt:      time.UnixMilli(b.CreatedAt).UTC(),
		UpdatedAt:      time.UnixMilli(b.UpdatedAt).UTC(),
	}
	if b.LastProcessedItemID.Valid {
		v := b.LastProcessedItemID.String
		state.LastProcessedItemID = &v
	}
	if b.Error.Valid {
		v := b.Error.String
		state.LastError = &v
	}
	if b.FailedItems != "" {
		if err := json.Unmarshal([]byte(b.FailedItems), &state.FailedItemIDs); err != nil {
			return nil, fmt.Errorf("failed to decode failed_items for %s/%s: %w", b.Namespace, b.JobID, err)
		}
		if state.FailedItemIDs == nil {
			state.FailedItemIDs = []string{}
		}
	}
	return state, nil
}

const selectColumns = `
	SELECT job_id, namespace, last_processed_item_id, processed_count, total_count,
	       failed_items, status, error, created_at, updated_at
	FROM batch_job_states
`

func (s *Store) Upsert(ctx context.Context, state *domain.BatchJobState) error {
	failed := state.FailedItemIDs
	if failed == nil {
		failed = []string{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("failed to encode failed items: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batch_job_states
			(job_id, namespace, last_processed_item_id, processed_count, total_count,
			 failed_items, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, namespace) DO UPDATE SET
			last_processed_item_id = excluded.last_processed_item_id,
			processed_count        = excluded.processed_count,
			total_count            = excluded.total_count,
			failed_items           = excluded.failed_items,
			status                 = excluded.status,
			error                  = excluded.error,
			updated_at             = excluded.updated_at
	`,
		state.JobID,
		state.Namespace,
		nullString(state.LastProcessedItemID),
		state.ProcessedCount,
		state.TotalCount,
		string(failedJSON),
		string(state.Status),
		nullString(state.LastError),
		state.CreatedAt.UnixMilli(),
		state.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save batch state %s/%s: %w", state.Namespace, state.JobID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key domain.BatchKey) (*domain.BatchJobState, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, selectColumns+`WHERE job_id = ? AND namespace = ?`, key.JobID, key.Namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch state %s: %w", key, err)
	}
	return row.toDomain()
}

func (s *Store) UpdateStatus(
	ctx context.Context,
	key domain.BatchKey,
	status domain.BatchStatus,
	errMsg *string,
	updatedAt time.Time,
) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_job_states
		SET status = ?, error = COALESCE(?, error), updated_at = ?
		WHERE job_id = ? AND namespace = ?
	`, string(status), nullString(errMsg), updatedAt.UnixMilli(), key.JobID, key.Namespace)
	if err != nil {
		return fmt.Errorf("failed to update batch status %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM batch_job_states
		WHERE status IN ('completed', 'completed_with_errors') OR updated_at < ?
	`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale batch states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted batch states: %w", err)
	}
	return n, nil
}

func (s *Store) ListByStatus(
	ctx context.Context,
	status domain.BatchStatus,
	namespace string,
) ([]*domain.BatchJobState, error) {
	var rows []batchRow
	err := s.db.SelectContext(ctx, &rows, selectColumns+`
		WHERE status = ? AND (? = '' OR namespace = ?)
		ORDER BY updated_at DESC
	`, string(status), namespace, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch states: %w", err)
	}

	states := make([]*domain.BatchJobState, 0, len(rows))
	for i := range rows {
		st, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

func (s *Store) Delete(ctx context.Context, key domain.BatchKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM batch_job_states WHERE job_id = ? AND namespace = ?`, key.JobID, key.Namespace)
	if err != nil {
		return fmt.Errorf("failed to delete batch state %s: %w", key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
