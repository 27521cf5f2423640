package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/importer/internal/core/domain"
)

// MemoryStorage keeps batch state in process memory. Used when no database is configured
// and in tests.
type MemoryStorage struct {
	states map[domain.BatchKey]*domain.BatchJobState
	mu     sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		states: make(map[domain.BatchKey]*domain.BatchJobState),
	}
}

// -----------------------------------------------------------------------------
// Batch State Repository
// -----------------------------------------------------------------------------

type BatchStateRepo struct {
	store *MemoryStorage
}

func NewBatchStateRepo(store *MemoryStorage) *BatchStateRepo {
	return &BatchStateRepo{store: store}
}

func (r *BatchStateRepo) Upsert(ctx context.Context, state *domain.BatchJobState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	row := state.Clone()
	if existing, ok := r.store.states[state.Key()]; ok {
		row.CreatedAt = existing.CreatedAt
	}
	r.store.states[state.Key()] = row
	return nil
}

func (r *BatchStateRepo) Get(ctx context.Context, key domain.BatchKey) (*domain.BatchJobState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if s, ok := r.store.states[key]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

func (r *BatchStateRepo) UpdateStatus(
	ctx context.Context,
	key domain.BatchKey,
	status domain.BatchStatus,
	errMsg *string,
	updatedAt time.Time,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.states[key]
	if !ok {
		return nil
	}
	s.Status = status
	if errMsg != nil {
		msg := *errMsg
		s.LastError = &msg
	}
	s.UpdatedAt = updatedAt
	return nil
}

func (r *BatchStateRepo) DeleteStale(ctx context.Context, olderThan time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var deleted int64
	for k, s := range r.store.states {
		if s.Status.IsCompleted() || s.UpdatedAt.Before(olderThan) {
			delete(r.store.states, k)
			deleted++
		}
	}
	return deleted, nil
}

func (r *BatchStateRepo) ListByStatus(
	ctx context.Context,
	status domain.BatchStatus,
	namespace string,
) ([]*domain.BatchJobState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var states []*domain.BatchJobState
	for _, s := range r.store.states {
		if s.Status != status {
			continue
		}
		if namespace != "" && s.Namespace != namespace {
			continue
		}
		states = append(states, s.Clone())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	return states, nil
}

func (r *BatchStateRepo) Delete(ctx context.Context, key domain.BatchKey) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.states, key)
	return nil
}

func (r *BatchStateRepo) Ping(ctx context.Context) error { return nil }

// Len returns the number of stored rows.
func (r *BatchStateRepo) Len() int {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.states)
}
