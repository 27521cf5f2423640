package memory

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/importer/internal/core/domain"
)

func newState(job, ns string, processed int, status domain.BatchStatus, updated time.Time) *domain.BatchJobState {
	return &domain.BatchJobState{
		JobID:          job,
		Namespace:      ns,
		ProcessedCount: processed,
		TotalCount:     10,
		FailedItemIDs:  []string{},
		Status:         status,
		CreatedAt:      updated,
		UpdatedAt:      updated,
	}
}

func TestBatchStateRepo_UpsertIsIdempotent(t *testing.T) {
	repo := NewBatchStateRepo(NewMemoryStorage())
	ctx := context.Background()
	created := time.Now().Add(-time.Hour)

	if err := repo.Upsert(ctx, newState("job", "ns", 1, domain.BatchStatusInProgress, created)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	second := newState("job", "ns", 4, domain.BatchStatusInProgress, time.Now())
	if err := repo.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if repo.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", repo.Len())
	}
	got, _ := repo.Get(ctx, domain.BatchKey{JobID: "job", Namespace: "ns"})
	if got.ProcessedCount != 4 {
		t.Errorf("expected processed 4, got %d", got.ProcessedCount)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("expected created_at preserved, got %v", got.CreatedAt)
	}
}

func TestBatchStateRepo_GetReturnsCopy(t *testing.T) {
	repo := NewBatchStateRepo(NewMemoryStorage())
	ctx := context.Background()
	_ = repo.Upsert(ctx, newState("job", "ns", 1, domain.BatchStatusInProgress, time.Now()))

	got, _ := repo.Get(ctx, domain.BatchKey{JobID: "job", Namespace: "ns"})
	got.FailedItemIDs = append(got.FailedItemIDs, "x")

	again, _ := repo.Get(ctx, domain.BatchKey{JobID: "job", Namespace: "ns"})
	if len(again.FailedItemIDs) != 0 {
		t.Error("mutating a returned state must not change the stored row")
	}
}

func TestBatchStateRepo_DeleteStale(t *testing.T) {
	repo := NewBatchStateRepo(NewMemoryStorage())
	ctx := context.Background()
	now := time.Now()

	_ = repo.Upsert(ctx, newState("fresh", "ns", 1, domain.BatchStatusInProgress, now))
	_ = repo.Upsert(ctx, newState("old", "ns", 1, domain.BatchStatusInProgress, now.Add(-10*24*time.Hour)))
	_ = repo.Upsert(ctx, newState("done", "ns", 10, domain.BatchStatusCompleted, now))
	_ = repo.Upsert(ctx, newState("partial", "ns", 10, domain.BatchStatusCompletedWithErrors, now))
	_ = repo.Upsert(ctx, newState("failed", "ns", 10, domain.BatchStatusFailed, now))

	deleted, err := repo.DeleteStale(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteStale failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", deleted)
	}
	if repo.Len() != 2 {
		t.Errorf("expected fresh and failed rows to remain, got %d rows", repo.Len())
	}
}

func TestBatchStateRepo_ListByStatus(t *testing.T) {
	repo := NewBatchStateRepo(NewMemoryStorage())
	ctx := context.Background()
	now := time.Now()

	_ = repo.Upsert(ctx, newState("a", "tenant-1", 1, domain.BatchStatusInProgress, now))
	_ = repo.Upsert(ctx, newState("b", "tenant-2", 1, domain.BatchStatusInProgress, now))
	_ = repo.Upsert(ctx, newState("c", "tenant-1", 1, domain.BatchStatusCompleted, now))

	all, _ := repo.ListByStatus(ctx, domain.BatchStatusInProgress, "")
	if len(all) != 2 {
		t.Errorf("expected 2 active, got %d", len(all))
	}
	scoped, _ := repo.ListByStatus(ctx, domain.BatchStatusInProgress, "tenant-1")
	if len(scoped) != 1 || scoped[0].JobID != "a" {
		t.Errorf("expected only job a, got %+v", scoped)
	}
}

func TestLocker(t *testing.T) {
	l := NewLocker()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := l.TryLock(ctx, "k", "t1", time.Minute)
	if !ok {
		t.Fatal("expected first lock to succeed")
	}
	ok, _ = l.TryLock(ctx, "k", "t2", time.Minute)
	if ok {
		t.Fatal("expected second lock to fail while held")
	}
	if ok, _ := l.Refresh(ctx, "k", "t2", time.Minute); ok {
		t.Error("refresh with foreign token must fail")
	}

	// Lease expires
	now = now.Add(2 * time.Minute)
	ok, _ = l.TryLock(ctx, "k", "t2", time.Minute)
	if !ok {
		t.Fatal("expected lock after expiry")
	}

	// Stale owner cannot release the new lease
	_ = l.Unlock(ctx, "k", "t1")
	if ok, _ := l.TryLock(ctx, "k", "t3", time.Minute); ok {
		t.Error("unlock with stale token must not release the lease")
	}
	_ = l.Unlock(ctx, "k", "t2")
	if ok, _ := l.TryLock(ctx, "k", "t3", time.Minute); !ok {
		t.Error("expected lock after owner released it")
	}
}
