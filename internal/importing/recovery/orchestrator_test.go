package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/importer/internal/core/batch"
	"github.com/vietddude/importer/internal/core/domain"
	"github.com/vietddude/importer/internal/importing/retry"
	"github.com/vietddude/importer/internal/infra/storage"
	"github.com/vietddude/importer/internal/infra/storage/memory"
)

// =============================================================================
// Test helpers
// =============================================================================

type testItem struct {
	id string
}

func (i testItem) ItemID() string { return i.id }

func makeItems(n int) []testItem {
	items := make([]testItem, n)
	for i := range items {
		items[i] = testItem{id: fmt.Sprintf("item-%d", i+1)}
	}
	return items
}

var errTransient = errors.New("upstream timeout")

// writeLimitRepo fails every write after the first `allow` writes (allow < 0 = never fail).
type writeLimitRepo struct {
	storage.BatchStateRepository

	mu       sync.Mutex
	allow    int
	writes   int
	failRead bool
}

func (r *writeLimitRepo) Upsert(ctx context.Context, s *domain.BatchJobState) error {
	r.mu.Lock()
	r.writes++
	fail := r.allow >= 0 && r.writes > r.allow
	r.mu.Unlock()
	if fail {
		return errors.New("database is down")
	}
	return r.BatchStateRepository.Upsert(ctx, s)
}

func (r *writeLimitRepo) Get(ctx context.Context, key domain.BatchKey) (*domain.BatchJobState, error) {
	r.mu.Lock()
	fail := r.failRead
	r.mu.Unlock()
	if fail {
		return nil, errors.New("read timeout")
	}
	return r.BatchStateRepository.Get(ctx, key)
}

// recordingSink keeps every event in order.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) count(t EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	repo  *writeLimitRepo
	store *batch.Store
	sink  *recordingSink
	waits []time.Duration
	mu    sync.Mutex
}

func newFixture() *fixture {
	repo := &writeLimitRepo{
		BatchStateRepository: memory.NewBatchStateRepo(memory.NewMemoryStorage()),
		allow:                -1,
	}
	return &fixture{repo: repo, store: batch.NewStore(repo), sink: &recordingSink{}}
}

func (f *fixture) orchestrator(cfg Config, opts ...Option) *Orchestrator {
	sleep := func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.waits = append(f.waits, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	base := []Option{WithSink(f.sink), WithExecutorOptions(retry.WithSleep(sleep))}
	return NewOrchestrator(f.store, cfg, append(base, opts...)...)
}

func (f *fixture) seed(t *testing.T, s *domain.BatchJobState) {
	t.Helper()
	if err := f.store.SaveState(context.Background(), s); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

// callLog records handler invocations per item.
type callLog struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
}

func newCallLog() *callLog { return &callLog{calls: make(map[string]int)} }

func (c *callLog) record(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[id] == 0 {
		c.order = append(c.order, id)
	}
	c.calls[id]++
}

// handlerFailing returns a handler that always fails the given items with err.
func handlerFailing(log *callLog, err error, failing ...string) func(context.Context, testItem) error {
	set := make(map[string]bool, len(failing))
	for _, id := range failing {
		set[id] = true
	}
	return func(ctx context.Context, item testItem) error {
		log.record(item.id)
		if set[item.id] {
			return err
		}
		return nil
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Scenarios
// =============================================================================

func TestProcess_PartialFailureWithRetries(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(DefaultConfig())
	log := newCallLog()

	res, err := Process(context.Background(), o, "campaign-1", "ws-1", makeItems(5),
		handlerFailing(log, errTransient, "item-3", "item-5"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if res.ProcessedCount != 5 {
		t.Errorf("expected processed 5, got %d", res.ProcessedCount)
	}
	if !equalStrings(res.FailedItemIDs, []string{"item-3", "item-5"}) {
		t.Errorf("unexpected failed items %v", res.FailedItemIDs)
	}
	if res.Status != domain.BatchStatusCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}

	for id, want := range map[string]int{"item-1": 1, "item-2": 1, "item-3": 3, "item-4": 1, "item-5": 3} {
		if got := log.calls[id]; got != want {
			t.Errorf("%s: expected %d attempts, got %d", id, want, got)
		}
	}
	if !equalStrings(log.order, []string{"item-1", "item-2", "item-3", "item-4", "item-5"}) {
		t.Errorf("items processed out of order: %v", log.order)
	}

	// Two failing items, two backoff waits each.
	want := []time.Duration{time.Second, 5 * time.Second, time.Second, 5 * time.Second}
	if !equalDurations(f.waits, want) {
		t.Errorf("expected waits %v, got %v", want, f.waits)
	}

	stored := f.store.GetState(context.Background(), "campaign-1", "ws-1")
	if stored == nil {
		t.Fatal("expected stored state")
	}
	if stored.Status != domain.BatchStatusCompleted || stored.ProcessedCount != 5 || len(stored.FailedItemIDs) != 2 {
		t.Errorf("unexpected stored state %+v", stored)
	}
	if stored.LastError == nil {
		t.Error("expected last error to be recorded")
	}
}

func TestProcess_AllItemsFailPermanently(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(DefaultConfig())
	log := newCallLog()

	res, err := Process(context.Background(), o, "campaign-2", "ws-1", makeItems(3),
		handlerFailing(log, Permanent(errors.New("invalid address")), "item-1", "item-2", "item-3"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if res.ProcessedCount != 3 {
		t.Errorf("expected processed 3, got %d", res.ProcessedCount)
	}
	if !equalStrings(res.FailedItemIDs, []string{"item-1", "item-2", "item-3"}) {
		t.Errorf("unexpected failed items %v", res.FailedItemIDs)
	}
	if res.Status != domain.BatchStatusFailed {
		t.Errorf("expected failed, got %s", res.Status)
	}
	for id, n := range log.calls {
		if n != 1 {
			t.Errorf("%s: permanent errors should not be retried, got %d attempts", id, n)
		}
	}
	if len(f.waits) != 0 {
		t.Errorf("expected no backoff, got %v", f.waits)
	}

	stored := f.store.GetState(context.Background(), "campaign-2", "ws-1")
	if stored.Status != domain.BatchStatusFailed {
		t.Errorf("expected stored status failed, got %s", stored.Status)
	}
	if stored.LastError == nil || *stored.LastError != batch.AllItemsFailedMessage {
		t.Errorf("expected %q, got %v", batch.AllItemsFailedMessage, stored.LastError)
	}
}

func TestProcess_ResumesAfterCheckpoint(t *testing.T) {
	f := newFixture()
	last := "item-2"
	prevErr := "item-1 rejected"
	f.seed(t, &domain.BatchJobState{
		JobID: "campaign-3", Namespace: "ws-1",
		LastProcessedItemID: &last, ProcessedCount: 2, TotalCount: 4,
		FailedItemIDs: []string{"item-1"}, Status: domain.BatchStatusInProgress,
		LastError: &prevErr,
	})

	o := f.orchestrator(DefaultConfig())
	log := newCallLog()
	res, err := Process(context.Background(), o, "campaign-3", "ws-1", makeItems(4),
		handlerFailing(log, Permanent(errors.New("bad row")), "item-4"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !equalStrings(log.order, []string{"item-3", "item-4"}) {
		t.Errorf("expected only item-3 and item-4 to run, got %v", log.order)
	}
	if !res.Resumed {
		t.Error("expected run to be reported as resumed")
	}
	if res.ProcessedCount != 4 {
		t.Errorf("expected processed 4, got %d", res.ProcessedCount)
	}
	if !equalStrings(res.FailedItemIDs, []string{"item-1", "item-4"}) {
		t.Errorf("expected failures to be appended, got %v", res.FailedItemIDs)
	}
	if res.Status != domain.BatchStatusCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
}

func TestProcess_ResumedInputShrankAllFailed(t *testing.T) {
	f := newFixture()
	last := "item-2"
	f.seed(t, &domain.BatchJobState{
		JobID: "campaign-6", Namespace: "ws-1",
		LastProcessedItemID: &last, ProcessedCount: 5, TotalCount: 6,
		FailedItemIDs: []string{"old-1", "old-2", "item-1"},
		Status:        domain.BatchStatusInProgress,
	})

	o := f.orchestrator(DefaultConfig())
	res, err := Process(context.Background(), o, "campaign-6", "ws-1", makeItems(3),
		handlerFailing(newCallLog(), Permanent(errors.New("bad row")), "item-3"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(res.FailedItemIDs) != 4 {
		t.Fatalf("expected 4 failures, got %v", res.FailedItemIDs)
	}
	if res.Status != domain.BatchStatusFailed {
		t.Errorf("expected failed, got %s", res.Status)
	}
	state := f.store.GetState(context.Background(), "campaign-6", "ws-1")
	if state == nil || state.Status != domain.BatchStatusFailed {
		t.Errorf("expected stored status failed, got %+v", state)
	}
}

func TestProcess_CancelledRunResumes(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(DefaultConfig())
	items := makeItems(4)

	ctx, cancel := context.WithCancel(context.Background())
	first := newCallLog()
	_, err := Process(ctx, o, "campaign-4", "ws-1", items, func(ctx context.Context, item testItem) error {
		first.record(item.id)
		if item.id == "item-2" {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	stored := f.store.GetState(context.Background(), "campaign-4", "ws-1")
	if stored == nil || stored.Status != domain.BatchStatusInProgress {
		t.Fatalf("expected in-progress checkpoint, got %+v", stored)
	}
	if stored.LastProcessedItemID == nil || *stored.LastProcessedItemID != "item-2" {
		t.Fatalf("expected cursor at item-2, got %v", stored.LastProcessedItemID)
	}

	second := newCallLog()
	res, err := Process(context.Background(), o, "campaign-4", "ws-1", items, handlerFailing(second, nil))
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !equalStrings(second.order, []string{"item-3", "item-4"}) {
		t.Errorf("expected resume at item-3, got %v", second.order)
	}
	if res.ProcessedCount != 4 || res.Status != domain.BatchStatusCompleted {
		t.Errorf("unexpected result %+v", res)
	}
}

// =============================================================================
// Properties
// =============================================================================

func TestProcess_AccountingAndTerminalStatus(t *testing.T) {
	const n = 4
	tests := []struct {
		failures int
		strict   bool
		want     domain.BatchStatus
	}{
		{0, false, domain.BatchStatusCompleted},
		{1, false, domain.BatchStatusCompleted},
		{3, false, domain.BatchStatusCompleted},
		{4, false, domain.BatchStatusFailed},
		{0, true, domain.BatchStatusCompleted},
		{2, true, domain.BatchStatusCompletedWithErrors},
		{4, true, domain.BatchStatusFailed},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("failures=%d strict=%v", tt.failures, tt.strict), func(t *testing.T) {
			f := newFixture()
			cfg := DefaultConfig()
			cfg.StrictStatus = tt.strict
			o := f.orchestrator(cfg)

			var failing []string
			for i := 1; i <= tt.failures; i++ {
				failing = append(failing, fmt.Sprintf("item-%d", i))
			}

			res, err := Process(context.Background(), o, "job", "ns", makeItems(n),
				handlerFailing(newCallLog(), errTransient, failing...))
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if res.ProcessedCount != n {
				t.Errorf("expected processed %d, got %d", n, res.ProcessedCount)
			}
			if len(res.FailedItemIDs) != tt.failures {
				t.Errorf("expected %d failures, got %d", tt.failures, len(res.FailedItemIDs))
			}
			if res.Status != tt.want {
				t.Errorf("expected status %s, got %s", tt.want, res.Status)
			}

			stored := f.store.GetState(context.Background(), "job", "ns")
			if stored.Status != tt.want {
				t.Errorf("expected stored status %s, got %s", tt.want, stored.Status)
			}
			if stored.Status == domain.BatchStatusCompleted && tt.failures == 0 && len(stored.FailedItemIDs) != 0 {
				t.Errorf("completed batch must have no failed items, got %v", stored.FailedItemIDs)
			}
		})
	}
}

func TestProcess_CheckpointBeforeEachItem(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(DefaultConfig())

	var processedAtStart []int
	_, err := Process(context.Background(), o, "job", "ns", makeItems(3), func(ctx context.Context, item testItem) error {
		stored := f.store.GetState(ctx, "job", "ns")
		if stored == nil || stored.LastProcessedItemID == nil || *stored.LastProcessedItemID != item.id {
			t.Errorf("checkpoint for %s not written before the handler ran: %+v", item.id, stored)
			return nil
		}
		processedAtStart = append(processedAtStart, stored.ProcessedCount)
		return nil
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := []int{0, 1, 2}
	if len(processedAtStart) != len(want) {
		t.Fatalf("expected %v, got %v", want, processedAtStart)
	}
	for i := range want {
		if processedAtStart[i] != want[i] {
			t.Errorf("item %d: expected processed %d at checkpoint, got %d", i, want[i], processedAtStart[i])
		}
	}
}

func TestProcess_EmptyInput(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(DefaultConfig())

	res, err := Process(context.Background(), o, "empty", "ns", []testItem{}, handlerFailing(newCallLog(), nil))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Status != domain.BatchStatusCompleted || res.ProcessedCount != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if f.store.GetState(context.Background(), "empty", "ns") == nil {
		t.Error("expected a state row for an empty batch")
	}
}

func TestProcess_FinishedBatchStartsOver(t *testing.T) {
	f := newFixture()
	last := "item-3"
	f.seed(t, &domain.BatchJobState{
		JobID: "job", Namespace: "ns", LastProcessedItemID: &last,
		ProcessedCount: 3, TotalCount: 3, Status: domain.BatchStatusCompleted,
	})

	o := f.orchestrator(DefaultConfig())
	log := newCallLog()
	res, err := Process(context.Background(), o, "job", "ns", makeItems(3), handlerFailing(log, nil))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(log.order) != 3 || res.Resumed {
		t.Errorf("expected a fresh run over all items, got %v (resumed=%v)", log.order, res.Resumed)
	}
}

// =============================================================================
// Errors
// =============================================================================

func TestProcess_PersistenceErrorAbortsRun(t *testing.T) {
	f := newFixture()
	// initial upsert, pre-checkpoint item-1, post-checkpoint item-1, then fail.
	f.repo.allow = 3
	o := f.orchestrator(DefaultConfig())
	log := newCallLog()

	_, err := Process(context.Background(), o, "job", "ns", makeItems(3), handlerFailing(log, nil))

	var perr *batch.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if !equalStrings(log.order, []string{"item-1"}) {
		t.Errorf("expected handler to stop after the failed checkpoint, got %v", log.order)
	}
	if f.sink.count(EventBatchFinished) != 0 {
		t.Error("aborted run must not report batch_finished")
	}
}

func TestProcess_ReadErrorStartsFresh(t *testing.T) {
	f := newFixture()
	last := "item-2"
	f.seed(t, &domain.BatchJobState{
		JobID: "job", Namespace: "ns", LastProcessedItemID: &last,
		ProcessedCount: 2, TotalCount: 3, Status: domain.BatchStatusInProgress,
	})
	f.repo.failRead = true

	o := f.orchestrator(DefaultConfig())
	log := newCallLog()
	res, err := Process(context.Background(), o, "job", "ns", makeItems(3), handlerFailing(log, nil))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(log.order) != 3 {
		t.Errorf("expected full reprocessing, got %v", log.order)
	}
	if res.ProcessedCount != 3 {
		t.Errorf("expected processed 3, got %d", res.ProcessedCount)
	}
}

func TestProcess_MissingCursor(t *testing.T) {
	seed := func(f *fixture, t *testing.T) {
		gone := "item-99"
		f.seed(t, &domain.BatchJobState{
			JobID: "job", Namespace: "ns", LastProcessedItemID: &gone,
			ProcessedCount: 5, TotalCount: 6, FailedItemIDs: []string{"item-98"},
			Status: domain.BatchStatusInProgress,
		})
	}

	t.Run("restart", func(t *testing.T) {
		f := newFixture()
		seed(f, t)
		o := f.orchestrator(DefaultConfig())
		log := newCallLog()

		res, err := Process(context.Background(), o, "job", "ns", makeItems(3), handlerFailing(log, nil))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if len(log.order) != 3 {
			t.Errorf("expected all items to be reprocessed, got %v", log.order)
		}
		if res.ProcessedCount != 3 || len(res.FailedItemIDs) != 0 || res.Resumed {
			t.Errorf("expected counters to restart, got %+v", res)
		}
		if f.sink.count(EventResumeCursorMissing) != 1 {
			t.Error("expected resume_cursor_missing event")
		}
	})

	t.Run("abort", func(t *testing.T) {
		f := newFixture()
		seed(f, t)
		cfg := DefaultConfig()
		cfg.OnMissingCursor = MissingCursorAbort
		o := f.orchestrator(cfg)
		log := newCallLog()

		_, err := Process(context.Background(), o, "job", "ns", makeItems(3), handlerFailing(log, nil))
		if !errors.Is(err, ErrResumeCursorNotFound) {
			t.Fatalf("expected ErrResumeCursorNotFound, got %v", err)
		}
		if len(log.order) != 0 {
			t.Errorf("expected no items to run, got %v", log.order)
		}
		stored := f.store.GetState(context.Background(), "job", "ns")
		if stored.ProcessedCount != 5 || *stored.LastProcessedItemID != "item-99" {
			t.Errorf("state must be left untouched, got %+v", stored)
		}
	})
}

// =============================================================================
// Locking
// =============================================================================

func TestProcess_ConcurrentRunRejected(t *testing.T) {
	f := newFixture()
	locker := memory.NewLocker()
	if ok, _ := locker.TryLock(context.Background(), "ns/job", "other-run", time.Minute); !ok {
		t.Fatal("expected lock")
	}

	o := f.orchestrator(DefaultConfig(), WithLocker(locker))
	log := newCallLog()
	_, err := Process(context.Background(), o, "job", "ns", makeItems(2), handlerFailing(log, nil))

	var cerr *ConcurrentRunError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConcurrentRunError, got %v", err)
	}
	if cerr.Key.JobID != "job" || cerr.Key.Namespace != "ns" {
		t.Errorf("unexpected key %v", cerr.Key)
	}
	if len(log.order) != 0 {
		t.Errorf("expected no items to run, got %v", log.order)
	}

	// Another batch is not affected.
	if _, err := Process(context.Background(), o, "job-2", "ns", makeItems(2), handlerFailing(log, nil)); err != nil {
		t.Errorf("unexpected error for a different batch: %v", err)
	}
}

func TestProcess_LockReleasedAfterRun(t *testing.T) {
	f := newFixture()
	locker := memory.NewLocker()
	o := f.orchestrator(DefaultConfig(), WithLocker(locker))

	if _, err := Process(context.Background(), o, "job", "ns", makeItems(2), handlerFailing(newCallLog(), nil)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if ok, _ := locker.TryLock(context.Background(), "ns/job", "next-run", time.Minute); !ok {
		t.Error("expected lock to be released after the run")
	}
}

// lostLocker grants the lock but refuses every refresh.
type lostLocker struct{}

func (lostLocker) TryLock(context.Context, string, string, time.Duration) (bool, error) { return true, nil }
func (lostLocker) Refresh(context.Context, string, string, time.Duration) (bool, error) { return false, nil }
func (lostLocker) Unlock(context.Context, string, string) error                        { return nil }

func TestProcess_LockLostStopsRun(t *testing.T) {
	f := newFixture()
	cfg := DefaultConfig()
	cfg.LockTTL = 30 * time.Millisecond
	o := f.orchestrator(cfg, WithLocker(lostLocker{}))

	_, err := Process(context.Background(), o, "job", "ns", makeItems(2), func(ctx context.Context, item testItem) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}

// =============================================================================
// Events
// =============================================================================

func TestProcess_Events(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(DefaultConfig())

	_, err := Process(context.Background(), o, "job", "ns", makeItems(3),
		handlerFailing(newCallLog(), errTransient, "item-2"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	tests := []struct {
		typ  EventType
		want int
	}{
		{EventBatchStarted, 1},
		{EventItemSucceeded, 2},
		{EventItemRetry, 2},
		{EventItemFailed, 1},
		{EventBatchFinished, 1},
	}
	for _, tt := range tests {
		if got := f.sink.count(tt.typ); got != tt.want {
			t.Errorf("%s: expected %d events, got %d", tt.typ, tt.want, got)
		}
	}

	runID := f.sink.events[0].RunID
	for _, e := range f.sink.events {
		if e.RunID != runID || e.JobID != "job" || e.Namespace != "ns" {
			t.Errorf("event not tagged with the run: %+v", e)
		}
	}
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
