package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/lifelog-app/lifelog/internal/hooks"
	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/storage"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func seedEntries(t *testing.T, db *storage.Store) {
	t.Helper()
	for _, id := range []string{"e1", "e2", "e3"} {
		e := schema.Entry{
			ID: id, Kind: schema.KindText, CreatedAt: 1, UpdatedAt: 1,
			Content:      schema.Content{PhaseA: schema.PhaseA{EntryText: "text " + id}},
			GivenContext: []string{},
			AsyncControl: schema.AsyncControl{AudioConvertingToEntryText: schema.AudioDone, EnrichmentStatus: schema.EnrichmentIdle},
		}
		if err := storage.Insert(context.Background(), db, schema.Entries, id, e); err != nil {
			t.Fatalf("seeding entry %s: %v", id, err)
		}
	}
}

func openTestStore(t *testing.T, opts ...Option) (*Store, *manualClock) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	seedEntries(t, db)

	clock := &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(db, append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func mustCreate(t *testing.T, s *Store, entryID string, opts ...CreateOption) schema.Job {
	t.Helper()
	j, err := s.CreateJob(context.Background(), entryID, opts...)
	if err != nil {
		t.Fatalf("CreateJob(%s): %v", entryID, err)
	}
	return j
}

func mustStart(t *testing.T, s *Store, id string) schema.Job {
	t.Helper()
	j, err := s.StartJob(context.Background(), id)
	if err != nil {
		t.Fatalf("StartJob(%s): %v", id, err)
	}
	return j
}

func mustGet(t *testing.T, s *Store, id string) schema.Job {
	t.Helper()
	j, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return j
}

func TestCreateJobDefaults(t *testing.T) {
	s, _ := openTestStore(t)

	j := mustCreate(t, s, "e1")
	if j.Status != schema.JobPending || j.Type != schema.JobProcessEntry || j.EntryID != "e1" {
		t.Errorf("unexpected job: %+v", j)
	}
	if j.Priority != DefaultPriority || j.MaxAttempts != DefaultMaxAttempts || j.Attempts != 0 {
		t.Errorf("priority/maxAttempts/attempts = %d/%d/%d", j.Priority, j.MaxAttempts, j.Attempts)
	}

	if stored := mustGet(t, s, j.ID); !reflect.DeepEqual(stored, j) {
		t.Errorf("stored job differs:\n got %+v\nwant %+v", stored, j)
	}
}

func TestCreateJobRejectsOutOfRange(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, opt := range []CreateOption{WithPriority(7), WithPriority(0), WithMaxAttempts(0)} {
		_, err := s.CreateJob(ctx, "e1", opt)
		var verr *schema.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("expected *schema.ValidationError, got %v", err)
		}
	}

	list, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("rejected jobs were persisted: %d", len(list))
	}
}

func TestCreateJobUnknownEntry(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.CreateJob(context.Background(), "ghost")
	var nf *EntryNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *EntryNotFoundError, got %v", err)
	}
	if nf.EntryID != "ghost" {
		t.Errorf("EntryID = %q", nf.EntryID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		t.Error("EntryNotFoundError should match storage.ErrNotFound")
	}
}

func TestFetchNextJobIdle(t *testing.T) {
	s, _ := openTestStore(t)
	j, err := s.FetchNextJob(context.Background())
	if err != nil {
		t.Fatalf("FetchNextJob: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil, got %+v", j)
	}
}

func TestFetchNextJobPriorityOrder(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	for _, p := range []int{3, 1, 2} {
		mustCreate(t, s, "e1", WithPriority(p))
		clock.Advance(time.Millisecond)
	}

	var got []int
	for {
		j, err := s.FetchNextJob(ctx)
		if err != nil {
			t.Fatalf("FetchNextJob: %v", err)
		}
		if j == nil {
			break
		}
		got = append(got, j.Priority)
		mustStart(t, s, j.ID)
	}
	if !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("claim order = %v, want [1 2 3]", got)
	}
}

func TestFetchNextJobOldestFirstWithinPriority(t *testing.T) {
	s, clock := openTestStore(t)

	first := mustCreate(t, s, "e1")
	clock.Advance(time.Second)
	mustCreate(t, s, "e2")

	next, err := s.FetchNextJob(context.Background())
	if err != nil {
		t.Fatalf("FetchNextJob: %v", err)
	}
	if next == nil || next.ID != first.ID {
		t.Errorf("next = %+v, want %s", next, first.ID)
	}
}

func TestRoundTripClaim(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	created := mustCreate(t, s, "e1")

	next, err := s.FetchNextJob(ctx)
	if err != nil {
		t.Fatalf("FetchNextJob: %v", err)
	}
	if next == nil || next.ID != created.ID {
		t.Fatalf("next = %+v, want %s", next, created.ID)
	}

	started := mustStart(t, s, next.ID)
	if started.Status != schema.JobRunning || started.Attempts != 1 || started.LockedUntil == nil {
		t.Errorf("started = %+v", started)
	}

	again, err := s.FetchNextJob(ctx)
	if err != nil {
		t.Fatalf("FetchNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("running job was offered again: %+v", again)
	}
}

func TestStartJobTwice(t *testing.T) {
	s, _ := openTestStore(t)

	j := mustCreate(t, s, "e1")
	mustStart(t, s, j.ID)
	_, err := s.StartJob(context.Background(), j.ID)

	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected *InvalidStateError, got %v", err)
	}
	if ise.Current != schema.JobRunning || ise.Expected != schema.JobPending {
		t.Errorf("current/expected = %s/%s", ise.Current, ise.Expected)
	}
	if !errors.Is(err, ErrInvalidState) {
		t.Error("should match ErrInvalidState")
	}
	if want := "job " + j.ID + " is 'running', expected 'pending'"; ise.Error() != want {
		t.Errorf("Error() = %q, want %q", ise.Error(), want)
	}
}

func TestStartJobConcurrent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	j := mustCreate(t, s, "e1")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.StartJob(ctx, j.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("loser got %v, want ErrInvalidState", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	if got := mustGet(t, s, j.ID); got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

// TestStartJobAcrossProcesses races two stores opened on the same file. The
// loser must see the winner's commit and get the typed state error, not a
// locking error from the driver.
func TestStartJobAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	dbA, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("Open A: %v", err)
	}
	defer dbA.Close()
	dbB, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("Open B: %v", err)
	}
	defer dbB.Close()
	seedEntries(t, dbA)

	a := New(dbA)
	b := New(dbB)
	ctx := context.Background()
	j := mustCreate(t, a, "e1")

	bErr := make(chan error, 1)
	err = dbA.WithTx(ctx, func(ctx context.Context) error {
		cur, err := a.Get(ctx, j.ID)
		if err != nil {
			return err
		}
		if cur.Status != schema.JobPending {
			t.Errorf("status = %s before the race", cur.Status)
		}

		// B runs outside A's transaction.
		go func() {
			_, err := b.StartJob(context.Background(), j.ID)
			bErr <- err
		}()
		time.Sleep(50 * time.Millisecond)

		_, err = a.StartJob(ctx, j.ID)
		return err
	})
	if err != nil {
		t.Fatalf("winner: %v", err)
	}

	select {
	case err := <-bErr:
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("loser got %v, want ErrInvalidState", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("loser never returned")
	}

	if got := mustGet(t, b, j.ID); got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestFailJobRetryThenTerminal(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	j := mustCreate(t, s, "e1", WithMaxAttempts(5))

	// Burn three attempts so the next start brings attempts to 4.
	for i := 0; i < 3; i++ {
		started := mustStart(t, s, j.ID)
		if _, err := s.FailJob(ctx, j.ID, started.Attempts, "flaky"); err != nil {
			t.Fatalf("FailJob: %v", err)
		}
	}

	started := mustStart(t, s, j.ID)
	if started.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", started.Attempts)
	}
	failed, err := s.FailJob(ctx, j.ID, 4, "timeout")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if failed.Status != schema.JobPending || failed.Error != "timeout" || failed.LockedUntil != nil {
		t.Errorf("after retryable failure: %+v", failed)
	}

	started = mustStart(t, s, j.ID)
	if started.Attempts != 5 {
		t.Fatalf("attempts = %d, want 5", started.Attempts)
	}
	failed, err = s.FailJob(ctx, j.ID, 5, "timeout")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if failed.Status != schema.JobFailed {
		t.Errorf("status = %s, want failed", failed.Status)
	}
	if failed.Attempts > failed.MaxAttempts {
		t.Errorf("attempts %d exceed maxAttempts %d", failed.Attempts, failed.MaxAttempts)
	}

	if _, err := s.StartJob(ctx, j.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("failed is terminal: StartJob = %v", err)
	}
	if _, err := s.FailJob(ctx, j.ID, 5, "again"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("FailJob on failed job = %v", err)
	}
}

func TestFailJobRetryAtDelaysClaim(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	j := mustCreate(t, s, "e1")
	started := mustStart(t, s, j.ID)
	if _, err := s.FailJob(ctx, j.ID, started.Attempts, "rate limited", RetryAt(clock.Now().Add(10*time.Second))); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	next, err := s.FetchNextJob(ctx)
	if err != nil {
		t.Fatalf("FetchNextJob: %v", err)
	}
	if next != nil {
		t.Errorf("job is backing off but was offered: %+v", next)
	}

	clock.Advance(10 * time.Second)
	next, err = s.FetchNextJob(ctx)
	if err != nil {
		t.Fatalf("FetchNextJob: %v", err)
	}
	if next == nil || next.ID != j.ID {
		t.Errorf("next = %+v, want %s", next, j.ID)
	}
}

func TestNotBefore(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "e1", NotBefore(clock.Now().Add(time.Minute)))

	next, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if next != nil {
		t.Errorf("claimed a job scheduled in the future: %+v", next)
	}

	clock.Advance(time.Minute)
	next, err = s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if next == nil || next.Status != schema.JobRunning {
		t.Errorf("next = %+v, want running job", next)
	}
}

func TestCompleteJob(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	j := mustCreate(t, s, "e1")

	if _, err := s.CompleteJob(ctx, j.ID, 0, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("pending jobs cannot complete: %v", err)
	}

	started := mustStart(t, s, j.ID)
	done, err := s.CompleteJob(ctx, j.ID, started.Attempts, map[string]any{"tags": 2})
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if done.Status != schema.JobCompleted || done.LockedUntil != nil {
		t.Errorf("done = %+v", done)
	}
	var result map[string]int
	if err := json.Unmarshal(done.Result, &result); err != nil || result["tags"] != 2 {
		t.Errorf("result = %s (%v)", done.Result, err)
	}

	if _, err := s.CompleteJob(ctx, j.ID, started.Attempts, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("completed is terminal: %v", err)
	}
	if _, err := s.CompleteJob(ctx, "ghost", 1, nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown job: %v", err)
	}
}

func TestReclaimExpired(t *testing.T) {
	s, clock := openTestStore(t, WithLockTTL(time.Minute))
	ctx := context.Background()

	stuck := mustCreate(t, s, "e1", WithMaxAttempts(1))
	retry := mustCreate(t, s, "e2")
	mustStart(t, s, stuck.ID)
	mustStart(t, s, retry.ID)

	n, err := s.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed %d while locks are held", n)
	}

	clock.Advance(time.Minute)
	n, err = s.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("reclaimed %d, want 2", n)
	}

	if got := mustGet(t, s, stuck.ID); got.Status != schema.JobFailed || got.Error != "lock expired" {
		t.Errorf("stuck = %s %q", got.Status, got.Error)
	}
	if got := mustGet(t, s, retry.ID); got.Status != schema.JobPending {
		t.Errorf("retry = %s, want pending", got.Status)
	}
}

// TestStaleWorkerAfterReclaim checks that a worker whose lock expired cannot
// record an outcome once another worker holds the next attempt.
func TestStaleWorkerAfterReclaim(t *testing.T) {
	s, clock := openTestStore(t, WithLockTTL(2*time.Minute))
	ctx := context.Background()

	j := mustCreate(t, s, "e1")
	first := mustStart(t, s, j.ID)

	clock.Advance(2 * time.Minute)
	if n, err := s.ReclaimExpired(ctx); err != nil || n != 1 {
		t.Fatalf("ReclaimExpired = %d, %v", n, err)
	}
	second := mustStart(t, s, j.ID)
	if second.Attempts != first.Attempts+1 {
		t.Fatalf("second attempt = %d", second.Attempts)
	}

	_, err := s.FailJob(ctx, j.ID, first.Attempts, "late failure")
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("stale FailJob = %v, want *InvalidStateError", err)
	}
	if ise.Attempt != second.Attempts || ise.ExpectedAttempt != first.Attempts {
		t.Errorf("attempt/expected = %d/%d", ise.Attempt, ise.ExpectedAttempt)
	}
	if _, err := s.CompleteJob(ctx, j.ID, first.Attempts, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("stale CompleteJob = %v", err)
	}

	got := mustGet(t, s, j.ID)
	if got.Status != schema.JobRunning || got.Attempts != second.Attempts || got.Error == "late failure" {
		t.Errorf("second run was disturbed: %+v", got)
	}

	if _, err := s.CompleteJob(ctx, j.ID, second.Attempts, nil); err != nil {
		t.Fatalf("current worker CompleteJob: %v", err)
	}
}

func TestDeferJobKeepsAttempt(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	j := mustCreate(t, s, "e1", WithMaxAttempts(1))
	started := mustStart(t, s, j.ID)

	deferred, err := s.DeferJob(ctx, j.ID, started.Attempts, clock.Now().Add(30*time.Second))
	if err != nil {
		t.Fatalf("DeferJob: %v", err)
	}
	if deferred.Status != schema.JobPending || deferred.Attempts != 0 || deferred.LockedUntil != nil {
		t.Errorf("deferred = %+v", deferred)
	}

	if next, _ := s.Claim(ctx); next != nil {
		t.Errorf("claimed before the deferral elapsed: %+v", next)
	}
	clock.Advance(30 * time.Second)
	next, err := s.Claim(ctx)
	if err != nil || next == nil {
		t.Fatalf("Claim = %+v, %v", next, err)
	}
	if next.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", next.Attempts)
	}

	if _, err := s.DeferJob(ctx, j.ID, 7, clock.Now()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("DeferJob with a stale attempt = %v", err)
	}
}

func TestListAndCount(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, "e1")
	clock.Advance(time.Millisecond)
	mustCreate(t, s, "e2")
	clock.Advance(time.Millisecond)
	mustCreate(t, s, "e2")
	mustStart(t, s, a.ID)

	forE2, err := s.List(ctx, ListFilter{EntryID: "e2"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(forE2) != 2 {
		t.Fatalf("len = %d, want 2", len(forE2))
	}
	if forE2[0].CreatedAt <= forE2[1].CreatedAt {
		t.Error("list should be newest first")
	}

	running, err := s.List(ctx, ListFilter{Status: schema.JobRunning})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(running) != 1 || running[0].ID != a.ID {
		t.Errorf("running = %+v", running)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	want := map[schema.JobStatus]int{
		schema.JobPending: 2, schema.JobRunning: 1, schema.JobCompleted: 0, schema.JobFailed: 0,
	}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("counts = %v, want %v", counts, want)
	}
}

func TestJobHooks(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	var events []string
	s.Hooks().On(hooks.PostInsert, "rec", func(_ context.Context, j *schema.Job) error {
		events = append(events, "insert:"+string(j.Status))
		return nil
	})
	s.Hooks().On(hooks.PostSave, "rec", func(_ context.Context, j *schema.Job) error {
		events = append(events, "save:"+string(j.Status))
		return errors.New("observer failure is swallowed")
	})

	j := mustCreate(t, s, "e1")
	started := mustStart(t, s, j.ID)
	if _, err := s.CompleteJob(ctx, j.ID, started.Attempts, nil); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	want := []string{"insert:pending", "save:running", "save:completed"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}
