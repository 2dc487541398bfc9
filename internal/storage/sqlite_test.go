package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/lifelog-app/lifelog/internal/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(id string, priority int, createdAt int64) schema.Job {
	return schema.Job{
		ID:          id,
		Type:        schema.JobProcessEntry,
		EntryID:     "entry-" + id,
		Status:      schema.JobPending,
		Priority:    priority,
		MaxAttempts: 5,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func mustInsert[T any](t *testing.T, s *Store, c schema.Collection, id string, doc T) {
	t.Helper()
	if err := Insert(context.Background(), s, c, id, doc); err != nil {
		t.Fatalf("Insert %s/%s: %v", c.Name, id, err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()
	v2, err := s2.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if !reflect.DeepEqual(v1, v2) {
		t.Errorf("migrations changed: %v -> %v", v1, v2)
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_entries_created", "idx_entries_created_id",
		"idx_jobs_status_id", "idx_jobs_entry", "idx_jobs_created", "idx_jobs_claim",
		"idx_logs_entity_created", "idx_logs_level_created", "idx_logs_created", "idx_logs_ttl",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("002_leases.sql")
	if err != nil || v != 2 {
		t.Errorf("parseMigrationVersion = %d, %v", v, err)
	}
	if _, err := parseMigrationVersion("leases.sql"); err == nil {
		t.Error("expected error for unnumbered file")
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := testJob("j1", 3, 100)
	mustInsert(t, s, schema.Jobs, job.ID, job)

	got, err := Get[schema.Job](ctx, s, schema.Jobs, "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, job) {
		t.Errorf("round-trip mismatch:\n got %+v\nwant %+v", got, job)
	}

	if _, err := Get[schema.Job](ctx, s, schema.Jobs, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestInsertDuplicateConflicts(t *testing.T) {
	s := openTestStore(t)

	job := testJob("j1", 3, 100)
	mustInsert(t, s, schema.Jobs, job.ID, job)
	if err := Insert(context.Background(), s, schema.Jobs, job.ID, job); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate insert = %v, want ErrConflict", err)
	}
}

func TestInsertRejectsInvalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := testJob("j1", 9, 100)
	err := Insert(ctx, s, schema.Jobs, job.ID, job)
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *schema.ValidationError, got %v", err)
	}
	if verr.Field != "priority" {
		t.Errorf("Field = %q, want priority", verr.Field)
	}

	n, err := s.Count(ctx, "jobs", "")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("invalid job was stored")
	}
}

func TestPatchMergesFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := schema.Entry{
		ID: "e1", Kind: schema.KindAudio, CreatedAt: 1, UpdatedAt: 1,
		GivenContext: []string{},
		AsyncControl: schema.AsyncControl{
			AudioConvertingToEntryText: schema.AudioProcessing,
			EnrichmentStatus:           schema.EnrichmentIdle,
		},
	}
	mustInsert(t, s, schema.Entries, e.ID, e)

	if _, err := Patch[schema.Entry](ctx, s, schema.Entries, "e1",
		map[string]any{"asyncControl": map[string]any{"audioConvertingToEntryText": "done"}}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	got, err := Patch[schema.Entry](ctx, s, schema.Entries, "e1",
		map[string]any{"asyncControl": map[string]any{"enrichmentStatus": "running"}})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if got.AsyncControl.AudioConvertingToEntryText != schema.AudioDone {
		t.Errorf("audio = %s, want done", got.AsyncControl.AudioConvertingToEntryText)
	}
	if got.AsyncControl.EnrichmentStatus != schema.EnrichmentRunning {
		t.Errorf("enrichment = %s, want running", got.AsyncControl.EnrichmentStatus)
	}

	if _, err := Patch[schema.Entry](ctx, s, schema.Entries, "nope", map[string]any{"updatedAt": 2}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Patch(nope) = %v, want ErrNotFound", err)
	}
}

func TestPatchRejectsInvalidResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := testJob("j1", 3, 100)
	mustInsert(t, s, schema.Jobs, job.ID, job)

	_, err := Patch[schema.Job](ctx, s, schema.Jobs, "j1", map[string]any{"status": "exploded"})
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *schema.ValidationError, got %v", err)
	}

	got, err := Get[schema.Job](ctx, s, schema.Jobs, "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != schema.JobPending {
		t.Errorf("invalid patch must roll back, status = %s", got.Status)
	}
}

func TestPatchIfCondition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := testJob("j1", 3, 100)
	mustInsert(t, s, schema.Jobs, job.ID, job)

	got, ok, err := PatchIf[schema.Job](ctx, s, schema.Jobs, "j1", "status = ?", []any{"pending"},
		map[string]any{"status": "running", "attempts": 1})
	if err != nil || !ok {
		t.Fatalf("first PatchIf = %v, %v", ok, err)
	}
	if got.Status != schema.JobRunning {
		t.Errorf("status = %s, want running", got.Status)
	}

	_, ok, err = PatchIf[schema.Job](ctx, s, schema.Jobs, "j1", "status = ?", []any{"pending"},
		map[string]any{"status": "running", "attempts": 2})
	if err != nil {
		t.Fatalf("second PatchIf: %v", err)
	}
	if ok {
		t.Error("condition no longer holds, patch should not apply")
	}

	_, _, err = PatchIf[schema.Job](ctx, s, schema.Jobs, "ghost", "status = ?", []any{"pending"},
		map[string]any{"status": "running"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("PatchIf(ghost) = %v, want ErrNotFound", err)
	}
}

func TestPatchNullRemovesField(t *testing.T) {
	s := openTestStore(t)

	job := testJob("j1", 3, 100)
	until := int64(500)
	job.LockedUntil = &until
	job.Status = schema.JobRunning
	job.Attempts = 1
	mustInsert(t, s, schema.Jobs, job.ID, job)

	got, err := Patch[schema.Job](context.Background(), s, schema.Jobs, "j1", map[string]any{"lockedUntil": nil})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got.LockedUntil != nil {
		t.Errorf("lockedUntil = %d, want nil", *got.LockedUntil)
	}
}

func TestFindOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, p := range []int{3, 1, 2} {
		j := testJob(fmt.Sprintf("j%d", i), p, int64(100+i))
		mustInsert(t, s, schema.Jobs, j.ID, j)
	}

	jobs, err := Find[schema.Job](ctx, s, schema.Jobs, Filter{
		Where:   "status = ?",
		Args:    []any{"pending"},
		OrderBy: "priority ASC, created_at ASC, id ASC",
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("len = %d, want 3", len(jobs))
	}
	if got := []int{jobs[0].Priority, jobs[1].Priority, jobs[2].Priority}; !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("priorities = %v", got)
	}

	ids, err := s.FindIDs(ctx, "jobs", Filter{OrderBy: "created_at DESC", Limit: 2})
	if err != nil {
		t.Fatalf("FindIDs: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"j2", "j1"}) {
		t.Errorf("ids = %v", ids)
	}
}

func TestLogsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	l := schema.Log{ID: "l1", CreatedAt: 1, Entity: schema.EntityRef{Type: "job", ID: "j1"}, Level: schema.LevelInfo, Event: "job.enqueued", Message: "hi"}
	mustInsert(t, s, schema.Logs, l.ID, l)

	if _, err := Patch[schema.Log](ctx, s, schema.Logs, "l1", map[string]any{"message": "rewritten"}); !errors.Is(err, ErrAppendOnly) {
		t.Errorf("Patch(log) = %v, want ErrAppendOnly", err)
	}

	got, err := Get[schema.Log](ctx, s, schema.Logs, "l1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Message != "hi" {
		t.Errorf("message = %q, want hi", got.Message)
	}
}

func TestDeleteWhereBounded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ttl := int64(10)
		l := schema.Log{ID: fmt.Sprintf("l%d", i), CreatedAt: 1, Entity: schema.EntityRef{Type: "entry"}, Level: schema.LevelDebug, Event: "x", TTLAfter: &ttl}
		mustInsert(t, s, schema.Logs, l.ID, l)
	}

	n, err := s.DeleteWhere(ctx, "logs", "ttl_after <= ?", 3, 10)
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}

	left, err := s.Count(ctx, "logs", "")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if left != 2 {
		t.Errorf("left = %d, want 2", left)
	}

	if _, err := s.DeleteWhere(ctx, "logs", "", 0); err == nil {
		t.Error("unbounded delete should be rejected")
	}
}

func TestWithTxRollbackAndAfterCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fired := 0
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context) error {
		j := testJob("j1", 3, 1)
		if err := Insert(ctx, s, schema.Jobs, j.ID, j); err != nil {
			return err
		}
		AfterCommit(ctx, func() { fired++ })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx = %v, want boom", err)
	}
	if fired != 0 {
		t.Error("after-commit ran on rollback")
	}
	if ok, err := s.Exists(ctx, "jobs", "j1"); err != nil || ok {
		t.Errorf("rolled back insert visible: %v, %v", ok, err)
	}

	err = s.WithTx(ctx, func(ctx context.Context) error {
		if !InTx(ctx) {
			t.Error("InTx should be true inside WithTx")
		}
		j := testJob("j2", 3, 1)
		AfterCommit(ctx, func() { fired++ })
		// Nested calls join the outer transaction.
		return s.WithTx(ctx, func(ctx context.Context) error {
			return Insert(ctx, s, schema.Jobs, j.ID, j)
		})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if fired != 1 {
		t.Errorf("after-commit fired %d times, want 1", fired)
	}
	if ok, err := s.Exists(ctx, "jobs", "j2"); err != nil || !ok {
		t.Errorf("committed insert missing: %v, %v", ok, err)
	}
}

// TestWriteTxAcrossHandles runs read-modify-write transactions from two
// handles on one file at once. Each must wait for the other rather than fail
// with a lock error, and no update may be lost.
func TestWriteTxAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open A: %v", err)
	}
	defer a.Close()
	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open B: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	job := testJob("j1", 3, 1)
	mustInsert(t, a, schema.Jobs, job.ID, job)

	const perHandle = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*perHandle)
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < perHandle; i++ {
				errs <- s.WithTx(ctx, func(ctx context.Context) error {
					cur, err := Get[schema.Job](ctx, s, schema.Jobs, "j1")
					if err != nil {
						return err
					}
					_, err = Patch[schema.Job](ctx, s, schema.Jobs, "j1", map[string]any{"attempts": cur.Attempts + 1})
					return err
				})
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("write transaction failed: %v", err)
		}
	}

	got, err := Get[schema.Job](ctx, b, schema.Jobs, "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Attempts != 2*perHandle {
		t.Errorf("attempts = %d, want %d", got.Attempts, 2*perHandle)
	}
}

func TestUpgradeDocuments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`INSERT INTO entries (id, schema_version, doc) VALUES (?, 0, ?)`, "old",
		`{"id":"old","kind":"text","createdAt":5,"content":{"phaseA":{"entryText":"x"}},"givenContext":[],"asyncControl":{"enrichedAt":"2023-11-14T22:13:20Z"}}`)
	if err != nil {
		t.Fatalf("seeding v0 document: %v", err)
	}

	n, err := s.UpgradeDocuments(ctx, schema.Entries)
	if err != nil {
		t.Fatalf("UpgradeDocuments: %v", err)
	}
	if n != 1 {
		t.Errorf("upgraded %d, want 1", n)
	}

	var version int
	if err := s.db.QueryRow(`SELECT schema_version FROM entries WHERE id = 'old'`).Scan(&version); err != nil {
		t.Fatalf("reading schema_version: %v", err)
	}
	if version != schema.Entries.Version {
		t.Errorf("schema_version = %d, want %d", version, schema.Entries.Version)
	}

	e, err := Get[schema.Entry](ctx, s, schema.Entries, "old")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.AsyncControl.EnrichedAt != 1700000000000 {
		t.Errorf("enrichedAt = %d", e.AsyncControl.EnrichedAt)
	}

	n, err = s.UpgradeDocuments(ctx, schema.Entries)
	if err != nil {
		t.Fatalf("second UpgradeDocuments: %v", err)
	}
	if n != 0 {
		t.Errorf("second pass upgraded %d, want 0", n)
	}
}
