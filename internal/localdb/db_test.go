package localdb

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/lifelog-app/lifelog/internal/entries"
	"github.com/lifelog-app/lifelog/internal/feed"
	"github.com/lifelog-app/lifelog/internal/jobs"
	"github.com/lifelog-app/lifelog/internal/logger"
	"github.com/lifelog-app/lifelog/internal/schema"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Options{DataDir: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addEntry(t *testing.T, db *DB, text string) schema.Entry {
	t.Helper()
	e, err := db.Entries.AddEntry(context.Background(), entries.Input{Text: text})
	if err != nil {
		t.Fatalf("AddEntry(%q): %v", text, err)
	}
	return e
}

func claim(t *testing.T, db *DB) schema.Job {
	t.Helper()
	j, err := db.Jobs.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if j == nil {
		t.Fatal("Claim: queue is empty")
	}
	return *j
}

func queryLogs(t *testing.T, db *DB, f logger.Filter) []schema.Log {
	t.Helper()
	recs, err := db.Logs.Query(context.Background(), f)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return recs
}

func TestAddEntryEnqueuesAndLogs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	e := addEntry(t, db, "buy milk")
	if len(e.GivenContext) != 0 {
		t.Errorf("first entry has context %v", e.GivenContext)
	}
	if e.AsyncControl.EnrichmentStatus != schema.EnrichmentIdle {
		t.Errorf("enrichment = %s, want idle", e.AsyncControl.EnrichmentStatus)
	}

	js, err := db.Jobs.List(ctx, jobs.ListFilter{EntryID: e.ID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(js) != 1 {
		t.Fatalf("jobs for entry = %d, want 1", len(js))
	}
	j := js[0]
	if j.Status != schema.JobPending || j.Priority != 3 || j.MaxAttempts != 5 {
		t.Errorf("job = %+v", j)
	}

	entryLogs := queryLogs(t, db, logger.Filter{CorrelationID: e.ID, Ascending: true})
	if len(entryLogs) != 1 {
		t.Fatalf("entry logs = %d, want 1", len(entryLogs))
	}
	rec := entryLogs[0]
	if rec.Event != "entry.inserted" || rec.Message != "Entry created" {
		t.Errorf("record = %s %q", rec.Event, rec.Message)
	}
	if rec.Entity != (schema.EntityRef{Type: "entry", ID: e.ID}) {
		t.Errorf("entity = %+v", rec.Entity)
	}
	if rec.Data["hasText"] != true || rec.Data["givenContextLen"] != float64(0) || rec.Data["createdAt"] != float64(e.CreatedAt) {
		t.Errorf("data = %v", rec.Data)
	}
	if rec.TTLAfter == nil || *rec.TTLAfter != rec.CreatedAt+logger.DefaultTTL.Milliseconds() {
		t.Errorf("ttlAfter = %v", rec.TTLAfter)
	}

	jobLogs := queryLogs(t, db, logger.Filter{CorrelationID: j.ID})
	if len(jobLogs) != 1 {
		t.Fatalf("job logs = %d, want 1", len(jobLogs))
	}
	if jobLogs[0].Event != "job.enqueued" || jobLogs[0].Message != "Job enqueued (priority=3)" {
		t.Errorf("job record = %s %q", jobLogs[0].Event, jobLogs[0].Message)
	}
	if jobLogs[0].Data["entryId"] != e.ID || jobLogs[0].Data["type"] != "processEntry" {
		t.Errorf("job data = %v", jobLogs[0].Data)
	}
}

func TestJobTransitionsAreLogged(t *testing.T) {
	db := openTestDB(t)

	e := addEntry(t, db, "write report")
	j := claim(t, db)
	if j.EntryID != e.ID {
		t.Fatalf("claimed job for %s, want %s", j.EntryID, e.ID)
	}
	if _, err := db.Jobs.FailJob(context.Background(), j.ID, j.Attempts, "timeout"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	recs := queryLogs(t, db, logger.Filter{CorrelationID: j.ID, Ascending: true})
	var events []string
	for _, r := range recs {
		events = append(events, r.Event)
	}
	if want := []string{"job.enqueued", "job.running", "job.pending"}; !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	if recs[1].Level != schema.LevelDebug {
		t.Errorf("running level = %s, want debug", recs[1].Level)
	}
	if recs[2].Data["error"] != "timeout" || recs[2].Data["attempts"] != float64(1) {
		t.Errorf("pending data = %v", recs[2].Data)
	}
}

func TestFailedJobLogsError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	e := addEntry(t, db, "one shot")
	j, err := db.Jobs.CreateJob(ctx, e.ID, jobs.WithPriority(1), jobs.WithMaxAttempts(1))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	claimed := claim(t, db)
	if claimed.ID != j.ID {
		t.Fatalf("claimed %s, want the priority 1 job %s", claimed.ID, j.ID)
	}
	if _, err := db.Jobs.FailJob(ctx, j.ID, claimed.Attempts, "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	recs := queryLogs(t, db, logger.Filter{CorrelationID: j.ID, Event: "job.failed"})
	if len(recs) != 1 {
		t.Fatalf("job.failed records = %d, want 1", len(recs))
	}
	if recs[0].Level != schema.LevelError {
		t.Errorf("level = %s, want error", recs[0].Level)
	}
}

func TestEntrySaveIsLogged(t *testing.T) {
	db := openTestDB(t)

	e := addEntry(t, db, "call mom")
	if _, err := db.Entries.SetEnrichmentStatus(context.Background(), e.ID, schema.EnrichmentRunning, ""); err != nil {
		t.Fatalf("SetEnrichmentStatus: %v", err)
	}

	recs := queryLogs(t, db, logger.Filter{CorrelationID: e.ID, Event: "entry.saved"})
	if len(recs) != 1 {
		t.Fatalf("entry.saved records = %d, want 1", len(recs))
	}
	if recs[0].Data["enrichmentStatus"] != "running" {
		t.Errorf("data = %v", recs[0].Data)
	}
}

type changes[T any] struct {
	mu  sync.Mutex
	got []feed.Change[T]
}

func (c *changes[T]) add(ch feed.Change[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ch)
}

func (c *changes[T]) snapshot() []feed.Change[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]feed.Change[T](nil), c.got...)
}

// wait polls until n changes arrived or a second has passed.
func (c *changes[T]) wait(t *testing.T, n int) []feed.Change[T] {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		got := c.snapshot()
		if len(got) == n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d changes, want %d", len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObserveEntries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := addEntry(t, db, "existing")

	var got changes[schema.Entry]
	sub, err := db.ObserveEntries(EntryFilter{}).Subscribe(ctx, got.add)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	second := addEntry(t, db, "new")
	if _, err := db.Entries.MarkAsEnriched(ctx, first.ID); err != nil {
		t.Fatalf("MarkAsEnriched: %v", err)
	}

	c := got.wait(t, 3)
	if c[0].Op != feed.OpReplay || c[0].Doc.ID != first.ID {
		t.Errorf("change 0 = %v %s", c[0].Op, c[0].Doc.ID)
	}
	if c[1].Op != feed.OpInsert || c[1].Doc.ID != second.ID {
		t.Errorf("change 1 = %v %s", c[1].Op, c[1].Doc.ID)
	}
	if c[2].Op != feed.OpUpdate || c[2].Doc.AsyncControl.EnrichmentStatus != schema.EnrichmentDone {
		t.Errorf("change 2 = %v %s", c[2].Op, c[2].Doc.AsyncControl.EnrichmentStatus)
	}
}

func TestObserveEntriesFiltered(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var got changes[schema.Entry]
	sub, err := db.ObserveEntries(EntryFilter{EnrichmentStatus: schema.EnrichmentDone}).Subscribe(ctx, got.add)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	e := addEntry(t, db, "idle entry")
	if _, err := db.Entries.MarkAsEnriched(ctx, e.ID); err != nil {
		t.Fatalf("MarkAsEnriched: %v", err)
	}

	if c := got.wait(t, 1); c[0].Op != feed.OpUpdate {
		t.Errorf("op = %v, want update", c[0].Op)
	}
}

func TestObserveJobs(t *testing.T) {
	db := openTestDB(t)

	var got changes[schema.Job]
	sub, err := db.ObserveJobs(jobs.ListFilter{Status: schema.JobRunning}).Subscribe(context.Background(), got.add)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	addEntry(t, db, "task")
	j := claim(t, db)

	c := got.wait(t, 1)
	if c[0].Doc.ID != j.ID || c[0].Op != feed.OpUpdate {
		t.Errorf("change = %v %s, want update %s", c[0].Op, c[0].Doc.ID, j.ID)
	}
}

func TestElectorUsesWorkerLease(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	el := db.Elector()
	ok, err := el.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	cur, err := el.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.Name != WorkerLease || cur.Holder != el.ID() {
		t.Errorf("lease = %+v", cur)
	}
}
