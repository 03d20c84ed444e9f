// Package queuetest contains tests that every mongoqueue.Backend must pass.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olivere/mongoqueue"
)

// Clock is a manually advanced clock for mongoqueue.SetClock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current time of the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// BackendFunc returns an empty backend for a single test.
type BackendFunc func(t *testing.T) mongoqueue.Backend

type testCase struct {
	name string
	fn   func(t *testing.T, q *mongoqueue.Queue, clock *Clock)
}

var tests = []testCase{
	{"RoundTrip", testRoundTrip},
	{"InsertResetsLifecycle", testInsertResetsLifecycle},
	{"PriorityOrdering", testPriorityOrdering},
	{"EqualPriorityInsertionOrder", testEqualPriorityInsertionOrder},
	{"MutualExclusion", testMutualExclusion},
	{"AttemptMonotonicity", testAttemptMonotonicity},
	{"Exhaustion", testExhaustion},
	{"CompletionRemoves", testCompletionRemoves},
	{"CompleteRequiresOwnership", testCompleteRequiresOwnership},
	{"ReleaseRequiresOwnership", testReleaseRequiresOwnership},
	{"FailRequiresOwnership", testFailRequiresOwnership},
	{"Renew", testRenew},
	{"CleanupHonorsLockTimeout", testCleanupHonorsLockTimeout},
	{"CleanupSkipsRenewed", testCleanupSkipsRenewed},
	{"StatsAndList", testStatsAndList},
	{"LookupNotFound", testLookupNotFound},
	{"Flush", testFlush},
}

// Run runs the whole suite against the backends returned by newBackend.
func Run(t *testing.T, newBackend BackendFunc) {
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b := newBackend(t)
			if err := b.Drop(ctx); err != nil {
				t.Fatalf("Drop failed with %v", err)
			}
			clock := NewClock(time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC))
			q, err := mongoqueue.New(ctx, b,
				mongoqueue.SetClock(clock.Now),
				mongoqueue.SetLockTimeout(time.Minute),
				mongoqueue.SetMaxAttempts(3),
				mongoqueue.SetLogger(nil),
			)
			if err != nil {
				t.Fatalf("New failed with %v", err)
			}
			tt.fn(t, q, clock)
		})
	}
}

func insert(t *testing.T, q *mongoqueue.Queue, priority int, payload map[string]interface{}) *mongoqueue.Job {
	t.Helper()
	job, err := q.Insert(context.Background(), &mongoqueue.Job{Priority: priority, Payload: payload})
	if err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
	if job == nil || job.ID == "" {
		t.Fatalf("Insert returned job %+v", job)
	}
	return job
}

func lockNext(t *testing.T, q *mongoqueue.Queue, worker string) *mongoqueue.Job {
	t.Helper()
	job, err := q.LockNext(context.Background(), worker)
	if err != nil {
		t.Fatalf("LockNext failed with %v", err)
	}
	return job
}

func lookup(t *testing.T, q *mongoqueue.Queue, id string) *mongoqueue.Job {
	t.Helper()
	job, err := q.Lookup(context.Background(), id)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	return job
}

func testRoundTrip(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	job := insert(t, q, 0, map[string]interface{}{"foo": 1})
	have := lookup(t, q, job.ID)
	if want, have := "1", fmt.Sprint(have.Payload["foo"]); want != have {
		t.Fatalf("Payload[foo] = %v, want %v", have, want)
	}
	if want, have := 0, have.Priority; want != have {
		t.Fatalf("Priority = %d, want %d", have, want)
	}
	if want, have := 0, have.Attempts; want != have {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if have.IsLocked() {
		t.Fatalf("LockedBy = %q, want unlocked", have.LockedBy)
	}
	if !have.LockedAt.IsZero() {
		t.Fatalf("LockedAt = %v, want zero", have.LockedAt)
	}
	if have.LastError != "" {
		t.Fatalf("LastError = %q, want empty", have.LastError)
	}
}

func testInsertResetsLifecycle(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	job, err := q.Insert(context.Background(), &mongoqueue.Job{
		ID:        "caller-id",
		Priority:  7,
		Attempts:  5,
		LockedBy:  "someone",
		LockedAt:  clock.Now(),
		LastError: "boom",
		Payload:   map[string]interface{}{"url": "https://example.com"},
	})
	if err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
	if job.ID == "caller-id" {
		t.Fatal("Insert kept the caller-supplied identifier")
	}
	if want, have := 7, job.Priority; want != have {
		t.Fatalf("Priority = %d, want %d", have, want)
	}
	if want, have := 0, job.Attempts; want != have {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if job.IsLocked() || !job.LockedAt.IsZero() {
		t.Fatalf("job is locked: %q at %v", job.LockedBy, job.LockedAt)
	}
	if job.LastError != "" {
		t.Fatalf("LastError = %q, want empty", job.LastError)
	}
	if want, have := "https://example.com", job.Payload["url"]; want != have {
		t.Fatalf("Payload[url] = %v, want %v", have, want)
	}
}

func testPriorityOrdering(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	for _, prio := range []int{1, 5, 3} {
		insert(t, q, prio, nil)
	}
	for _, want := range []int{5, 3, 1} {
		job := lockNext(t, q, "worker")
		if job == nil {
			t.Fatalf("LockNext returned no job, want priority %d", want)
		}
		if have := job.Priority; want != have {
			t.Fatalf("Priority = %d, want %d", have, want)
		}
	}
	if job := lockNext(t, q, "worker"); job != nil {
		t.Fatalf("LockNext returned %+v, want no job", job)
	}
}

// testEqualPriorityInsertionOrder documents the ordering of jobs with equal
// priority: all backends in this repository use insertion order.
func testEqualPriorityInsertionOrder(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, insert(t, q, 0, map[string]interface{}{"n": i}).ID)
	}
	for i, want := range ids {
		job := lockNext(t, q, "worker")
		if job == nil {
			t.Fatalf("#%d: LockNext returned no job", i)
		}
		if have := job.ID; want != have {
			t.Fatalf("#%d: ID = %v, want %v", i, have, want)
		}
	}
}

func testMutualExclusion(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	const (
		numJobs    = 20
		numWorkers = 8
	)
	for i := 0; i < numJobs; i++ {
		insert(t, q, i%3, nil)
	}

	var mu sync.Mutex
	claimed := make(map[string]string) // job id -> worker
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < numWorkers; w++ {
		worker := fmt.Sprintf("worker-%d", w)
		g.Go(func() error {
			for {
				job, err := q.LockNext(ctx, worker)
				if err != nil {
					return err
				}
				if job == nil {
					return nil
				}
				if have := job.LockedBy; have != worker {
					return fmt.Errorf("LockedBy = %q, want %q", have, worker)
				}
				mu.Lock()
				prev, dup := claimed[job.ID]
				claimed[job.ID] = worker
				mu.Unlock()
				if dup {
					return fmt.Errorf("job %v locked by both %s and %s", job.ID, prev, worker)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if want, have := numJobs, len(claimed); want != have {
		t.Fatalf("len(claimed) = %d, want %d", have, want)
	}
}

func testAttemptMonotonicity(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	job := insert(t, q, 0, nil)
	for i := 1; i < q.Config().MaxAttempts; i++ {
		locked := lockNext(t, q, "worker")
		if locked == nil || locked.ID != job.ID {
			t.Fatalf("#%d: LockNext returned %+v, want job %v", i, locked, job.ID)
		}
		failed, err := q.Fail(ctx, locked, fmt.Sprintf("failure %d", i))
		if err != nil {
			t.Fatalf("#%d: Fail failed with %v", i, err)
		}
		if failed == nil {
			t.Fatalf("#%d: Fail returned no job", i)
		}
		have := lookup(t, q, job.ID)
		if want := i; have.Attempts != want {
			t.Fatalf("#%d: Attempts = %d, want %d", i, have.Attempts, want)
		}
		if have.IsLocked() || !have.LockedAt.IsZero() {
			t.Fatalf("#%d: job still locked by %q at %v", i, have.LockedBy, have.LockedAt)
		}
		if want := fmt.Sprintf("failure %d", i); have.LastError != want {
			t.Fatalf("#%d: LastError = %q, want %q", i, have.LastError, want)
		}
	}
}

func testExhaustion(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	job := insert(t, q, 0, nil)
	for i := 0; i < q.Config().MaxAttempts; i++ {
		locked := lockNext(t, q, "worker")
		if locked == nil {
			t.Fatalf("#%d: LockNext returned no job", i)
		}
		if _, err := q.Fail(ctx, locked, "failed"); err != nil {
			t.Fatalf("#%d: Fail failed with %v", i, err)
		}
	}
	if locked := lockNext(t, q, "worker"); locked != nil {
		t.Fatalf("LockNext returned exhausted job %+v", locked)
	}
	have := lookup(t, q, job.ID)
	if want := q.Config().MaxAttempts; have.Attempts != want {
		t.Fatalf("Attempts = %d, want %d", have.Attempts, want)
	}
	if want := mongoqueue.Exhausted; have.State(q.Config().MaxAttempts) != want {
		t.Fatalf("State = %q, want %q", have.State(q.Config().MaxAttempts), want)
	}
}

func testCompletionRemoves(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	job := insert(t, q, 0, map[string]interface{}{"foo": "bar"})
	locked := lockNext(t, q, "worker")
	if locked == nil {
		t.Fatal("LockNext returned no job")
	}
	completed, err := q.Complete(ctx, locked, "worker")
	if err != nil {
		t.Fatalf("Complete failed with %v", err)
	}
	if completed == nil || completed.ID != job.ID {
		t.Fatalf("Complete returned %+v, want job %v", completed, job.ID)
	}
	if want, have := "worker", completed.LockedBy; want != have {
		t.Fatalf("LockedBy = %q, want %q", have, want)
	}
	if _, err := q.Lookup(ctx, job.ID); err != mongoqueue.ErrNotFound {
		t.Fatalf("Lookup returned %v, want %v", err, mongoqueue.ErrNotFound)
	}
}

func testCompleteRequiresOwnership(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	insert(t, q, 0, nil)
	locked := lockNext(t, q, "A")
	if locked == nil {
		t.Fatal("LockNext returned no job")
	}
	completed, err := q.Complete(ctx, locked, "B")
	if err != nil {
		t.Fatalf("Complete failed with %v", err)
	}
	if completed != nil {
		t.Fatalf("Complete by B returned %+v, want no job", completed)
	}
	lookup(t, q, locked.ID)
}

func testReleaseRequiresOwnership(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	insert(t, q, 0, nil)
	locked := lockNext(t, q, "A")
	if locked == nil {
		t.Fatal("LockNext returned no job")
	}

	released, err := q.Release(ctx, locked, "B")
	if err != nil {
		t.Fatalf("Release failed with %v", err)
	}
	if released != nil {
		t.Fatalf("Release by B returned %+v, want no job", released)
	}
	if have := lookup(t, q, locked.ID); have.LockedBy != "A" {
		t.Fatalf("LockedBy = %q, want %q", have.LockedBy, "A")
	}

	released, err = q.Release(ctx, locked, "A")
	if err != nil {
		t.Fatalf("Release failed with %v", err)
	}
	if released == nil {
		t.Fatal("Release by A returned no job")
	}
	if released.IsLocked() || !released.LockedAt.IsZero() {
		t.Fatalf("released job still locked by %q at %v", released.LockedBy, released.LockedAt)
	}
	if want, have := 0, released.Attempts; want != have {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
}

func testFailRequiresOwnership(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	insert(t, q, 0, nil)
	stale := lockNext(t, q, "A")
	if stale == nil {
		t.Fatal("LockNext returned no job")
	}
	if _, err := q.Release(ctx, stale, "A"); err != nil {
		t.Fatalf("Release failed with %v", err)
	}
	if locked := lockNext(t, q, "B"); locked == nil {
		t.Fatal("LockNext returned no job")
	}

	failed, err := q.Fail(ctx, stale, "too late")
	if err != nil {
		t.Fatalf("Fail failed with %v", err)
	}
	if failed != nil {
		t.Fatalf("Fail with a stale job returned %+v, want no job", failed)
	}
	have := lookup(t, q, stale.ID)
	if want := 0; have.Attempts != want {
		t.Fatalf("Attempts = %d, want %d", have.Attempts, want)
	}
	if want := "B"; have.LockedBy != want {
		t.Fatalf("LockedBy = %q, want %q", have.LockedBy, want)
	}
}

func testRenew(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	insert(t, q, 0, nil)
	locked := lockNext(t, q, "A")
	if locked == nil {
		t.Fatal("LockNext returned no job")
	}
	clock.Advance(30 * time.Second)

	renewed, err := q.Renew(ctx, locked, "B")
	if err != nil {
		t.Fatalf("Renew failed with %v", err)
	}
	if renewed != nil {
		t.Fatalf("Renew by B returned %+v, want no job", renewed)
	}

	renewed, err = q.Renew(ctx, locked, "A")
	if err != nil {
		t.Fatalf("Renew failed with %v", err)
	}
	if renewed == nil {
		t.Fatal("Renew by A returned no job")
	}
	if !renewed.LockedAt.After(locked.LockedAt) {
		t.Fatalf("LockedAt = %v, want after %v", renewed.LockedAt, locked.LockedAt)
	}
	if want, have := "A", renewed.LockedBy; want != have {
		t.Fatalf("LockedBy = %q, want %q", have, want)
	}
}

func testCleanupHonorsLockTimeout(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	insert(t, q, 0, nil)
	insert(t, q, 0, nil)
	first := lockNext(t, q, "A")
	clock.Advance(30 * time.Second)
	second := lockNext(t, q, "B")
	if first == nil || second == nil {
		t.Fatal("LockNext returned no job")
	}

	n, err := q.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed with %v", err)
	}
	if want, have := 0, n; want != have {
		t.Fatalf("Cleanup released %d jobs, want %d", have, want)
	}

	clock.Advance(45 * time.Second)
	n, err = q.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed with %v", err)
	}
	if want, have := 1, n; want != have {
		t.Fatalf("Cleanup released %d jobs, want %d", have, want)
	}
	if have := lookup(t, q, first.ID); have.IsLocked() {
		t.Fatalf("first job still locked by %q", have.LockedBy)
	}
	if have := lookup(t, q, second.ID); have.LockedBy != "B" {
		t.Fatalf("second job LockedBy = %q, want %q", have.LockedBy, "B")
	}
	if want, have := 0, lookup(t, q, first.ID).Attempts; want != have {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
}

func testCleanupSkipsRenewed(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	insert(t, q, 0, nil)
	locked := lockNext(t, q, "A")
	if locked == nil {
		t.Fatal("LockNext returned no job")
	}
	clock.Advance(50 * time.Second)
	if renewed, err := q.Renew(ctx, locked, "A"); err != nil || renewed == nil {
		t.Fatalf("Renew returned %+v, %v", renewed, err)
	}
	clock.Advance(50 * time.Second)

	n, err := q.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed with %v", err)
	}
	if want, have := 0, n; want != have {
		t.Fatalf("Cleanup released %d jobs, want %d", have, want)
	}
}

func testStatsAndList(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		insert(t, q, i, nil)
	}
	locked := lockNext(t, q, "A")
	exhausted := lockNext(t, q, "B")
	if locked == nil || exhausted == nil {
		t.Fatal("LockNext returned no job")
	}
	for i := 0; i < q.Config().MaxAttempts; i++ {
		failed, err := q.Fail(ctx, exhausted, "failed")
		if err != nil || failed == nil {
			t.Fatalf("Fail returned %+v, %v", failed, err)
		}
		exhausted = failed
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if want, have := (mongoqueue.Stats{Available: 2, Locked: 1, Exhausted: 1}), *stats; want != have {
		t.Fatalf("Stats = %+v, want %+v", have, want)
	}

	list, err := q.List(ctx, &mongoqueue.ListRequest{State: mongoqueue.Available})
	if err != nil {
		t.Fatalf("List failed with %v", err)
	}
	if want, have := 2, len(list); want != have {
		t.Fatalf("len(List) = %d, want %d", have, want)
	}
	if list[0].Priority < list[1].Priority {
		t.Fatalf("List not ordered by priority: %d before %d", list[0].Priority, list[1].Priority)
	}

	list, err = q.List(ctx, &mongoqueue.ListRequest{Limit: 3})
	if err != nil {
		t.Fatalf("List failed with %v", err)
	}
	if want, have := 3, len(list); want != have {
		t.Fatalf("len(List) = %d, want %d", have, want)
	}

	if _, err := q.List(ctx, &mongoqueue.ListRequest{State: "unknown"}); err == nil {
		t.Fatal("List with an unknown state succeeded")
	}
}

func testLookupNotFound(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	job := insert(t, q, 0, nil)
	locked := lockNext(t, q, "A")
	if _, err := q.Complete(context.Background(), locked, "A"); err != nil {
		t.Fatalf("Complete failed with %v", err)
	}
	if _, err := q.Lookup(context.Background(), job.ID); err != mongoqueue.ErrNotFound {
		t.Fatalf("Lookup returned %v, want %v", err, mongoqueue.ErrNotFound)
	}
}

func testFlush(t *testing.T, q *mongoqueue.Queue, clock *Clock) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		insert(t, q, i, nil)
	}
	lockNext(t, q, "A")
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush failed with %v", err)
	}
	for _, worker := range []string{"A", "B"} {
		if job := lockNext(t, q, worker); job != nil {
			t.Fatalf("LockNext(%q) returned %+v after Flush", worker, job)
		}
	}
	list, err := q.List(ctx, nil)
	if err != nil {
		t.Fatalf("List failed with %v", err)
	}
	if want, have := 0, len(list); want != have {
		t.Fatalf("len(List) = %d, want %d", have, want)
	}
}
