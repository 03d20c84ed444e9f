// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, options ...Option) *Queue {
	t.Helper()
	options = append([]Option{SetLogger(nil)}, options...)
	q, err := New(context.Background(), NewInMemoryBackend(), options...)
	if err != nil {
		t.Fatalf("New failed with %v", err)
	}
	return q
}

func TestNewWorkerValidation(t *testing.T) {
	q := newTestQueue(t)
	p := func(context.Context, *Job) error { return nil }
	if _, err := NewWorker(nil, "w", p); err == nil {
		t.Fatal("NewWorker without a queue succeeded")
	}
	if _, err := NewWorker(q, "", p); err == nil {
		t.Fatal("NewWorker without an identifier succeeded")
	}
	if _, err := NewWorker(q, "w", nil); err == nil {
		t.Fatal("NewWorker without a processor succeeded")
	}
}

func TestWorkerIDs(t *testing.T) {
	q := newTestQueue(t)
	p := func(context.Context, *Job) error { return nil }
	w, err := NewWorker(q, "host", p)
	if err != nil {
		t.Fatalf("NewWorker failed with %v", err)
	}
	if want, have := []string{"host"}, w.IDs(); !reflect.DeepEqual(want, have) {
		t.Fatalf("IDs = %v, want %v", have, want)
	}
	w, err = NewWorker(q, "host", p, SetWorkerConcurrency(3))
	if err != nil {
		t.Fatalf("NewWorker failed with %v", err)
	}
	if want, have := []string{"host-0", "host-1", "host-2"}, w.IDs(); !reflect.DeepEqual(want, have) {
		t.Fatalf("IDs = %v, want %v", have, want)
	}
}

// TestWorkerSuccess is the green case where a job is locked and it is
// processed without problems.
func TestWorkerSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestQueue(t)
	job, err := q.Insert(ctx, &Job{Payload: map[string]interface{}{"msg": "Hello"}})
	if err != nil {
		t.Fatalf("Insert failed with %v", err)
	}

	processed := make(chan string, 1)
	completed := make(chan struct{}, 1)
	w, err := NewWorker(q, "worker", func(ctx context.Context, job *Job) error {
		s, ok := job.Payload["msg"].(string)
		if !ok {
			return errors.New("missing msg")
		}
		processed <- s
		return nil
	}, SetPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWorker failed with %v", err)
	}
	w.testJobCompleted = func() { completed <- struct{}{} }

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case have := <-processed:
		if want := "Hello"; want != have {
			t.Fatalf("msg = %q, want %q", have, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Processor timed out")
	}
	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("Complete timed out")
	}
	if _, err := q.Lookup(ctx, job.ID); err != ErrNotFound {
		t.Fatalf("Lookup returned %v, want %v", err, ErrNotFound)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want %v", err, context.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// TestWorkerFailure checks that failing jobs are retried until they run out
// of attempts.
func TestWorkerFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestQueue(t, SetMaxAttempts(2))
	job, err := q.Insert(ctx, &Job{})
	if err != nil {
		t.Fatalf("Insert failed with %v", err)
	}

	failed := make(chan struct{}, 2)
	w, err := NewWorker(q, "worker", func(ctx context.Context, job *Job) error {
		if job.Attempts == 0 {
			panic("kaboom")
		}
		return errors.New("failed again")
	}, SetPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWorker failed with %v", err)
	}
	w.testJobFailed = func() { failed <- struct{}{} }

	go w.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-failed:
		case <-time.After(2 * time.Second):
			t.Fatalf("#%d: failure timed out", i)
		}
	}
	cancel()

	have, err := q.Lookup(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want := 2; have.Attempts != want {
		t.Fatalf("Attempts = %d, want %d", have.Attempts, want)
	}
	if want := "failed again"; have.LastError != want {
		t.Fatalf("LastError = %q, want %q", have.LastError, want)
	}
	if have.IsLocked() {
		t.Fatalf("LockedBy = %q, want unlocked", have.LockedBy)
	}
}

func TestWorkerConcurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestQueue(t)
	const numJobs = 30
	for i := 0; i < numJobs; i++ {
		if _, err := q.Insert(ctx, &Job{Priority: i % 4}); err != nil {
			t.Fatalf("Insert failed with %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	completed := make(chan struct{}, numJobs)
	w, err := NewWorker(q, "worker", func(ctx context.Context, job *Job) error {
		mu.Lock()
		seen[job.ID]++
		mu.Unlock()
		return nil
	}, SetWorkerConcurrency(4), SetPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWorker failed with %v", err)
	}
	w.testJobCompleted = func() { completed <- struct{}{} }

	go w.Run(ctx)
	for i := 0; i < numJobs; i++ {
		select {
		case <-completed:
		case <-time.After(5 * time.Second):
			t.Fatalf("#%d: completion timed out", i)
		}
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if want, have := numJobs, len(seen); want != have {
		t.Fatalf("processed %d jobs, want %d", have, want)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %v processed %d times", id, n)
		}
	}
}

func TestReaperRunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	q := newTestQueue(t, SetLockTimeout(time.Minute), SetClock(func() time.Time { return now }))
	if _, err := q.Insert(ctx, &Job{}); err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
	if job, err := q.LockNext(ctx, "crashed"); err != nil || job == nil {
		t.Fatalf("LockNext returned %+v, %v", job, err)
	}

	r := NewReaper(q, 0)
	if want, have := defaultReapInterval, r.interval; want != have {
		t.Fatalf("interval = %v, want %v", have, want)
	}
	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed with %v", err)
	}
	if want, have := 0, n; want != have {
		t.Fatalf("RunOnce released %d jobs, want %d", have, want)
	}

	now = now.Add(2 * time.Minute)
	n, err = r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed with %v", err)
	}
	if want, have := 1, n; want != have {
		t.Fatalf("RunOnce released %d jobs, want %d", have, want)
	}
	if job, err := q.LockNext(ctx, "healthy"); err != nil || job == nil {
		t.Fatalf("LockNext returned %+v, %v", job, err)
	}
}

func TestReaperRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestQueue(t, SetLockTimeout(time.Millisecond))
	if _, err := q.Insert(ctx, &Job{}); err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
	if job, err := q.LockNext(ctx, "crashed"); err != nil || job == nil {
		t.Fatalf("LockNext returned %+v, %v", job, err)
	}

	reaped := make(chan int, 10)
	r := NewReaper(q, 10*time.Millisecond)
	r.testReaped = func(n int) {
		select {
		case reaped <- n:
		default:
		}
	}
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	timeout := time.After(2 * time.Second)
	for released := 0; released == 0; {
		select {
		case n := <-reaped:
			released += n
		case <-timeout:
			t.Fatal("Reaper timed out")
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v, want %v", err, context.Canceled)
	}
}

// TestWorkerSuccessAfterRetry checks that a job that failed once is handed
// out again and removed when it succeeds.
func TestWorkerSuccessAfterRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestQueue(t)
	job, err := q.Insert(ctx, &Job{})
	if err != nil {
		t.Fatalf("Insert failed with %v", err)
	}

	failed := make(chan struct{}, 1)
	completed := make(chan int, 1)
	w, err := NewWorker(q, "worker", func(ctx context.Context, job *Job) error {
		if job.Attempts == 0 {
			return errors.New("first attempt fails")
		}
		completed <- job.Attempts
		return nil
	}, SetPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWorker failed with %v", err)
	}
	w.testJobFailed = func() { failed <- struct{}{} }

	go w.Run(ctx)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("failure timed out")
	}
	select {
	case attempts := <-completed:
		if want := 1; attempts != want {
			t.Fatalf("Attempts = %d, want %d", attempts, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry timed out")
	}
	cancel()

	// Complete runs after the processor returns.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := q.Lookup(context.Background(), job.ID)
		if err == ErrNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Lookup returned %v, want %v", err, ErrNotFound)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestWorkerReleasesOnShutdown checks that a job interrupted by stopping
// the worker is handed back without counting an attempt.
func TestWorkerReleasesOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestQueue(t, SetMaxAttempts(1))
	job, err := q.Insert(ctx, &Job{})
	if err != nil {
		t.Fatalf("Insert failed with %v", err)
	}

	started := make(chan struct{}, 1)
	released := make(chan struct{}, 1)
	w, err := NewWorker(q, "worker", func(ctx context.Context, job *Job) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}, SetPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWorker failed with %v", err)
	}
	w.testJobReleased = func() { released <- struct{}{} }
	w.testJobFailed = func() { t.Error("interrupted job reported as failed") }

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Processor timed out")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	select {
	case <-released:
	default:
		t.Fatal("job was not released")
	}

	have, err := q.Lookup(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want := 0; have.Attempts != want {
		t.Fatalf("Attempts = %d, want %d", have.Attempts, want)
	}
	if have.LastError != "" {
		t.Fatalf("LastError = %q, want none", have.LastError)
	}
	if have.IsLocked() {
		t.Fatalf("LockedBy = %q, want unlocked", have.LockedBy)
	}
	// With a single attempt allowed, the job must still be claimable.
	if next, err := q.LockNext(context.Background(), "other"); err != nil || next == nil {
		t.Fatalf("LockNext returned %+v, %v", next, err)
	}
}

// TestWorkerRenewsLock runs a job for longer than the lock timeout while a
// reaper and a second worker are active. The job must run exactly once.
func TestWorkerRenewsLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestQueue(t, SetLockTimeout(150*time.Millisecond))
	job, err := q.Insert(ctx, &Job{})
	if err != nil {
		t.Fatalf("Insert failed with %v", err)
	}

	var (
		mu   sync.Mutex
		runs int
	)
	completed := make(chan struct{}, 2)
	p := func(ctx context.Context, job *Job) error {
		mu.Lock()
		runs++
		mu.Unlock()
		select {
		case <-time.After(500 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, id := range []string{"a", "b"} {
		w, err := NewWorker(q, id, p, SetPollInterval(5*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWorker failed with %v", err)
		}
		w.testJobCompleted = func() { completed <- struct{}{} }
		go w.Run(ctx)
	}
	go NewReaper(q, 20*time.Millisecond).Run(ctx)

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("Complete timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if want, have := 1, runs; want != have {
		t.Fatalf("job ran %d times, want %d", have, want)
	}
	if _, err := q.Lookup(ctx, job.ID); err != ErrNotFound {
		t.Fatalf("Lookup returned %v, want %v", err, ErrNotFound)
	}
}

// TestWorkerStopsOnLostLock checks that the processor is canceled when the
// lock is taken over by someone else, and that the job is left alone.
func TestWorkerStopsOnLostLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestQueue(t)
	job, err := q.Insert(ctx, &Job{})
	if err != nil {
		t.Fatalf("Insert failed with %v", err)
	}

	started := make(chan struct{}, 1)
	interrupted := make(chan struct{}, 1)
	lost := make(chan struct{}, 1)
	w, err := NewWorker(q, "worker", func(ctx context.Context, job *Job) error {
		started <- struct{}{}
		<-ctx.Done()
		interrupted <- struct{}{}
		return ctx.Err()
	}, SetPollInterval(10*time.Millisecond), SetRenewInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWorker failed with %v", err)
	}
	w.testJobLost = func() { lost <- struct{}{} }
	w.testJobFailed = func() { t.Error("job with lost lock reported as failed") }
	go w.Run(ctx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Processor timed out")
	}
	stolen, err := q.Backend().FindAndModify(ctx, Filter{ID: job.ID}, LockUpdate("thief", time.Now()), SortNatural)
	if err != nil || stolen == nil {
		t.Fatalf("FindAndModify returned %+v, %v", stolen, err)
	}
	for _, ch := range []chan struct{}{interrupted, lost} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not notice the lost lock")
		}
	}

	have, err := q.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want := "thief"; have.LockedBy != want {
		t.Fatalf("LockedBy = %q, want %q", have.LockedBy, want)
	}
	if want := 0; have.Attempts != want {
		t.Fatalf("Attempts = %d, want %d", have.Attempts, want)
	}
}

func TestSetRenewInterval(t *testing.T) {
	q := newTestQueue(t, SetLockTimeout(30*time.Second))
	p := func(context.Context, *Job) error { return nil }
	w, err := NewWorker(q, "w", p)
	if err != nil {
		t.Fatalf("NewWorker failed with %v", err)
	}
	if want, have := 10*time.Second, w.renewInterval; want != have {
		t.Fatalf("renewInterval = %v, want %v", have, want)
	}
	w, err = NewWorker(q, "w", p, SetRenewInterval(-1))
	if err != nil {
		t.Fatalf("NewWorker failed with %v", err)
	}
	if w.renewInterval > 0 {
		t.Fatalf("renewInterval = %v, want renewal disabled", w.renewInterval)
	}
}
