// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// indexes declared by New.
var indexes = [][]string{
	{"locked_by", "locked_at"},
	{"locked_by", "attempts"},
}

// Queue implements the job lifecycle on top of a Backend.
// Create a new queue via New. A Queue is safe for concurrent use.
type Queue struct {
	b      Backend
	cfg    Config
	logger Logger
	now    func() time.Time
}

// New creates a new Queue on top of the given backend. Pass options to
// configure it. New declares the indexes the queue needs; it does not
// touch any existing jobs.
func New(ctx context.Context, backend Backend, options ...Option) (*Queue, error) {
	if backend == nil {
		return nil, errors.New("mongoqueue: no backend specified")
	}
	q := &Queue{
		b:      backend,
		cfg:    DefaultConfig(),
		logger: stdLogger{},
		now:    time.Now,
	}
	for _, opt := range options {
		opt(q)
	}
	if err := q.cfg.Validate(); err != nil {
		return nil, err
	}
	for _, keys := range indexes {
		if err := q.b.EnsureIndex(ctx, keys...); err != nil {
			return nil, fmt.Errorf("mongoqueue: ensure index %v: %w", keys, err)
		}
	}
	return q, nil
}

// Config returns the configuration of the queue.
func (q *Queue) Config() Config {
	return q.cfg
}

// Backend returns the backend of the queue.
func (q *Queue) Backend() Backend {
	return q.b
}

// clock returns the current time in UTC with millisecond precision, which
// is what all backends can store.
func (q *Queue) clock() time.Time {
	return q.now().UTC().Truncate(time.Millisecond)
}

// -- Insert, Lookup, and List --

// Insert adds a new job to the queue and returns it as it is stored.
//
// Payload and Priority are taken from job. The lifecycle fields are always
// reset: the new job has no attempts, no last error, and is unlocked.
func (q *Queue) Insert(ctx context.Context, job *Job) (*Job, error) {
	if job == nil {
		return nil, errors.New("mongoqueue: no job specified")
	}
	id, err := q.b.Insert(ctx, newJob(job))
	if err != nil {
		return nil, err
	}
	return q.b.FindByID(ctx, id)
}

// Lookup returns the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (q *Queue) Lookup(ctx context.Context, id string) (*Job, error) {
	return q.b.FindByID(ctx, id)
}

// List returns all jobs matching the parameters in the request.
func (q *Queue) List(ctx context.Context, request *ListRequest) ([]*Job, error) {
	if request == nil {
		request = &ListRequest{}
	}
	f, err := q.stateFilter(request.State)
	if err != nil {
		return nil, err
	}
	return q.b.FindAll(ctx, f, request.Limit)
}

// Stats returns current statistics about the queue.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var err error
	stats := &Stats{}
	counts := []struct {
		state string
		n     *int
	}{
		{Available, &stats.Available},
		{Locked, &stats.Locked},
		{Exhausted, &stats.Exhausted},
	}
	for _, c := range counts {
		f, _ := q.stateFilter(c.state)
		*c.n, err = q.b.Count(ctx, f)
		if err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (q *Queue) stateFilter(state string) (Filter, error) {
	switch state {
	case "":
		return Filter{}, nil
	case Available:
		return q.claimable(), nil
	case Locked:
		return Filter{Lock: LockHeld, MaxAttempts: q.cfg.MaxAttempts}, nil
	case Exhausted:
		return Filter{MinAttempts: q.cfg.MaxAttempts}, nil
	default:
		return Filter{}, fmt.Errorf("mongoqueue: unknown state %q", state)
	}
}

// claimable returns the filter for jobs that LockNext may hand out.
func (q *Queue) claimable() Filter {
	return Filter{Lock: Unlocked, MaxAttempts: q.cfg.MaxAttempts}
}

// owned returns the filter for job as long as it is held by worker.
func owned(job *Job, worker string) Filter {
	return Filter{ID: job.ID, Lock: LockHeld, LockedBy: worker}
}

// -- Lifecycle --

// LockNext locks the claimable job with the highest priority for worker and
// returns it. If no job is available, LockNext returns nil for both the job
// and the error.
//
// Two concurrent calls with different workers never receive the same job.
func (q *Queue) LockNext(ctx context.Context, worker string) (*Job, error) {
	if worker == "" {
		return nil, errors.New("mongoqueue: no worker specified")
	}
	return q.b.FindAndModify(ctx, q.claimable(), LockUpdate(worker, q.clock()), SortByPriority)
}

// Renew refreshes the lock time of job as long as it is still held by
// worker. It returns nil if the worker lost the lock.
func (q *Queue) Renew(ctx context.Context, job *Job, worker string) (*Job, error) {
	if job == nil || worker == "" {
		return nil, nil
	}
	return q.b.FindAndModify(ctx, owned(job, worker), LockUpdate(worker, q.clock()), SortNatural)
}

// Release unlocks job without counting an attempt. It returns the
// unlocked job, or nil if job is no longer held by worker (e.g. because
// it has been reclaimed by Cleanup or completed already).
func (q *Queue) Release(ctx context.Context, job *Job, worker string) (*Job, error) {
	if job == nil || worker == "" {
		return nil, nil
	}
	return q.b.FindAndModify(ctx, owned(job, worker), UnlockUpdate(), SortNatural)
}

// Complete removes job from the queue. It returns the job as it was before
// removal, or nil if job is no longer held by worker.
func (q *Queue) Complete(ctx context.Context, job *Job, worker string) (*Job, error) {
	if job == nil || worker == "" {
		return nil, nil
	}
	return q.b.FindAndRemove(ctx, owned(job, worker))
}

// Fail records a failed attempt: it increments the attempts of job, sets
// its last error to message, and unlocks it.
//
// The update only applies if the job is still held by the worker recorded
// in job.LockedBy (or still unlocked, if job.LockedBy is empty). Otherwise
// Fail returns nil for both the job and the error.
func (q *Queue) Fail(ctx context.Context, job *Job, message string) (*Job, error) {
	if job == nil {
		return nil, nil
	}
	f := Filter{ID: job.ID, Lock: Unlocked}
	if job.IsLocked() {
		f = owned(job, job.LockedBy)
	}
	u := UnlockUpdate()
	u.IncAttempts = true
	u.LastError = &message
	return q.b.FindAndModify(ctx, f, u, SortNatural)
}

// Cleanup releases all jobs that have been locked for longer than the lock
// timeout and still have attempts left. It returns the number of released
// jobs. Cleanup is meant to be run periodically, e.g. by a Reaper.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	cutoff := q.clock().Add(-q.cfg.LockTimeout)
	f := Filter{
		Lock:         LockHeld,
		MaxAttempts:  q.cfg.MaxAttempts,
		LockedBefore: cutoff,
	}
	jobs, err := q.b.FindAll(ctx, f, 0)
	if err != nil {
		return 0, err
	}
	var n int
	for _, job := range jobs {
		// Renewed or completed in the meantime? Then leave it alone.
		stale := owned(job, job.LockedBy)
		stale.LockedBefore = cutoff
		released, err := q.b.FindAndModify(ctx, stale, UnlockUpdate(), SortNatural)
		if err != nil {
			return n, err
		}
		if released != nil {
			q.logger.Printf("mongoqueue: released job %v locked by %s since %v", job.ID, job.LockedBy, job.LockedAt)
			n++
		}
	}
	return n, nil
}

// Flush irreversibly removes all jobs by dropping the backing collection.
func (q *Queue) Flush(ctx context.Context) error {
	return q.b.Drop(ctx)
}
