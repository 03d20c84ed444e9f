// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	defaultConcurrency  = 1
	defaultPollInterval = 1 * time.Second
)

func nop() {}

// Worker repeatedly locks jobs from a Queue and passes them to a Processor.
// Successful jobs are completed, failed jobs are reported via Queue.Fail.
// While a job is processed, the worker renews its lock. Jobs interrupted by
// the shutdown of the worker are released without counting an attempt.
// Create a new worker via NewWorker.
type Worker struct {
	q             *Queue
	id            string
	p             Processor
	logger        Logger
	backoff       BackoffFunc
	concurrency   int
	pollInterval  time.Duration
	renewInterval time.Duration

	testJobLocked    func() // testing hook
	testJobCompleted func() // testing hook
	testJobFailed    func() // testing hook
	testJobReleased  func() // testing hook
	testJobLost      func() // testing hook
	testIdle         func() // testing hook
}

// WorkerOption is the signature of an options provider for Worker.
type WorkerOption func(*Worker)

// NewWorker creates a new worker with the given identifier. Pass options to
// configure it.
func NewWorker(q *Queue, id string, p Processor, options ...WorkerOption) (*Worker, error) {
	if q == nil {
		return nil, errors.New("mongoqueue: no queue specified")
	}
	if id == "" {
		return nil, errors.New("mongoqueue: no worker identifier specified")
	}
	if p == nil {
		return nil, errors.New("mongoqueue: no processor specified")
	}
	w := &Worker{
		q:                q,
		id:               id,
		p:                p,
		logger:           q.logger,
		backoff:          exponentialBackoff,
		concurrency:      defaultConcurrency,
		pollInterval:     defaultPollInterval,
		renewInterval:    q.cfg.LockTimeout / 3,
		testJobLocked:    nop,
		testJobCompleted: nop,
		testJobFailed:    nop,
		testJobReleased:  nop,
		testJobLost:      nop,
		testIdle:         nop,
	}
	for _, opt := range options {
		opt(w)
	}
	return w, nil
}

// SetWorkerConcurrency sets the number of jobs processed at the same time.
// Each of them runs with its own worker identifier, derived from the
// identifier of the Worker. Concurrency is 1 by default.
func SetWorkerConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n < 1 {
			n = 1
		}
		w.concurrency = n
	}
}

// SetPollInterval specifies the maximum time an idle worker waits before
// asking for the next job. It is 1 second by default.
func SetPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// SetRenewInterval specifies how often the lock of a job is renewed while
// it is processed. It is a third of the lock timeout of the Queue by
// default. A negative interval disables renewal.
func SetRenewInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d != 0 {
			w.renewInterval = d
		}
	}
}

// SetBackoffFunc specifies the backoff function that returns the time span
// between polls of an idle worker. Exponential backoff is used by default.
func SetBackoffFunc(fn BackoffFunc) WorkerOption {
	return func(w *Worker) {
		if fn != nil {
			w.backoff = fn
		} else {
			w.backoff = exponentialBackoff
		}
	}
}

// SetWorkerLogger specifies the logger to use when e.g. reporting failed
// jobs. The logger of the Queue is used by default.
func SetWorkerLogger(logger Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// IDs returns the worker identifiers used to lock jobs.
func (w *Worker) IDs() []string {
	if w.concurrency == 1 {
		return []string{w.id}
	}
	ids := make([]string, w.concurrency)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", w.id, i)
	}
	return ids
}

// Run processes jobs until ctx is done. It waits for jobs that are being
// processed to finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, id := range w.IDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w.run(ctx, id)
		}(id)
	}
	wg.Wait()
	return ctx.Err()
}

// run is the loop of a single worker identifier.
func (w *Worker) run(ctx context.Context, id string) {
	var polls int
	for {
		if ctx.Err() != nil {
			return
		}
		found, err := w.next(ctx, id)
		if err != nil && ctx.Err() == nil {
			w.logger.Printf("mongoqueue: worker %s: %v", id, err)
		}
		if found {
			polls = 0
			continue
		}
		polls++
		w.testIdle() // testing hook
		wait := w.backoff(polls)
		if wait > w.pollInterval || wait <= 0 {
			wait = w.pollInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// next locks and processes a single job. It returns true if a job was
// found.
func (w *Worker) next(ctx context.Context, id string) (bool, error) {
	job, err := w.q.LockNext(ctx, id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.testJobLocked() // testing hook
	return true, w.process(ctx, job, id)
}

// process runs a single job.
func (w *Worker) process(ctx context.Context, job *Job, id string) error {
	pctx, cancel := context.WithCancel(ctx)
	lost := make(chan bool, 1)
	go func() { lost <- w.renew(pctx, cancel, job, id) }()
	perr := w.safeProcess(pctx, job)
	cancel()
	if <-lost {
		w.testJobLost() // testing hook
		return nil
	}

	bg := context.WithoutCancel(ctx)
	if perr != nil && ctx.Err() != nil {
		// Interrupted by shutdown. Give the job back to the queue.
		released, err := w.q.Release(bg, job, id)
		if err != nil {
			return err
		}
		if released == nil {
			w.logger.Printf("mongoqueue: worker %s lost the lock on job %v", id, job.ID)
		}
		w.testJobReleased() // testing hook
		return nil
	}

	if perr != nil {
		w.logger.Printf("mongoqueue: job %v failed with: %v", job.ID, perr)
		failed, err := w.q.Fail(bg, job, perr.Error())
		if err != nil {
			return err
		}
		if failed == nil {
			w.logger.Printf("mongoqueue: worker %s lost the lock on job %v", id, job.ID)
		}
		w.testJobFailed() // testing hook
		return nil
	}

	completed, err := w.q.Complete(bg, job, id)
	if err != nil {
		return err
	}
	if completed == nil {
		w.logger.Printf("mongoqueue: worker %s lost the lock on job %v", id, job.ID)
	}
	w.testJobCompleted() // testing hook
	return nil
}

// renew refreshes the lock on job until ctx is done. If the lock is lost,
// it cancels the processor via cancel and returns true.
func (w *Worker) renew(ctx context.Context, cancel context.CancelFunc, job *Job, id string) bool {
	if w.renewInterval <= 0 {
		return false
	}
	t := time.NewTicker(w.renewInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			renewed, err := w.q.Renew(ctx, job, id)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Printf("mongoqueue: worker %s: unable to renew lock on job %v: %v", id, job.ID, err)
				}
				continue
			}
			if renewed == nil {
				w.logger.Printf("mongoqueue: worker %s lost the lock on job %v", id, job.ID)
				cancel()
				return true
			}
		}
	}
}

// safeProcess calls the processor and turns panics into errors.
func (w *Worker) safeProcess(ctx context.Context, job *Job) (err error) {
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("panic: %v", rerr)
		}
	}()
	return w.p(ctx, job)
}
