// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import (
	"context"
	"time"
)

const (
	defaultReapInterval = 30 * time.Second
)

// Reaper periodically releases jobs whose lock timed out, e.g. because the
// worker holding them crashed. It calls Queue.Cleanup on every tick.
type Reaper struct {
	q        *Queue
	interval time.Duration
	logger   Logger

	testReaped func(int) // testing hook
}

// NewReaper creates a new Reaper that runs every interval. If interval is
// not positive, it runs every 30 seconds.
func NewReaper(q *Queue, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	return &Reaper{
		q:          q,
		interval:   interval,
		logger:     q.logger,
		testReaped: func(int) {},
	}
}

// Run starts the reaper loop. It blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Printf("mongoqueue: cleanup failed: %v", err)
			}
		}
	}
}

// RunOnce runs a single cleanup and returns the number of released jobs.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	n, err := r.q.Cleanup(ctx)
	if err != nil {
		return n, err
	}
	r.testReaped(n) // testing hook
	return n, nil
}
