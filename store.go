// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound must be returned from Backend.FindByID when a certain job
	// could not be found in the specific data store.
	ErrNotFound = errors.New("mongoqueue: job not found")
)

// Backend implements persistent storage of jobs. A Backend is bound to a
// single collection (or table) when it is created.
//
// FindAndModify and FindAndRemove must be atomic with respect to a single
// job: no other call may observe or change the job between matching it and
// mutating it. That is the only synchronization the Queue relies upon.
type Backend interface {
	// EnsureIndex declares a secondary index on the given fields.
	// It must be idempotent.
	EnsureIndex(ctx context.Context, keys ...string) error

	// Insert stores a new job and returns the identifier assigned by the
	// backend.
	Insert(ctx context.Context, job *Job) (string, error)

	// FindByID returns the job with the given identifier.
	// If the job could not be found, ErrNotFound must be returned.
	FindByID(ctx context.Context, id string) (*Job, error)

	// FindAll returns all jobs matching the filter, ordered by priority
	// (highest first) and insertion order. A limit <= 0 means no limit.
	// If no job matches, an empty slice is returned.
	FindAll(ctx context.Context, f Filter, limit int) ([]*Job, error)

	// Count returns the number of jobs matching the filter.
	Count(ctx context.Context, f Filter) (int, error)

	// FindAndModify atomically applies the update to the first job that
	// matches the filter (according to the sort order) and returns the
	// job after the update. If no job matches, it returns nil for both the
	// job and the error.
	FindAndModify(ctx context.Context, f Filter, u Update, s Sort) (*Job, error)

	// FindAndRemove atomically deletes the first job matching the filter and
	// returns the job as it was before deletion. If no job matches, it
	// returns nil for both the job and the error.
	FindAndRemove(ctx context.Context, f Filter) (*Job, error)

	// Drop removes all jobs, including the underlying collection or table.
	Drop(ctx context.Context) error
}

// LockState restricts a Filter to locked or unlocked jobs.
type LockState int

const (
	// AnyLock matches jobs regardless of their lock.
	AnyLock LockState = iota
	// Unlocked matches jobs where locked_by is null.
	Unlocked
	// LockHeld matches jobs where locked_by is set.
	LockHeld
)

// Filter is a conjunction of predicates on a job. The zero value matches
// all jobs.
type Filter struct {
	ID           string    // _id equals ID, if not empty
	Lock         LockState // lock state
	LockedBy     string    // locked_by equals LockedBy, if not empty
	MaxAttempts  int       // attempts < MaxAttempts, if > 0
	MinAttempts  int       // attempts >= MinAttempts, if > 0
	LockedBefore time.Time // locked_at < LockedBefore, if not zero
}

// Match returns true if job satisfies the filter.
func (f Filter) Match(job *Job) bool {
	if f.ID != "" && job.ID != f.ID {
		return false
	}
	switch f.Lock {
	case Unlocked:
		if job.IsLocked() {
			return false
		}
	case LockHeld:
		if !job.IsLocked() {
			return false
		}
	}
	if f.LockedBy != "" && job.LockedBy != f.LockedBy {
		return false
	}
	if f.MaxAttempts > 0 && job.Attempts >= f.MaxAttempts {
		return false
	}
	if f.MinAttempts > 0 && job.Attempts < f.MinAttempts {
		return false
	}
	if !f.LockedBefore.IsZero() && (job.LockedAt.IsZero() || !job.LockedAt.Before(f.LockedBefore)) {
		return false
	}
	return true
}

// Update describes the changes FindAndModify applies to a job.
// Use LockUpdate and UnlockUpdate to create one; locked_by and locked_at
// are always set or cleared together.
type Update struct {
	LockedBy    string    // sets locked_by and locked_at, if not empty
	LockedAt    time.Time // time of the lock acquisition
	Unlock      bool      // clears locked_by and locked_at
	IncAttempts bool      // increments attempts by one
	LastError   *string   // sets last_error, if not nil
}

// LockUpdate returns an Update that locks a job for worker at the given time.
func LockUpdate(worker string, at time.Time) Update {
	return Update{LockedBy: worker, LockedAt: at}
}

// UnlockUpdate returns an Update that clears the lock of a job.
func UnlockUpdate() Update {
	return Update{Unlock: true}
}

// Validate returns an error if the update is inconsistent.
func (u Update) Validate() error {
	if u.Unlock && u.LockedBy != "" {
		return errors.New("mongoqueue: update cannot both lock and unlock a job")
	}
	if u.LockedBy != "" && u.LockedAt.IsZero() {
		return errors.New("mongoqueue: update locks a job without a lock time")
	}
	return nil
}

// Apply applies the update to job.
func (u Update) Apply(job *Job) {
	if u.LockedBy != "" {
		job.LockedBy = u.LockedBy
		job.LockedAt = u.LockedAt
	}
	if u.Unlock {
		job.LockedBy = ""
		job.LockedAt = time.Time{}
	}
	if u.IncAttempts {
		job.Attempts++
	}
	if u.LastError != nil {
		job.LastError = *u.LastError
	}
}

// Sort specifies which job FindAndModify picks when several match.
type Sort int

const (
	// SortNatural leaves the order to the backend.
	SortNatural Sort = iota
	// SortByPriority picks the job with the highest priority, then the
	// one inserted first.
	SortByPriority
)

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	State string // filter by state (Available, Locked, or Exhausted)
	Limit int    // maximum number of jobs to return
}
