// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import "time"

const (
	// Available jobs are unlocked and may be claimed.
	Available string = "available"
	// Locked jobs are currently held by a worker.
	Locked string = "locked"
	// Exhausted jobs have used up all their attempts.
	Exhausted string = "exhausted"
)

// Job is a unit of work persisted as a single document.
type Job struct {
	ID        string                 `json:"id"`                   // assigned by the backend
	Payload   map[string]interface{} `json:"payload,omitempty"`    // caller-defined fields
	Priority  int                    `json:"priority"`             // jobs with higher priorities get locked first
	Attempts  int                    `json:"attempts"`             // number of reported failures
	LockedBy  string                 `json:"locked_by,omitempty"`  // worker holding the job, or empty
	LockedAt  time.Time              `json:"locked_at,omitempty"`  // time of the last lock acquisition
	LastError string                 `json:"last_error,omitempty"` // last failure message
}

// IsLocked returns true if the job is held by a worker.
func (j *Job) IsLocked() bool {
	return j.LockedBy != ""
}

// State returns the state of the job with respect to the maximum number of
// attempts, i.e. one of Available, Locked, or Exhausted.
func (j *Job) State(maxAttempts int) string {
	switch {
	case j.Attempts >= maxAttempts:
		return Exhausted
	case j.IsLocked():
		return Locked
	default:
		return Available
	}
}

// Clone returns a deep copy of the job. Payload values are copied
// shallowly.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = make(map[string]interface{}, len(j.Payload))
		for k, v := range j.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// newJob returns the document to insert for job: caller fields (Payload and
// Priority) are kept, the lifecycle fields are reset.
func newJob(job *Job) *Job {
	j := job.Clone()
	j.ID = ""
	j.Attempts = 0
	j.LastError = ""
	j.LockedBy = ""
	j.LockedAt = time.Time{}
	return j
}
