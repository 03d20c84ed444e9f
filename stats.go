// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

// Stats returns statistics about the job queue.
type Stats struct {
	Available int `json:"available"` // number of jobs waiting to be locked
	Locked    int `json:"locked"`    // number of jobs currently held by a worker
	Exhausted int `json:"exhausted"` // number of jobs that ran out of attempts
}

// Total returns the number of jobs in the queue.
func (s *Stats) Total() int {
	return s.Available + s.Locked + s.Exhausted
}
