// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import (
	"math"
	"time"
)

// BackoffFunc is a callback that returns a backoff. It is configurable
// via the SetBackoffFunc option of a Worker. The BackoffFunc is used to
// vary the time span between polls of an idle worker; polls is the number
// of consecutive polls that found no job.
type BackoffFunc func(polls int) time.Duration

// exponentialBackoff is the default backoff function. It performs
// exponential backoff.
func exponentialBackoff(polls int) time.Duration {
	if polls <= 0 {
		return time.Duration(0)
	}
	if polls > 9 {
		polls = 9
	}
	return time.Duration(math.Pow(10, float64(polls))) * time.Millisecond
}
