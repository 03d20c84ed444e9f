// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import "context"

// Processor is responsible to process a job locked by a Worker.
// If it returns an error, the job is reported as failed via Queue.Fail.
type Processor func(context.Context, *Job) error
