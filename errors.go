// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import (
	"errors"
	"fmt"
)

// CommandError is returned by a Backend when the storage engine reports
// that a command did not complete successfully. This is different from a
// command that succeeded but did not match any job.
type CommandError struct {
	Op       string                 // operation, e.g. "findAndModify"
	Response map[string]interface{} // raw response of the storage engine
}

// Error returns a human-readable representation of the error.
func (e *CommandError) Error() string {
	return fmt.Sprintf("mongoqueue: %s: result was not OK: %v", e.Op, e.Response)
}

// IsCommandError returns true if err is or wraps a CommandError.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
