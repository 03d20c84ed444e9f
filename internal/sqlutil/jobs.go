// Package sqlutil contains helpers shared by the SQL-based backends.
package sqlutil

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/olivere/mongoqueue"
)

// Columns lists the columns read by ScanJob, in order.
const Columns = "id, payload, priority, attempts, locked_by, locked_at, last_error"

// OrderBy orders jobs by priority (highest first), then by insertion order.
var OrderBy = []string{"priority DESC", "seq ASC"}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier returns an error if name cannot be used unquoted as a
// table or index name.
func ValidIdentifier(name string) error {
	if !identRe.MatchString(name) || len(name) > 64 {
		return fmt.Errorf("sqlutil: invalid identifier %q", name)
	}
	return nil
}

// Millis converts t to Unix milliseconds, the way times are stored.
func Millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}

// Scanner is implemented by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...interface{}) error
}

// ScanJob reads a job from a row selected with Columns.
func ScanJob(row Scanner) (*mongoqueue.Job, error) {
	var (
		job       mongoqueue.Job
		payload   sql.NullString
		lockedBy  sql.NullString
		lockedAt  sql.NullInt64
		lastError sql.NullString
	)
	err := row.Scan(&job.ID, &payload, &job.Priority, &job.Attempts, &lockedBy, &lockedAt, &lastError)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &job.Payload); err != nil {
			return nil, err
		}
	}
	if lockedBy.Valid && lockedBy.String != "" {
		job.LockedBy = lockedBy.String
		if lockedAt.Valid {
			job.LockedAt = FromMillis(lockedAt.Int64)
		}
	}
	job.LastError = lastError.String
	return &job, nil
}

// ScanJobs reads all jobs from rows and closes them.
func ScanJobs(rows *sql.Rows) ([]*mongoqueue.Job, error) {
	defer rows.Close()
	jobs := make([]*mongoqueue.Job, 0)
	for rows.Next() {
		job, err := ScanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// InsertValues returns the column values for inserting job with the given
// identifier.
func InsertValues(id string, job *mongoqueue.Job) (map[string]interface{}, error) {
	payload, err := encodePayload(job.Payload)
	if err != nil {
		return nil, err
	}
	values := map[string]interface{}{
		"id":         id,
		"payload":    payload,
		"priority":   job.Priority,
		"attempts":   job.Attempts,
		"locked_by":  nil,
		"locked_at":  nil,
		"last_error": nil,
	}
	if job.LockedBy != "" {
		values["locked_by"] = job.LockedBy
		values["locked_at"] = Millis(job.LockedAt)
	}
	if job.LastError != "" {
		values["last_error"] = job.LastError
	}
	return values, nil
}

func encodePayload(payload map[string]interface{}) (interface{}, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	v, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(v), nil
}

// Where translates f into a WHERE condition. It returns false if f can
// never match.
func Where(f mongoqueue.Filter) (sq.Sqlizer, bool) {
	if f.LockedBy != "" && f.Lock == mongoqueue.Unlocked {
		return nil, false
	}
	cond := sq.And{}
	if f.ID != "" {
		cond = append(cond, sq.Eq{"id": f.ID})
	}
	switch {
	case f.LockedBy != "":
		cond = append(cond, sq.Eq{"locked_by": f.LockedBy})
	case f.Lock == mongoqueue.Unlocked:
		cond = append(cond, sq.Eq{"locked_by": nil})
	case f.Lock == mongoqueue.LockHeld:
		cond = append(cond, sq.NotEq{"locked_by": nil})
	}
	if f.MaxAttempts > 0 {
		cond = append(cond, sq.Lt{"attempts": f.MaxAttempts})
	}
	if f.MinAttempts > 0 {
		cond = append(cond, sq.GtOrEq{"attempts": f.MinAttempts})
	}
	if !f.LockedBefore.IsZero() {
		cond = append(cond, sq.Lt{"locked_at": Millis(f.LockedBefore)})
	}
	return cond, true
}

// SetMap translates u into the SET clause of an UPDATE statement.
func SetMap(u mongoqueue.Update) (map[string]interface{}, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	set := make(map[string]interface{})
	if u.LockedBy != "" {
		set["locked_by"] = u.LockedBy
		set["locked_at"] = Millis(u.LockedAt)
	}
	if u.Unlock {
		set["locked_by"] = nil
		set["locked_at"] = nil
	}
	if u.IncAttempts {
		set["attempts"] = sq.Expr("attempts + 1")
	}
	if u.LastError != nil {
		set["last_error"] = *u.LastError
	}
	if len(set) == 0 {
		return nil, errors.New("sqlutil: update has no changes")
	}
	return set, nil
}
