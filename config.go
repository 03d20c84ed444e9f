// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import (
	"errors"
	"time"
)

const (
	// DefaultDatabase is the name of the database used by default.
	DefaultDatabase = "mongo_queue"
	// DefaultCollection is the name of the collection used by default.
	DefaultCollection = "mongo_queue"
	// DefaultLockTimeout is the time after which a lock may be reclaimed.
	DefaultLockTimeout = 300 * time.Second
	// DefaultMaxAttempts is the number of attempts after which a job is
	// no longer handed out.
	DefaultMaxAttempts = 3
)

// Config is the configuration of a Queue. Database and Collection are
// used by the backends to select where jobs are stored; LockTimeout and
// MaxAttempts are used by the Queue itself.
type Config struct {
	Database    string        `json:"database"`
	Collection  string        `json:"collection"`
	LockTimeout time.Duration `json:"lock_timeout"`
	MaxAttempts int           `json:"max_attempts"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Database:    DefaultDatabase,
		Collection:  DefaultCollection,
		LockTimeout: DefaultLockTimeout,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// WithDefaults returns a copy of c with all zero fields set to their
// defaults.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Database == "" {
		c.Database = def.Database
	}
	if c.Collection == "" {
		c.Collection = def.Collection
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

// Validate returns an error if the configuration cannot be used.
func (c Config) Validate() error {
	if c.LockTimeout < 0 {
		return errors.New("mongoqueue: lock timeout must not be negative")
	}
	if c.MaxAttempts < 1 {
		return errors.New("mongoqueue: max attempts must be at least 1")
	}
	return nil
}

// -- Options --

// Option is the signature of an options provider for Queue.
type Option func(*Queue)

// SetConfig replaces the configuration of the Queue. Zero fields are set
// to their defaults.
func SetConfig(cfg Config) Option {
	return func(q *Queue) {
		q.cfg = cfg.WithDefaults()
	}
}

// SetLockTimeout specifies the time after which Cleanup releases a locked
// job. It is 300 seconds by default.
func SetLockTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.cfg.LockTimeout = d
	}
}

// SetMaxAttempts specifies the number of failures after which a job is no
// longer handed out by LockNext. It is 3 by default.
func SetMaxAttempts(n int) Option {
	return func(q *Queue) {
		q.cfg.MaxAttempts = n
	}
}

// SetLogger specifies the logger to use when e.g. reporting reclaimed jobs.
func SetLogger(logger Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		} else {
			q.logger = nopLogger{}
		}
	}
}

// SetClock specifies the function that returns the current time.
// It is time.Now by default.
func SetClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}
