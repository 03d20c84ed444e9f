// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// InMemoryBackend is a simple in-memory backend implementation.
// It implements the Backend interface. Do not use in production.
type InMemoryBackend struct {
	mu      sync.Mutex
	jobs    map[string]*memJob
	seq     int64
	indexes map[string]bool
}

type memJob struct {
	job *Job
	seq int64 // insertion order
}

// NewInMemoryBackend creates a new InMemoryBackend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		jobs:    make(map[string]*memJob),
		indexes: make(map[string]bool),
	}
}

// EnsureIndex records the index. It is a no-op otherwise.
func (b *InMemoryBackend) EnsureIndex(ctx context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.indexes[strings.Join(keys, ",")] = true
	return nil
}

// Indexes returns the declared indexes, as comma-separated field lists.
func (b *InMemoryBackend) Indexes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var list []string
	for k := range b.indexes {
		list = append(list, k)
	}
	sort.Strings(list)
	return list
}

// Insert adds a new job.
func (b *InMemoryBackend) Insert(ctx context.Context, job *Job) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j := job.Clone()
	j.ID = uuid.New().String()
	b.seq++
	b.jobs[j.ID] = &memJob{job: j, seq: b.seq}
	return j.ID, nil
}

// FindByID returns the job with the specified identifier (or ErrNotFound).
func (b *InMemoryBackend) FindByID(ctx context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mj, found := b.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	return mj.job.Clone(), nil
}

// FindAll returns all matching jobs, highest priority first.
func (b *InMemoryBackend) FindAll(ctx context.Context, f Filter, limit int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	matches := b.matchLocked(f)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	list := make([]*Job, 0, len(matches))
	for _, mj := range matches {
		list = append(list, mj.job.Clone())
	}
	return list, nil
}

// Count returns the number of matching jobs.
func (b *InMemoryBackend) Count(ctx context.Context, f Filter) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.matchLocked(f)), nil
}

// FindAndModify updates the first matching job and returns its new state.
func (b *InMemoryBackend) FindAndModify(ctx context.Context, f Filter, u Update, s Sort) (*Job, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	matches := b.matchLocked(f)
	if len(matches) == 0 {
		return nil, nil
	}
	j := matches[0].job
	u.Apply(j)
	return j.Clone(), nil
}

// FindAndRemove deletes the first matching job and returns it.
func (b *InMemoryBackend) FindAndRemove(ctx context.Context, f Filter) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	matches := b.matchLocked(f)
	if len(matches) == 0 {
		return nil, nil
	}
	j := matches[0].job
	delete(b.jobs, j.ID)
	return j, nil
}

// Drop removes all jobs and indexes.
func (b *InMemoryBackend) Drop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = make(map[string]*memJob)
	b.indexes = make(map[string]bool)
	return nil
}

// matchLocked returns the matching jobs, ordered by priority and then by
// insertion order. The caller must hold b.mu.
func (b *InMemoryBackend) matchLocked(f Filter) []*memJob {
	var matches []*memJob
	for _, mj := range b.jobs {
		if f.Match(mj.job) {
			matches = append(matches, mj)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].job.Priority != matches[j].job.Priority {
			return matches[i].job.Priority > matches[j].job.Priority
		}
		return matches[i].seq < matches[j].seq
	})
	return matches
}
