// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongoqueue_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/olivere/mongoqueue"
	"github.com/olivere/mongoqueue/internal/queuetest"
)

func TestInMemoryBackend(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) mongoqueue.Backend {
		return mongoqueue.NewInMemoryBackend()
	})
}

func TestNewDeclaresIndexes(t *testing.T) {
	b := mongoqueue.NewInMemoryBackend()
	for i := 0; i < 2; i++ {
		_, err := mongoqueue.New(context.Background(), b)
		if err != nil {
			t.Fatalf("New failed with %v", err)
		}
	}
	want := []string{"locked_by,attempts", "locked_by,locked_at"}
	if have := b.Indexes(); !reflect.DeepEqual(want, have) {
		t.Fatalf("Indexes = %v, want %v", have, want)
	}
}

func TestInMemoryBackendReturnsCopies(t *testing.T) {
	ctx := context.Background()
	q, err := mongoqueue.New(ctx, mongoqueue.NewInMemoryBackend())
	if err != nil {
		t.Fatalf("New failed with %v", err)
	}
	job, err := q.Insert(ctx, &mongoqueue.Job{Payload: map[string]interface{}{"n": 1}})
	if err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
	job.Payload["n"] = 2
	job.LockedBy = "mallory"

	have, err := q.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want := 1; have.Payload["n"] != want {
		t.Fatalf("Payload[n] = %v, want %v", have.Payload["n"], want)
	}
	if have.IsLocked() {
		t.Fatalf("LockedBy = %q, want unlocked", have.LockedBy)
	}
}
