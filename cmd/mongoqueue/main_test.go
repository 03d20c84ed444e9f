package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/olivere/mongoqueue"
	"github.com/olivere/mongoqueue/internal/config"
	"github.com/olivere/mongoqueue/redis"
	"github.com/olivere/mongoqueue/sqlite"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, key := range []string{config.EnvBackend, config.EnvURL, config.EnvDatabase, config.EnvCollection, config.EnvLockTimeout, config.EnvMaxAttempts} {
		t.Setenv(key, "")
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	b, closer, err := openBackend(ctx, config.Config{Backend: "memory"})
	if err != nil {
		t.Fatalf("openBackend returned %v", err)
	}
	defer closer()
	if _, ok := b.(*mongoqueue.InMemoryBackend); !ok {
		t.Fatalf("openBackend returned %T", b)
	}

	b, closer, err = openBackend(ctx, config.Config{
		Backend: "sqlite",
		URL:     filepath.Join(t.TempDir(), "queue.db"),
		Queue:   mongoqueue.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("openBackend returned %v", err)
	}
	defer closer()
	if _, ok := b.(*sqlite.Backend); !ok {
		t.Fatalf("openBackend returned %T", b)
	}

	mr := miniredis.RunT(t)
	b, closer, err = openBackend(ctx, config.Config{
		Backend: "redis",
		URL:     "redis://" + mr.Addr(),
		Queue:   mongoqueue.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("openBackend returned %v", err)
	}
	defer closer()
	if _, ok := b.(*redis.Backend); !ok {
		t.Fatalf("openBackend returned %T", b)
	}

	if _, _, err := openBackend(ctx, config.Config{Backend: "cassandra"}); err == nil {
		t.Fatal("openBackend succeeded for an unknown backend")
	}
}

func TestStatsAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	// Prepare a queue with two jobs, one of them locked.
	b, err := sqlite.Open(path, mongoqueue.Config{})
	if err != nil {
		t.Fatalf("Open returned %v", err)
	}
	ctx := context.Background()
	q, err := mongoqueue.New(ctx, b)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := q.Insert(ctx, &mongoqueue.Job{Priority: i}); err != nil {
			t.Fatalf("Insert returned %v", err)
		}
	}
	if _, err := q.LockNext(ctx, "worker"); err != nil {
		t.Fatalf("LockNext returned %v", err)
	}
	b.Close()

	out, err := execute(t, "stats", "--backend", "sqlite", "--url", path, "--output-json", "--list", "locked")
	if err != nil {
		t.Fatalf("stats returned %v", err)
	}
	var rsp struct {
		Stats mongoqueue.Stats  `json:"stats"`
		Jobs  []*mongoqueue.Job `json:"jobs"`
	}
	if err := json.Unmarshal([]byte(out), &rsp); err != nil {
		t.Fatalf("Unmarshal returned %v for %q", err, out)
	}
	if want, have := (mongoqueue.Stats{Available: 1, Locked: 1}), rsp.Stats; want != have {
		t.Fatalf("Stats = %+v, want %+v", have, want)
	}
	if want, have := 1, len(rsp.Jobs); want != have {
		t.Fatalf("len(Jobs) = %d, want %d", have, want)
	}
	if want, have := "worker", rsp.Jobs[0].LockedBy; want != have {
		t.Fatalf("LockedBy = %q, want %q", have, want)
	}

	if _, err := execute(t, "flush", "--backend", "sqlite", "--url", path); err == nil {
		t.Fatal("flush without --yes succeeded")
	}
	out, err = execute(t, "flush", "--backend", "sqlite", "--url", path, "--yes")
	if err != nil {
		t.Fatalf("flush returned %v", err)
	}
	if !strings.Contains(out, "Flushed") {
		t.Fatalf("flush printed %q", out)
	}
}

func TestReapOnce(t *testing.T) {
	out, err := execute(t, "reap", "--backend", "memory", "--once")
	if err != nil {
		t.Fatalf("reap returned %v", err)
	}
	if want := "Released 0 job(s)\n"; out != want {
		t.Fatalf("reap printed %q, want %q", out, want)
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := execute(t, "stats", "--backend", "mysql", "--url", ""); err == nil {
		t.Fatal("stats succeeded without a MySQL URL")
	}
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	if err := makeProcessor(0, 0)(ctx, &mongoqueue.Job{}); err != nil {
		t.Fatalf("processor returned %v", err)
	}
	if err := makeProcessor(1, 0)(ctx, &mongoqueue.Job{}); err == nil {
		t.Fatal("processor with a failure rate of 1 succeeded")
	}
}
