package log

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPrintfLogsAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := Wrap(zap.New(core)).Named("reaper")
	l.Printf("released job %s from worker %s", "42", "w1")

	entries := logs.All()
	if want, have := 1, len(entries); want != have {
		t.Fatalf("len(entries) = %d, want %d", have, want)
	}
	if want, have := "released job 42 from worker w1", entries[0].Message; want != have {
		t.Fatalf("Message = %q, want %q", have, want)
	}
	if want, have := zap.InfoLevel, entries[0].Level; want != have {
		t.Fatalf("Level = %v, want %v", have, want)
	}
	if want, have := "reaper", entries[0].LoggerName; want != have {
		t.Fatalf("LoggerName = %q, want %q", have, want)
	}
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(true, true, t.TempDir()+"/test.log")
	if err != nil {
		t.Fatalf("NewLogger returned %v", err)
	}
	l.Debugw("hello", "answer", 42)
	_ = l.Sync()
}
