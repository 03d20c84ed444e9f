package sqlutil

import (
	"reflect"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/olivere/mongoqueue"
)

func TestWhere(t *testing.T) {
	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		f    mongoqueue.Filter
		sql  string
		args []interface{}
	}{
		{
			mongoqueue.Filter{},
			"(1=1)",
			[]interface{}{},
		},
		{
			mongoqueue.Filter{Lock: mongoqueue.Unlocked, MaxAttempts: 3},
			"(locked_by IS NULL AND attempts < ?)",
			[]interface{}{3},
		},
		{
			mongoqueue.Filter{ID: "a", LockedBy: "w"},
			"(id = ? AND locked_by = ?)",
			[]interface{}{"a", "w"},
		},
		{
			mongoqueue.Filter{Lock: mongoqueue.LockHeld, MinAttempts: 2},
			"(locked_by IS NOT NULL AND attempts >= ?)",
			[]interface{}{2},
		},
		{
			mongoqueue.Filter{Lock: mongoqueue.LockHeld, LockedBefore: at},
			"(locked_by IS NOT NULL AND locked_at < ?)",
			[]interface{}{Millis(at)},
		},
	}
	for i, tt := range tests {
		cond, ok := Where(tt.f)
		if !ok {
			t.Fatalf("#%d: Where returned false", i)
		}
		sql, args, err := cond.ToSql()
		if err != nil {
			t.Fatalf("#%d: ToSql returned %v", i, err)
		}
		if want, have := tt.sql, sql; want != have {
			t.Errorf("#%d: sql = %q, want %q", i, have, want)
		}
		if want, have := tt.args, args; !reflect.DeepEqual(want, have) {
			t.Errorf("#%d: args = %v, want %v", i, have, want)
		}
	}
}

func TestWhereNeverMatches(t *testing.T) {
	if _, ok := Where(mongoqueue.Filter{Lock: mongoqueue.Unlocked, LockedBy: "w"}); ok {
		t.Fatal("Where returned true for an unlocked job held by a worker")
	}
}

func TestSetMap(t *testing.T) {
	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	set, err := SetMap(mongoqueue.LockUpdate("w", at))
	if err != nil {
		t.Fatalf("SetMap returned %v", err)
	}
	if want, have := "w", set["locked_by"]; want != have {
		t.Fatalf("locked_by = %v, want %v", have, want)
	}
	if want, have := Millis(at), set["locked_at"]; want != have {
		t.Fatalf("locked_at = %v, want %v", have, want)
	}

	msg := "boom"
	set, err = SetMap(mongoqueue.Update{Unlock: true, IncAttempts: true, LastError: &msg})
	if err != nil {
		t.Fatalf("SetMap returned %v", err)
	}
	sql, _, err := sq.Update("jobs").SetMap(set).ToSql()
	if err != nil {
		t.Fatalf("ToSql returned %v", err)
	}
	if want := "UPDATE jobs SET attempts = attempts + 1, last_error = ?, locked_at = ?, locked_by = ?"; want != sql {
		t.Fatalf("sql = %q, want %q", sql, want)
	}

	if _, err := SetMap(mongoqueue.Update{}); err == nil {
		t.Fatal("SetMap of an empty update succeeded")
	}
	if _, err := SetMap(mongoqueue.Update{Unlock: true, LockedBy: "w", LockedAt: at}); err == nil {
		t.Fatal("SetMap of an inconsistent update succeeded")
	}
}

func TestMillis(t *testing.T) {
	at := time.Date(2020, 1, 2, 3, 4, 5, 6000000, time.UTC)
	if want, have := at, FromMillis(Millis(at)); !want.Equal(have) {
		t.Fatalf("FromMillis(Millis(%v)) = %v", want, have)
	}
}

func TestValidIdentifier(t *testing.T) {
	for _, name := range []string{"mongo_queue", "jobs", "_x1"} {
		if err := ValidIdentifier(name); err != nil {
			t.Errorf("ValidIdentifier(%q) returned %v", name, err)
		}
	}
	for _, name := range []string{"", "1jobs", "jobs; DROP TABLE x", "a-b"} {
		if err := ValidIdentifier(name); err == nil {
			t.Errorf("ValidIdentifier(%q) succeeded", name)
		}
	}
}
