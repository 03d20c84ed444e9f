package mongodb

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/mongoqueue"
)

func TestNewQuery(t *testing.T) {
	id := bson.NewObjectId()
	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		Filter   mongoqueue.Filter
		Expected bson.M
	}{
		{
			mongoqueue.Filter{},
			bson.M{},
		},
		{
			mongoqueue.Filter{Lock: mongoqueue.Unlocked, MaxAttempts: 3},
			bson.M{"locked_by": nil, "attempts": bson.M{"$lt": 3}},
		},
		{
			mongoqueue.Filter{ID: id.Hex(), Lock: mongoqueue.LockHeld, LockedBy: "A"},
			bson.M{"_id": id, "locked_by": "A"},
		},
		{
			mongoqueue.Filter{Lock: mongoqueue.LockHeld, MaxAttempts: 3, LockedBefore: at},
			bson.M{"locked_by": bson.M{"$ne": nil}, "attempts": bson.M{"$lt": 3}, "locked_at": bson.M{"$lt": at}},
		},
		{
			mongoqueue.Filter{MinAttempts: 3},
			bson.M{"attempts": bson.M{"$gte": 3}},
		},
	}
	for i, test := range tests {
		have, ok := newQuery(test.Filter)
		if !ok {
			t.Fatalf("#%d: newQuery returned false", i)
		}
		if want := test.Expected; !reflect.DeepEqual(want, have) {
			t.Fatalf("#%d: query = %v, want %v", i, have, want)
		}
	}

	if _, ok := newQuery(mongoqueue.Filter{ID: "xyz"}); ok {
		t.Fatal("newQuery accepted an invalid ObjectId")
	}
}

func TestNewUpdate(t *testing.T) {
	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := "failed"
	fail := mongoqueue.UnlockUpdate()
	fail.IncAttempts = true
	fail.LastError = &msg

	tests := []struct {
		Update   mongoqueue.Update
		Expected bson.M
	}{
		{
			mongoqueue.LockUpdate("A", at),
			bson.M{"$set": bson.M{"locked_by": "A", "locked_at": at}},
		},
		{
			mongoqueue.UnlockUpdate(),
			bson.M{"$set": bson.M{"locked_by": nil, "locked_at": nil}},
		},
		{
			fail,
			bson.M{
				"$set": bson.M{"locked_by": nil, "locked_at": nil, "last_error": "failed"},
				"$inc": bson.M{"attempts": 1},
			},
		},
	}
	for i, test := range tests {
		if want, have := test.Expected, newUpdate(test.Update); !reflect.DeepEqual(want, have) {
			t.Fatalf("#%d: update = %v, want %v", i, have, want)
		}
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &mongoqueue.Job{
		Priority: 2,
		Payload:  map[string]interface{}{"foo": "bar", "attempts": 99},
		LockedBy: "A",
		LockedAt: at,
	}
	doc := newDocument(job)
	if _, found := doc.Payload["attempts"]; found {
		t.Fatal("reserved field kept in payload")
	}
	have := doc.ToJob()
	if want := "bar"; have.Payload["foo"] != want {
		t.Fatalf("Payload[foo] = %v, want %v", have.Payload["foo"], want)
	}
	if want := "A"; have.LockedBy != want {
		t.Fatalf("LockedBy = %q, want %q", have.LockedBy, want)
	}
	if !have.LockedAt.Equal(at) {
		t.Fatalf("LockedAt = %v, want %v", have.LockedAt, at)
	}
}

func mustRaw(t *testing.T, doc bson.M) bson.Raw {
	t.Helper()
	data, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal failed with %v", err)
	}
	return bson.Raw{Kind: 0x03, Data: data}
}

func TestDecodeResponse(t *testing.T) {
	id := bson.NewObjectId()
	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		Response  bson.M
		Job       *mongoqueue.Job
		CommandOK bool
	}{
		{
			bson.M{"ok": 1.0, "value": bson.M{
				"_id":       id,
				"priority":  2,
				"attempts":  1,
				"locked_by": "w",
				"locked_at": at,
				"msg":       "hi",
			}},
			&mongoqueue.Job{
				ID:       id.Hex(),
				Priority: 2,
				Attempts: 1,
				LockedBy: "w",
				LockedAt: at,
				Payload:  map[string]interface{}{"msg": "hi"},
			},
			true,
		},
		{
			bson.M{"ok": 1.0, "value": nil},
			nil,
			true,
		},
		{
			bson.M{"ok": 0.0, "errmsg": "not master"},
			nil,
			false,
		},
		{
			bson.M{"errmsg": "no ok field"},
			nil,
			false,
		},
	}
	for i, tt := range tests {
		job, err := decodeResponse("findAndModify", mustRaw(t, tt.Response))
		if tt.CommandOK {
			if err != nil {
				t.Fatalf("#%d: decodeResponse failed with %v", i, err)
			}
			if job != nil && tt.Job != nil && job.LockedAt.Equal(tt.Job.LockedAt) {
				job.LockedAt = tt.Job.LockedAt
			}
			if want, have := tt.Job, job; !reflect.DeepEqual(want, have) {
				t.Fatalf("#%d: job = %+v, want %+v", i, have, want)
			}
			continue
		}
		var ce *mongoqueue.CommandError
		if !errors.As(err, &ce) {
			t.Fatalf("#%d: decodeResponse returned %v, want a CommandError", i, err)
		}
		if want, have := "findAndModify", ce.Op; want != have {
			t.Fatalf("#%d: Op = %q, want %q", i, have, want)
		}
		if want, have := tt.Response["errmsg"], ce.Response["errmsg"]; want != have {
			t.Fatalf("#%d: errmsg = %v, want %v", i, have, want)
		}
		if job != nil {
			t.Fatalf("#%d: job = %+v, want nil", i, job)
		}
	}
}

func TestQueryError(t *testing.T) {
	err := queryError("findAndModify", &mgo.QueryError{Code: 11000, Message: "duplicate key"})
	var ce *mongoqueue.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("queryError returned %v, want a CommandError", err)
	}
	if want, have := 11000, ce.Response["code"]; want != have {
		t.Fatalf("code = %v, want %v", have, want)
	}
	if want, have := "duplicate key", ce.Response["errmsg"]; want != have {
		t.Fatalf("errmsg = %v, want %v", have, want)
	}

	other := errors.New("connection reset")
	if have := queryError("findAndModify", other); have != other {
		t.Fatalf("queryError returned %v, want %v", have, other)
	}
}
