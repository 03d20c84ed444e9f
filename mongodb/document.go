package mongodb

import (
	"time"

	"github.com/globalsign/mgo/bson"

	"github.com/olivere/mongoqueue"
)

// -- MongoDB-internal representation of a job --

// document is a job as stored in MongoDB. The payload is stored inline,
// i.e. as top-level fields next to the lifecycle fields.
type document struct {
	ID        bson.ObjectId `bson:"_id,omitempty"`
	Priority  int           `bson:"priority"`
	Attempts  int           `bson:"attempts"`
	LockedBy  *string       `bson:"locked_by"`
	LockedAt  *time.Time    `bson:"locked_at"`
	LastError *string       `bson:"last_error"`
	Payload   bson.M        `bson:",inline"`
}

// reserved are the field names the payload must not use.
var reserved = map[string]bool{
	"_id":        true,
	"priority":   true,
	"attempts":   true,
	"locked_by":  true,
	"locked_at":  true,
	"last_error": true,
}

func newDocument(job *mongoqueue.Job) *document {
	doc := &document{
		Priority: job.Priority,
		Attempts: job.Attempts,
		Payload:  bson.M{},
	}
	for k, v := range job.Payload {
		if !reserved[k] {
			doc.Payload[k] = v
		}
	}
	if job.LockedBy != "" {
		doc.LockedBy = &job.LockedBy
		at := job.LockedAt
		doc.LockedAt = &at
	}
	if job.LastError != "" {
		doc.LastError = &job.LastError
	}
	return doc
}

// ToJob converts the document to a mongoqueue.Job.
func (d *document) ToJob() *mongoqueue.Job {
	job := &mongoqueue.Job{
		ID:       d.ID.Hex(),
		Priority: d.Priority,
		Attempts: d.Attempts,
	}
	if len(d.Payload) > 0 {
		job.Payload = make(map[string]interface{}, len(d.Payload))
		for k, v := range d.Payload {
			job.Payload[k] = v
		}
	}
	if d.LockedBy != nil && *d.LockedBy != "" {
		job.LockedBy = *d.LockedBy
		if d.LockedAt != nil {
			job.LockedAt = d.LockedAt.UTC()
		}
	}
	if d.LastError != nil {
		job.LastError = *d.LastError
	}
	return job
}

// newQuery translates f into a MongoDB query. It returns false if f can
// never match, e.g. because the identifier is not an ObjectId.
func newQuery(f mongoqueue.Filter) (bson.M, bool) {
	query := bson.M{}
	if f.ID != "" {
		if !bson.IsObjectIdHex(f.ID) {
			return nil, false
		}
		query["_id"] = bson.ObjectIdHex(f.ID)
	}
	switch {
	case f.LockedBy != "":
		query["locked_by"] = f.LockedBy
	case f.Lock == mongoqueue.Unlocked:
		query["locked_by"] = nil
	case f.Lock == mongoqueue.LockHeld:
		query["locked_by"] = bson.M{"$ne": nil}
	}
	if f.LockedBy != "" && f.Lock == mongoqueue.Unlocked {
		return nil, false
	}
	attempts := bson.M{}
	if f.MaxAttempts > 0 {
		attempts["$lt"] = f.MaxAttempts
	}
	if f.MinAttempts > 0 {
		attempts["$gte"] = f.MinAttempts
	}
	if len(attempts) > 0 {
		query["attempts"] = attempts
	}
	if !f.LockedBefore.IsZero() {
		query["locked_at"] = bson.M{"$lt": f.LockedBefore}
	}
	return query, true
}

// newUpdate translates u into a MongoDB update document.
func newUpdate(u mongoqueue.Update) bson.M {
	set := bson.M{}
	if u.LockedBy != "" {
		set["locked_by"] = u.LockedBy
		set["locked_at"] = u.LockedAt
	}
	if u.Unlock {
		set["locked_by"] = nil
		set["locked_at"] = nil
	}
	if u.LastError != nil {
		set["last_error"] = *u.LastError
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if u.IncAttempts {
		update["$inc"] = bson.M{"attempts": 1}
	}
	return update
}
