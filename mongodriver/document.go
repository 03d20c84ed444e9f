package mongodriver

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/olivere/mongoqueue"
)

// document is a job as stored in MongoDB, with the payload inline.
type document struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Priority  int                `bson:"priority"`
	Attempts  int                `bson:"attempts"`
	LockedBy  *string            `bson:"locked_by"`
	LockedAt  *time.Time         `bson:"locked_at"`
	LastError *string            `bson:"last_error"`
	Payload   bson.M             `bson:",inline"`
}

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

// newQuery translates f into a filter document. It returns false if f can
// never match.
func newQuery(f mongoqueue.Filter) (bson.M, bool) {
	query := bson.M{}
	if f.ID != "" {
		oid, err := primitive.ObjectIDFromHex(f.ID)
		if err != nil {
			return nil, false
		}
		query["_id"] = oid
	}
	if f.LockedBy != "" && f.Lock == mongoqueue.Unlocked {
		return nil, false
	}
	switch {
	case f.LockedBy != "":
		query["locked_by"] = f.LockedBy
	case f.Lock == mongoqueue.Unlocked:
		query["locked_by"] = nil
	case f.Lock == mongoqueue.LockHeld:
		query["locked_by"] = bson.M{"$ne": nil}
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

// newUpdate translates u into an update document.
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
