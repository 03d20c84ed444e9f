// Package mongodb implements a mongoqueue.Backend on top of MongoDB,
// using the mgo driver.
//
// Locking, releasing, and completing jobs is done with the findAndModify
// command. Its response is checked for success; a response that is not OK
// is reported as a *mongoqueue.CommandError carrying the raw response.
package mongodb

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/mongoqueue"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// codeNamespaceNotFound is returned when dropping a missing collection.
	codeNamespaceNotFound = 26
)

// Backend represents a MongoDB-based storage backend.
type Backend struct {
	session        *mgo.Session
	dbName         string
	collectionName string
	ownsSession    bool
}

// BackendOption is an options provider for Backend.
type BackendOption func(*Backend)

// SetDatabase overrides the default database name.
func SetDatabase(name string) BackendOption {
	return func(b *Backend) {
		if name != "" {
			b.dbName = name
		}
	}
}

// SetCollectionName overrides the default collection name.
func SetCollectionName(name string) BackendOption {
	return func(b *Backend) {
		if name != "" {
			b.collectionName = name
		}
	}
}

// SetConfig takes database and collection names from cfg.
func SetConfig(cfg mongoqueue.Config) BackendOption {
	return func(b *Backend) {
		cfg = cfg.WithDefaults()
		b.dbName = cfg.Database
		b.collectionName = cfg.Collection
	}
}

// NewBackend creates a new MongoDB-based backend on top of an existing
// session. The session is copied for every operation; the caller remains
// responsible for closing it.
func NewBackend(session *mgo.Session, options ...BackendOption) *Backend {
	b := &Backend{
		session:        session,
		dbName:         mongoqueue.DefaultDatabase,
		collectionName: mongoqueue.DefaultCollection,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Dial connects to the MongoDB server given by mongodbURL and creates a new
// backend. If the URL contains a database name, it is used unless
// overridden by an option. Use Close to close the session.
func Dial(mongodbURL string, options ...BackendOption) (*Backend, error) {
	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	session, err := mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}
	session.SetMode(mgo.Monotonic, true)
	session.SetSocketTimeout(socketTimeout)

	if dbname := strings.TrimLeft(uri.Path, "/"); dbname != "" {
		options = append([]BackendOption{SetDatabase(dbname)}, options...)
	}
	b := NewBackend(session, options...)
	b.ownsSession = true
	return b, nil
}

// Close the MongoDB backend. It closes the session only if it has been
// created by Dial.
func (b *Backend) Close() error {
	if b.ownsSession {
		b.session.Close()
	}
	return nil
}

// with runs fn with a copy of the session.
func (b *Backend) with(ctx context.Context, fn func(*mgo.Database, *mgo.Collection) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session := b.session.Copy()
	defer session.Close()
	db := session.DB(b.dbName)
	return fn(db, db.C(b.collectionName))
}

func (b *Backend) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to mongoqueue-specific "not found" error
		return mongoqueue.ErrNotFound
	}
	return err
}

// EnsureIndex creates an ascending compound index on keys.
func (b *Backend) EnsureIndex(ctx context.Context, keys ...string) error {
	return b.with(ctx, func(_ *mgo.Database, coll *mgo.Collection) error {
		return coll.EnsureIndexKey(keys...)
	})
}

// Insert adds a new job to the store.
func (b *Backend) Insert(ctx context.Context, job *mongoqueue.Job) (string, error) {
	doc := newDocument(job)
	doc.ID = bson.NewObjectId()
	err := b.with(ctx, func(_ *mgo.Database, coll *mgo.Collection) error {
		return coll.Insert(doc)
	})
	if err != nil {
		return "", b.wrapError(err)
	}
	return doc.ID.Hex(), nil
}

// FindByID retrieves a single job by its identifier.
func (b *Backend) FindByID(ctx context.Context, id string) (*mongoqueue.Job, error) {
	if !bson.IsObjectIdHex(id) {
		return nil, mongoqueue.ErrNotFound
	}
	var doc document
	err := b.with(ctx, func(_ *mgo.Database, coll *mgo.Collection) error {
		return coll.FindId(bson.ObjectIdHex(id)).One(&doc)
	})
	if err != nil {
		return nil, b.wrapError(err)
	}
	return doc.ToJob(), nil
}

// FindAll returns the jobs matching f, highest priority first.
func (b *Backend) FindAll(ctx context.Context, f mongoqueue.Filter, limit int) ([]*mongoqueue.Job, error) {
	query, ok := newQuery(f)
	if !ok {
		return []*mongoqueue.Job{}, nil
	}
	var docs []document
	err := b.with(ctx, func(_ *mgo.Database, coll *mgo.Collection) error {
		q := coll.Find(query).Sort("-priority", "_id")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.All(&docs)
	})
	if err != nil {
		return nil, b.wrapError(err)
	}
	jobs := make([]*mongoqueue.Job, 0, len(docs))
	for i := range docs {
		jobs = append(jobs, docs[i].ToJob())
	}
	return jobs, nil
}

// Count returns the number of jobs matching f.
func (b *Backend) Count(ctx context.Context, f mongoqueue.Filter) (int, error) {
	query, ok := newQuery(f)
	if !ok {
		return 0, nil
	}
	var n int
	err := b.with(ctx, func(_ *mgo.Database, coll *mgo.Collection) error {
		var err error
		n, err = coll.Find(query).Count()
		return err
	})
	return n, b.wrapError(err)
}

// FindAndModify runs the findAndModify command and returns the job after
// the update, or nil if no job matched.
func (b *Backend) FindAndModify(ctx context.Context, f mongoqueue.Filter, u mongoqueue.Update, s mongoqueue.Sort) (*mongoqueue.Job, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	query, ok := newQuery(f)
	if !ok {
		return nil, nil
	}
	cmd := bson.D{
		{Name: "findAndModify", Value: b.collectionName},
		{Name: "query", Value: query},
	}
	if s == mongoqueue.SortByPriority {
		cmd = append(cmd, bson.DocElem{Name: "sort", Value: bson.D{{Name: "priority", Value: -1}, {Name: "_id", Value: 1}}})
	}
	cmd = append(cmd,
		bson.DocElem{Name: "update", Value: newUpdate(u)},
		bson.DocElem{Name: "new", Value: true},
	)
	return b.command(ctx, cmd)
}

// FindAndRemove runs the findAndModify command with remove set and returns
// the removed job, or nil if no job matched.
func (b *Backend) FindAndRemove(ctx context.Context, f mongoqueue.Filter) (*mongoqueue.Job, error) {
	query, ok := newQuery(f)
	if !ok {
		return nil, nil
	}
	cmd := bson.D{
		{Name: "findAndModify", Value: b.collectionName},
		{Name: "query", Value: query},
		{Name: "remove", Value: true},
	}
	return b.command(ctx, cmd)
}

// Drop drops the collection. Dropping a missing collection is not an error.
func (b *Backend) Drop(ctx context.Context) error {
	return b.with(ctx, func(_ *mgo.Database, coll *mgo.Collection) error {
		err := coll.DropCollection()
		if qe, ok := err.(*mgo.QueryError); ok && (qe.Code == codeNamespaceNotFound || qe.Message == "ns not found") {
			return nil
		}
		return err
	})
}

// commandResult is the response of findAndModify.
type commandResult struct {
	Ok    float64   `bson:"ok"`
	Value *document `bson:"value"`
}

// command runs a findAndModify command and checks that its response is OK.
func (b *Backend) command(ctx context.Context, cmd bson.D) (*mongoqueue.Job, error) {
	op := cmd[0].Name
	var raw bson.Raw
	err := b.with(ctx, func(db *mgo.Database, _ *mgo.Collection) error {
		return db.Run(cmd, &raw)
	})
	if err != nil {
		return nil, queryError(op, err)
	}
	return decodeResponse(op, raw)
}

// queryError turns a server-side error of op into a *mongoqueue.CommandError.
// Other errors are returned unchanged.
func queryError(op string, err error) error {
	if qe, ok := err.(*mgo.QueryError); ok {
		return &mongoqueue.CommandError{
			Op: op,
			Response: map[string]interface{}{
				"ok":     0.0,
				"code":   qe.Code,
				"errmsg": qe.Message,
			},
		}
	}
	return err
}

// decodeResponse decodes the response of a findAndModify command. It returns
// a *mongoqueue.CommandError with the raw response if it is not OK, and nil
// if no document matched.
func decodeResponse(op string, raw bson.Raw) (*mongoqueue.Job, error) {
	var res commandResult
	if err := raw.Unmarshal(&res); err != nil {
		return nil, err
	}
	if res.Ok != 1.0 {
		var rsp bson.M
		_ = raw.Unmarshal(&rsp)
		return nil, &mongoqueue.CommandError{Op: op, Response: rsp}
	}
	if res.Value == nil {
		return nil, nil
	}
	return res.Value.ToJob(), nil
}
