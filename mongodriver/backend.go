// Package mongodriver implements a mongoqueue.Backend on top of MongoDB,
// using the official MongoDB Go driver.
//
// Documents have the same layout as the ones written by package mongodb,
// so both backends can share a collection.
package mongodriver

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/olivere/mongoqueue"
)

// Backend represents a MongoDB-based storage backend using the official
// driver.
type Backend struct {
	client     *mongo.Client
	collection *mongo.Collection
	ownsClient bool
}

// NewBackend creates a new backend for the given collection of the given
// database. The caller remains responsible for disconnecting the client.
func NewBackend(client *mongo.Client, cfg mongoqueue.Config) *Backend {
	cfg = cfg.WithDefaults()
	return &Backend{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}
}

// Connect connects to the MongoDB server given by uri and creates a new
// backend. Use Close to disconnect.
func Connect(ctx context.Context, uri string, cfg mongoqueue.Config) (*Backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	b := NewBackend(client, cfg)
	b.ownsClient = true
	return b, nil
}

// Close disconnects the client if it has been created by Connect.
func (b *Backend) Close(ctx context.Context) error {
	if b.ownsClient {
		return b.client.Disconnect(ctx)
	}
	return nil
}

// Collection returns the underlying collection.
func (b *Backend) Collection() *mongo.Collection {
	return b.collection
}

// wrapError maps driver errors to mongoqueue errors.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return mongoqueue.ErrNotFound
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		return &mongoqueue.CommandError{
			Op: op,
			Response: map[string]interface{}{
				"ok":       0.0,
				"code":     ce.Code,
				"codeName": ce.Name,
				"errmsg":   ce.Message,
			},
		}
	}
	var we mongo.WriteException
	if errors.As(err, &we) && len(we.WriteErrors) > 0 {
		return &mongoqueue.CommandError{
			Op: op,
			Response: map[string]interface{}{
				"ok":     0.0,
				"code":   we.WriteErrors[0].Code,
				"errmsg": we.WriteErrors[0].Message,
			},
		}
	}
	return err
}

// EnsureIndex creates an ascending compound index on keys.
func (b *Backend) EnsureIndex(ctx context.Context, keys ...string) error {
	index := bson.D{}
	for _, key := range keys {
		index = append(index, bson.E{Key: key, Value: 1})
	}
	_, err := b.collection.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: index})
	return wrapError("createIndexes", err)
}

// Insert adds a new job to the collection.
func (b *Backend) Insert(ctx context.Context, job *mongoqueue.Job) (string, error) {
	doc := newDocument(job)
	doc.ID = primitive.NewObjectID()
	if _, err := b.collection.InsertOne(ctx, doc); err != nil {
		return "", wrapError("insert", err)
	}
	return doc.ID.Hex(), nil
}

// FindByID retrieves a single job by its identifier.
func (b *Backend) FindByID(ctx context.Context, id string) (*mongoqueue.Job, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, mongoqueue.ErrNotFound
	}
	var doc document
	if err := b.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return nil, wrapError("find", err)
	}
	return doc.ToJob(), nil
}

// FindAll returns the jobs matching f, highest priority first.
func (b *Backend) FindAll(ctx context.Context, f mongoqueue.Filter, limit int) ([]*mongoqueue.Job, error) {
	query, ok := newQuery(f)
	if !ok {
		return []*mongoqueue.Job{}, nil
	}
	opts := options.Find().SetSort(prioritySort())
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := b.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, wrapError("find", err)
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapError("find", err)
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
	n, err := b.collection.CountDocuments(ctx, query)
	if err != nil {
		return 0, wrapError("count", err)
	}
	return int(n), nil
}

// FindAndModify atomically updates the first matching job and returns it
// after the update, or nil if no job matched.
func (b *Backend) FindAndModify(ctx context.Context, f mongoqueue.Filter, u mongoqueue.Update, s mongoqueue.Sort) (*mongoqueue.Job, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	query, ok := newQuery(f)
	if !ok {
		return nil, nil
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if s == mongoqueue.SortByPriority {
		opts.SetSort(prioritySort())
	}
	var doc document
	err := b.collection.FindOneAndUpdate(ctx, query, newUpdate(u), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("findAndModify", err)
	}
	return doc.ToJob(), nil
}

// FindAndRemove atomically deletes the first matching job and returns it,
// or nil if no job matched.
func (b *Backend) FindAndRemove(ctx context.Context, f mongoqueue.Filter) (*mongoqueue.Job, error) {
	query, ok := newQuery(f)
	if !ok {
		return nil, nil
	}
	var doc document
	err := b.collection.FindOneAndDelete(ctx, query).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("findAndModify", err)
	}
	return doc.ToJob(), nil
}

// Drop drops the collection.
func (b *Backend) Drop(ctx context.Context) error {
	return wrapError("drop", b.collection.Drop(ctx))
}

func prioritySort() bson.D {
	return bson.D{{Key: "priority", Value: -1}, {Key: "_id", Value: 1}}
}
