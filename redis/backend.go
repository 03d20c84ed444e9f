// Package redis implements a mongoqueue.Backend on top of Redis, using
// go-redis.
//
// Every job is a hash. A sorted set holds all jobs ordered by priority
// (highest first) and insertion order. FindAndModify and FindAndRemove run
// as a single Lua script, which makes them atomic. FindAll and Count scan
// the sorted set.
//
// All keys of a queue share the hash tag {database:collection}, so a queue
// lives in a single slot of a Redis Cluster.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/olivere/mongoqueue"
)

// scanBatch is the number of jobs loaded per round trip when scanning.
const scanBatch = 100

// Backend is a Redis-based storage backend.
type Backend struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// NewBackend creates a new backend on top of client. Keys are named after
// the database and collection of cfg. The caller owns the client.
func NewBackend(client goredis.UniversalClient, cfg mongoqueue.Config) *Backend {
	cfg = cfg.WithDefaults()
	return &Backend{
		client: client,
		prefix: fmt.Sprintf("mongoqueue:{%s:%s}:", cfg.Database, cfg.Collection),
	}
}

// Open connects to the Redis server given by url, e.g.
// "redis://localhost:6379/0", and creates a new backend. Use Close to
// disconnect.
func Open(ctx context.Context, url string, cfg mongoqueue.Config) (*Backend, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	b := NewBackend(client, cfg)
	b.owned = true
	return b, nil
}

// Close closes the client if it has been created by Open.
func (b *Backend) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}

// Client returns the underlying client.
func (b *Backend) Client() goredis.UniversalClient {
	return b.client
}

func (b *Backend) seqKey() string     { return b.prefix + "seq" }
func (b *Backend) queueKey() string   { return b.prefix + "queue" }
func (b *Backend) indexesKey() string { return b.prefix + "indexes" }
func (b *Backend) jobPrefix() string  { return b.prefix + "job:" }
func (b *Backend) jobKey(id string) string {
	return b.jobPrefix() + id
}

// memberID returns the job identifier of a sorted set member.
func memberID(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}

// EnsureIndex records the index. Redis has no secondary indexes; lookups
// scan the sorted set.
func (b *Backend) EnsureIndex(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return errors.New("redis: index without keys")
	}
	if err := b.client.SAdd(ctx, b.indexesKey(), strings.Join(keys, "_")).Err(); err != nil {
		return fmt.Errorf("redis: ensure index: %w", err)
	}
	return nil
}

// Indexes returns the names of the recorded indexes.
func (b *Backend) Indexes(ctx context.Context) ([]string, error) {
	names, err := b.client.SMembers(ctx, b.indexesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list indexes: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Insert adds a new job.
func (b *Backend) Insert(ctx context.Context, job *mongoqueue.Job) (string, error) {
	seq, err := b.client.Incr(ctx, b.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("redis: next sequence: %w", err)
	}
	id := uuid.New().String()
	member := fmt.Sprintf("%016d:%s", seq, id)
	fields, err := encodeJob(id, member, job)
	if err != nil {
		return "", err
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(id), fields)
	pipe.ZAdd(ctx, b.queueKey(), goredis.Z{Score: -float64(job.Priority), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis: insert job: %w", err)
	}
	return id, nil
}

// FindByID retrieves a single job by its identifier.
func (b *Backend) FindByID(ctx context.Context, id string) (*mongoqueue.Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, mongoqueue.ErrNotFound
	}
	return decodeJob(fields)
}

// scan calls fn for every job in queue order until fn returns false.
func (b *Backend) scan(ctx context.Context, fn func(*mongoqueue.Job) bool) error {
	for start := int64(0); ; start += scanBatch {
		members, err := b.client.ZRange(ctx, b.queueKey(), start, start+scanBatch-1).Result()
		if err != nil {
			return fmt.Errorf("redis: scan queue: %w", err)
		}
		if len(members) == 0 {
			return nil
		}
		pipe := b.client.Pipeline()
		cmds := make([]*goredis.MapStringStringCmd, len(members))
		for i, member := range members {
			cmds[i] = pipe.HGetAll(ctx, b.jobKey(memberID(member)))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis: load jobs: %w", err)
		}
		for _, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				// Removed since the range was read.
				continue
			}
			job, err := decodeJob(fields)
			if err != nil {
				return err
			}
			if !fn(job) {
				return nil
			}
		}
	}
}

// FindAll returns the jobs matching f, highest priority first.
func (b *Backend) FindAll(ctx context.Context, f mongoqueue.Filter, limit int) ([]*mongoqueue.Job, error) {
	jobs := make([]*mongoqueue.Job, 0)
	err := b.scan(ctx, func(job *mongoqueue.Job) bool {
		if f.Match(job) {
			jobs = append(jobs, job)
		}
		return limit <= 0 || len(jobs) < limit
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Count returns the number of jobs matching f.
func (b *Backend) Count(ctx context.Context, f mongoqueue.Filter) (int, error) {
	if f == (mongoqueue.Filter{}) {
		n, err := b.client.ZCard(ctx, b.queueKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("redis: count jobs: %w", err)
		}
		return int(n), nil
	}
	var n int
	err := b.scan(ctx, func(job *mongoqueue.Job) bool {
		if f.Match(job) {
			n++
		}
		return true
	})
	return n, err
}

// FindAndModify atomically updates the first matching job and returns it
// after the update, or nil if no job matched. Jobs are always picked in
// priority order.
func (b *Backend) FindAndModify(ctx context.Context, f mongoqueue.Filter, u mongoqueue.Update, _ mongoqueue.Sort) (*mongoqueue.Job, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	job, err := b.run(ctx, false, f, u)
	if err != nil {
		return nil, fmt.Errorf("redis: find and modify: %w", err)
	}
	return job, nil
}

// FindAndRemove atomically deletes the first matching job and returns it,
// or nil if no job matched.
func (b *Backend) FindAndRemove(ctx context.Context, f mongoqueue.Filter) (*mongoqueue.Job, error) {
	job, err := b.run(ctx, true, f, mongoqueue.Update{})
	if err != nil {
		return nil, fmt.Errorf("redis: find and remove: %w", err)
	}
	return job, nil
}

func (b *Backend) run(ctx context.Context, remove bool, f mongoqueue.Filter, u mongoqueue.Update) (*mongoqueue.Job, error) {
	filter, err := json.Marshal(newScriptFilter(f))
	if err != nil {
		return nil, err
	}
	update, err := json.Marshal(newScriptUpdate(u))
	if err != nil {
		return nil, err
	}
	mode := "0"
	if remove {
		mode = "1"
	}
	res, err := findAndModify.Run(ctx, b.client, []string{b.queueKey()}, b.jobPrefix(), mode, string(filter), string(update)).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return decodeJob(fields)
}

// Drop removes all jobs and keys of the queue.
func (b *Backend) Drop(ctx context.Context) error {
	members, err := b.client.ZRange(ctx, b.queueKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis: drop: %w", err)
	}
	keys := []string{b.queueKey(), b.seqKey(), b.indexesKey()}
	for _, member := range members {
		keys = append(keys, b.jobKey(memberID(member)))
	}
	pipe := b.client.TxPipeline()
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		pipe.Del(ctx, keys[start:end]...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: drop: %w", err)
	}
	return nil
}

// encodeJob returns the hash fields of a new job.
func encodeJob(id, member string, job *mongoqueue.Job) (map[string]interface{}, error) {
	var payload string
	if len(job.Payload) > 0 {
		v, err := json.Marshal(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("redis: encode payload: %w", err)
		}
		payload = string(v)
	}
	fields := map[string]interface{}{
		"id":         id,
		"member":     member,
		"payload":    payload,
		"priority":   job.Priority,
		"attempts":   job.Attempts,
		"locked_by":  "",
		"locked_at":  "",
		"last_error": job.LastError,
	}
	if job.LockedBy != "" {
		fields["locked_by"] = job.LockedBy
		fields["locked_at"] = strconv.FormatInt(job.LockedAt.UnixMilli(), 10)
	}
	return fields, nil
}

// decodeJob is the inverse of encodeJob.
func decodeJob(fields map[string]string) (*mongoqueue.Job, error) {
	job := &mongoqueue.Job{
		ID:        fields["id"],
		LastError: fields["last_error"],
	}
	var err error
	if job.Priority, err = strconv.Atoi(fields["priority"]); err != nil {
		return nil, fmt.Errorf("redis: decode priority of job %s: %w", job.ID, err)
	}
	if job.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("redis: decode attempts of job %s: %w", job.ID, err)
	}
	if p := fields["payload"]; p != "" {
		if err := json.Unmarshal([]byte(p), &job.Payload); err != nil {
			return nil, fmt.Errorf("redis: decode payload of job %s: %w", job.ID, err)
		}
	}
	if by := fields["locked_by"]; by != "" {
		job.LockedBy = by
		if at := fields["locked_at"]; at != "" {
			ms, err := strconv.ParseInt(at, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("redis: decode lock time of job %s: %w", job.ID, err)
			}
			job.LockedAt = time.UnixMilli(ms).UTC()
		}
	}
	return job, nil
}
