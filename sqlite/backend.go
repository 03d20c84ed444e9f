// Package sqlite implements a mongoqueue.Backend on top of SQLite.
//
// Locking and removing a job is a single UPDATE or DELETE statement with a
// RETURNING clause, so SQLite's write lock makes it atomic.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/olivere/mongoqueue"
	"github.com/olivere/mongoqueue/internal/sqlutil"
)

const schema = `CREATE TABLE IF NOT EXISTS %[1]s (
seq INTEGER PRIMARY KEY AUTOINCREMENT,
id TEXT NOT NULL UNIQUE,
payload TEXT,
priority INTEGER NOT NULL DEFAULT 0,
attempts INTEGER NOT NULL DEFAULT 0,
locked_by TEXT,
locked_at INTEGER,
last_error TEXT);
CREATE INDEX IF NOT EXISTS ix_%[1]s_priority ON %[1]s (priority, seq);`

// Backend represents a SQLite-based storage backend.
type Backend struct {
	db    *sql.DB
	table string
	ownDB bool

	mu    sync.Mutex
	ready bool
}

// NewBackend creates a new backend on top of db. The table is named after
// the collection of cfg and created on first use. The caller remains
// responsible for closing db.
func NewBackend(db *sql.DB, cfg mongoqueue.Config) (*Backend, error) {
	cfg = cfg.WithDefaults()
	if err := sqlutil.ValidIdentifier(cfg.Collection); err != nil {
		return nil, err
	}
	return &Backend{db: db, table: cfg.Collection}, nil
}

// Open opens the SQLite database file at path and creates a new backend.
// Use Close to close the database.
func Open(path string, cfg mongoqueue.Config) (*Backend, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	b, err := NewBackend(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.ownDB = true
	return b, nil
}

// Close closes the database if it has been opened by Open.
func (b *Backend) Close() error {
	if b.ownDB {
		return b.db.Close()
	}
	return nil
}

// DB returns the underlying database.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// init creates the table if it does not exist yet.
func (b *Backend) init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(schema, b.table)); err != nil {
		return err
	}
	b.ready = true
	return nil
}

// EnsureIndex creates a compound index on keys.
func (b *Backend) EnsureIndex(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := sqlutil.ValidIdentifier(key); err != nil {
			return err
		}
	}
	if err := b.init(ctx); err != nil {
		return err
	}
	name := fmt.Sprintf("ix_%s_%s", b.table, strings.Join(keys, "_"))
	_, err := b.db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, b.table, strings.Join(keys, ", ")))
	return err
}

// Indexes returns the names of the indexes on the table.
func (b *Backend) Indexes(ctx context.Context) ([]string, error) {
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL ORDER BY name", b.table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Insert adds a new job to the table.
func (b *Backend) Insert(ctx context.Context, job *mongoqueue.Job) (string, error) {
	if err := b.init(ctx); err != nil {
		return "", err
	}
	id := uuid.New().String()
	values, err := sqlutil.InsertValues(id, job)
	if err != nil {
		return "", err
	}
	query, args, err := sq.Insert(b.table).SetMap(values).ToSql()
	if err != nil {
		return "", err
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return "", err
	}
	return id, nil
}

// FindByID retrieves a single job by its identifier.
func (b *Backend) FindByID(ctx context.Context, id string) (*mongoqueue.Job, error) {
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	query, args, err := sq.Select(sqlutil.Columns).From(b.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	job, err := sqlutil.ScanJob(b.db.QueryRowContext(ctx, query, args...))
	if sqlutil.IsNotFound(err) {
		return nil, mongoqueue.ErrNotFound
	}
	return job, err
}

// FindAll returns the jobs matching f, highest priority first.
func (b *Backend) FindAll(ctx context.Context, f mongoqueue.Filter, limit int) ([]*mongoqueue.Job, error) {
	cond, ok := sqlutil.Where(f)
	if !ok {
		return []*mongoqueue.Job{}, nil
	}
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	sel := sq.Select(sqlutil.Columns).From(b.table).Where(cond).OrderBy(sqlutil.OrderBy...)
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlutil.ScanJobs(rows)
}

// Count returns the number of jobs matching f.
func (b *Backend) Count(ctx context.Context, f mongoqueue.Filter) (int, error) {
	cond, ok := sqlutil.Where(f)
	if !ok {
		return 0, nil
	}
	if err := b.init(ctx); err != nil {
		return 0, err
	}
	query, args, err := sq.Select("COUNT(*)").From(b.table).Where(cond).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	err = b.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// first returns a subquery selecting the seq of the first job matching f.
func (b *Backend) first(f mongoqueue.Filter, s mongoqueue.Sort) (string, []interface{}, bool, error) {
	cond, ok := sqlutil.Where(f)
	if !ok {
		return "", nil, false, nil
	}
	sel := sq.Select("seq").From(b.table).Where(cond).Limit(1)
	if s == mongoqueue.SortByPriority {
		sel = sel.OrderBy(sqlutil.OrderBy...)
	} else {
		sel = sel.OrderBy("seq")
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return "", nil, false, err
	}
	return "seq = (" + query + ")", args, true, nil
}

// FindAndModify atomically updates the first matching job and returns it
// after the update, or nil if no job matched.
func (b *Backend) FindAndModify(ctx context.Context, f mongoqueue.Filter, u mongoqueue.Update, s mongoqueue.Sort) (*mongoqueue.Job, error) {
	set, err := sqlutil.SetMap(u)
	if err != nil {
		return nil, err
	}
	where, whereArgs, ok, err := b.first(f, s)
	if err != nil || !ok {
		return nil, err
	}
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	query, args, err := sq.Update(b.table).
		SetMap(set).
		Where(where, whereArgs...).
		Suffix("RETURNING " + sqlutil.Columns).
		ToSql()
	if err != nil {
		return nil, err
	}
	job, err := sqlutil.ScanJob(b.db.QueryRowContext(ctx, query, args...))
	if sqlutil.IsNotFound(err) {
		return nil, nil
	}
	return job, err
}

// FindAndRemove atomically deletes the first matching job and returns it,
// or nil if no job matched.
func (b *Backend) FindAndRemove(ctx context.Context, f mongoqueue.Filter) (*mongoqueue.Job, error) {
	where, whereArgs, ok, err := b.first(f, mongoqueue.SortNatural)
	if err != nil || !ok {
		return nil, err
	}
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	query, args, err := sq.Delete(b.table).
		Where(where, whereArgs...).
		Suffix("RETURNING " + sqlutil.Columns).
		ToSql()
	if err != nil {
		return nil, err
	}
	job, err := sqlutil.ScanJob(b.db.QueryRowContext(ctx, query, args...))
	if sqlutil.IsNotFound(err) {
		return nil, nil
	}
	return job, err
}

// Drop drops the table and its indexes.
func (b *Backend) Drop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+b.table); err != nil {
		return err
	}
	b.ready = false
	return nil
}
