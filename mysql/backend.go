// Package mysql implements a mongoqueue.Backend on top of MySQL.
//
// Locking and removing a job happens in a transaction that selects the job
// with SELECT ... FOR UPDATE before changing it. Transactions that run into
// a deadlock are retried with exponential backoff.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/olivere/mongoqueue"
	"github.com/olivere/mongoqueue/internal/sqlutil"
)

const schema = "CREATE TABLE IF NOT EXISTS `%[1]s` (" + `
seq bigint not null auto_increment primary key,
id varchar(36) not null,
payload text,
priority integer not null default 0,
attempts integer not null default 0,
locked_by varchar(255),
locked_at bigint,
last_error text,
unique index ix_%[1]s_id (id),
index ix_%[1]s_priority (priority, seq)
) ENGINE=InnoDB`

// Backend represents a persistent MySQL storage implementation.
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

// Open connects to the MySQL server given by dsn and creates a new backend.
// If dsn does not name a database, the database of cfg is used. The
// database is created if it does not exist. Use Close to disconnect.
func Open(dsn string, cfg mongoqueue.Config) (*Backend, error) {
	cfg = cfg.WithDefaults()
	dc, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	dbname := dc.DBName
	if dbname == "" {
		dbname = cfg.Database
	}
	if err := sqlutil.ValidIdentifier(dbname); err != nil {
		return nil, err
	}

	// First connect without DB name
	dc.DBName = ""
	setupdb, err := sql.Open("mysql", dc.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	dc.DBName = dbname
	db, err := sql.Open("mysql", dc.FormatDSN())
	if err != nil {
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

// EnsureIndex creates a compound index on keys, unless an index with the
// same name already exists.
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
	if len(name) > 64 {
		return fmt.Errorf("mysql: index name %q too long", name)
	}
	var count int64
	err := b.db.QueryRowContext(ctx, `
	SELECT COUNT(*) AS cnt
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE()
		AND TABLE_NAME = ?
		AND INDEX_NAME = ?
	`, b.table, name).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = b.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE `%s` ADD INDEX %s (%s)", b.table, name, strings.Join(keys, ", ")))
	if sqlutil.IsDupKeyName(err) {
		// Created concurrently
		return nil
	}
	return err
}

// Indexes returns the names of the indexes on the table.
func (b *Backend) Indexes(ctx context.Context) ([]string, error) {
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, `
	SELECT DISTINCT INDEX_NAME
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE()
		AND TABLE_NAME = ?
		AND INDEX_NAME <> 'PRIMARY'
		ORDER BY INDEX_NAME
	`, b.table)
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

// lockFirst selects the identifier of the first job matching cond and
// locks its row until the end of tx. It returns an empty string if no job
// matches.
func (b *Backend) lockFirst(ctx context.Context, tx *sql.Tx, cond sq.Sqlizer, s mongoqueue.Sort) (string, error) {
	sel := sq.Select("id").From(b.table).Where(cond).Limit(1).Suffix("FOR UPDATE")
	if s == mongoqueue.SortByPriority {
		sel = sel.OrderBy(sqlutil.OrderBy...)
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return "", err
	}
	var id string
	err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if sqlutil.IsNotFound(err) {
		return "", nil
	}
	return id, err
}

func (b *Backend) selectByID(ctx context.Context, tx *sql.Tx, id string) (*mongoqueue.Job, error) {
	query, args, err := sq.Select(sqlutil.Columns).From(b.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return sqlutil.ScanJob(tx.QueryRowContext(ctx, query, args...))
}

// FindAndModify atomically updates the first matching job and returns it
// after the update, or nil if no job matched.
func (b *Backend) FindAndModify(ctx context.Context, f mongoqueue.Filter, u mongoqueue.Update, s mongoqueue.Sort) (*mongoqueue.Job, error) {
	set, err := sqlutil.SetMap(u)
	if err != nil {
		return nil, err
	}
	cond, ok := sqlutil.Where(f)
	if !ok {
		return nil, nil
	}
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	var job *mongoqueue.Job
	err = sqlutil.RunInTxWithRetry(ctx, b.db, func(ctx context.Context, tx *sql.Tx) error {
		job = nil
		id, err := b.lockFirst(ctx, tx, cond, s)
		if err != nil || id == "" {
			return err
		}
		query, args, err := sq.Update(b.table).SetMap(set).Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		job, err = b.selectByID(ctx, tx, id)
		return err
	}, sqlutil.IsDeadlock)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// FindAndRemove atomically deletes the first matching job and returns it,
// or nil if no job matched.
func (b *Backend) FindAndRemove(ctx context.Context, f mongoqueue.Filter) (*mongoqueue.Job, error) {
	cond, ok := sqlutil.Where(f)
	if !ok {
		return nil, nil
	}
	if err := b.init(ctx); err != nil {
		return nil, err
	}
	var job *mongoqueue.Job
	err := sqlutil.RunInTxWithRetry(ctx, b.db, func(ctx context.Context, tx *sql.Tx) error {
		job = nil
		id, err := b.lockFirst(ctx, tx, cond, mongoqueue.SortNatural)
		if err != nil || id == "" {
			return err
		}
		removed, err := b.selectByID(ctx, tx, id)
		if err != nil {
			return err
		}
		query, args, err := sq.Delete(b.table).Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		job = removed
		return nil
	}, sqlutil.IsDeadlock)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Drop drops the table and its indexes.
func (b *Backend) Drop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", b.table)); err != nil {
		return err
	}
	b.ready = false
	return nil
}
