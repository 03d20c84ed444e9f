package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RunInTx runs fn in a database transaction.
// The context ctx is passed to fn, as well as the newly created
// transaction.
//
// There are a few rules that fn must respect:
//
//  1. fn must use the passed tx reference for all database calls.
//  2. fn must not commit or rollback the transaction: RunInTx will do that.
//  3. fn must be idempotent, i.e. it may be called several times
//     without side effects.
//
// If fn returns nil, RunInTx commits the transaction, returning
// the Commit and a nil error if it succeeds.
//
// If fn returns a non-nil value, RunInTx rolls back the
// transaction and will return the reported error from fn.
//
// RunInTx also recovers from panics, e.g. in fn.
func RunInTx(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	err = tx.Commit()
	return err
}

// RunInTxWithRetry is like RunInTx but will retry
// several times with exponential backoff, as long as retryable returns
// true for the error. In that case, fn must also be idempotent, i.e. it
// may be called several times without side effects.
func RunInTxWithRetry(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error, retryable func(error) bool) (err error) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return RunInTxWithRetryBackoff(ctx, db, fn, retryable, b)
}

// RunInTxWithRetryBackoff is like RunInTxWithRetry but with configurable
// backoff.
func RunInTxWithRetryBackoff(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error, retryable func(error) bool, b backoff.BackOff) (err error) {
	b.Reset()
	for {
		if err = RunInTx(ctx, db, fn); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
