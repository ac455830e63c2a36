package core

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

type (
	DBExecutor interface {
		Exec(query string, args ...interface{}) (sql.Result, error)
		ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
		Query(query string, args ...interface{}) (*sql.Rows, error)
		QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
		QueryRow(query string, args ...interface{}) *sql.Row
		QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	}

	DB interface {
		DBExecutor

		Begin() (*sql.Tx, error)
		BeginTx(context.Context, *sql.TxOptions) (*sql.Tx, error)
	}

	DBTransactor interface {
		DBExecutor

		Commit() error
		Rollback() error
	}
)

// RunInTx runs fn in a transaction of db, committed when fn succeeds.
// With a nil db (in-memory storage), fn runs with a nil executor.
func RunInTx(ctx context.Context, db DB, fn func(exec DBExecutor) error) error {
	if db == nil {
		return fn(nil)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rolling back: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// Exec returns the first non-nil executor of execs, or def.
func Exec(def DBExecutor, execs []DBExecutor) DBExecutor {
	for _, exec := range execs {
		if exec != nil {
			return exec
		}
	}
	return def
}
