package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

type txKey struct{}

// Tx is a transaction carried on a context by WithTx.
type Tx interface {
	Executor
	Commit() error
	Rollback() error
}

var _ Tx = (*sqlx.Tx)(nil)

func txFrom(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)
	return tx, ok && tx != nil
}

// Conn returns the transaction carried by ctx, or db when there is none.
func Conn(ctx context.Context, db DB) Executor {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return db
}

// WithTx runs fn inside a transaction at the given isolation. The
// transaction commits when fn returns nil and rolls back otherwise. Nested
// calls join the outer transaction.
func WithTx(ctx context.Context, db DB, isolation sql.IsolationLevel, fn func(ctx context.Context) error) (err error) {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}

	ctx, span := tracing.StartSpan(ctx, "database.WithTx")
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, Tx(tx))); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
