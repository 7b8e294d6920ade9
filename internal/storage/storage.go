// Package storage provides the shared PostgreSQL pool and the unit-of-work
// helper used by every Postgres-backed store.
//
// Multi-step financial operations must commit or roll back as one unit.
// InTx makes that scope explicit: it opens a serializable transaction,
// stashes it in the context, and every store method routed through
// Querier joins the ambient transaction instead of starting its own.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type ctxKey struct{}

// txScope is the ambient transaction plus the effects queued to run
// once it commits.
type txScope struct {
	tx    *sql.Tx
	hooks []func()
}

// DBTX is the subset of *sql.DB / *sql.Tx the stores need. Store methods
// obtain one via Querier so they work the same inside and outside a
// unit of work.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to PostgreSQL and configures the pool.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// InTx runs fn inside a serializable transaction. If the context already
// carries a transaction, fn joins it and commit/rollback stays with the
// outermost caller, so services can compose store operations into one
// atomic unit.
func InTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(ctxKey{}).(*txScope); ok {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	scope := &txScope{tx: tx}
	if err := fn(context.WithValue(ctx, ctxKey{}, scope)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, hook := range scope.hooks {
		hook()
	}
	return nil
}

// OnCommit defers fn until the ambient transaction commits. Outside a
// transaction fn runs immediately. A rolled-back transaction drops its
// hooks: side effects like notifications must not announce money that
// never moved.
func OnCommit(ctx context.Context, fn func()) {
	if scope, ok := ctx.Value(ctxKey{}).(*txScope); ok {
		scope.hooks = append(scope.hooks, fn)
		return
	}
	fn()
}

// Querier returns the ambient transaction if the context carries one,
// otherwise the pool.
func Querier(ctx context.Context, db *sql.DB) DBTX {
	if scope, ok := ctx.Value(ctxKey{}).(*txScope); ok {
		return scope.tx
	}
	return db
}
