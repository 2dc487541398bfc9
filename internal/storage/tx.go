package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type txState struct {
	tx *sql.Tx

	mu          sync.Mutex
	afterCommit []func()
}

// Conn returns the transaction carried by ctx, or the database itself.
// With a single open connection, code running inside WithTx must go through
// Conn or it will wait on the connection the transaction holds.
func (s *Store) Conn(ctx context.Context) Querier {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		return st.tx
	}
	return s.db
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txState)
	return ok
}

// WithTx runs fn inside a transaction. A ctx that already carries one is
// reused, so nested calls join the outer transaction and only the outermost
// call commits.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	st := &txState{tx: tx}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	st.mu.Lock()
	pending := st.afterCommit
	st.afterCommit = nil
	st.mu.Unlock()
	for _, f := range pending {
		f()
	}
	return nil
}

// AfterCommit defers fn until the transaction in ctx commits; it is dropped
// on rollback. Outside a transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	st, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		fn()
		return
	}
	st.mu.Lock()
	st.afterCommit = append(st.afterCommit, fn)
	st.mu.Unlock()
}

// Detach returns ctx without its transaction, for work scheduled with
// AfterCommit that must not touch the finished transaction.
func Detach(ctx context.Context) context.Context {
	if !InTx(ctx) {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, nil)
}
