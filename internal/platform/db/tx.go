package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Querier is the statement surface shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scopeKey struct{}

// scope tracks the transaction bound to a context and the callbacks waiting
// for it to commit.
type scope struct {
	tx       pgx.Tx
	onCommit []func(context.Context)
}

func withScope(ctx context.Context, tx pgx.Tx) (context.Context, *scope) {
	s := &scope{tx: tx}
	return context.WithValue(ctx, scopeKey{}, s), s
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

func (s *scope) committed(ctx context.Context) {
	callbacks := s.onCommit
	s.onCommit = nil
	for _, fn := range callbacks {
		fn(ctx)
	}
}

// TxFromContext returns the transaction bound to ctx by WithTx, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	s := scopeFrom(ctx)
	if s == nil || s.tx == nil {
		return nil, false
	}
	return s.tx, true
}

// Conn returns the transaction bound to ctx, falling back to q.
func Conn(ctx context.Context, q Querier) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return q
}

// AfterCommit defers fn until the transaction bound to ctx commits. Callbacks
// are dropped when the transaction rolls back. Without a bound transaction fn
// runs immediately.
func AfterCommit(ctx context.Context, fn func(context.Context)) {
	if fn == nil {
		return
	}
	if s := scopeFrom(ctx); s != nil {
		s.onCommit = append(s.onCommit, fn)
		return
	}
	fn(ctx)
}

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool Beginner, fn func(context.Context, pgx.Tx) error) error {
	return WithTxOptions(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, fn)
}

// WithTxOptions executes fn inside a transaction bound to the returned context.
// When ctx already carries a transaction, fn joins it and the outermost caller
// owns commit and rollback.
func WithTxOptions(ctx context.Context, pool Beginner, opts pgx.TxOptions, fn func(context.Context, pgx.Tx) error) error {
	if s := scopeFrom(ctx); s != nil && s.tx != nil {
		return fn(ctx, s.tx)
	}

	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txCtx, s := withScope(ctx, tx)
	if err := fn(txCtx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	s.committed(ctx)
	return nil
}
