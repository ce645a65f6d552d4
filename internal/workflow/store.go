package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
)

// Pool is the database surface PgStore needs. *pgxpool.Pool satisfies it.
type Pool interface {
	db.Beginner
	db.Querier
}

// PgStore locks document rows with SELECT ... FOR UPDATE under READ COMMITTED
// so a concurrent transition waits for the first one and then re-validates
// against the committed state. When ctx already carries a transaction the
// store joins it.
type PgStore[S ~string] struct {
	pool   Pool
	table  string
	column string
}

// NewPgStore governs graph's status column on table. The table needs an
// integer id primary key and an updated_at column.
func NewPgStore[S ~string](pool Pool, table string, graph *Graph[S]) *PgStore[S] {
	return &PgStore[S]{pool: pool, table: table, column: graph.Column()}
}

// Atomic implements Store.
func (s *PgStore[S]) Atomic(ctx context.Context, doc Document[S], fn func(ctx context.Context) error) error {
	return db.WithTxOptions(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 FOR UPDATE",
			pgx.Identifier{s.column}.Sanitize(), pgx.Identifier{s.table}.Sanitize())
		var state string
		if err := tx.QueryRow(ctx, query, doc.DocumentID()).Scan(&state); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s %d", ErrDocumentNotFound, doc.DocumentType(), doc.DocumentID())
			}
			return fmt.Errorf("workflow: lock %s %d: %w", doc.DocumentType(), doc.DocumentID(), err)
		}
		doc.SetState(S(state))
		return fn(ctx)
	})
}

// SaveState implements Store.
func (s *PgStore[S]) SaveState(ctx context.Context, doc Document[S]) error {
	query := fmt.Sprintf("UPDATE %s SET %s = $2, updated_at = NOW() WHERE id = $1",
		pgx.Identifier{s.table}.Sanitize(), pgx.Identifier{s.column}.Sanitize())
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, query, doc.DocumentID(), string(doc.CurrentState()))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %d", ErrDocumentNotFound, doc.DocumentType(), doc.DocumentID())
	}
	return nil
}
