package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
)

// Pool is the database surface of Repository. *pgxpool.Pool satisfies it.
type Pool interface {
	db.Beginner
	db.Querier
}

// Repository persists accounting entities.
type Repository struct {
	pool Pool
}

// NewRepository constructs Repository.
func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction, joining the one
// bound to ctx if present.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) FindOpenPeriod(ctx context.Context, date time.Time) (Period, error) {
	var p Period
	err := r.tx.QueryRow(ctx, `SELECT id, code, start_date, end_date, status
FROM periods WHERE status='OPEN' AND $1::date BETWEEN start_date AND end_date
ORDER BY start_date DESC LIMIT 1 FOR SHARE`, date).
		Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &p.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, fmt.Errorf("%w: %s", ErrInvalidPeriod, date.Format(time.DateOnly))
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, periodID int64, in PostingInput) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (period_id, date, company_id, branch_id, source_module, source_id,
document_type, document_id, document_number, currency_code, exchange_rate, memo, posted_by, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,'POSTED') RETURNING id, number, posted_at`,
		periodID, in.Date, in.CompanyID, in.BranchID, in.SourceModule, in.SourceID,
		in.DocumentType, in.DocumentID, nullString(in.DocumentNumber), in.CurrencyCode, in.ExchangeRate, in.Memo, in.PostedBy)
	entry := JournalEntry{
		PeriodID:       periodID,
		Date:           in.Date,
		CompanyID:      in.CompanyID,
		BranchID:       in.BranchID,
		SourceModule:   in.SourceModule,
		SourceID:       in.SourceID,
		DocumentType:   in.DocumentType,
		DocumentID:     in.DocumentID,
		DocumentNumber: in.DocumentNumber,
		CurrencyCode:   in.CurrencyCode,
		ExchangeRate:   in.ExchangeRate,
		Memo:           in.Memo,
		PostedBy:       in.PostedBy,
		Status:         JournalStatusPosted,
	}
	if err := row.Scan(&entry.ID, &entry.Number, &entry.PostedAt); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO journal_lines (je_id, account_id, role, debit, credit, debit_base, credit_base, dim_company_id, dim_branch_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, entryID, line.AccountID, nullString(line.Role),
			line.Debit, line.Credit, line.DebitBase, line.CreditBase, line.CompanyID, line.BranchID)
	}
	results := r.tx.SendBatch(ctx, batch)
	for range lines {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

func (r *txRepository) LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO source_links (module, ref_id, je_id) VALUES ($1,$2,$3)`, module, ref, entryID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_source_links" {
			return ErrSourceConflict
		}
		return err
	}
	return nil
}

// FindJournalBySource returns the journal linked to module/ref.
func (r *Repository) FindJournalBySource(ctx context.Context, module string, ref uuid.UUID) (JournalEntry, error) {
	var entryID int64
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT je_id FROM source_links WHERE module=$1 AND ref_id=$2`, module, ref).Scan(&entryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	return r.GetJournalWithLines(ctx, entryID)
}

// GetJournalWithLines loads a journal and its lines.
func (r *Repository) GetJournalWithLines(ctx context.Context, entryID int64) (JournalEntry, error) {
	q := db.Conn(ctx, r.pool)
	var entry JournalEntry
	var number *string
	err := q.QueryRow(ctx, `SELECT id, number, period_id, date, company_id, branch_id, source_module, source_id,
document_type, document_id, document_number, currency_code, exchange_rate, memo, posted_by, posted_at, status
FROM journal_entries WHERE id=$1`, entryID).
		Scan(&entry.ID, &entry.Number, &entry.PeriodID, &entry.Date, &entry.CompanyID, &entry.BranchID, &entry.SourceModule, &entry.SourceID,
			&entry.DocumentType, &entry.DocumentID, &number, &entry.CurrencyCode, &entry.ExchangeRate, &entry.Memo, &entry.PostedBy, &entry.PostedAt, &entry.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	if number != nil {
		entry.DocumentNumber = *number
	}
	rows, err := q.Query(ctx, `SELECT id, je_id, account_id, COALESCE(role, ''), debit, credit, debit_base, credit_base, dim_company_id, dim_branch_id
FROM journal_lines WHERE je_id=$1 ORDER BY id ASC`, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line JournalLine
		if err := rows.Scan(&line.ID, &line.JournalID, &line.AccountID, &line.Role, &line.Debit, &line.Credit,
			&line.DebitBase, &line.CreditBase, &line.DimCompanyID, &line.DimBranchID); err != nil {
			return JournalEntry{}, err
		}
		entry.Lines = append(entry.Lines, line)
	}
	return entry, rows.Err()
}

// ListUnbalancedJournals returns posted journals dated on or after since whose
// base debits and credits differ by more than BaseTolerance at their rate.
func (r *Repository) ListUnbalancedJournals(ctx context.Context, since time.Time) ([]JournalImbalance, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT je.id, je.number, je.exchange_rate,
COALESCE(SUM(jl.debit_base), 0), COALESCE(SUM(jl.credit_base), 0)
FROM journal_entries je
JOIN journal_lines jl ON jl.je_id = je.id
WHERE je.status = 'POSTED' AND je.date >= $1
GROUP BY je.id, je.number, je.exchange_rate
HAVING ABS(COALESCE(SUM(jl.debit_base), 0) - COALESCE(SUM(jl.credit_base), 0)) > $2 * GREATEST(je.exchange_rate, 1)
ORDER BY je.id`, since, events.Tolerance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JournalImbalance
	for rows.Next() {
		var item JournalImbalance
		if err := rows.Scan(&item.JournalID, &item.Number, &item.ExchangeRate, &item.DebitBase, &item.CreditBase); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
