package posting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
)

// Repository stores event logs. After creation only the dispatcher mutates a
// row's status.
type Repository interface {
	Create(ctx context.Context, log EventLog) (EventLog, error)
	Get(ctx context.Context, id int64) (EventLog, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, message string) error
	Requeue(ctx context.Context, id int64) error
	List(ctx context.Context, filter ListFilter) ([]EventLog, error)
	ListStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]EventLog, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// PgRepository implements Repository on accounting_event_logs.
type PgRepository struct {
	pool db.Querier
}

// NewRepository constructs PgRepository.
func NewRepository(pool db.Querier) *PgRepository {
	return &PgRepository{pool: pool}
}

const logColumns = `id, event_code, company_id, branch_id, document_type, document_id, document_number,
currency_code, exchange_rate, status, attempts, payload, dispatched_at, COALESCE(error_message, ''), created_at, updated_at`

func scanLog(row pgx.Row) (EventLog, error) {
	var l EventLog
	var number *string
	var payload []byte
	err := row.Scan(&l.ID, &l.EventCode, &l.CompanyID, &l.BranchID, &l.DocumentType, &l.DocumentID, &number,
		&l.CurrencyCode, &l.ExchangeRate, &l.Status, &l.Attempts, &payload, &l.DispatchedAt, &l.ErrorMessage, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return EventLog{}, err
	}
	if number != nil {
		l.DocumentNumber = *number
	}
	l.Payload = payload
	return l, nil
}

// Create inserts a queued log through the transaction bound to ctx, if any.
func (r *PgRepository) Create(ctx context.Context, log EventLog) (EventLog, error) {
	var number any
	if log.DocumentNumber != "" {
		number = log.DocumentNumber
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `INSERT INTO accounting_event_logs
(event_code, company_id, branch_id, document_type, document_id, document_number, currency_code, exchange_rate, status, attempts, payload)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10)
RETURNING `+logColumns,
		string(log.EventCode), log.CompanyID, log.BranchID, log.DocumentType, log.DocumentID, number,
		log.CurrencyCode, log.ExchangeRate, string(StatusQueued), []byte(log.Payload))
	created, err := scanLog(row)
	if err != nil {
		return EventLog{}, fmt.Errorf("posting: create log: %w", err)
	}
	return created, nil
}

// Get loads one log.
func (r *PgRepository) Get(ctx context.Context, id int64) (EventLog, error) {
	l, err := scanLog(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+logColumns+` FROM accounting_event_logs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EventLog{}, ErrLogNotFound
		}
		return EventLog{}, fmt.Errorf("posting: get log %d: %w", id, err)
	}
	return l, nil
}

// MarkSent records a successful attempt.
func (r *PgRepository) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return r.exec(ctx, id, `UPDATE accounting_event_logs
SET status = 'sent', dispatched_at = $2, error_message = NULL, attempts = attempts + 1, updated_at = NOW()
WHERE id = $1`, id, at)
}

// MarkFailed records a failed attempt.
func (r *PgRepository) MarkFailed(ctx context.Context, id int64, message string) error {
	return r.exec(ctx, id, `UPDATE accounting_event_logs
SET status = 'failed', error_message = $2, attempts = attempts + 1, updated_at = NOW()
WHERE id = $1 AND status <> 'sent'`, id, truncateMessage(message))
}

// Requeue moves a failed or queued log back to queued.
func (r *PgRepository) Requeue(ctx context.Context, id int64) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE accounting_event_logs SET status = 'queued', updated_at = NOW()
WHERE id = $1 AND status <> 'sent'`, id)
	if err != nil {
		return fmt.Errorf("posting: requeue log %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadySent
	}
	return nil
}

func (r *PgRepository) exec(ctx context.Context, id int64, sql string, args ...any) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("posting: update log %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// List returns logs newest first.
func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]EventLog, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.CompanyID > 0 {
		add("company_id = $%d", filter.CompanyID)
	}
	if filter.EventCode != "" {
		add("event_code = $%d", string(filter.EventCode))
	}
	if filter.BeforeID > 0 {
		add("id < $%d", filter.BeforeID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `SELECT ` + logColumns + ` FROM accounting_event_logs`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	return r.query(ctx, sql, args...)
}

// ListStaleQueued returns queued logs last touched before olderThan, oldest first.
func (r *PgRepository) ListStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]EventLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `SELECT `+logColumns+` FROM accounting_event_logs
WHERE status = 'queued' AND updated_at < $1 ORDER BY id ASC LIMIT $2`, olderThan, limit)
}

// CountByStatus returns the number of logs per status.
func (r *PgRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT status, COUNT(*) FROM accounting_event_logs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("posting: count logs: %w", err)
	}
	defer rows.Close()
	out := make(map[Status]int, 3)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

func (r *PgRepository) query(ctx context.Context, sql string, args ...any) ([]EventLog, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("posting: list logs: %w", err)
	}
	defer rows.Close()
	var out []EventLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
