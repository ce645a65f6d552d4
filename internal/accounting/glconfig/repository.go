package glconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
)

// Pool is the database surface of PgRepository. *pgxpool.Pool satisfies it.
type Pool interface {
	db.Beginner
	db.Querier
}

// PgRepository stores configurations in gl_event_configurations and
// gl_event_configuration_lines.
type PgRepository struct {
	pool Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// FindActive implements Repository.
func (r *PgRepository) FindActive(ctx context.Context, code events.Code, companyID int64, branchID *int64) (Configuration, error) {
	q := db.Conn(ctx, r.pool)
	var cfg Configuration
	err := q.QueryRow(ctx, `SELECT id, event_code, company_id, branch_id, is_active, COALESCE(description, '')
FROM gl_event_configurations
WHERE event_code = $1 AND company_id = $2 AND branch_id IS NOT DISTINCT FROM $3 AND is_active
ORDER BY id DESC LIMIT 1`, string(code), companyID, branchID).
		Scan(&cfg.ID, &cfg.EventCode, &cfg.CompanyID, &cfg.BranchID, &cfg.IsActive, &cfg.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Configuration{}, ErrNotFound
		}
		return Configuration{}, fmt.Errorf("glconfig: find %s: %w", code, err)
	}
	mappings, err := loadMappings(ctx, q, cfg.ID)
	if err != nil {
		return Configuration{}, err
	}
	cfg.Mappings = mappings
	return cfg, nil
}

func loadMappings(ctx context.Context, q db.Querier, configurationID int64) ([]Mapping, error) {
	rows, err := q.Query(ctx, `SELECT role, account_id FROM gl_event_configuration_lines
WHERE configuration_id = $1 ORDER BY position, id`, configurationID)
	if err != nil {
		return nil, fmt.Errorf("glconfig: load mappings: %w", err)
	}
	defer rows.Close()
	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.Role, &m.AccountID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Upsert replaces the configuration for cfg's scope, mappings included.
func (r *PgRepository) Upsert(ctx context.Context, cfg Configuration) (int64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT id FROM gl_event_configurations
WHERE event_code = $1 AND company_id = $2 AND branch_id IS NOT DISTINCT FROM $3
ORDER BY id DESC LIMIT 1 FOR UPDATE`, string(cfg.EventCode), cfg.CompanyID, cfg.BranchID).Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			err = tx.QueryRow(ctx, `INSERT INTO gl_event_configurations (event_code, company_id, branch_id, is_active, description)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, string(cfg.EventCode), cfg.CompanyID, cfg.BranchID, cfg.IsActive, cfg.Description).Scan(&id)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if _, err := tx.Exec(ctx, `UPDATE gl_event_configurations SET is_active = $2, description = $3, updated_at = NOW() WHERE id = $1`,
				id, cfg.IsActive, cfg.Description); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM gl_event_configuration_lines WHERE configuration_id = $1`, id); err != nil {
				return err
			}
		}
		for i, m := range cfg.Mappings {
			if _, err := tx.Exec(ctx, `INSERT INTO gl_event_configuration_lines (configuration_id, position, role, account_id)
VALUES ($1,$2,$3,$4)`, id, i+1, m.Role, m.AccountID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("glconfig: upsert %s: %w", cfg.EventCode, err)
	}
	return id, nil
}
