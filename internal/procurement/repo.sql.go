package procurement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
)

// Pool is the database surface Repository needs. *pgxpool.Pool satisfies it.
type Pool interface {
	db.Beginner
	db.Querier
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool Pool
}

// NewRepository constructs a repository.
func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreatePurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error)
	CreateGoodsReceipt(ctx context.Context, grn GoodsReceipt) (int64, error)
	InsertGRNLine(ctx context.Context, line GRNLine) (int64, error)
	CreateAPInvoice(ctx context.Context, inv APInvoice) (int64, error)
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetPurchaseOrder returns a purchase order.
func (r *Repository) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	var po PurchaseOrder
	var expected *time.Time
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT id, number, company_id, branch_id, supplier_id, status, currency,
expected_date, COALESCE(note, ''), created_by, approved_by, approved_at
FROM purchase_orders WHERE id=$1`, id).
		Scan(&po.ID, &po.Number, &po.CompanyID, &po.BranchID, &po.SupplierID, &po.Status, &po.Currency,
			&expected, &po.Note, &po.CreatedBy, &po.ApprovedBy, &po.ApprovedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	if expected != nil {
		po.ExpectedDate = *expected
	}
	return po, nil
}

// GetGoodsReceipt returns a goods receipt with its lines.
func (r *Repository) GetGoodsReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	q := db.Conn(ctx, r.pool)
	var grn GoodsReceipt
	err := q.QueryRow(ctx, `SELECT id, number, company_id, branch_id, po_id, supplier_id, warehouse_id, status,
currency, exchange_rate, received_at, COALESCE(note, ''), created_by
FROM goods_receipts WHERE id=$1`, id).
		Scan(&grn.ID, &grn.Number, &grn.CompanyID, &grn.BranchID, &grn.POID, &grn.SupplierID, &grn.WarehouseID,
			&grn.Status, &grn.Currency, &grn.ExchangeRate, &grn.ReceivedAt, &grn.Note, &grn.CreatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GoodsReceipt{}, ErrNotFound
		}
		return GoodsReceipt{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, grn_id, product_id, qty, unit_cost FROM goods_receipt_lines WHERE grn_id=$1 ORDER BY id`, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line GRNLine
		if err := rows.Scan(&line.ID, &line.GRNID, &line.ProductID, &line.Qty, &line.UnitCost); err != nil {
			return GoodsReceipt{}, err
		}
		grn.Lines = append(grn.Lines, line)
	}
	return grn, rows.Err()
}

// GetAPInvoice returns an AP invoice.
func (r *Repository) GetAPInvoice(ctx context.Context, id int64) (APInvoice, error) {
	var inv APInvoice
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT id, number, company_id, branch_id, supplier_id, grn_id, currency,
exchange_rate, subtotal, tax_amount, expense_account_id, status, invoice_date, due_at, created_by
FROM ap_invoices WHERE id=$1`, id).
		Scan(&inv.ID, &inv.Number, &inv.CompanyID, &inv.BranchID, &inv.SupplierID, &inv.GRNID, &inv.Currency,
			&inv.ExchangeRate, &inv.Subtotal, &inv.TaxAmount, &inv.ExpenseAccountID, &inv.Status, &inv.InvoiceDate,
			&inv.DueAt, &inv.CreatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APInvoice{}, ErrNotFound
		}
		return APInvoice{}, err
	}
	return inv, nil
}

// SetPOApproval stamps the approver, joining the transition's transaction.
func (r *Repository) SetPOApproval(ctx context.Context, id, approvedBy int64, approvedAt time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE purchase_orders SET approved_by=$2, approved_at=$3, updated_at=NOW() WHERE id=$1`,
		id, approvedBy, approvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) CreatePurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	var expected any
	if !po.ExpectedDate.IsZero() {
		expected = po.ExpectedDate
	}
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, company_id, branch_id, supplier_id, status, currency,
expected_date, note, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW()) RETURNING id`,
		po.Number, po.CompanyID, po.BranchID, po.SupplierID, string(po.Status), po.Currency, expected, po.Note, po.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) CreateGoodsReceipt(ctx context.Context, grn GoodsReceipt) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO goods_receipts (number, company_id, branch_id, po_id, supplier_id, warehouse_id,
status, currency, exchange_rate, received_at, note, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW()) RETURNING id`,
		grn.Number, grn.CompanyID, grn.BranchID, grn.POID, grn.SupplierID, grn.WarehouseID, string(grn.Status),
		grn.Currency, grn.ExchangeRate, grn.ReceivedAt, grn.Note, grn.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) InsertGRNLine(ctx context.Context, line GRNLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO goods_receipt_lines (grn_id, product_id, qty, unit_cost) VALUES ($1, $2, $3, $4) RETURNING id`,
		line.GRNID, line.ProductID, line.Qty, line.UnitCost).Scan(&id)
	return id, err
}

func (t *txRepo) CreateAPInvoice(ctx context.Context, inv APInvoice) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO ap_invoices (number, company_id, branch_id, supplier_id, grn_id, currency,
exchange_rate, subtotal, tax_amount, expense_account_id, status, invoice_date, due_at, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW()) RETURNING id`,
		inv.Number, inv.CompanyID, inv.BranchID, inv.SupplierID, inv.GRNID, inv.Currency, inv.ExchangeRate,
		inv.Subtotal, inv.TaxAmount, inv.ExpenseAccountID, string(inv.Status), inv.InvoiceDate, inv.DueAt, inv.CreatedBy).Scan(&id)
	return id, err
}
