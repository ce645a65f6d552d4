package procurement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Document types governed by the procurement graphs.
const (
	DocumentPurchaseOrder = "purchase_order"
	DocumentGoodsReceipt  = "goods_receipt"
	DocumentAPInvoice     = "ap_invoice"
)

// Purchase order lifecycle statuses.
type POStatus string

const (
	POStatusDraft     POStatus = "DRAFT"
	POStatusSubmitted POStatus = "SUBMITTED"
	POStatusApproved  POStatus = "APPROVED"
	POStatusSent      POStatus = "SENT"
	POStatusClosed    POStatus = "CLOSED"
	POStatusCancelled POStatus = "CANCELLED"
)

// Goods receipt statuses.
type GRNStatus string

const (
	GRNStatusDraft     GRNStatus = "DRAFT"
	GRNStatusPosted    GRNStatus = "POSTED"
	GRNStatusCancelled GRNStatus = "CANCELLED"
)

// AP invoice statuses.
type APInvoiceStatus string

const (
	APStatusDraft  APInvoiceStatus = "DRAFT"
	APStatusPosted APInvoiceStatus = "POSTED"
	APStatusPaid   APInvoiceStatus = "PAID"
	APStatusVoid   APInvoiceStatus = "VOID"
)

// Abilities checked by the authorizer on procurement edges.
const (
	AbilityPOSubmit  = "purchase_order.submit"
	AbilityPOApprove = "purchase_order.approve"
	AbilityPOSend    = "purchase_order.send"
	AbilityPOClose   = "purchase_order.close"
	AbilityPOCancel  = "purchase_order.cancel"
	AbilityGRNPost   = "goods_receipt.post"
	AbilityGRNCancel = "goods_receipt.cancel"
	AbilityAPPost    = "ap_invoice.post"
	AbilityAPPay     = "ap_invoice.pay"
	AbilityAPVoid    = "ap_invoice.void"
)

// PurchaseOrder domain model.
type PurchaseOrder struct {
	ID           int64
	Number       string
	CompanyID    int64
	BranchID     *int64
	SupplierID   int64
	Status       POStatus
	Currency     string
	ExpectedDate time.Time
	Note         string
	CreatedBy    int64
	ApprovedBy   *int64
	ApprovedAt   *time.Time
}

func (po *PurchaseOrder) DocumentType() string { return DocumentPurchaseOrder }
func (po *PurchaseOrder) DocumentID() int64 { return po.ID }
func (po *PurchaseOrder) CurrentState() POStatus { return po.Status }
func (po *PurchaseOrder) SetState(status POStatus) { po.Status = status }
func (po *PurchaseOrder) CreatedByID() int64 { return po.CreatedBy }

// GoodsReceipt domain model.
type GoodsReceipt struct {
	ID           int64
	Number       string
	CompanyID    int64
	BranchID     *int64
	POID         int64
	SupplierID   int64
	WarehouseID  int64
	Status       GRNStatus
	Currency     string
	ExchangeRate decimal.Decimal
	ReceivedAt   time.Time
	Note         string
	CreatedBy    int64
	Lines        []GRNLine
}

func (g *GoodsReceipt) DocumentType() string { return DocumentGoodsReceipt }
func (g *GoodsReceipt) DocumentID() int64 { return g.ID }
func (g *GoodsReceipt) CurrentState() GRNStatus { return g.Status }
func (g *GoodsReceipt) SetState(status GRNStatus) { g.Status = status }
func (g *GoodsReceipt) CreatedByID() int64 { return g.CreatedBy }

// Total sums qty x unit cost over the receipt lines.
func (g *GoodsReceipt) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range g.Lines {
		total = total.Add(line.Qty.Mul(line.UnitCost))
	}
	return total
}

// GRNLine describes received goods.
type GRNLine struct {
	ID        int64
	GRNID     int64
	ProductID int64
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
}

// APInvoice model. An invoice matched to a goods receipt clears GRNI; an
// unmatched one is expensed, optionally to a pinned account.
type APInvoice struct {
	ID               int64
	Number           string
	CompanyID        int64
	BranchID         *int64
	SupplierID       int64
	GRNID            *int64
	Currency         string
	ExchangeRate     decimal.Decimal
	Subtotal         decimal.Decimal
	TaxAmount        decimal.Decimal
	ExpenseAccountID *int64
	Status           APInvoiceStatus
	InvoiceDate      time.Time
	DueAt            time.Time
	CreatedBy        int64
}

func (inv *APInvoice) DocumentType() string { return DocumentAPInvoice }
func (inv *APInvoice) DocumentID() int64 { return inv.ID }
func (inv *APInvoice) CurrentState() APInvoiceStatus { return inv.Status }
func (inv *APInvoice) SetState(status APInvoiceStatus) { inv.Status = status }
func (inv *APInvoice) CreatedByID() int64 { return inv.CreatedBy }

// Total returns subtotal plus tax.
func (inv *APInvoice) Total() decimal.Decimal {
	return inv.Subtotal.Add(inv.TaxAmount)
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("procurement: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
)
