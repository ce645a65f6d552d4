package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/odyssey-posting/internal/shared"
	"github.com/odyssey-erp/odyssey-posting/internal/workflow"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	GetGoodsReceipt(ctx context.Context, id int64) (GoodsReceipt, error)
	GetAPInvoice(ctx context.Context, id int64) (APInvoice, error)
	SetPOApproval(ctx context.Context, id, approvedBy int64, approvedAt time.Time) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig wires the procurement service. Stores left nil are backed by
// Pool on the procurement tables.
type ServiceConfig struct {
	Repository           RepositoryPort
	Pool                 workflow.Pool
	PurchaseOrders       workflow.Store[POStatus]
	GoodsReceipts        workflow.Store[GRNStatus]
	APInvoices           workflow.Store[APInvoiceStatus]
	Events               EventDispatcher
	Approvals            ApprovalPort
	Authorizer           workflow.Authorizer
	Notifier             *workflow.Notifier
	Audit                AuditPort
	MakerCheckerEnforced bool
	Logger               *slog.Logger
	Clock                func() time.Time
}

// Service orchestrates procurement documents and their lifecycles.
type Service struct {
	repo     RepositoryPort
	orders   *workflow.Machine[POStatus]
	receipts *workflow.Machine[GRNStatus]
	invoices *workflow.Machine[APInvoiceStatus]
	audit    AuditPort
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs procurement service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	s := &Service{repo: cfg.Repository, audit: cfg.Audit, logger: logger, now: now}
	lc := Lifecycle{
		Events:               cfg.Events,
		Approvals:            cfg.Approvals,
		Stamper:              cfg.Repository,
		MakerCheckerEnforced: cfg.MakerCheckerEnforced,
		Clock:                now,
	}
	poGraph, grnGraph, apGraph := lc.PurchaseOrderGraph(), lc.GoodsReceiptGraph(), lc.APInvoiceGraph()
	if cfg.PurchaseOrders == nil && cfg.Pool != nil {
		cfg.PurchaseOrders = workflow.NewPgStore(cfg.Pool, "purchase_orders", poGraph)
	}
	if cfg.GoodsReceipts == nil && cfg.Pool != nil {
		cfg.GoodsReceipts = workflow.NewPgStore(cfg.Pool, "goods_receipts", grnGraph)
	}
	if cfg.APInvoices == nil && cfg.Pool != nil {
		cfg.APInvoices = workflow.NewPgStore(cfg.Pool, "ap_invoices", apGraph)
	}
	s.orders = workflow.NewMachine(poGraph, workflow.MachineConfig[POStatus]{
		Store:      cfg.PurchaseOrders,
		Authorizer: cfg.Authorizer,
		Notifier:   cfg.Notifier,
		AfterAny:   []workflow.Hook[POStatus]{auditHook[POStatus](s)},
		Logger:     logger,
		Clock:      now,
	})
	s.receipts = workflow.NewMachine(grnGraph, workflow.MachineConfig[GRNStatus]{
		Store:      cfg.GoodsReceipts,
		Authorizer: cfg.Authorizer,
		Notifier:   cfg.Notifier,
		AfterAny:   []workflow.Hook[GRNStatus]{auditHook[GRNStatus](s)},
		Logger:     logger,
		Clock:      now,
	})
	s.invoices = workflow.NewMachine(apGraph, workflow.MachineConfig[APInvoiceStatus]{
		Store:      cfg.APInvoices,
		Authorizer: cfg.Authorizer,
		Notifier:   cfg.Notifier,
		AfterAny:   []workflow.Hook[APInvoiceStatus]{auditHook[APInvoiceStatus](s)},
		Logger:     logger,
		Clock:      now,
	})
	return s
}

// auditHook writes one audit_logs row per applied transition inside the
// transition's transaction.
func auditHook[S ~string](s *Service) workflow.Hook[S] {
	return workflow.HookFunc[S](func(ctx context.Context, t workflow.Transition[S]) error {
		if s.audit == nil {
			return nil
		}
		actorID, _ := t.ActorIdentity()
		meta := map[string]any{"from": string(t.From), "to": string(t.To)}
		if reason := t.Options.String(workflow.OptionReason); reason != "" {
			meta["reason"] = reason
		}
		return s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   strings.ToLower(t.Document.DocumentType() + "." + string(t.To)),
			Entity:   t.Document.DocumentType(),
			EntityID: strconv.FormatInt(t.Document.DocumentID(), 10),
			Meta:     meta,
			At:       s.now().UTC(),
		})
	})
}

// CreatePOInput describes purchase order creation.
type CreatePOInput struct {
	Number       string
	CompanyID    int64
	BranchID     *int64
	SupplierID   int64
	Currency     string
	ExpectedDate time.Time
	Note         string
	CreatedBy    int64
}

// CreateGRNInput describes goods receipt creation.
type CreateGRNInput struct {
	Number       string
	CompanyID    int64
	BranchID     *int64
	POID         int64
	SupplierID   int64
	WarehouseID  int64
	Currency     string
	ExchangeRate decimal.Decimal
	ReceivedAt   time.Time
	Note         string
	CreatedBy    int64
	Lines        []GRNLineInput
}

// GRNLineInput describes a received line.
type GRNLineInput struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
}

// CreateAPInvoiceInput describes AP invoice creation.
type CreateAPInvoiceInput struct {
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
	InvoiceDate      time.Time
	DueAt            time.Time
	CreatedBy        int64
}

// CreatePurchaseOrder stores a DRAFT purchase order.
func (s *Service) CreatePurchaseOrder(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	if strings.TrimSpace(input.Number) == "" || input.CompanyID <= 0 || input.SupplierID <= 0 || input.CreatedBy <= 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: number, company, supplier and creator required", ErrValidation)
	}
	code, err := normalizeCurrency(input.Currency)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po := PurchaseOrder{
		Number:       strings.TrimSpace(input.Number),
		CompanyID:    input.CompanyID,
		BranchID:     input.BranchID,
		SupplierID:   input.SupplierID,
		Status:       POStatusDraft,
		Currency:     code,
		ExpectedDate: input.ExpectedDate,
		Note:         input.Note,
		CreatedBy:    input.CreatedBy,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePurchaseOrder(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// CreateGoodsReceipt stores a DRAFT goods receipt with its lines.
func (s *Service) CreateGoodsReceipt(ctx context.Context, input CreateGRNInput) (GoodsReceipt, error) {
	if strings.TrimSpace(input.Number) == "" || input.CompanyID <= 0 || input.POID <= 0 ||
		input.SupplierID <= 0 || input.WarehouseID <= 0 || input.CreatedBy <= 0 {
		return GoodsReceipt{}, fmt.Errorf("%w: number, company, purchase order, supplier, warehouse and creator required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return GoodsReceipt{}, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	code, err := normalizeCurrency(input.Currency)
	if err != nil {
		return GoodsReceipt{}, err
	}
	rate, err := normalizeRate(input.ExchangeRate)
	if err != nil {
		return GoodsReceipt{}, err
	}
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	grn := GoodsReceipt{
		Number:       strings.TrimSpace(input.Number),
		CompanyID:    input.CompanyID,
		BranchID:     input.BranchID,
		POID:         input.POID,
		SupplierID:   input.SupplierID,
		WarehouseID:  input.WarehouseID,
		Status:       GRNStatusDraft,
		Currency:     code,
		ExchangeRate: rate,
		ReceivedAt:   receivedAt.UTC(),
		Note:         input.Note,
		CreatedBy:    input.CreatedBy,
	}
	for i, line := range input.Lines {
		if line.ProductID <= 0 || !line.Qty.IsPositive() || line.UnitCost.IsNegative() {
			return GoodsReceipt{}, fmt.Errorf("%w: line %d needs a product, positive qty and non-negative cost", ErrValidation, i+1)
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateGoodsReceipt(ctx, grn)
		if err != nil {
			return err
		}
		grn.ID = id
		for _, in := range input.Lines {
			line := GRNLine{GRNID: id, ProductID: in.ProductID, Qty: in.Qty, UnitCost: in.UnitCost}
			lineID, err := tx.InsertGRNLine(ctx, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			grn.Lines = append(grn.Lines, line)
		}
		return nil
	})
	if err != nil {
		return GoodsReceipt{}, err
	}
	return grn, nil
}

// CreateAPInvoice stores a DRAFT AP invoice.
func (s *Service) CreateAPInvoice(ctx context.Context, input CreateAPInvoiceInput) (APInvoice, error) {
	if strings.TrimSpace(input.Number) == "" || input.CompanyID <= 0 || input.SupplierID <= 0 || input.CreatedBy <= 0 {
		return APInvoice{}, fmt.Errorf("%w: number, company, supplier and creator required", ErrValidation)
	}
	if input.Subtotal.IsNegative() || input.TaxAmount.IsNegative() {
		return APInvoice{}, fmt.Errorf("%w: amounts must not be negative", ErrValidation)
	}
	code, err := normalizeCurrency(input.Currency)
	if err != nil {
		return APInvoice{}, err
	}
	rate, err := normalizeRate(input.ExchangeRate)
	if err != nil {
		return APInvoice{}, err
	}
	invoiceDate := input.InvoiceDate
	if invoiceDate.IsZero() {
		invoiceDate = s.now()
	}
	dueAt := input.DueAt
	if dueAt.IsZero() {
		dueAt = invoiceDate.AddDate(0, 0, 30)
	}
	inv := APInvoice{
		Number:           strings.TrimSpace(input.Number),
		CompanyID:        input.CompanyID,
		BranchID:         input.BranchID,
		SupplierID:       input.SupplierID,
		GRNID:            input.GRNID,
		Currency:         code,
		ExchangeRate:     rate,
		Subtotal:         input.Subtotal,
		TaxAmount:        input.TaxAmount,
		ExpenseAccountID: input.ExpenseAccountID,
		Status:           APStatusDraft,
		InvoiceDate:      invoiceDate.UTC(),
		DueAt:            dueAt.UTC(),
		CreatedBy:        input.CreatedBy,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateAPInvoice(ctx, inv)
		if err != nil {
			return err
		}
		inv.ID = id
		return nil
	})
	if err != nil {
		return APInvoice{}, err
	}
	return inv, nil
}

// GetPurchaseOrder loads a purchase order.
func (s *Service) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.GetPurchaseOrder(ctx, id)
}

// GetGoodsReceipt loads a goods receipt with its lines.
func (s *Service) GetGoodsReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	return s.repo.GetGoodsReceipt(ctx, id)
}

// GetAPInvoice loads an AP invoice.
func (s *Service) GetAPInvoice(ctx context.Context, id int64) (APInvoice, error) {
	return s.repo.GetAPInvoice(ctx, id)
}

// TransitionInput is the caller's request to move a document.
type TransitionInput struct {
	ID                  int64
	To                  string
	ActorID             int64
	Reason              string
	EnforceMakerChecker bool
}

func (in TransitionInput) options() workflow.Options {
	opts := workflow.Options{}
	if reason := strings.TrimSpace(in.Reason); reason != "" {
		opts[workflow.OptionReason] = reason
	}
	if in.EnforceMakerChecker {
		opts[workflow.OptionEnforceMakerChecker] = true
	}
	return opts
}

func (in TransitionInput) actor() workflow.Actor {
	if in.ActorID <= 0 {
		return nil
	}
	return workflow.ActorID(in.ActorID)
}

// TransitionPurchaseOrder moves a purchase order to in.To.
func (s *Service) TransitionPurchaseOrder(ctx context.Context, in TransitionInput) (PurchaseOrder, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, in.ID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if err := s.orders.TransitionTo(ctx, &po, POStatus(strings.ToUpper(in.To)), in.actor(), in.options()); err != nil {
		return PurchaseOrder{}, mapWorkflowError(err)
	}
	return po, nil
}

// TransitionGoodsReceipt moves a goods receipt to in.To.
func (s *Service) TransitionGoodsReceipt(ctx context.Context, in TransitionInput) (GoodsReceipt, error) {
	grn, err := s.repo.GetGoodsReceipt(ctx, in.ID)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if err := s.receipts.TransitionTo(ctx, &grn, GRNStatus(strings.ToUpper(in.To)), in.actor(), in.options()); err != nil {
		return GoodsReceipt{}, mapWorkflowError(err)
	}
	return grn, nil
}

// TransitionAPInvoice moves an AP invoice to in.To.
func (s *Service) TransitionAPInvoice(ctx context.Context, in TransitionInput) (APInvoice, error) {
	inv, err := s.repo.GetAPInvoice(ctx, in.ID)
	if err != nil {
		return APInvoice{}, err
	}
	if err := s.invoices.TransitionTo(ctx, &inv, APInvoiceStatus(strings.ToUpper(in.To)), in.actor(), in.options()); err != nil {
		return APInvoice{}, mapWorkflowError(err)
	}
	return inv, nil
}

// PurchaseOrderTransitions lists the states actorID may move po to.
func (s *Service) PurchaseOrderTransitions(ctx context.Context, po PurchaseOrder, actorID int64) []POStatus {
	return s.orders.AllowedTransitions(ctx, &po, TransitionInput{ActorID: actorID}.actor(), nil)
}

// GoodsReceiptTransitions lists the states actorID may move grn to.
func (s *Service) GoodsReceiptTransitions(ctx context.Context, grn GoodsReceipt, actorID int64) []GRNStatus {
	return s.receipts.AllowedTransitions(ctx, &grn, TransitionInput{ActorID: actorID}.actor(), nil)
}

// APInvoiceTransitions lists the states actorID may move inv to.
func (s *Service) APInvoiceTransitions(ctx context.Context, inv APInvoice, actorID int64) []APInvoiceStatus {
	return s.invoices.AllowedTransitions(ctx, &inv, TransitionInput{ActorID: actorID}.actor(), nil)
}

// mapWorkflowError folds the store's not-found into the package sentinel so
// callers match a single error.
func mapWorkflowError(err error) error {
	if errors.Is(err, workflow.ErrDocumentNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func normalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, err := currency.ParseISO(code); err != nil {
		return "", fmt.Errorf("%w: unknown currency %q", ErrValidation, code)
	}
	return code, nil
}

func normalizeRate(rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsZero() {
		return decimal.NewFromInt(1), nil
	}
	if rate.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: exchange rate must be positive", ErrValidation)
	}
	return rate, nil
}
