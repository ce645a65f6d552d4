package procurement

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-posting/internal/rbac"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
	"github.com/odyssey-erp/odyssey-posting/internal/workflow"
)

// Handler manages procurement endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers procurement routes. Transition routes are gated by
// the abilities declared on each edge rather than a route permission.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/procurement", func(r chi.Router) {
		r.Use(h.rbac.Actor)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermProcurementView))
			r.Get("/purchase-orders/{id}", h.getPurchaseOrder)
			r.Get("/goods-receipts/{id}", h.getGoodsReceipt)
			r.Get("/ap-invoices/{id}", h.getAPInvoice)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermProcurementEdit))
			r.Post("/purchase-orders", h.createPurchaseOrder)
			r.Post("/goods-receipts", h.createGoodsReceipt)
			r.Post("/ap-invoices", h.createAPInvoice)
		})
		r.Post("/purchase-orders/{id}/transitions", h.transitionPurchaseOrder)
		r.Post("/goods-receipts/{id}/transitions", h.transitionGoodsReceipt)
		r.Post("/ap-invoices/{id}/transitions", h.transitionAPInvoice)
	})
}

type createPORequest struct {
	Number       string `json:"number" validate:"required,max=64"`
	CompanyID    int64  `json:"company_id" validate:"required,gt=0"`
	BranchID     *int64 `json:"branch_id" validate:"omitempty,gt=0"`
	SupplierID   int64  `json:"supplier_id" validate:"required,gt=0"`
	Currency     string `json:"currency" validate:"required,len=3"`
	ExpectedDate string `json:"expected_date" validate:"omitempty,datetime=2006-01-02"`
	Note         string `json:"note" validate:"max=512"`
}

type grnLineRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Qty       decimal.Decimal `json:"qty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type createGRNRequest struct {
	Number       string           `json:"number" validate:"required,max=64"`
	CompanyID    int64            `json:"company_id" validate:"required,gt=0"`
	BranchID     *int64           `json:"branch_id" validate:"omitempty,gt=0"`
	POID         int64            `json:"po_id" validate:"required,gt=0"`
	SupplierID   int64            `json:"supplier_id" validate:"required,gt=0"`
	WarehouseID  int64            `json:"warehouse_id" validate:"required,gt=0"`
	Currency     string           `json:"currency" validate:"required,len=3"`
	ExchangeRate decimal.Decimal  `json:"exchange_rate"`
	ReceivedAt   *time.Time       `json:"received_at"`
	Note         string           `json:"note" validate:"max=512"`
	Lines        []grnLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type createAPInvoiceRequest struct {
	Number           string          `json:"number" validate:"required,max=64"`
	CompanyID        int64           `json:"company_id" validate:"required,gt=0"`
	BranchID         *int64          `json:"branch_id" validate:"omitempty,gt=0"`
	SupplierID       int64           `json:"supplier_id" validate:"required,gt=0"`
	GRNID            *int64          `json:"grn_id" validate:"omitempty,gt=0"`
	Currency         string          `json:"currency" validate:"required,len=3"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	ExpenseAccountID *int64          `json:"expense_account_id" validate:"omitempty,gt=0"`
	InvoiceDate      string          `json:"invoice_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate          string          `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
}

type transitionRequest struct {
	To                  string `json:"to" validate:"required"`
	Reason              string `json:"reason" validate:"max=512"`
	EnforceMakerChecker bool   `json:"enforce_maker_checker"`
}

func (h *Handler) createPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req createPORequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, _ := rbac.ActorIDFromContext(r.Context())
	po, err := h.service.CreatePurchaseOrder(r.Context(), CreatePOInput{
		Number:       req.Number,
		CompanyID:    req.CompanyID,
		BranchID:     req.BranchID,
		SupplierID:   req.SupplierID,
		Currency:     req.Currency,
		ExpectedDate: parseDate(req.ExpectedDate),
		Note:         req.Note,
		CreatedBy:    actorID,
	})
	if err != nil {
		h.respondError(w, "create purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, h.poView(r, po, actorID))
}

func (h *Handler) createGoodsReceipt(w http.ResponseWriter, r *http.Request) {
	var req createGRNRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, _ := rbac.ActorIDFromContext(r.Context())
	input := CreateGRNInput{
		Number:       req.Number,
		CompanyID:    req.CompanyID,
		BranchID:     req.BranchID,
		POID:         req.POID,
		SupplierID:   req.SupplierID,
		WarehouseID:  req.WarehouseID,
		Currency:     req.Currency,
		ExchangeRate: req.ExchangeRate,
		Note:         req.Note,
		CreatedBy:    actorID,
	}
	if req.ReceivedAt != nil {
		input.ReceivedAt = *req.ReceivedAt
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, GRNLineInput{ProductID: line.ProductID, Qty: line.Qty, UnitCost: line.UnitCost})
	}
	grn, err := h.service.CreateGoodsReceipt(r.Context(), input)
	if err != nil {
		h.respondError(w, "create goods receipt", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, h.grnView(r, grn, actorID))
}

func (h *Handler) createAPInvoice(w http.ResponseWriter, r *http.Request) {
	var req createAPInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, _ := rbac.ActorIDFromContext(r.Context())
	inv, err := h.service.CreateAPInvoice(r.Context(), CreateAPInvoiceInput{
		Number:           req.Number,
		CompanyID:        req.CompanyID,
		BranchID:         req.BranchID,
		SupplierID:       req.SupplierID,
		GRNID:            req.GRNID,
		Currency:         req.Currency,
		ExchangeRate:     req.ExchangeRate,
		Subtotal:         req.Subtotal,
		TaxAmount:        req.TaxAmount,
		ExpenseAccountID: req.ExpenseAccountID,
		InvoiceDate:      parseDate(req.InvoiceDate),
		DueAt:            parseDate(req.DueDate),
		CreatedBy:        actorID,
	})
	if err != nil {
		h.respondError(w, "create ap invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, h.invoiceView(r, inv, actorID))
}

func (h *Handler) getPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	po, err := h.service.GetPurchaseOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, "get purchase order", err)
		return
	}
	actorID, _ := rbac.ActorIDFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, h.poView(r, po, actorID))
}

func (h *Handler) getGoodsReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	grn, err := h.service.GetGoodsReceipt(r.Context(), id)
	if err != nil {
		h.respondError(w, "get goods receipt", err)
		return
	}
	actorID, _ := rbac.ActorIDFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, h.grnView(r, grn, actorID))
}

func (h *Handler) getAPInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetAPInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, "get ap invoice", err)
		return
	}
	actorID, _ := rbac.ActorIDFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, h.invoiceView(r, inv, actorID))
}

func (h *Handler) transitionPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	in, ok := h.transitionInput(w, r)
	if !ok {
		return
	}
	po, err := h.service.TransitionPurchaseOrder(r.Context(), in)
	if err != nil {
		h.respondError(w, "transition purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.poView(r, po, in.ActorID))
}

func (h *Handler) transitionGoodsReceipt(w http.ResponseWriter, r *http.Request) {
	in, ok := h.transitionInput(w, r)
	if !ok {
		return
	}
	grn, err := h.service.TransitionGoodsReceipt(r.Context(), in)
	if err != nil {
		h.respondError(w, "transition goods receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.grnView(r, grn, in.ActorID))
}

func (h *Handler) transitionAPInvoice(w http.ResponseWriter, r *http.Request) {
	in, ok := h.transitionInput(w, r)
	if !ok {
		return
	}
	inv, err := h.service.TransitionAPInvoice(r.Context(), in)
	if err != nil {
		h.respondError(w, "transition ap invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.invoiceView(r, inv, in.ActorID))
}

func (h *Handler) transitionInput(w http.ResponseWriter, r *http.Request) (TransitionInput, bool) {
	id, ok := parseID(w, r)
	if !ok {
		return TransitionInput{}, false
	}
	actorID, ok := rbac.ActorIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor required")
		return TransitionInput{}, false
	}
	var req transitionRequest
	if !h.decode(w, r, &req) {
		return TransitionInput{}, false
	}
	return TransitionInput{
		ID:                  id,
		To:                  req.To,
		ActorID:             actorID,
		Reason:              req.Reason,
		EnforceMakerChecker: req.EnforceMakerChecker,
	}, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid fields: "+strings.Join(fields, ", "))
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrNotFound))
	case errors.Is(err, ErrValidation):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrValidation))
	case errors.Is(err, workflow.ErrInvalidTransition):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrConflict))
	case errors.Is(err, workflow.ErrGuardViolation):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrUnprocessable))
	case errors.Is(err, workflow.ErrForbidden):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrForbidden))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// parseDate reads a date already checked by the datetime validator.
func parseDate(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.DateOnly, raw)
	return t
}

type poView struct {
	ID           int64      `json:"id"`
	Number       string     `json:"number"`
	CompanyID    int64      `json:"company_id"`
	BranchID     *int64     `json:"branch_id"`
	SupplierID   int64      `json:"supplier_id"`
	Status       POStatus   `json:"status"`
	Currency     string     `json:"currency"`
	ExpectedDate string     `json:"expected_date,omitempty"`
	Note         string     `json:"note,omitempty"`
	CreatedBy    int64      `json:"created_by"`
	ApprovedBy   *int64     `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	Allowed      []POStatus `json:"allowed_transitions"`
}

func (h *Handler) poView(r *http.Request, po PurchaseOrder, actorID int64) poView {
	v := poView{
		ID:         po.ID,
		Number:     po.Number,
		CompanyID:  po.CompanyID,
		BranchID:   po.BranchID,
		SupplierID: po.SupplierID,
		Status:     po.Status,
		Currency:   po.Currency,
		Note:       po.Note,
		CreatedBy:  po.CreatedBy,
		ApprovedBy: po.ApprovedBy,
		ApprovedAt: po.ApprovedAt,
		Allowed:    h.service.PurchaseOrderTransitions(r.Context(), po, actorID),
	}
	if !po.ExpectedDate.IsZero() {
		v.ExpectedDate = po.ExpectedDate.Format(time.DateOnly)
	}
	if v.Allowed == nil {
		v.Allowed = []POStatus{}
	}
	return v
}

type grnLineView struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Qty       string `json:"qty"`
	UnitCost  string `json:"unit_cost"`
}

type grnView struct {
	ID           int64         `json:"id"`
	Number       string        `json:"number"`
	CompanyID    int64         `json:"company_id"`
	BranchID     *int64        `json:"branch_id"`
	POID         int64         `json:"po_id"`
	SupplierID   int64         `json:"supplier_id"`
	WarehouseID  int64         `json:"warehouse_id"`
	Status       GRNStatus     `json:"status"`
	Currency     string        `json:"currency"`
	ExchangeRate string        `json:"exchange_rate"`
	ReceivedAt   time.Time     `json:"received_at"`
	Total        string        `json:"total"`
	Lines        []grnLineView `json:"lines"`
	Allowed      []GRNStatus   `json:"allowed_transitions"`
}

func (h *Handler) grnView(r *http.Request, grn GoodsReceipt, actorID int64) grnView {
	v := grnView{
		ID:           grn.ID,
		Number:       grn.Number,
		CompanyID:    grn.CompanyID,
		BranchID:     grn.BranchID,
		POID:         grn.POID,
		SupplierID:   grn.SupplierID,
		WarehouseID:  grn.WarehouseID,
		Status:       grn.Status,
		Currency:     grn.Currency,
		ExchangeRate: grn.ExchangeRate.String(),
		ReceivedAt:   grn.ReceivedAt,
		Total:        grn.Total().StringFixed(2),
		Lines:        make([]grnLineView, 0, len(grn.Lines)),
		Allowed:      h.service.GoodsReceiptTransitions(r.Context(), grn, actorID),
	}
	for _, line := range grn.Lines {
		v.Lines = append(v.Lines, grnLineView{
			ID:        line.ID,
			ProductID: line.ProductID,
			Qty:       line.Qty.String(),
			UnitCost:  line.UnitCost.String(),
		})
	}
	if v.Allowed == nil {
		v.Allowed = []GRNStatus{}
	}
	return v
}

type invoiceView struct {
	ID               int64             `json:"id"`
	Number           string            `json:"number"`
	CompanyID        int64             `json:"company_id"`
	BranchID         *int64            `json:"branch_id"`
	SupplierID       int64             `json:"supplier_id"`
	GRNID            *int64            `json:"grn_id,omitempty"`
	Status           APInvoiceStatus   `json:"status"`
	Currency         string            `json:"currency"`
	ExchangeRate     string            `json:"exchange_rate"`
	Subtotal         string            `json:"subtotal"`
	TaxAmount        string            `json:"tax_amount"`
	Total            string            `json:"total"`
	ExpenseAccountID *int64            `json:"expense_account_id,omitempty"`
	InvoiceDate      string            `json:"invoice_date"`
	DueDate          string            `json:"due_date"`
	Allowed          []APInvoiceStatus `json:"allowed_transitions"`
}

func (h *Handler) invoiceView(r *http.Request, inv APInvoice, actorID int64) invoiceView {
	v := invoiceView{
		ID:               inv.ID,
		Number:           inv.Number,
		CompanyID:        inv.CompanyID,
		BranchID:         inv.BranchID,
		SupplierID:       inv.SupplierID,
		GRNID:            inv.GRNID,
		Status:           inv.Status,
		Currency:         inv.Currency,
		ExchangeRate:     inv.ExchangeRate.String(),
		Subtotal:         inv.Subtotal.StringFixed(2),
		TaxAmount:        inv.TaxAmount.StringFixed(2),
		Total:            inv.Total().StringFixed(2),
		ExpenseAccountID: inv.ExpenseAccountID,
		InvoiceDate:      inv.InvoiceDate.Format(time.DateOnly),
		DueDate:          inv.DueAt.Format(time.DateOnly),
		Allowed:          h.service.APInvoiceTransitions(r.Context(), inv, actorID),
	}
	if v.Allowed == nil {
		v.Allowed = []APInvoiceStatus{}
	}
	return v
}
