package procurement

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/posting"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
	"github.com/odyssey-erp/odyssey-posting/internal/workflow"
)

// EventDispatcher records accounting events. *posting.Bus satisfies it.
type EventDispatcher interface {
	Dispatch(ctx context.Context, payload events.Payload) (posting.EventLog, error)
}

// ApprovalPort records approval history. *shared.ApprovalRecorder satisfies it.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// ApprovalStamper stores the approver on a purchase order row.
type ApprovalStamper interface {
	SetPOApproval(ctx context.Context, id, approvedBy int64, approvedAt time.Time) error
}

// Lifecycle holds the collaborators the procurement graphs' hooks call. All
// hooks run inside the transition's transaction.
type Lifecycle struct {
	Events               EventDispatcher
	Approvals            ApprovalPort
	Stamper              ApprovalStamper
	MakerCheckerEnforced bool
	Clock                func() time.Time
}

func (l Lifecycle) now() time.Time {
	if l.Clock != nil {
		return l.Clock().UTC()
	}
	return time.Now().UTC()
}

// PurchaseOrderGraph declares the purchase order lifecycle.
func (l Lifecycle) PurchaseOrderGraph() *workflow.Graph[POStatus] {
	approve := []workflow.EdgeOption[POStatus]{
		workflow.WithAbility[POStatus](AbilityPOApprove),
		workflow.WithGuard[POStatus](workflow.MakerChecker[POStatus]{Always: l.MakerCheckerEnforced}),
		workflow.WithAfter[POStatus](workflow.HookFunc[POStatus](l.stampApproval)),
		workflow.WithAfter[POStatus](l.recordApproval(shared.ApprovalApprove)),
	}
	return workflow.NewGraph[POStatus](DocumentPurchaseOrder, "status").
		Allow(POStatusDraft, POStatusSubmitted,
			workflow.WithAbility[POStatus](AbilityPOSubmit),
			workflow.WithAfter[POStatus](l.recordApproval(shared.ApprovalSubmit))).
		Allow(POStatusSubmitted, POStatusApproved, approve...).
		Allow(POStatusDraft, POStatusApproved, approve...).
		Allow(POStatusSubmitted, POStatusDraft,
			workflow.WithAbility[POStatus](AbilityPOApprove),
			workflow.WithAfter[POStatus](l.recordApproval(shared.ApprovalReject))).
		Allow(POStatusApproved, POStatusSent, workflow.WithAbility[POStatus](AbilityPOSend)).
		Allow(POStatusSent, POStatusClosed, workflow.WithAbility[POStatus](AbilityPOClose)).
		AllowFrom([]POStatus{POStatusDraft, POStatusSubmitted, POStatusApproved}, POStatusCancelled,
			workflow.WithAbility[POStatus](AbilityPOCancel),
			workflow.WithGuard[POStatus](workflow.RequireReason[POStatus]{})).
		MustBuild()
}

// GoodsReceiptGraph declares the goods receipt lifecycle. Posting a receipt
// records purchase.goods_received.
func (l Lifecycle) GoodsReceiptGraph() *workflow.Graph[GRNStatus] {
	return workflow.NewGraph[GRNStatus](DocumentGoodsReceipt, "status").
		Allow(GRNStatusDraft, GRNStatusPosted,
			workflow.WithAbility[GRNStatus](AbilityGRNPost),
			workflow.WithGuard[GRNStatus](workflow.GuardFunc[GRNStatus](receiptHasValue)),
			workflow.WithAfter[GRNStatus](workflow.HookFunc[GRNStatus](l.postGoodsReceived))).
		Allow(GRNStatusDraft, GRNStatusCancelled,
			workflow.WithAbility[GRNStatus](AbilityGRNCancel),
			workflow.WithGuard[GRNStatus](workflow.RequireReason[GRNStatus]{})).
		MustBuild()
}

// APInvoiceGraph declares the AP invoice lifecycle. Posting records
// purchase.invoice_posted; voiding a posted invoice records the mirror entry.
func (l Lifecycle) APInvoiceGraph() *workflow.Graph[APInvoiceStatus] {
	return workflow.NewGraph[APInvoiceStatus](DocumentAPInvoice, "status").
		Allow(APStatusDraft, APStatusPosted,
			workflow.WithAbility[APInvoiceStatus](AbilityAPPost),
			workflow.WithGuard[APInvoiceStatus](workflow.GuardFunc[APInvoiceStatus](invoiceHasValue)),
			workflow.WithAfter[APInvoiceStatus](l.postInvoice(false))).
		Allow(APStatusPosted, APStatusPaid, workflow.WithAbility[APInvoiceStatus](AbilityAPPay)).
		Allow(APStatusDraft, APStatusVoid,
			workflow.WithAbility[APInvoiceStatus](AbilityAPVoid),
			workflow.WithGuard[APInvoiceStatus](workflow.RequireReason[APInvoiceStatus]{})).
		Allow(APStatusPosted, APStatusVoid,
			workflow.WithAbility[APInvoiceStatus](AbilityAPVoid),
			workflow.WithGuard[APInvoiceStatus](workflow.RequireReason[APInvoiceStatus]{}),
			workflow.WithAfter[APInvoiceStatus](l.postInvoice(true))).
		MustBuild()
}

func (l Lifecycle) recordApproval(action shared.ApprovalAction) workflow.Hook[POStatus] {
	return workflow.HookFunc[POStatus](func(ctx context.Context, t workflow.Transition[POStatus]) error {
		if l.Approvals == nil {
			return nil
		}
		actorID, ok := t.ActorIdentity()
		if !ok {
			return nil
		}
		po := t.Document.(*PurchaseOrder)
		note := fmt.Sprintf("PO %s %s -> %s", po.Number, t.From, t.To)
		if reason := t.Options.String(workflow.OptionReason); reason != "" {
			note += ": " + reason
		}
		return l.Approvals.Record(ctx, shared.ApprovalLog{
			Module:  "PO",
			RefID:   shared.DocumentRef(DocumentPurchaseOrder, po.ID),
			ActorID: actorID,
			Action:  action,
			Note:    note,
			At:      l.now(),
		})
	})
}

func (l Lifecycle) stampApproval(ctx context.Context, t workflow.Transition[POStatus]) error {
	actorID, ok := t.ActorIdentity()
	if !ok || l.Stamper == nil {
		return nil
	}
	po := t.Document.(*PurchaseOrder)
	at := l.now()
	if err := l.Stamper.SetPOApproval(ctx, po.ID, actorID, at); err != nil {
		return err
	}
	po.ApprovedBy, po.ApprovedAt = &actorID, &at
	return nil
}

func receiptHasValue(_ context.Context, t workflow.Transition[GRNStatus]) error {
	grn := t.Document.(*GoodsReceipt)
	if len(grn.Lines) == 0 {
		return workflow.Deny("receipt_lines", "a goods receipt needs at least one line")
	}
	if !grn.Total().IsPositive() {
		return workflow.Deny("receipt_value", "a goods receipt must carry a positive value")
	}
	return nil
}

func invoiceHasValue(_ context.Context, t workflow.Transition[APInvoiceStatus]) error {
	inv := t.Document.(*APInvoice)
	if !inv.Subtotal.IsPositive() || inv.TaxAmount.IsNegative() {
		return workflow.Deny("invoice_value", "an invoice needs a positive subtotal and non-negative tax")
	}
	return nil
}

func (l Lifecycle) postGoodsReceived(ctx context.Context, t workflow.Transition[GRNStatus]) error {
	payload, err := GoodsReceivedPayload(t.Document.(*GoodsReceipt), actorRef(t.Actor))
	if err != nil {
		return err
	}
	_, err = l.Events.Dispatch(ctx, payload)
	return err
}

func (l Lifecycle) postInvoice(void bool) workflow.Hook[APInvoiceStatus] {
	return workflow.HookFunc[APInvoiceStatus](func(ctx context.Context, t workflow.Transition[APInvoiceStatus]) error {
		inv := t.Document.(*APInvoice)
		var payload events.Payload
		var err error
		if void {
			payload, err = InvoiceVoidedPayload(inv, actorRef(t.Actor), l.now())
		} else {
			payload, err = InvoicePostedPayload(inv, actorRef(t.Actor))
		}
		if err != nil {
			return err
		}
		_, err = l.Events.Dispatch(ctx, payload)
		return err
	})
}

func actorRef(actor workflow.Actor) *int64 {
	if actor == nil {
		return nil
	}
	id := actor.Identity()
	return &id
}

// GoodsReceivedPayload debits inventory and credits goods received not
// invoiced for the receipt value.
func GoodsReceivedPayload(grn *GoodsReceipt, actorID *int64) (events.Payload, error) {
	id := grn.ID
	total := grn.Total().Round(events.AmountScale)
	return events.ForDocument(events.CodeGoodsReceived, events.DocumentAttributes{
		CompanyID:      grn.CompanyID,
		BranchID:       grn.BranchID,
		DocumentType:   DocumentGoodsReceipt,
		DocumentID:     &id,
		DocumentNumber: grn.Number,
		CurrencyCode:   grn.Currency,
		ExchangeRate:   grn.ExchangeRate,
		OccurredAt:     grn.ReceivedAt,
		ActorID:        actorID,
		Meta:           map[string]any{"po_id": grn.POID, "supplier_id": grn.SupplierID},
	}).
		Debit("inventory", total, map[string]any{"warehouse_id": grn.WarehouseID}).
		Credit("grni", total).
		Build()
}

// InvoicePostedPayload debits GRNI (matched) or expense (unmatched) for the
// subtotal, input tax for the tax, and credits payable for the total.
func InvoicePostedPayload(inv *APInvoice, actorID *int64) (events.Payload, error) {
	b := invoiceBuilder(events.CodePurchaseInvoicePosted, inv, actorID, inv.InvoiceDate)
	for _, line := range invoiceLines(inv) {
		if line.Direction == events.Debit {
			b.Debit(line.Role, line.Amount, line.Meta)
		} else {
			b.Credit(line.Role, line.Amount, line.Meta)
		}
	}
	return b.Build()
}

// InvoiceVoidedPayload mirrors InvoicePostedPayload at voidedAt.
func InvoiceVoidedPayload(inv *APInvoice, actorID *int64, voidedAt time.Time) (events.Payload, error) {
	b := invoiceBuilder(events.CodePurchaseInvoiceVoided, inv, actorID, voidedAt)
	for _, line := range invoiceLines(inv) {
		if line.Direction == events.Debit {
			b.Credit(line.Role, line.Amount, line.Meta)
		} else {
			b.Debit(line.Role, line.Amount, line.Meta)
		}
	}
	return b.Meta("voids_invoice_date", inv.InvoiceDate.Format(time.DateOnly)).Build()
}

func invoiceBuilder(code events.Code, inv *APInvoice, actorID *int64, at time.Time) *events.Builder {
	id := inv.ID
	meta := map[string]any{"supplier_id": inv.SupplierID}
	if inv.GRNID != nil {
		meta["grn_id"] = *inv.GRNID
	}
	return events.ForDocument(code, events.DocumentAttributes{
		CompanyID:      inv.CompanyID,
		BranchID:       inv.BranchID,
		DocumentType:   DocumentAPInvoice,
		DocumentID:     &id,
		DocumentNumber: inv.Number,
		CurrencyCode:   inv.Currency,
		ExchangeRate:   inv.ExchangeRate,
		OccurredAt:     at,
		ActorID:        actorID,
		Meta:           meta,
	})
}

func invoiceLines(inv *APInvoice) []events.Entry {
	subtotal := inv.Subtotal.Round(events.AmountScale)
	tax := inv.TaxAmount.Round(events.AmountScale)
	var lines []events.Entry
	switch {
	case inv.GRNID != nil:
		lines = append(lines, events.Entry{Role: "grni", Direction: events.Debit, Amount: subtotal})
	case inv.ExpenseAccountID != nil:
		lines = append(lines, events.Entry{Role: "expense", Direction: events.Debit, Amount: subtotal,
			Meta: map[string]any{events.MetaAccountID: *inv.ExpenseAccountID}})
	default:
		lines = append(lines, events.Entry{Role: "expense", Direction: events.Debit, Amount: subtotal})
	}
	if tax.IsPositive() {
		lines = append(lines, events.Entry{Role: "tax_input", Direction: events.Debit, Amount: tax})
	}
	return append(lines, events.Entry{Role: "payable", Direction: events.Credit, Amount: subtotal.Add(tax)})
}
