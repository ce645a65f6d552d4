package procurement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/posting"
	"github.com/odyssey-erp/odyssey-posting/internal/rbac"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
	"github.com/odyssey-erp/odyssey-posting/internal/workflow"
)

type memoryProcRepo struct {
	pos      map[int64]*PurchaseOrder
	grns     map[int64]*GoodsReceipt
	invoices map[int64]*APInvoice
	nextID   int64
}

type memoryProcTx struct {
	repo *memoryProcRepo
}

func newMemoryProcRepo() *memoryProcRepo {
	return &memoryProcRepo{
		pos:      make(map[int64]*PurchaseOrder),
		grns:     make(map[int64]*GoodsReceipt),
		invoices: make(map[int64]*APInvoice),
	}
}

func (r *memoryProcRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryProcTx{repo: r})
}

func (r *memoryProcRepo) GetPurchaseOrder(_ context.Context, id int64) (PurchaseOrder, error) {
	po, ok := r.pos[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return *po, nil
}

func (r *memoryProcRepo) GetGoodsReceipt(_ context.Context, id int64) (GoodsReceipt, error) {
	grn, ok := r.grns[id]
	if !ok {
		return GoodsReceipt{}, ErrNotFound
	}
	out := *grn
	out.Lines = append([]GRNLine(nil), grn.Lines...)
	return out, nil
}

func (r *memoryProcRepo) GetAPInvoice(_ context.Context, id int64) (APInvoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return APInvoice{}, ErrNotFound
	}
	return *inv, nil
}

func (r *memoryProcRepo) SetPOApproval(_ context.Context, id, approvedBy int64, approvedAt time.Time) error {
	po, ok := r.pos[id]
	if !ok {
		return ErrNotFound
	}
	po.ApprovedBy, po.ApprovedAt = &approvedBy, &approvedAt
	return nil
}

func (t *memoryProcTx) CreatePurchaseOrder(_ context.Context, po PurchaseOrder) (int64, error) {
	t.repo.nextID++
	po.ID = t.repo.nextID
	t.repo.pos[po.ID] = &po
	return po.ID, nil
}

func (t *memoryProcTx) CreateGoodsReceipt(_ context.Context, grn GoodsReceipt) (int64, error) {
	t.repo.nextID++
	grn.ID = t.repo.nextID
	grn.Lines = nil
	t.repo.grns[grn.ID] = &grn
	return grn.ID, nil
}

func (t *memoryProcTx) InsertGRNLine(_ context.Context, line GRNLine) (int64, error) {
	grn, ok := t.repo.grns[line.GRNID]
	if !ok {
		return 0, ErrNotFound
	}
	t.repo.nextID++
	line.ID = t.repo.nextID
	grn.Lines = append(grn.Lines, line)
	return line.ID, nil
}

func (t *memoryProcTx) CreateAPInvoice(_ context.Context, inv APInvoice) (int64, error) {
	t.repo.nextID++
	inv.ID = t.repo.nextID
	t.repo.invoices[inv.ID] = &inv
	return inv.ID, nil
}

// stateStore keeps a document's status in the memory repository and restores
// it when the transition fails.
type stateStore[S ~string] struct {
	mu  sync.Mutex
	get func(id int64) (S, bool)
	set func(id int64, state S)
}

func (s *stateStore[S]) Atomic(ctx context.Context, doc workflow.Document[S], fn func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.get(doc.DocumentID())
	if !ok {
		return workflow.ErrDocumentNotFound
	}
	doc.SetState(before)
	if err := fn(ctx); err != nil {
		s.set(doc.DocumentID(), before)
		return err
	}
	return nil
}

func (s *stateStore[S]) SaveState(_ context.Context, doc workflow.Document[S]) error {
	s.set(doc.DocumentID(), doc.CurrentState())
	return nil
}

type recordingEvents struct {
	payloads []events.Payload
	err      error
}

func (r *recordingEvents) Dispatch(_ context.Context, payload events.Payload) (posting.EventLog, error) {
	if r.err != nil {
		return posting.EventLog{}, r.err
	}
	if err := payload.AssertBalanced(); err != nil {
		return posting.EventLog{}, err
	}
	r.payloads = append(r.payloads, payload)
	return posting.EventLog{ID: int64(len(r.payloads)), EventCode: payload.Code, Status: posting.StatusQueued}, nil
}

type recordingApprovals struct {
	logs []shared.ApprovalLog
}

func (r *recordingApprovals) Record(_ context.Context, log shared.ApprovalLog) error {
	r.logs = append(r.logs, log)
	return nil
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (r *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

type permissionTable map[int64][]string

func (p permissionTable) EffectivePermissions(_ context.Context, userID int64) ([]string, error) {
	return p[userID], nil
}

type fixture struct {
	svc       *Service
	repo      *memoryProcRepo
	events    *recordingEvents
	approvals *recordingApprovals
	audit     *recordingAudit
	perms     permissionTable
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryProcRepo()
	f := &fixture{
		repo:      repo,
		events:    &recordingEvents{},
		approvals: &recordingApprovals{},
		audit:     &recordingAudit{},
		perms: permissionTable{
			1: {rbac.SuperPermission},
			2: {rbac.SuperPermission},
			3: {rbac.SuperPermission},
			7: {"procurement.view", AbilityPOSubmit},
		},
		now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(ServiceConfig{
		Repository: repo,
		PurchaseOrders: &stateStore[POStatus]{
			get: func(id int64) (POStatus, bool) {
				po, ok := repo.pos[id]
				if !ok {
					return "", false
				}
				return po.Status, true
			},
			set: func(id int64, s POStatus) { repo.pos[id].Status = s },
		},
		GoodsReceipts: &stateStore[GRNStatus]{
			get: func(id int64) (GRNStatus, bool) {
				grn, ok := repo.grns[id]
				if !ok {
					return "", false
				}
				return grn.Status, true
			},
			set: func(id int64, s GRNStatus) { repo.grns[id].Status = s },
		},
		APInvoices: &stateStore[APInvoiceStatus]{
			get: func(id int64) (APInvoiceStatus, bool) {
				inv, ok := repo.invoices[id]
				if !ok {
					return "", false
				}
				return inv.Status, true
			},
			set: func(id int64, s APInvoiceStatus) { repo.invoices[id].Status = s },
		},
		Events:               f.events,
		Approvals:            f.approvals,
		Authorizer:           rbac.NewAuthorizer(f.perms),
		Audit:                f.audit,
		MakerCheckerEnforced: true,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:                func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) purchaseOrder(t *testing.T, createdBy int64) PurchaseOrder {
	t.Helper()
	po, err := f.svc.CreatePurchaseOrder(context.Background(), CreatePOInput{
		Number:     "PO-0001",
		CompanyID:  1,
		SupplierID: 9,
		Currency:   "idr",
		CreatedBy:  createdBy,
	})
	require.NoError(t, err)
	return po
}

func (f *fixture) goodsReceipt(t *testing.T, lines ...GRNLineInput) GoodsReceipt {
	t.Helper()
	branch := int64(2)
	grn, err := f.svc.CreateGoodsReceipt(context.Background(), CreateGRNInput{
		Number:      "GRN-0001",
		CompanyID:   1,
		BranchID:    &branch,
		POID:        11,
		SupplierID:  9,
		WarehouseID: 4,
		Currency:    "IDR",
		ReceivedAt:  time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		CreatedBy:   1,
		Lines:       lines,
	})
	require.NoError(t, err)
	return grn
}

func (f *fixture) invoice(t *testing.T, in CreateAPInvoiceInput) APInvoice {
	t.Helper()
	in.Number = "INV-0001"
	in.CompanyID = 1
	in.SupplierID = 9
	in.CreatedBy = 1
	in.InvoiceDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	inv, err := f.svc.CreateAPInvoice(context.Background(), in)
	require.NoError(t, err)
	return inv
}

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}

func TestPurchaseOrderApprovalRequiresSecondActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.purchaseOrder(t, 1)
	require.Equal(t, POStatusDraft, po.Status)
	require.Equal(t, "IDR", po.Currency)

	po, err := f.svc.TransitionPurchaseOrder(ctx, TransitionInput{ID: po.ID, To: "submitted", ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, POStatusSubmitted, po.Status)

	_, err = f.svc.TransitionPurchaseOrder(ctx, TransitionInput{ID: po.ID, To: "APPROVED", ActorID: 1})
	require.ErrorIs(t, err, workflow.ErrGuardViolation)
	require.Equal(t, POStatusSubmitted, f.repo.pos[po.ID].Status)
	require.Nil(t, f.repo.pos[po.ID].ApprovedBy)

	po, err = f.svc.TransitionPurchaseOrder(ctx, TransitionInput{ID: po.ID, To: "APPROVED", ActorID: 2})
	require.NoError(t, err)
	require.Equal(t, POStatusApproved, po.Status)
	require.Equal(t, int64(2), *po.ApprovedBy)
	require.Equal(t, f.now, *f.repo.pos[po.ID].ApprovedAt)

	require.Len(t, f.approvals.logs, 2)
	require.Equal(t, shared.ApprovalSubmit, f.approvals.logs[0].Action)
	require.Equal(t, shared.ApprovalApprove, f.approvals.logs[1].Action)
	require.Equal(t, int64(2), f.approvals.logs[1].ActorID)
	require.Equal(t, shared.DocumentRef(DocumentPurchaseOrder, po.ID), f.approvals.logs[1].RefID)

	require.Len(t, f.audit.logs, 2)
	require.Equal(t, "purchase_order.approved", f.audit.logs[1].Action)
	require.Equal(t, "SUBMITTED", f.audit.logs[1].Meta["from"])
	require.Empty(t, f.events.payloads)
}

func TestPurchaseOrderCancellationNeedsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.purchaseOrder(t, 1)

	_, err := f.svc.TransitionPurchaseOrder(ctx, TransitionInput{ID: po.ID, To: "CANCELLED", ActorID: 1, Reason: "nope"})
	require.ErrorIs(t, err, workflow.ErrGuardViolation)
	require.Equal(t, POStatusDraft, f.repo.pos[po.ID].Status)

	po, err = f.svc.TransitionPurchaseOrder(ctx, TransitionInput{ID: po.ID, To: "CANCELLED", ActorID: 1, Reason: "supplier withdrew the quote"})
	require.NoError(t, err)
	require.Equal(t, POStatusCancelled, po.Status)
	require.Equal(t, "supplier withdrew the quote", f.audit.logs[0].Meta["reason"])

	_, err = f.svc.TransitionPurchaseOrder(ctx, TransitionInput{ID: po.ID, To: "SENT", ActorID: 1})
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)

	_, err = f.svc.TransitionPurchaseOrder(ctx, TransitionInput{ID: 404, To: "SENT", ActorID: 1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPurchaseOrderAbilityChecked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.purchaseOrder(t, 7)

	require.ElementsMatch(t, []POStatus{POStatusSubmitted}, f.svc.PurchaseOrderTransitions(ctx, po, 7))
	require.ElementsMatch(t, []POStatus{POStatusSubmitted, POStatusApproved}, f.svc.PurchaseOrderTransitions(ctx, po, 2))
	require.Empty(t, f.svc.PurchaseOrderTransitions(ctx, po, 0))

	_, err := f.svc.TransitionPurchaseOrder(ctx, TransitionInput{ID: po.ID, To: "SUBMITTED", ActorID: 7})
	require.NoError(t, err)
	_, err = f.svc.TransitionPurchaseOrder(ctx, TransitionInput{ID: po.ID, To: "APPROVED", ActorID: 7})
	require.ErrorIs(t, err, workflow.ErrForbidden)
	require.Equal(t, POStatusSubmitted, f.repo.pos[po.ID].Status)

	_, err = f.svc.TransitionPurchaseOrder(ctx, TransitionInput{ID: po.ID, To: "DRAFT"})
	require.ErrorIs(t, err, workflow.ErrForbidden)
}

func TestGoodsReceiptPostingDispatchesBalancedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grn := f.goodsReceipt(t,
		GRNLineInput{ProductID: 5, Qty: dec(t, "10"), UnitCost: dec(t, "1500.5")},
		GRNLineInput{ProductID: 6, Qty: dec(t, "2"), UnitCost: dec(t, "250")},
	)
	require.Len(t, grn.Lines, 2)
	require.True(t, grn.ExchangeRate.Equal(decimal.NewFromInt(1)))

	grn, err := f.svc.TransitionGoodsReceipt(ctx, TransitionInput{ID: grn.ID, To: "POSTED", ActorID: 3})
	require.NoError(t, err)
	require.Equal(t, GRNStatusPosted, grn.Status)

	require.Len(t, f.events.payloads, 1)
	p := f.events.payloads[0]
	require.Equal(t, events.CodeGoodsReceived, p.Code)
	require.Equal(t, DocumentGoodsReceipt, p.DocumentType)
	require.Equal(t, grn.ID, *p.DocumentID)
	require.Equal(t, int64(2), *p.BranchID)
	require.Equal(t, int64(3), *p.ActorID)
	require.Equal(t, int64(11), p.Meta["po_id"])
	require.Len(t, p.Lines, 2)
	require.Equal(t, "inventory", p.Lines[0].Role)
	require.Equal(t, events.Debit, p.Lines[0].Direction)
	require.Equal(t, "15505", p.Lines[0].Amount.String())
	require.Equal(t, int64(4), p.Lines[0].Meta["warehouse_id"])
	require.Equal(t, "grni", p.Lines[1].Role)
	require.Equal(t, events.Credit, p.Lines[1].Direction)
	require.True(t, p.IsBalanced())
}

func TestGoodsReceiptPostingRollsBackWhenDispatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grn := f.goodsReceipt(t, GRNLineInput{ProductID: 5, Qty: dec(t, "1"), UnitCost: dec(t, "100")})

	f.events.err = errors.New("event log insert failed")
	_, err := f.svc.TransitionGoodsReceipt(ctx, TransitionInput{ID: grn.ID, To: "POSTED", ActorID: 3})
	require.ErrorIs(t, err, f.events.err)
	require.Equal(t, GRNStatusDraft, f.repo.grns[grn.ID].Status)
	require.Empty(t, f.audit.logs)

	free := f.goodsReceipt(t, GRNLineInput{ProductID: 5, Qty: dec(t, "1"), UnitCost: decimal.Zero})
	f.events.err = nil
	_, err = f.svc.TransitionGoodsReceipt(ctx, TransitionInput{ID: free.ID, To: "POSTED", ActorID: 3})
	require.ErrorIs(t, err, workflow.ErrGuardViolation)
	require.Empty(t, f.events.payloads)
}

func TestCreateGoodsReceiptValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateGoodsReceipt(context.Background(), CreateGRNInput{
		Number: "GRN-0002", CompanyID: 1, POID: 11, SupplierID: 9, WarehouseID: 4, Currency: "IDR", CreatedBy: 1,
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateGoodsReceipt(context.Background(), CreateGRNInput{
		Number: "GRN-0002", CompanyID: 1, POID: 11, SupplierID: 9, WarehouseID: 4, Currency: "XXZ", CreatedBy: 1,
		Lines: []GRNLineInput{{ProductID: 5, Qty: dec(t, "1"), UnitCost: dec(t, "1")}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestAPInvoicePostThenVoidMirrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grnID := int64(21)
	inv := f.invoice(t, CreateAPInvoiceInput{
		GRNID:        &grnID,
		Currency:     "USD",
		ExchangeRate: dec(t, "15500"),
		Subtotal:     dec(t, "1000"),
		TaxAmount:    dec(t, "110"),
	})
	require.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), inv.DueAt)

	_, err := f.svc.TransitionAPInvoice(ctx, TransitionInput{ID: inv.ID, To: "POSTED", ActorID: 3})
	require.NoError(t, err)
	require.Len(t, f.events.payloads, 1)
	posted := f.events.payloads[0]
	require.Equal(t, events.CodePurchaseInvoicePosted, posted.Code)
	require.Equal(t, inv.InvoiceDate, posted.OccurredAt)
	require.Equal(t, int64(21), posted.Meta["grn_id"])
	require.Len(t, posted.Lines, 3)
	require.Equal(t, []string{"grni", "tax_input", "payable"},
		[]string{posted.Lines[0].Role, posted.Lines[1].Role, posted.Lines[2].Role})
	require.Equal(t, "1110", posted.Lines[2].Amount.String())
	require.Equal(t, events.Credit, posted.Lines[2].Direction)

	_, err = f.svc.TransitionAPInvoice(ctx, TransitionInput{ID: inv.ID, To: "VOID", ActorID: 3})
	require.ErrorIs(t, err, workflow.ErrGuardViolation)
	require.Len(t, f.events.payloads, 1)

	inv, err = f.svc.TransitionAPInvoice(ctx, TransitionInput{ID: inv.ID, To: "VOID", ActorID: 3, Reason: "duplicate of INV-0000"})
	require.NoError(t, err)
	require.Equal(t, APStatusVoid, inv.Status)
	require.Len(t, f.events.payloads, 2)
	voided := f.events.payloads[1]
	require.Equal(t, events.CodePurchaseInvoiceVoided, voided.Code)
	require.Equal(t, f.now, voided.OccurredAt)
	require.Equal(t, "2025-06-01", voided.Meta["voids_invoice_date"])
	for i := range posted.Lines {
		require.Equal(t, posted.Lines[i].Role, voided.Lines[i].Role)
		require.NotEqual(t, posted.Lines[i].Direction, voided.Lines[i].Direction)
		require.True(t, posted.Lines[i].Amount.Equal(voided.Lines[i].Amount))
	}
}

func TestAPInvoiceExpenseAccountOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := int64(6100)
	inv := f.invoice(t, CreateAPInvoiceInput{
		Currency:         "IDR",
		Subtotal:         dec(t, "250000"),
		ExpenseAccountID: &account,
	})

	_, err := f.svc.TransitionAPInvoice(ctx, TransitionInput{ID: inv.ID, To: "POSTED", ActorID: 3})
	require.NoError(t, err)
	require.Len(t, f.events.payloads, 1)
	lines := f.events.payloads[0].Lines
	require.Len(t, lines, 2)
	require.Equal(t, "expense", lines[0].Role)
	id, ok := lines[0].AccountOverride()
	require.True(t, ok)
	require.Equal(t, account, id)
	require.Equal(t, "payable", lines[1].Role)

	_, err = f.svc.TransitionAPInvoice(ctx, TransitionInput{ID: inv.ID, To: "PAID", ActorID: 3})
	require.NoError(t, err)
	_, err = f.svc.TransitionAPInvoice(ctx, TransitionInput{ID: inv.ID, To: "VOID", ActorID: 3, Reason: "paid invoices cannot be voided"})
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestDraftInvoiceVoidPostsNothing(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t, CreateAPInvoiceInput{Currency: "IDR", Subtotal: dec(t, "10")})

	inv, err := f.svc.TransitionAPInvoice(context.Background(), TransitionInput{ID: inv.ID, To: "VOID", ActorID: 1, Reason: "entered against wrong supplier"})
	require.NoError(t, err)
	require.Equal(t, APStatusVoid, inv.Status)
	require.Empty(t, f.events.payloads)
}
