package posting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/glconfig"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
)

var occurredAt = time.Date(2025, 5, 9, 14, 30, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	repo       *memoryRepo
	queue      *memoryQueue
	poster     *memoryPoster
	configs    *configRepo
	bus        *Bus
	dispatcher *Dispatcher
	outcomes   map[Outcome]int
}

func (h *harness) RecordPosting(_ events.Code, outcome Outcome) {
	h.outcomes[outcome]++
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     newMemoryRepo(),
		queue:    &memoryQueue{},
		poster:   &memoryPoster{},
		configs:  &configRepo{},
		outcomes: make(map[Outcome]int),
	}
	logger := quietLogger()
	h.bus = NewBus(h.repo, h.queue, logger)
	h.dispatcher = NewDispatcher(DispatcherConfig{
		Repository: h.repo,
		Publisher: Chain{
			NewAuditPublisher(logger, nil),
			NewJournalPublisher(glconfig.NewFallbackResolver(h.configs), h.poster, logger),
		},
		Recorder: h,
		Logger:   logger,
		Clock:    func() time.Time { return occurredAt.Add(time.Minute) },
	})
	return h
}

func (h *harness) configure(code events.Code, branchID *int64, mappings ...glconfig.Mapping) {
	_, _ = h.configs.Upsert(context.Background(), glconfig.Configuration{
		EventCode: code,
		CompanyID: 1,
		BranchID:  branchID,
		IsActive:  true,
		Mappings:  mappings,
	})
}

func (h *harness) runQueued(t *testing.T) []error {
	t.Helper()
	var errs []error
	for _, id := range h.queue.drain() {
		errs = append(errs, h.dispatcher.Run(context.Background(), id))
	}
	return errs
}

func deliveryPayload(t *testing.T, rate string, debit, credit int64) events.Payload {
	t.Helper()
	docID := int64(31)
	actor := int64(5)
	payload, err := events.ForDocument(events.CodeSalesDelivery, events.DocumentAttributes{
		CompanyID:      1,
		DocumentType:   "delivery_order",
		DocumentID:     &docID,
		DocumentNumber: "DO-0031",
		CurrencyCode:   "USD",
		ExchangeRate:   decimal.RequireFromString(rate),
		OccurredAt:     occurredAt,
		ActorID:        &actor,
	}).
		Debit("cogs", decimal.NewFromInt(debit)).
		Credit("inventory", decimal.NewFromInt(credit)).
		Build()
	require.NoError(t, err)
	return payload
}

func TestDispatchRejectsImbalanceBeforeWriting(t *testing.T) {
	h := newHarness(t)
	_, err := h.bus.Dispatch(context.Background(), deliveryPayload(t, "1", 500000, 499999))
	require.ErrorIs(t, err, events.ErrImbalance)
	require.Empty(t, h.repo.logs)
	require.Empty(t, h.queue.ids)
}

func TestDispatchRejectsInvalidHeader(t *testing.T) {
	h := newHarness(t)
	payload := deliveryPayload(t, "1", 10, 10)
	payload.CurrencyCode = "US"
	_, err := h.bus.Dispatch(context.Background(), payload)
	require.ErrorIs(t, err, events.ErrInvalidHeader)
	require.Empty(t, h.repo.logs)
}

func TestDispatchRejectsAmountsBeyondStoredPrecision(t *testing.T) {
	h := newHarness(t)
	payload := deliveryPayload(t, "1", 10, 10)
	half := decimal.RequireFromString("5.0000005")
	payload.Lines = []events.Entry{
		{Role: "cogs", Direction: events.Debit, Amount: half},
		{Role: "cogs", Direction: events.Debit, Amount: half},
		{Role: "inventory", Direction: events.Credit, Amount: decimal.RequireFromString("10.000001")},
	}
	require.NoError(t, payload.AssertBalanced())

	_, err := h.bus.Dispatch(context.Background(), payload)
	require.ErrorIs(t, err, events.ErrAmountPrecision)
	require.Empty(t, h.repo.logs)
	require.Empty(t, h.queue.ids)

	payload.Lines[0].Amount = decimal.RequireFromString("5.000001")
	payload.Lines[1].Amount = decimal.RequireFromString("5.000000")
	h.configure(events.CodeSalesDelivery, nil,
		glconfig.Mapping{Role: "cogs", AccountID: 5100},
		glconfig.Mapping{Role: "inventory", AccountID: 1300})
	log, err := h.bus.Dispatch(context.Background(), payload)
	require.NoError(t, err)
	for _, runErr := range h.runQueued(t) {
		require.NoError(t, runErr)
	}
	stored, err := h.repo.Get(context.Background(), log.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, stored.Status)
}

func TestScenarioDeliveryPostsOneJournal(t *testing.T) {
	h := newHarness(t)
	h.configure(events.CodeSalesDelivery, nil,
		glconfig.Mapping{Role: "cogs", AccountID: 5100},
		glconfig.Mapping{Role: "inventory", AccountID: 1400})

	rate := "15500.25"
	log, err := h.bus.Dispatch(context.Background(), deliveryPayload(t, rate, 500000, 500000))
	require.NoError(t, err)
	require.Equal(t, StatusQueued, log.Status)
	require.Equal(t, "DO-0031", log.DocumentNumber)
	require.Equal(t, []int64{log.ID}, h.queue.ids)

	for _, err := range h.runQueued(t) {
		require.NoError(t, err)
	}
	require.Equal(t, StatusSent, h.repo.status(log.ID))
	require.Len(t, h.poster.journals, 1)

	journal := h.poster.journals[0]
	require.Len(t, journal.Lines, 2)
	expectedBase := decimal.NewFromInt(500000).Mul(decimal.RequireFromString(rate))
	require.Equal(t, int64(5100), journal.Lines[0].AccountID)
	require.True(t, journal.Lines[0].DebitBase.Equal(expectedBase), journal.Lines[0].DebitBase.String())
	require.True(t, journal.Lines[0].Debit.Equal(decimal.NewFromInt(500000)))
	require.Equal(t, int64(1400), journal.Lines[1].AccountID)
	require.True(t, journal.Lines[1].CreditBase.Equal(expectedBase))
	require.Equal(t, SourceRef(log.ID), journal.SourceID)
	require.True(t, journal.Date.Equal(occurredAt))

	require.NoError(t, h.dispatcher.Run(context.Background(), log.ID))
	require.Len(t, h.poster.journals, 1)
	stored, _ := h.repo.Get(context.Background(), log.ID)
	require.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.DispatchedAt)
	require.Equal(t, 1, h.outcomes[OutcomeSent])
	require.Equal(t, 1, h.outcomes[OutcomeSkipped])
}

func TestDispatcherMissingLogIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.dispatcher.Run(context.Background(), 404))
	require.Equal(t, 1, h.outcomes[OutcomeMissing])
}

func TestDispatcherRecordsFailureAndSucceedsAfterFix(t *testing.T) {
	h := newHarness(t)
	branch := int64(3)
	payload := deliveryPayload(t, "1", 75, 75)
	payload.BranchID = &branch

	log, err := h.bus.Dispatch(context.Background(), payload)
	require.NoError(t, err)
	h.queue.drain()

	err = h.dispatcher.Run(context.Background(), log.ID)
	require.ErrorIs(t, err, glconfig.ErrMissingConfiguration)
	stored, _ := h.repo.Get(context.Background(), log.ID)
	require.Equal(t, StatusFailed, stored.Status)
	require.Contains(t, stored.ErrorMessage, "no active configuration")
	require.Equal(t, 1, stored.Attempts)

	h.configure(events.CodeSalesDelivery, nil, glconfig.Mapping{Role: "cogs", AccountID: 5100})
	err = h.dispatcher.Run(context.Background(), log.ID)
	require.ErrorIs(t, err, glconfig.ErrUnmappedRole)

	h.configs.configs = nil
	h.configure(events.CodeSalesDelivery, &branch,
		glconfig.Mapping{Role: "cogs", AccountID: 5103},
		glconfig.Mapping{Role: "inventory", AccountID: 1403})
	require.NoError(t, h.dispatcher.Run(context.Background(), log.ID))
	stored, _ = h.repo.Get(context.Background(), log.ID)
	require.Equal(t, StatusSent, stored.Status)
	require.Empty(t, stored.ErrorMessage)
	require.Equal(t, 3, stored.Attempts)
	require.Equal(t, int64(5103), h.poster.journals[0].Lines[0].AccountID)
}

func TestDispatcherToleratesJournalWrittenBeforeCrash(t *testing.T) {
	h := newHarness(t)
	h.configure(events.CodeSalesDelivery, nil,
		glconfig.Mapping{Role: "cogs", AccountID: 5100},
		glconfig.Mapping{Role: "inventory", AccountID: 1400})
	payload := deliveryPayload(t, "1", 20, 20)
	log, err := h.bus.Dispatch(context.Background(), payload)
	require.NoError(t, err)

	publisher := NewJournalPublisher(glconfig.NewFallbackResolver(h.configs), h.poster, quietLogger())
	require.NoError(t, publisher.Send(context.Background(), payload, log))
	require.Equal(t, StatusQueued, h.repo.status(log.ID))

	for _, err := range h.runQueued(t) {
		require.NoError(t, err)
	}
	require.Equal(t, StatusSent, h.repo.status(log.ID))
	require.Len(t, h.poster.journals, 1)
}

func TestDispatcherMarksCorruptPayloadFailed(t *testing.T) {
	h := newHarness(t)
	log, err := h.bus.Dispatch(context.Background(), deliveryPayload(t, "1", 20, 20))
	require.NoError(t, err)
	corrupted := h.repo.logs[log.ID]
	corrupted.Payload = []byte(`{"event_code":"sales.delivery"`)
	h.repo.logs[log.ID] = corrupted

	err = h.dispatcher.Run(context.Background(), log.ID)
	require.ErrorIs(t, err, ErrInvalidPayload)
	require.Equal(t, StatusFailed, h.repo.status(log.ID))
}

func TestJournalPublisherAccountOverrideSkipsResolution(t *testing.T) {
	poster := &memoryPoster{}
	failing := glconfig.NewFallbackResolver(&configRepo{})
	publisher := NewJournalPublisher(failing, poster, quietLogger())

	payload, err := events.ForDocument(events.CodeInventoryAdjustment, events.DocumentAttributes{
		CompanyID: 1, DocumentType: "stock_adjustment", CurrencyCode: "IDR", OccurredAt: occurredAt,
	}).
		Debit("inventory", decimal.NewFromInt(9), map[string]any{events.MetaAccountID: int64(1401)}).
		Credit("adjustment", decimal.NewFromInt(9), map[string]any{events.MetaAccountID: "6100"}).
		Build()
	require.NoError(t, err)

	require.NoError(t, publisher.Send(context.Background(), payload, EventLog{ID: 1}))
	require.Len(t, poster.journals, 1)
	require.Equal(t, int64(1401), poster.journals[0].Lines[0].AccountID)
	require.Equal(t, int64(6100), poster.journals[0].Lines[1].AccountID)

	payload.Lines[1].Meta = nil
	err = publisher.Send(context.Background(), payload, EventLog{ID: 2})
	require.ErrorIs(t, err, glconfig.ErrMissingConfiguration)
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("journal sink down")
	var calls []string
	chain := Chain{
		PublisherFunc(func(context.Context, events.Payload, EventLog) error { calls = append(calls, "audit"); return nil }),
		PublisherFunc(func(context.Context, events.Payload, EventLog) error { calls = append(calls, "journal"); return boom }),
		PublisherFunc(func(context.Context, events.Payload, EventLog) error { calls = append(calls, "late"); return nil }),
	}
	require.ErrorIs(t, chain.Send(context.Background(), events.Payload{}, EventLog{}), boom)
	require.Equal(t, []string{"audit", "journal"}, calls)
}

type failingAudit struct{ calls int }

func (f *failingAudit) Record(context.Context, shared.AuditLog) error {
	f.calls++
	return errors.New("audit table locked")
}

func TestAuditPublisherSwallowsStorageErrors(t *testing.T) {
	audit := &failingAudit{}
	publisher := NewAuditPublisher(quietLogger(), audit)
	require.NoError(t, publisher.Send(context.Background(), deliveryPayload(t, "1", 1, 1), EventLog{ID: 9}))
	require.Equal(t, 1, audit.calls)
}

func TestDispatchInsideTransactionEnqueuesAfterCommit(t *testing.T) {
	h := newHarness(t)
	beginner := &fakeBeginner{}

	err := db.WithTx(context.Background(), beginner, func(ctx context.Context, _ pgx.Tx) error {
		_, err := h.bus.Dispatch(ctx, deliveryPayload(t, "1", 5, 5))
		require.NoError(t, err)
		require.Empty(t, h.queue.ids)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, h.queue.ids, 1)

	h.queue.drain()
	rollback := errors.New("document save failed")
	err = db.WithTx(context.Background(), beginner, func(ctx context.Context, _ pgx.Tx) error {
		_, err := h.bus.Dispatch(ctx, deliveryPayload(t, "1", 5, 5))
		require.NoError(t, err)
		return rollback
	})
	require.ErrorIs(t, err, rollback)
	require.Empty(t, h.queue.ids)
	require.True(t, beginner.tx.rolledBack)
}

func TestResubmit(t *testing.T) {
	h := newHarness(t)
	log, err := h.bus.Dispatch(context.Background(), deliveryPayload(t, "1", 5, 5))
	require.NoError(t, err)
	h.queue.drain()
	require.Error(t, h.dispatcher.Run(context.Background(), log.ID))
	require.Equal(t, StatusFailed, h.repo.status(log.ID))

	resubmitted, err := h.bus.Resubmit(context.Background(), log.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, resubmitted.Status)
	require.Equal(t, StatusQueued, h.repo.status(log.ID))
	require.Equal(t, []int64{log.ID}, h.queue.drain())

	h.configure(events.CodeSalesDelivery, nil,
		glconfig.Mapping{Role: "cogs", AccountID: 5100},
		glconfig.Mapping{Role: "inventory", AccountID: 1400})
	require.NoError(t, h.dispatcher.Run(context.Background(), log.ID))

	_, err = h.bus.Resubmit(context.Background(), log.ID)
	require.ErrorIs(t, err, ErrAlreadySent)
	_, err = h.bus.Resubmit(context.Background(), 999)
	require.ErrorIs(t, err, ErrLogNotFound)
}

func TestSweepStaleRequeuesOnlyOldQueuedLogs(t *testing.T) {
	h := newHarness(t)
	stale, err := h.bus.Dispatch(context.Background(), deliveryPayload(t, "1", 5, 5))
	require.NoError(t, err)
	h.repo.now = h.repo.now.Add(time.Hour)
	fresh, err := h.bus.Dispatch(context.Background(), deliveryPayload(t, "1", 6, 6))
	require.NoError(t, err)
	h.queue.drain()

	n, err := h.bus.SweepStale(context.Background(), h.repo.now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int64{stale.ID}, h.queue.drain())
	require.NotEqual(t, stale.ID, fresh.ID)
}

func TestPostingInputCarriesHeader(t *testing.T) {
	configs := &configRepo{}
	_, _ = configs.Upsert(context.Background(), glconfig.Configuration{
		EventCode: events.CodeSalesDelivery, CompanyID: 1, IsActive: true,
		Mappings: []glconfig.Mapping{{Role: "cogs", AccountID: 1}, {Role: "inventory", AccountID: 2}},
	})
	publisher := NewJournalPublisher(glconfig.NewFallbackResolver(configs), &memoryPoster{}, quietLogger())
	input, err := publisher.BuildPosting(context.Background(), deliveryPayload(t, "2", 3, 3), 77)
	require.NoError(t, err)
	require.Equal(t, SourceModule, input.SourceModule)
	require.Equal(t, SourceRef(77), input.SourceID)
	require.Equal(t, "sales.delivery DO-0031", input.Memo)
	require.Equal(t, int64(5), *input.PostedBy)
	require.True(t, input.Lines[0].DebitBase.Equal(decimal.NewFromInt(6)))
	require.NoError(t, input.Validate())
	require.IsType(t, accounting.PostingInput{}, input)
}
