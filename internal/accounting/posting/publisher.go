package posting

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
)

// Publisher delivers a decoded payload to one sink.
type Publisher interface {
	Send(ctx context.Context, payload events.Payload, log EventLog) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, payload events.Payload, log EventLog) error

// Send calls f.
func (f PublisherFunc) Send(ctx context.Context, payload events.Payload, log EventLog) error {
	return f(ctx, payload, log)
}

// Chain runs publishers in order and stops at the first failure.
type Chain []Publisher

// Send implements Publisher.
func (c Chain) Send(ctx context.Context, payload events.Payload, log EventLog) error {
	for _, p := range c {
		if err := p.Send(ctx, payload, log); err != nil {
			return err
		}
	}
	return nil
}

// AuditRecorder stores audit rows. *shared.AuditLogger satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AuditPublisher writes a structured trace of every payload. Its own storage
// errors are logged and never fail the dispatch.
type AuditPublisher struct {
	logger *slog.Logger
	audit  AuditRecorder
}

// NewAuditPublisher constructs AuditPublisher. audit may be nil.
func NewAuditPublisher(logger *slog.Logger, audit AuditRecorder) *AuditPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditPublisher{logger: logger, audit: audit}
}

// Send implements Publisher.
func (p *AuditPublisher) Send(ctx context.Context, payload events.Payload, log EventLog) error {
	totals := payload.Totals()
	lines := make([]map[string]string, 0, len(payload.Lines))
	for _, l := range payload.Lines {
		lines = append(lines, map[string]string{
			"role":      l.Role,
			"direction": string(l.Direction),
			"amount":    l.Amount.StringFixed(events.AmountScale),
		})
	}
	attrs := []slog.Attr{
		slog.Int64("log_id", log.ID),
		slog.String("event_code", string(payload.Code)),
		slog.Int64("company_id", payload.CompanyID),
		slog.String("document_type", payload.DocumentType),
		slog.String("document_number", payload.DocumentNumber),
		slog.String("currency", payload.CurrencyCode),
		slog.String("exchange_rate", payload.ExchangeRate.String()),
		slog.String("debit", totals.Debit.StringFixed(events.AmountScale)),
		slog.String("credit", totals.Credit.StringFixed(events.AmountScale)),
		slog.Any("lines", lines),
	}
	if payload.BranchID != nil {
		attrs = append(attrs, slog.Int64("branch_id", *payload.BranchID))
	}
	if payload.DocumentID != nil {
		attrs = append(attrs, slog.Int64("document_id", *payload.DocumentID))
	}
	p.logger.LogAttrs(ctx, slog.LevelInfo, "accounting event", attrs...)

	if p.audit == nil {
		return nil
	}
	var actor int64
	if payload.ActorID != nil {
		actor = *payload.ActorID
	}
	meta := map[string]any{
		"event_code":      string(payload.Code),
		"company_id":      payload.CompanyID,
		"document_type":   payload.DocumentType,
		"document_number": payload.DocumentNumber,
		"debit":           totals.Debit.StringFixed(events.AmountScale),
		"credit":          totals.Credit.StringFixed(events.AmountScale),
		"lines":           len(payload.Lines),
	}
	if err := p.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   "accounting_event.dispatch",
		Entity:   "accounting_event_log",
		EntityID: fmt.Sprintf("%d", log.ID),
		Meta:     meta,
	}); err != nil {
		p.logger.Warn("audit record failed", slog.Int64("log_id", log.ID), slog.Any("error", err))
	}
	return nil
}
