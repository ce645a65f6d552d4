package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/glconfig"
)

// SourceModule tags journals written from accounting events.
const SourceModule = "ACCOUNTING_EVENT"

// SourceRef is the deterministic source id of the journal for an event log.
// The ledger's unique source link on it keeps re-delivered tasks from
// writing a second journal.
func SourceRef(logID int64) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%d", SourceModule, logID)))
}

// JournalPoster writes one balanced journal atomically.
type JournalPoster interface {
	PostJournal(ctx context.Context, input accounting.PostingInput) (accounting.JournalEntry, error)
}

// JournalPublisher resolves every line to an account and writes one journal
// per payload.
type JournalPublisher struct {
	resolver glconfig.Resolver
	poster   JournalPoster
	logger   *slog.Logger
}

// NewJournalPublisher constructs JournalPublisher.
func NewJournalPublisher(resolver glconfig.Resolver, poster JournalPoster, logger *slog.Logger) *JournalPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalPublisher{resolver: resolver, poster: poster, logger: logger}
}

// Send implements Publisher.
func (p *JournalPublisher) Send(ctx context.Context, payload events.Payload, log EventLog) error {
	input, err := p.BuildPosting(ctx, payload, log.ID)
	if err != nil {
		return err
	}
	entry, err := p.poster.PostJournal(ctx, input)
	if err != nil {
		if errors.Is(err, accounting.ErrSourceAlreadyLinked) {
			p.logger.Info("journal already written for accounting event", slog.Int64("log_id", log.ID))
			return nil
		}
		return err
	}
	p.logger.Debug("journal written for accounting event", slog.Int64("log_id", log.ID), slog.Int64("journal_id", entry.ID))
	return nil
}

// BuildPosting maps a payload to a journal posting. A line's meta account_id
// wins over role mapping; the GL configuration is resolved only when some
// line needs it.
func (p *JournalPublisher) BuildPosting(ctx context.Context, payload events.Payload, logID int64) (accounting.PostingInput, error) {
	var cfg *glconfig.Configuration
	rate := payload.ExchangeRate
	lines := make([]accounting.PostingLineInput, 0, len(payload.Lines))
	for _, entry := range payload.Lines {
		accountID, ok := entry.AccountOverride()
		if !ok {
			if cfg == nil {
				resolved, err := p.resolver.Resolve(ctx, payload.Code, payload.CompanyID, payload.BranchID)
				if err != nil {
					return accounting.PostingInput{}, err
				}
				cfg = &resolved
			}
			mapped, err := cfg.AccountFor(entry.Role)
			if err != nil {
				return accounting.PostingInput{}, err
			}
			accountID = mapped
		}
		base := entry.Amount.Mul(rate).Round(events.AmountScale)
		line := accounting.PostingLineInput{
			AccountID: accountID,
			Role:      entry.Role,
			CompanyID: &payload.CompanyID,
			BranchID:  payload.BranchID,
		}
		if entry.Direction == events.Debit {
			line.Debit, line.DebitBase = entry.Amount, base
		} else {
			line.Credit, line.CreditBase = entry.Amount, base
		}
		lines = append(lines, line)
	}
	memo := string(payload.Code)
	if payload.DocumentNumber != "" {
		memo += " " + payload.DocumentNumber
	}
	return accounting.PostingInput{
		Date:           payload.OccurredAt,
		CompanyID:      payload.CompanyID,
		BranchID:       payload.BranchID,
		SourceModule:   SourceModule,
		SourceID:       SourceRef(logID),
		DocumentType:   payload.DocumentType,
		DocumentID:     payload.DocumentID,
		DocumentNumber: payload.DocumentNumber,
		CurrencyCode:   payload.CurrencyCode,
		ExchangeRate:   rate,
		Memo:           memo,
		PostedBy:       payload.ActorID,
		Lines:          lines,
	}, nil
}
