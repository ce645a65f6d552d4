package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-posting/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	FindOpenPeriod(ctx context.Context, date time.Time) (Period, error)
	InsertJournalEntry(ctx context.Context, periodID int64, in PostingInput) (JournalEntry, error)
	InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) error
	LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service writes balanced journals.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostJournal validates and persists a journal header, its lines and its
// source link in one transaction. A second posting for the same source fails
// with ErrSourceAlreadyLinked and writes nothing.
func (s *Service) PostJournal(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := tx.FindOpenPeriod(ctx, input.Date)
		if err != nil {
			return err
		}
		if period.Status != PeriodStatusOpen || !period.Covers(input.Date) {
			return ErrInvalidPeriod
		}
		inserted, err := tx.InsertJournalEntry(ctx, period.ID, input)
		if err != nil {
			return err
		}
		if err := tx.InsertJournalLines(ctx, inserted.ID, input.Lines); err != nil {
			return err
		}
		if err := tx.LinkSource(ctx, input.SourceModule, input.SourceID, inserted.ID); err != nil {
			if errors.Is(err, ErrSourceConflict) {
				return ErrSourceAlreadyLinked
			}
			return err
		}
		inserted.Lines = toJournalLines(inserted.ID, input.Lines)
		entry = inserted
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.logger.Info("journal posted",
		slog.Int64("journal_id", entry.ID),
		slog.Int64("number", entry.Number),
		slog.String("source_module", input.SourceModule),
		slog.String("source_id", input.SourceID.String()),
		slog.Int("lines", len(entry.Lines)))
	if s.audit != nil {
		var actor int64
		if input.PostedBy != nil {
			actor = *input.PostedBy
		}
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor,
			Action:   "journal.post",
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entry.ID),
			Meta: map[string]any{
				"number":        entry.Number,
				"source_module": input.SourceModule,
				"source_id":     input.SourceID.String(),
			},
			At: s.now(),
		})
	}
	return entry, nil
}

func toJournalLines(entryID int64, lines []PostingLineInput) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, JournalLine{
			JournalID:    entryID,
			AccountID:    line.AccountID,
			Role:         line.Role,
			Debit:        line.Debit,
			Credit:       line.Credit,
			DebitBase:    line.DebitBase,
			CreditBase:   line.CreditBase,
			DimCompanyID: line.CompanyID,
			DimBranchID:  line.BranchID,
		})
	}
	return out
}
