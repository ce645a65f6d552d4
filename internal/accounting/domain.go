package accounting

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
)

// PeriodStatus enumerates valid period states.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
	PeriodStatusLocked PeriodStatus = "LOCKED"
)

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	JournalStatusPosted JournalStatus = "POSTED"
	JournalStatusVoid   JournalStatus = "VOID"
)

// Period represents a fiscal period window.
type Period struct {
	ID        int64
	Code      string
	StartDate time.Time
	EndDate   time.Time
	Status    PeriodStatus
}

// Covers reports whether date falls inside the period, inclusive of both ends.
func (p Period) Covers(date time.Time) bool {
	day := date.UTC().Truncate(24 * time.Hour)
	return !day.Before(p.StartDate.UTC().Truncate(24*time.Hour)) && !day.After(p.EndDate.UTC().Truncate(24*time.Hour))
}

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID             int64
	Number         int64
	PeriodID       int64
	Date           time.Time
	CompanyID      int64
	BranchID       *int64
	SourceModule   string
	SourceID       uuid.UUID
	DocumentType   string
	DocumentID     *int64
	DocumentNumber string
	CurrencyCode   string
	ExchangeRate   decimal.Decimal
	Memo           string
	PostedBy       *int64
	PostedAt       time.Time
	Status         JournalStatus
	Lines          []JournalLine
}

// JournalLine stores the transaction and base currency amounts of one account.
type JournalLine struct {
	ID           int64
	JournalID    int64
	AccountID    int64
	Role         string
	Debit        decimal.Decimal
	Credit       decimal.Decimal
	DebitBase    decimal.Decimal
	CreditBase   decimal.Decimal
	DimCompanyID *int64
	DimBranchID  *int64
}

// PostingLineInput describes a journal line for posting request.
type PostingLineInput struct {
	AccountID  int64
	Role       string
	Debit      decimal.Decimal
	Credit     decimal.Decimal
	DebitBase  decimal.Decimal
	CreditBase decimal.Decimal
	CompanyID  *int64
	BranchID   *int64
}

// PostingInput groups fields required to create a journal entry. The period is
// looked up from Date.
type PostingInput struct {
	Date           time.Time
	CompanyID      int64
	BranchID       *int64
	SourceModule   string
	SourceID       uuid.UUID
	DocumentType   string
	DocumentID     *int64
	DocumentNumber string
	CurrencyCode   string
	ExchangeRate   decimal.Decimal
	Memo           string
	PostedBy       *int64
	Lines          []PostingLineInput
}

// JournalImbalance is a posted journal whose base columns do not net to zero.
type JournalImbalance struct {
	JournalID    int64
	Number       int64
	ExchangeRate decimal.Decimal
	DebitBase    decimal.Decimal
	CreditBase   decimal.Decimal
}

// Exceeded reports whether the base difference is larger than the writer
// would have accepted at the journal's exchange rate.
func (j JournalImbalance) Exceeded() bool {
	return j.DebitBase.Sub(j.CreditBase).Abs().GreaterThan(BaseTolerance(j.ExchangeRate))
}

// BaseTolerance is the largest base-currency difference accepted for a journal
// posted at rate. Per-line rounding of converted amounts leaves a residue that
// grows with the rate.
func BaseTolerance(rate decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if !rate.IsPositive() {
		rate = one
	}
	return events.Tolerance.Mul(decimal.Max(rate, one))
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("accounting: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("accounting: journal requires at least two lines")
	// ErrInvalidPeriod indicates no open period covers the journal date.
	ErrInvalidPeriod = errors.New("accounting: period is not open")
	// ErrSourceAlreadyLinked indicates idempotency conflict.
	ErrSourceAlreadyLinked = errors.New("accounting: source already linked")
	// ErrSourceConflict is the repository-level unique violation on source_links.
	ErrSourceConflict = errors.New("accounting: source link conflict")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = errors.New("accounting: journal entry not found")
)

// Validate ensures posting input meets minimum criteria. Transaction amounts
// must balance within events.Tolerance; base amounts within the tolerance
// scaled by the exchange rate.
func (in PostingInput) Validate() error {
	if in.CompanyID <= 0 {
		return errors.New("accounting: company required")
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	var debit, credit, debitBase, creditBase decimal.Decimal
	for idx, line := range in.Lines {
		if line.AccountID <= 0 {
			return fmt.Errorf("accounting: line %d missing account", idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() || line.DebitBase.IsNegative() || line.CreditBase.IsNegative() {
			return fmt.Errorf("accounting: line %d negative amount", idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("accounting: line %d cannot be both debit and credit", idx)
		}
		if line.Debit.IsZero() && line.Credit.IsZero() {
			return fmt.Errorf("accounting: line %d has no amount", idx)
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
		debitBase = debitBase.Add(line.DebitBase)
		creditBase = creditBase.Add(line.CreditBase)
	}
	if debit.Sub(credit).Abs().GreaterThan(events.Tolerance) {
		return fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit.StringFixed(events.AmountScale), credit.StringFixed(events.AmountScale))
	}
	if debitBase.Sub(creditBase).Abs().GreaterThan(BaseTolerance(in.ExchangeRate)) {
		return fmt.Errorf("%w: base debit %s credit %s", ErrUnbalanced, debitBase.StringFixed(events.AmountScale), creditBase.StringFixed(events.AmountScale))
	}
	if in.SourceModule == "" {
		return errors.New("accounting: source module required")
	}
	if in.SourceID == uuid.Nil {
		return errors.New("accounting: source id required")
	}
	return nil
}
