package events

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Code enumerates the business occurrences that produce ledger postings.
type Code string

const (
	CodeGoodsReceived         Code = "purchase.goods_received"
	CodePurchaseInvoicePosted Code = "purchase.invoice_posted"
	CodePurchaseInvoiceVoided Code = "purchase.invoice_voided"
	CodePurchasePayment       Code = "purchase.payment"
	CodePurchaseReturn        Code = "purchase.return"
	CodeSalesInvoicePosted    Code = "sales.invoice_posted"
	CodeSalesDelivery         Code = "sales.delivery"
	CodeSalesPayment          Code = "sales.payment"
	CodeSalesReturn           Code = "sales.return"
	CodeInventoryAdjustment   Code = "inventory.adjustment"
	CodeInventoryTransfer     Code = "inventory.transfer"
	CodeWorkOrderCompleted    Code = "manufacturing.work_order_completed"
	CodeBookingConfirmed      Code = "booking.confirmed"
)

var knownCodes = map[Code]struct{}{
	CodeGoodsReceived:         {},
	CodePurchaseInvoicePosted: {},
	CodePurchaseInvoiceVoided: {},
	CodePurchasePayment:       {},
	CodePurchaseReturn:        {},
	CodeSalesInvoicePosted:    {},
	CodeSalesDelivery:         {},
	CodeSalesPayment:          {},
	CodeSalesReturn:           {},
	CodeInventoryAdjustment:   {},
	CodeInventoryTransfer:     {},
	CodeWorkOrderCompleted:    {},
	CodeBookingConfirmed:      {},
}

// IsValid reports whether the code belongs to the enumeration.
func (c Code) IsValid() bool {
	_, ok := knownCodes[c]
	return ok
}

func (c Code) String() string {
	return string(c)
}

// ParseCode validates a raw event code.
func ParseCode(raw string) (Code, error) {
	code := Code(strings.TrimSpace(raw))
	if !code.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCode, raw)
	}
	return code, nil
}

// Direction marks a line as a debit or a credit.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// IsValid reports whether d is Debit or Credit.
func (d Direction) IsValid() bool {
	return d == Debit || d == Credit
}

// MetaAccountID is the line meta key that pins a concrete ledger account and
// bypasses role resolution.
const MetaAccountID = "account_id"

// AmountScale is the number of decimal places kept for line amounts.
const AmountScale = 6

// Tolerance is the largest debit/credit difference still considered balanced.
var Tolerance = decimal.New(1, -4)

var (
	// ErrImbalance indicates total debits differ from total credits.
	ErrImbalance = errors.New("events: accounting imbalance")
	// ErrNonPositiveAmount indicates a zero or negative line amount.
	ErrNonPositiveAmount = errors.New("events: line amount must be positive")
	// ErrAmountPrecision indicates a line amount with more than AmountScale decimals.
	ErrAmountPrecision = errors.New("events: line amount exceeds stored precision")
	// ErrRoleRequired indicates a line without an account role.
	ErrRoleRequired = errors.New("events: line role required")
	// ErrInvalidDirection indicates a direction other than debit or credit.
	ErrInvalidDirection = errors.New("events: invalid line direction")
	// ErrUnknownCode indicates an event code outside the enumeration.
	ErrUnknownCode = errors.New("events: unknown event code")
	// ErrCorruptPayload indicates a stored payload that cannot be trusted.
	ErrCorruptPayload = errors.New("events: corrupt payload")
)

// ImbalanceError reports the totals of an unbalanced payload.
type ImbalanceError struct {
	Code   Code
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

func (e *ImbalanceError) Error() string {
	return fmt.Sprintf("events: accounting imbalance for %s: debit %s credit %s",
		e.Code, e.Debit.StringFixed(AmountScale), e.Credit.StringFixed(AmountScale))
}

// Unwrap exposes ErrImbalance.
func (e *ImbalanceError) Unwrap() error {
	return ErrImbalance
}

// Entry is a single debit or credit against an abstract account role.
type Entry struct {
	Role      string
	Direction Direction
	Amount    decimal.Decimal
	Meta      map[string]any
}

// NewEntry validates and normalises a ledger line.
func NewEntry(role string, direction Direction, amount decimal.Decimal, meta map[string]any) (Entry, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return Entry{}, ErrRoleRequired
	}
	if !direction.IsValid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
	amount = amount.Round(AmountScale)
	if !amount.IsPositive() {
		return Entry{}, fmt.Errorf("%w: %s %s", ErrNonPositiveAmount, role, amount.String())
	}
	return Entry{Role: role, Direction: direction, Amount: amount, Meta: copyMeta(meta)}, nil
}

// AccountOverride returns the account pinned through MetaAccountID.
func (e Entry) AccountOverride() (int64, bool) {
	raw, ok := e.Meta[MetaAccountID]
	if !ok || raw == nil {
		return 0, false
	}
	var id int64
	switch v := raw.(type) {
	case int64:
		id = v
	case int:
		id = int64(v)
	case int32:
		id = int64(v)
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		id = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		id = parsed
	case interface{ Int64() (int64, error) }:
		parsed, err := v.Int64()
		if err != nil {
			return 0, false
		}
		id = parsed
	default:
		return 0, false
	}
	if id <= 0 {
		return 0, false
	}
	return id, true
}

// Header carries the document context shared by every line of a payload.
type Header struct {
	Code           Code            `validate:"required"`
	CompanyID      int64           `validate:"gt=0"`
	BranchID       *int64          `validate:"omitempty,gt=0"`
	DocumentType   string          `validate:"required"`
	DocumentID     *int64          `validate:"omitempty,gt=0"`
	DocumentNumber string          `validate:"max=64"`
	CurrencyCode   string          `validate:"required,len=3"`
	ExchangeRate   decimal.Decimal `validate:"gt=0"`
	OccurredAt     time.Time       `validate:"required"`
	ActorID        *int64          `validate:"omitempty,gt=0"`
	Meta           map[string]any
}

// Totals sums each side of a payload.
type Totals struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

// Payload is one business occurrence ready to be posted to the ledger.
type Payload struct {
	Header
	Lines []Entry
}

// Totals sums debit and credit lines.
func (p Payload) Totals() Totals {
	totals := Totals{Debit: decimal.Zero, Credit: decimal.Zero}
	for _, line := range p.Lines {
		switch line.Direction {
		case Debit:
			totals.Debit = totals.Debit.Add(line.Amount)
		case Credit:
			totals.Credit = totals.Credit.Add(line.Amount)
		}
	}
	return totals
}

// AssertBalanced fails with an ImbalanceError when the debit and credit totals
// differ by more than Tolerance.
func (p Payload) AssertBalanced() error {
	totals := p.Totals()
	if totals.Debit.Sub(totals.Credit).Abs().GreaterThan(Tolerance) {
		return &ImbalanceError{Code: p.Code, Debit: totals.Debit, Credit: totals.Credit}
	}
	return nil
}

// IsBalanced reports whether AssertBalanced would pass.
func (p Payload) IsBalanced() bool {
	return p.AssertBalanced() == nil
}

func copyMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
