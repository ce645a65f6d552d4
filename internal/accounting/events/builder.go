package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DocumentAttributes describes the document a payload is built for.
type DocumentAttributes struct {
	CompanyID      int64
	BranchID       *int64
	DocumentType   string
	DocumentID     *int64
	DocumentNumber string
	CurrencyCode   string
	ExchangeRate   decimal.Decimal
	OccurredAt     time.Time
	ActorID        *int64
	Meta           map[string]any
}

// Builder accumulates ledger lines against a fixed header. It never checks
// the balance invariant so lines may be composed from several sources before
// the payload is dispatched.
type Builder struct {
	header Header
	lines  []Entry
	err    error
	now    func() time.Time
}

// ForDocument starts a payload for the given event code and document.
func ForDocument(code Code, attrs DocumentAttributes) *Builder {
	rate := attrs.ExchangeRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	b := &Builder{
		header: Header{
			Code:           code,
			CompanyID:      attrs.CompanyID,
			BranchID:       attrs.BranchID,
			DocumentType:   attrs.DocumentType,
			DocumentID:     attrs.DocumentID,
			DocumentNumber: attrs.DocumentNumber,
			CurrencyCode:   attrs.CurrencyCode,
			ExchangeRate:   rate,
			OccurredAt:     attrs.OccurredAt,
			ActorID:        attrs.ActorID,
			Meta:           copyMeta(attrs.Meta),
		},
		now: time.Now,
	}
	if !code.IsValid() {
		b.err = fmt.Errorf("%w: %q", ErrUnknownCode, code)
	}
	return b
}

// WithClock overrides the clock used to default OccurredAt.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	if now != nil {
		b.now = now
	}
	return b
}

// Debit appends a debit line.
func (b *Builder) Debit(role string, amount decimal.Decimal, meta ...map[string]any) *Builder {
	return b.add(role, Debit, amount, meta)
}

// Credit appends a credit line.
func (b *Builder) Credit(role string, amount decimal.Decimal, meta ...map[string]any) *Builder {
	return b.add(role, Credit, amount, meta)
}

// Append adds lines built elsewhere, preserving their order.
func (b *Builder) Append(lines ...Entry) *Builder {
	for _, line := range lines {
		b.add(line.Role, line.Direction, line.Amount, []map[string]any{line.Meta})
	}
	return b
}

// Meta sets a header meta value.
func (b *Builder) Meta(key string, value any) *Builder {
	if b.header.Meta == nil {
		b.header.Meta = make(map[string]any)
	}
	b.header.Meta[key] = value
	return b
}

// Err returns the first construction error recorded so far.
func (b *Builder) Err() error {
	return b.err
}

// Build returns the payload or the first construction error.
func (b *Builder) Build() (Payload, error) {
	if b.err != nil {
		return Payload{}, b.err
	}
	if len(b.lines) == 0 {
		return Payload{}, errors.New("events: payload has no lines")
	}
	header := b.header
	if header.OccurredAt.IsZero() {
		header.OccurredAt = b.now()
	}
	header.Meta = copyMeta(header.Meta)
	lines := make([]Entry, len(b.lines))
	copy(lines, b.lines)
	return Payload{Header: header, Lines: lines}, nil
}

func (b *Builder) add(role string, direction Direction, amount decimal.Decimal, meta []map[string]any) *Builder {
	if b.err != nil {
		return b
	}
	merged := mergeMeta(meta)
	entry, err := NewEntry(role, direction, amount, merged)
	if err != nil {
		b.err = fmt.Errorf("line %d: %w", len(b.lines), err)
		return b
	}
	b.lines = append(b.lines, entry)
	return b
}

func mergeMeta(metas []map[string]any) map[string]any {
	var out map[string]any
	for _, m := range metas {
		for k, v := range m {
			if out == nil {
				out = make(map[string]any, len(m))
			}
			out[k] = v
		}
	}
	return out
}
