package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type wireTotals struct {
	Debit  string `json:"debit"`
	Credit string `json:"credit"`
}

type wireLine struct {
	Role      string         `json:"role"`
	Direction Direction      `json:"direction"`
	Amount    string         `json:"amount"`
	Meta      map[string]any `json:"meta"`
}

type wirePayload struct {
	EventCode      Code           `json:"event_code"`
	CompanyID      int64          `json:"company_id"`
	BranchID       *int64         `json:"branch_id"`
	DocumentType   string         `json:"document_type"`
	DocumentID     *int64         `json:"document_id"`
	DocumentNumber *string        `json:"document_number"`
	CurrencyCode   string         `json:"currency_code"`
	ExchangeRate   string         `json:"exchange_rate"`
	OccurredAt     string         `json:"occurred_at"`
	ActorID        *int64         `json:"actor_id"`
	Meta           map[string]any `json:"meta"`
	Totals         wireTotals     `json:"totals"`
	Lines          []wireLine     `json:"lines"`
}

// Encode serialises p into the stored JSON shape. Amounts are fixed-point
// strings with AmountScale decimals.
func Encode(p Payload) ([]byte, error) {
	totals := p.Totals()
	wire := wirePayload{
		EventCode:    p.Code,
		CompanyID:    p.CompanyID,
		BranchID:     p.BranchID,
		DocumentType: p.DocumentType,
		DocumentID:   p.DocumentID,
		CurrencyCode: p.CurrencyCode,
		ExchangeRate: p.ExchangeRate.String(),
		OccurredAt:   p.OccurredAt.UTC().Format(time.RFC3339Nano),
		ActorID:      p.ActorID,
		Meta:         nonNilMeta(p.Meta),
		Totals: wireTotals{
			Debit:  totals.Debit.StringFixed(AmountScale),
			Credit: totals.Credit.StringFixed(AmountScale),
		},
		Lines: make([]wireLine, 0, len(p.Lines)),
	}
	if p.DocumentNumber != "" {
		number := p.DocumentNumber
		wire.DocumentNumber = &number
	}
	for _, line := range p.Lines {
		wire.Lines = append(wire.Lines, wireLine{
			Role:      line.Role,
			Direction: line.Direction,
			Amount:    line.Amount.StringFixed(AmountScale),
			Meta:      nonNilMeta(line.Meta),
		})
	}
	return json.Marshal(wire)
}

// Decode rebuilds a payload from its stored JSON. The stored totals must
// match the line sums. Numeric meta values come back as int64 when integral
// and float64 otherwise.
func Decode(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var wire wirePayload
	if err := dec.Decode(&wire); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	code, err := ParseCode(string(wire.EventCode))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	rate, err := decimal.NewFromString(wire.ExchangeRate)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: exchange rate: %v", ErrCorruptPayload, err)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, wire.OccurredAt)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: occurred_at: %v", ErrCorruptPayload, err)
	}
	p := Payload{
		Header: Header{
			Code:         code,
			CompanyID:    wire.CompanyID,
			BranchID:     wire.BranchID,
			DocumentType: wire.DocumentType,
			DocumentID:   wire.DocumentID,
			CurrencyCode: wire.CurrencyCode,
			ExchangeRate: rate,
			OccurredAt:   occurredAt.UTC(),
			ActorID:      wire.ActorID,
			Meta:         normaliseMeta(wire.Meta),
		},
		Lines: make([]Entry, 0, len(wire.Lines)),
	}
	if wire.DocumentNumber != nil {
		p.DocumentNumber = *wire.DocumentNumber
	}
	for idx, wl := range wire.Lines {
		amount, err := decimal.NewFromString(wl.Amount)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: line %d amount: %v", ErrCorruptPayload, idx, err)
		}
		entry, err := NewEntry(wl.Role, wl.Direction, amount, normaliseMeta(wl.Meta))
		if err != nil {
			return Payload{}, fmt.Errorf("%w: line %d: %v", ErrCorruptPayload, idx, err)
		}
		p.Lines = append(p.Lines, entry)
	}
	if err := checkTotals(p, wire.Totals); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func checkTotals(p Payload, stored wireTotals) error {
	totals := p.Totals()
	debit, err := decimal.NewFromString(stored.Debit)
	if err != nil {
		return fmt.Errorf("%w: totals.debit: %v", ErrCorruptPayload, err)
	}
	credit, err := decimal.NewFromString(stored.Credit)
	if err != nil {
		return fmt.Errorf("%w: totals.credit: %v", ErrCorruptPayload, err)
	}
	if !debit.Equal(totals.Debit) || !credit.Equal(totals.Credit) {
		return fmt.Errorf("%w: stored totals %s/%s differ from lines %s/%s", ErrCorruptPayload,
			stored.Debit, stored.Credit, totals.Debit.StringFixed(AmountScale), totals.Credit.StringFixed(AmountScale))
	}
	return nil
}

func normaliseMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	return normaliseObject(meta)
}

func normaliseObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = normaliseValue(v)
	}
	return out
}

func normaliseValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		return normaliseObject(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normaliseValue(item)
		}
		return out
	default:
		return v
	}
}

func nonNilMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}
