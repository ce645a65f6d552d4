// Package posting turns accounting event payloads into durable event logs and
// dispatches them to the ledger asynchronously.
package posting

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
)

// Status enumerates event log states.
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusFailed:
		return true
	}
	return false
}

var (
	// ErrLogNotFound indicates the event log id does not exist.
	ErrLogNotFound = errors.New("posting: event log not found")
	// ErrAlreadySent indicates the event log was already posted.
	ErrAlreadySent = errors.New("posting: event log already sent")
	// ErrInvalidPayload indicates the stored payload cannot be decoded.
	ErrInvalidPayload = errors.New("posting: invalid stored payload")
)

// maxErrorMessage bounds the stored failure text.
const maxErrorMessage = 2000

// EventLog is the durable record of one dispatched payload.
type EventLog struct {
	ID             int64
	EventCode      events.Code
	CompanyID      int64
	BranchID       *int64
	DocumentType   string
	DocumentID     *int64
	DocumentNumber string
	CurrencyCode   string
	ExchangeRate   decimal.Decimal
	Status         Status
	Attempts       int
	Payload        json.RawMessage
	DispatchedAt   *time.Time
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func newEventLog(p events.Payload, encoded []byte) EventLog {
	return EventLog{
		EventCode:      p.Code,
		CompanyID:      p.CompanyID,
		BranchID:       p.BranchID,
		DocumentType:   p.DocumentType,
		DocumentID:     p.DocumentID,
		DocumentNumber: p.DocumentNumber,
		CurrencyCode:   p.CurrencyCode,
		ExchangeRate:   p.ExchangeRate,
		Status:         StatusQueued,
		Payload:        encoded,
	}
}

// ListFilter narrows List results. Zero values are ignored.
type ListFilter struct {
	Status    Status
	CompanyID int64
	EventCode events.Code
	BeforeID  int64
	Limit     int
}

func truncateMessage(msg string) string {
	if len(msg) <= maxErrorMessage {
		return msg
	}
	return strings.ToValidUTF8(msg[:maxErrorMessage], "")
}
