package accounting

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/httpx"
)

// JournalReader loads posted journals.
type JournalReader interface {
	GetJournalWithLines(ctx context.Context, entryID int64) (JournalEntry, error)
}

// Handler wires finance ledger endpoints.
type Handler struct {
	logger *slog.Logger
	reader JournalReader
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, reader JournalReader) *Handler {
	return &Handler{logger: logger, reader: reader}
}

// MountRoutes registers HTTP routes for the ledger module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/finance/journals/{id}", h.getJournal)
}

type journalLineView struct {
	AccountID  int64  `json:"account_id"`
	Role       string `json:"role,omitempty"`
	Debit      string `json:"debit"`
	Credit     string `json:"credit"`
	DebitBase  string `json:"debit_base"`
	CreditBase string `json:"credit_base"`
}

type journalView struct {
	ID             int64             `json:"id"`
	Number         int64             `json:"number"`
	PeriodID       int64             `json:"period_id"`
	Date           string            `json:"date"`
	CompanyID      int64             `json:"company_id"`
	BranchID       *int64            `json:"branch_id"`
	SourceModule   string            `json:"source_module"`
	SourceID       string            `json:"source_id"`
	DocumentType   string            `json:"document_type"`
	DocumentID     *int64            `json:"document_id"`
	DocumentNumber string            `json:"document_number,omitempty"`
	CurrencyCode   string            `json:"currency_code"`
	ExchangeRate   string            `json:"exchange_rate"`
	Status         JournalStatus     `json:"status"`
	Lines          []journalLineView `json:"lines"`
}

func (h *Handler) getJournal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "journal id must be a positive integer")
		return
	}
	entry, err := h.reader.GetJournalWithLines(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrJournalNotFound) {
			httpx.RespondError(w, httpx.Mark(err, httpx.ErrNotFound))
			return
		}
		h.logger.Error("load journal", slog.Int64("journal_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	view := journalView{
		ID:             entry.ID,
		Number:         entry.Number,
		PeriodID:       entry.PeriodID,
		Date:           entry.Date.Format(time.DateOnly),
		CompanyID:      entry.CompanyID,
		BranchID:       entry.BranchID,
		SourceModule:   entry.SourceModule,
		SourceID:       entry.SourceID.String(),
		DocumentType:   entry.DocumentType,
		DocumentID:     entry.DocumentID,
		DocumentNumber: entry.DocumentNumber,
		CurrencyCode:   entry.CurrencyCode,
		ExchangeRate:   entry.ExchangeRate.String(),
		Status:         entry.Status,
		Lines:          make([]journalLineView, 0, len(entry.Lines)),
	}
	for _, line := range entry.Lines {
		view.Lines = append(view.Lines, journalLineView{
			AccountID:  line.AccountID,
			Role:       line.Role,
			Debit:      line.Debit.StringFixed(6),
			Credit:     line.Credit.StringFixed(6),
			DebitBase:  line.DebitBase.StringFixed(6),
			CreditBase: line.CreditBase.StringFixed(6),
		})
	}
	httpx.JSON(w, http.StatusOK, view)
}
