package posting

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/httpx"
)

// Resubmitter re-enqueues an event log. *Bus satisfies it.
type Resubmitter interface {
	Resubmit(ctx context.Context, id int64) (EventLog, error)
}

// Handler exposes event logs to operators.
type Handler struct {
	logger *slog.Logger
	repo   Repository
	bus    Resubmitter
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, repo Repository, bus Resubmitter) *Handler {
	return &Handler{logger: logger, repo: repo, bus: bus}
}

// MountRoutes registers the event log routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/accounting/events", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.With(httprate.LimitByIP(30, time.Minute)).Post("/{id}/resubmit", h.resubmit)
	})
}

type logView struct {
	ID             int64       `json:"id"`
	EventCode      events.Code `json:"event_code"`
	CompanyID      int64       `json:"company_id"`
	BranchID       *int64      `json:"branch_id"`
	DocumentType   string      `json:"document_type"`
	DocumentID     *int64      `json:"document_id"`
	DocumentNumber string      `json:"document_number,omitempty"`
	CurrencyCode   string      `json:"currency_code"`
	ExchangeRate   string      `json:"exchange_rate"`
	Status         Status      `json:"status"`
	Attempts       int         `json:"attempts"`
	DispatchedAt   *time.Time  `json:"dispatched_at"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Payload        any         `json:"payload,omitempty"`
}

func toView(l EventLog, withPayload bool) logView {
	v := logView{
		ID:             l.ID,
		EventCode:      l.EventCode,
		CompanyID:      l.CompanyID,
		BranchID:       l.BranchID,
		DocumentType:   l.DocumentType,
		DocumentID:     l.DocumentID,
		DocumentNumber: l.DocumentNumber,
		CurrencyCode:   l.CurrencyCode,
		ExchangeRate:   l.ExchangeRate.String(),
		Status:         l.Status,
		Attempts:       l.Attempts,
		DispatchedAt:   l.DispatchedAt,
		ErrorMessage:   l.ErrorMessage,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
	if withPayload && len(l.Payload) > 0 {
		v.Payload = l.Payload
	}
	return v
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status")), EventCode: events.Code(q.Get("event_code"))}
	if filter.Status != "" && !filter.Status.IsValid() {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Status", "status must be queued, sent or failed")
		return
	}
	for key, target := range map[string]*int64{"company_id": &filter.CompanyID, "before_id": &filter.BeforeID} {
		if raw := q.Get(key); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v <= 0 {
				httpx.Problem(w, http.StatusBadRequest, "Invalid Parameter", key+" must be a positive integer")
				return
			}
			*target = v
		}
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Parameter", "limit must be a positive integer")
			return
		}
		filter.Limit = v
	}
	logs, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list accounting events", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]logView, 0, len(logs))
	for _, l := range logs {
		out = append(out, toView(l, false))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	l, err := h.repo.Get(r.Context(), id)
	if err != nil {
		h.respond(w, id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(l, true))
}

func (h *Handler) resubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	l, err := h.bus.Resubmit(r.Context(), id)
	if err != nil {
		h.respond(w, id, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, toView(l, false))
}

func (h *Handler) respond(w http.ResponseWriter, id int64, err error) {
	switch {
	case errors.Is(err, ErrLogNotFound):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrNotFound))
	case errors.Is(err, ErrAlreadySent):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrConflict))
	default:
		h.logger.Error("accounting event request failed", slog.Int64("log_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive integer")
		return 0, false
	}
	return id, true
}
