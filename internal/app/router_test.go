package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting"
	"github.com/odyssey-erp/odyssey-posting/internal/observability"
	"github.com/odyssey-erp/odyssey-posting/internal/rbac"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRouterHealthAndReadiness(t *testing.T) {
	var pingErr error
	router := NewRouter(RouterParams{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:   &Config{AppEnv: "development"},
		Database: pingFunc(func(context.Context) error { return pingErr }),
		Metrics:  observability.NewMetrics(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	pingErr = errors.New("connection refused")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "odyssey_http_requests_total")
}

type missingJournals struct{}

func (missingJournals) GetJournalWithLines(context.Context, int64) (accounting.JournalEntry, error) {
	return accounting.JournalEntry{}, accounting.ErrJournalNotFound
}

type permissionMap map[int64][]string

func (p permissionMap) EffectivePermissions(_ context.Context, userID int64) ([]string, error) {
	return p[userID], nil
}

func TestRouterGuardsLedgerRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := &rbac.Middleware{Source: permissionMap{1: {"ledger.view"}, 2: {"procurement.view"}}}
	router := NewRouter(RouterParams{
		Logger:            logger,
		Config:            &Config{AppEnv: "development"},
		AccountingHandler: accounting.NewHandler(logger, missingJournals{}),
		RBAC:              guard,
	})

	get := func(actor string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/finance/journals/5", nil)
		if actor != "" {
			req.Header.Set(rbac.ActorHeader, actor)
		}
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusUnauthorized, get(""))
	require.Equal(t, http.StatusForbidden, get("2"))
	require.Equal(t, http.StatusNotFound, get("1"))
}
