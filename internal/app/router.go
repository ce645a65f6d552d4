package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/posting"
	"github.com/odyssey-erp/odyssey-posting/internal/observability"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-posting/internal/procurement"
	"github.com/odyssey-erp/odyssey-posting/internal/rbac"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
	"github.com/odyssey-erp/odyssey-posting/jobs"
)

// Pinger reports whether a backing service is reachable. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Database           Pinger
	AccountingHandler  *accounting.Handler
	PostingHandler     *posting.Handler
	ProcurementHandler *procurement.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
	// RBAC guards the ledger routes. Nil mounts them unguarded.
	RBAC *rbac.Middleware
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if params.Database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.Database.Ping(ctx); err != nil {
				params.Logger.Warn("readiness check", slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "Not Ready", "database unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	guarded := func(perm string, mount func(chi.Router)) {
		if params.RBAC == nil {
			mount(r)
			return
		}
		r.Group(func(r chi.Router) {
			r.Use(params.RBAC.Actor, params.RBAC.RequireAny(perm))
			mount(r)
		})
	}
	if params.AccountingHandler != nil {
		guarded(shared.PermLedgerView, params.AccountingHandler.MountRoutes)
	}
	if params.PostingHandler != nil {
		guarded(shared.PermLedgerManage, params.PostingHandler.MountRoutes)
	}
	if params.ProcurementHandler != nil {
		params.ProcurementHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		params.JobHandler.MountRoutes(r)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
