package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/posting"
	"github.com/odyssey-erp/odyssey-posting/internal/app"
	"github.com/odyssey-erp/odyssey-posting/internal/observability"
	"github.com/odyssey-erp/odyssey-posting/internal/procurement"
	"github.com/odyssey-erp/odyssey-posting/internal/rbac"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
	"github.com/odyssey-erp/odyssey-posting/internal/workflow"
	"github.com/odyssey-erp/odyssey-posting/jobs"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				return serve(cmd.Context(), rt)
			})
		},
	}
}

func serve(ctx context.Context, rt *app.Runtime) error {
	cfg, logger := rt.Config, rt.Logger

	ledger, err := rt.NewLedger()
	if err != nil {
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("dispatch client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	notifier := workflow.NewNotifier().WithLogger(logger)
	notifier.SubscribeAfterCommit(observability.NewTransitionCounter(metrics.Registerer()))

	rbacService := rbac.NewService(rt.Pool)
	procurementService := procurement.NewService(procurement.ServiceConfig{
		Repository:           procurement.NewRepository(rt.Pool),
		Pool:                 rt.Pool,
		Events:               ledger.Bus,
		Approvals:            shared.NewApprovalRecorder(rt.Pool, logger),
		Authorizer:           rbac.NewAuthorizer(rbacService),
		Notifier:             notifier,
		Audit:                ledger.Audit,
		MakerCheckerEnforced: cfg.MakerCheckerEnforced,
		Logger:               logger,
	})
	rbacMiddleware := rbac.Middleware{Source: rbacService, Logger: logger}

	inspector := asynq.NewInspector(rt.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Database:           rt.Pool,
		AccountingHandler:  accounting.NewHandler(logger, ledger.Journals),
		PostingHandler:     posting.NewHandler(logger, ledger.Events, ledger.Bus),
		ProcurementHandler: procurement.NewHandler(logger, procurementService, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger, cfg.LedgerQueue, jobs.QueueDefault),
		Metrics:            metrics,
		RBAC:               &rbacMiddleware,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
