package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-posting/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-posting/internal/jobs"
	"github.com/odyssey-erp/odyssey-posting/jobs"
)

const (
	sweepSchedule     = "*/5 * * * *"
	integritySchedule = "30 1 * * *"
	sweepUniqueTTL    = 4 * time.Minute
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Default().Error("worker", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rt, err := app.Open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.Logger

	ledger, err := rt.NewLedger()
	if err != nil {
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("dispatch client close", slog.Any("error", err))
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	dispatcher := rt.NewDispatcher(ledger, metrics)

	dispatchJob := jobs.NewAccountingDispatchJob(dispatcher, logger, metrics)
	sweepJob := jobs.NewLedgerSweepJob(ledger.Bus, rt.Config.LedgerStaleAfter, logger, metrics)
	integrityJob := jobs.NewGLIntegrityJob(ledger.Journals, ledger.Events, logger, metrics)

	sweepTask, err := jobs.NewLedgerSweepTask(0)
	if err != nil {
		return err
	}
	integrityTask, err := jobs.NewGLIntegrityTask(0)
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   rt.AsynqRedis(),
		Logger:      logger,
		Concurrency: rt.Config.WorkerConcurrency,
		Queues:      map[string]int{rt.Config.LedgerQueue: 6},
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAccountingDispatch, Handler: dispatchJob.Handle},
			{Type: jobs.TaskLedgerSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskGLIntegrity, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: sweepSchedule, Task: sweepTask, Options: []asynq.Option{asynq.Unique(sweepUniqueTTL)}},
			{Spec: integritySchedule, Task: integrityTask},
		},
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              rt.Config.WorkerMetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting worker",
			slog.String("ledger_queue", rt.Config.LedgerQueue),
			slog.Int("concurrency", rt.Config.WorkerConcurrency))
		return worker.Run(gctx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
