package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-posting/internal/jobs"
)

const defaultSweepLimit = 500

// StaleSweeper re-enqueues queued logs untouched since olderThan. *posting.Bus
// satisfies it.
type StaleSweeper interface {
	SweepStale(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// LedgerSweepJob recovers logs whose enqueue never happened, e.g. after a
// crash between commit and enqueue.
type LedgerSweepJob struct {
	sweeper    StaleSweeper
	staleAfter time.Duration
	logger     *slog.Logger
	metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// NewLedgerSweepJob constructs the sweep handler.
func NewLedgerSweepJob(sweeper StaleSweeper, staleAfter time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerSweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &LedgerSweepJob{
		sweeper:    sweeper,
		staleAfter: staleAfter,
		logger:     logger.With(slog.String("job", TaskLedgerSweep)),
		metrics:    metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle runs one sweep.
func (j *LedgerSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LedgerSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	return j.Run(ctx, payload.Limit)
}

// Run sweeps at most limit logs.
func (j *LedgerSweepJob) Run(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	tracker := j.metrics.Track(TaskLedgerSweep)
	cutoff := j.clock().Add(-j.staleAfter)
	n, err := j.sweeper.SweepStale(ctx, cutoff, limit)
	if err != nil {
		j.logger.Error("ledger sweep failed", slog.Int("enqueued", n), slog.Any("error", err))
		return tracker.End(err)
	}
	j.logger.Info("ledger sweep finished", slog.Int("enqueued", n), slog.Time("cutoff", cutoff))
	return tracker.End(nil)
}
