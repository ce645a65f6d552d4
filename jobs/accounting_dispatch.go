package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-posting/internal/jobs"
)

// DispatchRunner posts a stored accounting event log. *posting.Dispatcher
// satisfies it.
type DispatchRunner interface {
	Run(ctx context.Context, logID int64) error
}

// AccountingDispatchJob adapts the dispatcher to asynq.
type AccountingDispatchJob struct {
	runner  DispatchRunner
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewAccountingDispatchJob constructs the dispatch task handler.
func NewAccountingDispatchJob(runner DispatchRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *AccountingDispatchJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountingDispatchJob{runner: runner, logger: logger.With(slog.String("job", TaskAccountingDispatch)), metrics: metrics}
}

// Handle runs one dispatch. Dispatcher errors are returned so asynq retries
// with backoff; only an undecodable task payload skips retry.
func (j *AccountingDispatchJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.runner == nil {
		return errors.New("accounting dispatch: handler not configured")
	}
	var payload AccountingDispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.LogID <= 0 {
		j.logger.Error("discarding malformed dispatch task", slog.String("payload", string(t.Payload())))
		return fmt.Errorf("accounting dispatch: malformed payload: %w", asynq.SkipRetry)
	}
	tracker := j.metrics.Track(TaskAccountingDispatch)
	if err := j.runner.Run(ctx, payload.LogID); err != nil {
		retry, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		j.logger.Warn("dispatch attempt failed",
			slog.Int64("log_id", payload.LogID),
			slog.Int("retry", retry),
			slog.Int("max_retry", maxRetry),
			slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(nil)
}
