package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/posting"
	jobmetrics "github.com/odyssey-erp/odyssey-posting/internal/jobs"
)

const defaultIntegrityLookbackDays = 35

// JournalScanner lists journals whose base lines do not balance.
type JournalScanner interface {
	ListUnbalancedJournals(ctx context.Context, since time.Time) ([]accounting.JournalImbalance, error)
}

// EventLogCounter counts event logs per status.
type EventLogCounter interface {
	CountByStatus(ctx context.Context) (map[posting.Status]int, error)
}

// GLIntegrityJob checks the ledger for imbalanced journals and reports the
// backlog of failed accounting events.
type GLIntegrityJob struct {
	journals JournalScanner
	logs     EventLogCounter
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewGLIntegrityJob constructs the integrity check handler.
func NewGLIntegrityJob(journals JournalScanner, logs EventLogCounter, logger *slog.Logger, metrics *jobmetrics.Metrics) *GLIntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &GLIntegrityJob{
		journals: journals,
		logs:     logs,
		logger:   logger.With(slog.String("job", TaskGLIntegrity)),
		metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the check.
func (j *GLIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload GLIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.LookbackDays)
	return err
}

// IntegrityReport summarises one check.
type IntegrityReport struct {
	Unbalanced []accounting.JournalImbalance
	Logs       map[posting.Status]int
}

// Run scans journals dated within lookbackDays. Findings are logged as
// warnings; only query failures are returned.
func (j *GLIntegrityJob) Run(ctx context.Context, lookbackDays int) (IntegrityReport, error) {
	if j == nil || j.journals == nil || j.logs == nil {
		return IntegrityReport{}, errors.New("gl integrity: handler not configured")
	}
	if lookbackDays <= 0 {
		lookbackDays = defaultIntegrityLookbackDays
	}
	tracker := j.metrics.Track(TaskGLIntegrity)
	since := j.clock().AddDate(0, 0, -lookbackDays)

	candidates, err := j.journals.ListUnbalancedJournals(ctx, since)
	if err != nil {
		return IntegrityReport{}, tracker.End(fmt.Errorf("gl integrity: scan journals: %w", err))
	}
	var unbalanced []accounting.JournalImbalance
	for _, candidate := range candidates {
		if candidate.Exceeded() {
			unbalanced = append(unbalanced, candidate)
		}
	}
	counts, err := j.logs.CountByStatus(ctx)
	if err != nil {
		return IntegrityReport{}, tracker.End(fmt.Errorf("gl integrity: count event logs: %w", err))
	}

	for _, imbalance := range unbalanced {
		j.logger.Warn("unbalanced journal",
			slog.Int64("journal_id", imbalance.JournalID),
			slog.String("exchange_rate", imbalance.ExchangeRate.String()),
			slog.String("debit_base", imbalance.DebitBase.StringFixed(events.AmountScale)),
			slog.String("credit_base", imbalance.CreditBase.StringFixed(events.AmountScale)))
	}
	if failed := counts[posting.StatusFailed]; failed > 0 {
		j.logger.Warn("accounting events awaiting resubmission", slog.Int("failed", failed))
	}
	j.metrics.SetUnbalancedJournals(len(unbalanced))
	j.metrics.SetEventLogs(counts)
	j.logger.Info("GL integrity check executed",
		slog.Time("since", since),
		slog.Int("unbalanced", len(unbalanced)),
		slog.Int("queued", counts[posting.StatusQueued]),
		slog.Int("failed", counts[posting.StatusFailed]))
	return IntegrityReport{Unbalanced: unbalanced, Logs: counts}, tracker.End(nil)
}
