package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
)

// Outcome labels one dispatcher run.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeMissing Outcome = "missing"
)

// OutcomeRecorder observes dispatcher runs, e.g. for metrics.
type OutcomeRecorder interface {
	RecordPosting(code events.Code, outcome Outcome)
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Repository Repository
	Publisher  Publisher
	Recorder   OutcomeRecorder
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Dispatcher posts one stored event log. It has no retry loop of its own: a
// failure marks the log failed and is returned so the task queue can retry.
type Dispatcher struct {
	repo      Repository
	publisher Publisher
	recorder  OutcomeRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{repo: cfg.Repository, publisher: cfg.Publisher, recorder: cfg.Recorder, logger: logger, now: now}
}

// Run dispatches log id. Missing and already-sent logs are no-ops.
func (d *Dispatcher) Run(ctx context.Context, id int64) error {
	logger := d.logger.With(slog.Int64("log_id", id))
	current, err := d.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrLogNotFound) {
			logger.Warn("accounting event log missing; nothing to dispatch")
			d.record("", OutcomeMissing)
			return nil
		}
		return err
	}
	if current.Status == StatusSent {
		logger.Debug("accounting event already sent")
		d.record(current.EventCode, OutcomeSkipped)
		return nil
	}

	payload, err := events.Decode(current.Payload)
	if err != nil {
		return d.fail(ctx, logger, current, fmt.Errorf("%w: %w", ErrInvalidPayload, err))
	}
	if err := d.publisher.Send(ctx, payload, current); err != nil {
		return d.fail(ctx, logger, current, err)
	}
	if err := d.repo.MarkSent(ctx, id, d.now().UTC()); err != nil {
		return fmt.Errorf("posting: mark log %d sent: %w", id, err)
	}
	logger.Info("accounting event sent", slog.String("event_code", string(current.EventCode)), slog.Int("attempt", current.Attempts+1))
	d.record(current.EventCode, OutcomeSent)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, current EventLog, cause error) error {
	logger.Error("accounting event dispatch failed",
		slog.String("event_code", string(current.EventCode)),
		slog.Int("attempt", current.Attempts+1),
		slog.Any("error", cause))
	d.record(current.EventCode, OutcomeFailed)
	if err := d.repo.MarkFailed(ctx, current.ID, cause.Error()); err != nil {
		return errors.Join(cause, fmt.Errorf("posting: mark log %d failed: %w", current.ID, err))
	}
	return cause
}

func (d *Dispatcher) record(code events.Code, outcome Outcome) {
	if d.recorder != nil {
		d.recorder.RecordPosting(code, outcome)
	}
}
