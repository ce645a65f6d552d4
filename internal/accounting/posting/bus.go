package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
)

// TaskQueue enqueues dispatch tasks keyed only by log id. Delivery is
// at-least-once; retry and backoff belong to the queue.
type TaskQueue interface {
	EnqueueDispatch(ctx context.Context, logID int64) error
}

// Bus is the front door for accounting events.
type Bus struct {
	repo   Repository
	queue  TaskQueue
	logger *slog.Logger
}

// NewBus constructs a Bus.
func NewBus(repo Repository, queue TaskQueue, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{repo: repo, queue: queue, logger: logger}
}

// Dispatch rejects unbalanced or malformed payloads before anything is
// written, then records a queued log and schedules its dispatch.
//
// When ctx carries a transaction the log is written through it and the task
// is enqueued only after that transaction commits. An enqueue failure is
// logged, not returned: the log is durable and the stale-queue sweep picks it
// up.
func (b *Bus) Dispatch(ctx context.Context, payload events.Payload) (EventLog, error) {
	if err := payload.AssertBalanced(); err != nil {
		return EventLog{}, err
	}
	if err := events.Validate(payload); err != nil {
		return EventLog{}, err
	}
	encoded, err := events.Encode(payload)
	if err != nil {
		return EventLog{}, err
	}
	created, err := b.repo.Create(ctx, newEventLog(payload, encoded))
	if err != nil {
		return EventLog{}, err
	}
	b.logger.Info("accounting event queued",
		slog.Int64("log_id", created.ID),
		slog.String("event_code", string(created.EventCode)),
		slog.Int64("company_id", created.CompanyID),
		slog.String("document_type", created.DocumentType))

	id := created.ID
	db.AfterCommit(ctx, func(ctx context.Context) {
		if err := b.queue.EnqueueDispatch(context.WithoutCancel(ctx), id); err != nil {
			b.logger.Error("enqueue accounting event", slog.Int64("log_id", id), slog.Any("error", err))
		}
	})
	return created, nil
}

// Resubmit re-enqueues a failed or stuck log. Sent logs yield ErrAlreadySent.
func (b *Bus) Resubmit(ctx context.Context, id int64) (EventLog, error) {
	current, err := b.repo.Get(ctx, id)
	if err != nil {
		return EventLog{}, err
	}
	if current.Status == StatusSent {
		return current, ErrAlreadySent
	}
	if err := b.repo.Requeue(ctx, id); err != nil {
		return EventLog{}, err
	}
	if err := b.queue.EnqueueDispatch(ctx, id); err != nil {
		return EventLog{}, fmt.Errorf("posting: enqueue log %d: %w", id, err)
	}
	b.logger.Info("accounting event resubmitted", slog.Int64("log_id", id), slog.String("previous_status", string(current.Status)))
	current.Status = StatusQueued
	return current, nil
}

// SweepStale re-enqueues logs still queued and untouched since olderThan,
// covering a crash between commit and enqueue. It returns how many were
// enqueued.
func (b *Bus) SweepStale(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	stale, err := b.repo.ListStaleQueued(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	var enqueued int
	var errs []error
	for _, l := range stale {
		if err := b.repo.Requeue(ctx, l.ID); err != nil {
			if errors.Is(err, ErrAlreadySent) || errors.Is(err, ErrLogNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("log %d: %w", l.ID, err))
			continue
		}
		if err := b.queue.EnqueueDispatch(ctx, l.ID); err != nil {
			errs = append(errs, fmt.Errorf("log %d: %w", l.ID, err))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		b.logger.Warn("stale accounting events re-enqueued", slog.Int("count", enqueued))
	}
	return enqueued, errors.Join(errs...)
}
