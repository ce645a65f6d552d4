package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
)

// DocumentStatusChanged is published inside the transition's unit of work
// once the new status has been persisted. Subscribers registered with
// Subscribe see it before commit and must only touch state that shares the
// transaction. Subscribers with external effects belong on
// SubscribeAfterCommit.
type DocumentStatusChanged struct {
	DocumentType string
	DocumentID   int64
	Document     any
	From         string
	To           string
	ActorID      *int64
	Options      Options
	OccurredAt   time.Time
}

// Subscriber reacts to status changes. Returning an error rolls the
// transition back.
type Subscriber interface {
	StatusChanged(ctx context.Context, evt DocumentStatusChanged) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, evt DocumentStatusChanged) error

// StatusChanged calls f.
func (f SubscriberFunc) StatusChanged(ctx context.Context, evt DocumentStatusChanged) error {
	return f(ctx, evt)
}

// Notifier fans status changes out to subscribers in registration order.
type Notifier struct {
	mu        sync.RWMutex
	subs      []Subscriber
	committed []Subscriber
	logger    *slog.Logger
}

// NewNotifier constructs an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{logger: slog.Default()}
}

// WithLogger sets the logger used for after-commit delivery failures.
func (n *Notifier) WithLogger(logger *slog.Logger) *Notifier {
	if logger != nil {
		n.logger = logger
	}
	return n
}

// Subscribe registers s.
func (n *Notifier) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	n.mu.Lock()
	n.subs = append(n.subs, s)
	n.mu.Unlock()
}

// SubscribeAfterCommit registers s for delivery once the transaction carrying
// the transition commits. Nothing is delivered when it rolls back. Errors are
// logged and cannot undo the transition.
func (n *Notifier) SubscribeAfterCommit(s Subscriber) {
	if s == nil {
		return
	}
	n.mu.Lock()
	n.committed = append(n.committed, s)
	n.mu.Unlock()
}

// Publish delivers evt to transactional subscribers, stopping at the first
// error, then schedules after-commit delivery.
func (n *Notifier) Publish(ctx context.Context, evt DocumentStatusChanged) error {
	if n == nil {
		return nil
	}
	n.mu.RLock()
	subs := append([]Subscriber(nil), n.subs...)
	committed := append([]Subscriber(nil), n.committed...)
	n.mu.RUnlock()
	for _, s := range subs {
		if err := s.StatusChanged(ctx, evt); err != nil {
			return err
		}
	}
	for _, s := range committed {
		db.AfterCommit(ctx, func(ctx context.Context) {
			if err := s.StatusChanged(ctx, evt); err != nil {
				n.log().Error("status change subscriber failed",
					slog.String("document_type", evt.DocumentType),
					slog.Int64("document_id", evt.DocumentID),
					slog.String("to", evt.To),
					slog.Any("error", err))
			}
		})
	}
	return nil
}

func (n *Notifier) log() *slog.Logger {
	if n.logger == nil {
		return slog.Default()
	}
	return n.logger
}
