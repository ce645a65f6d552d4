package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Store runs a transition atomically for one document.
//
// Atomic must lock the governed row, refresh doc's state from it, and run fn
// inside one unit of work that is committed only when fn returns nil.
// SaveState persists doc's current state within that unit of work.
type Store[S ~string] interface {
	Atomic(ctx context.Context, doc Document[S], fn func(ctx context.Context) error) error
	SaveState(ctx context.Context, doc Document[S]) error
}

// Authorizer checks an edge's ability for an actor. It returns an error
// wrapping ErrForbidden when the actor lacks it.
type Authorizer interface {
	Authorize(ctx context.Context, actorID int64, ability string) error
}

// MachineConfig wires a Machine's collaborators.
type MachineConfig[S ~string] struct {
	Store      Store[S]
	Authorizer Authorizer
	Notifier   *Notifier
	BeforeAny  []Hook[S]
	AfterAny   []Hook[S]
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Machine executes transitions declared by a Graph.
type Machine[S ~string] struct {
	graph      *Graph[S]
	store      Store[S]
	authorizer Authorizer
	notifier   *Notifier
	beforeAny  Hook[S]
	afterAny   Hook[S]
	logger     *slog.Logger
	now        func() time.Time
}

// NewMachine constructs a machine for graph.
func NewMachine[S ~string](graph *Graph[S], cfg MachineConfig[S]) *Machine[S] {
	if graph == nil {
		panic("workflow: graph required")
	}
	if cfg.Store == nil {
		panic("workflow: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Machine[S]{
		graph:      graph,
		store:      cfg.Store,
		authorizer: cfg.Authorizer,
		notifier:   cfg.Notifier,
		beforeAny:  chainHooks(cfg.BeforeAny...),
		afterAny:   chainHooks(cfg.AfterAny...),
		logger:     logger.With(slog.String("document_type", graph.DocumentType())),
		now:        now,
	}
}

// Graph exposes the machine's allow-list.
func (m *Machine[S]) Graph() *Graph[S] {
	return m.graph
}

// TransitionTo moves doc to state `to`. Edge lookup, authorization, hooks,
// guard, persistence, and notification all run inside one Store unit of work
// against the locked row. On any failure doc keeps the state it held before.
func (m *Machine[S]) TransitionTo(ctx context.Context, doc Document[S], to S, actor Actor, opts Options) error {
	if doc == nil {
		return fmt.Errorf("workflow: document required")
	}
	if opts == nil {
		opts = Options{}
	}
	restore := doc.CurrentState()
	var from S
	err := m.store.Atomic(ctx, doc, func(ctx context.Context) error {
		from = doc.CurrentState()
		restore = from
		edge, ok := m.graph.Edge(from, to)
		if !ok {
			return &TransitionError{
				DocumentType: doc.DocumentType(),
				DocumentID:   doc.DocumentID(),
				From:         string(from),
				To:           string(to),
			}
		}
		t := Transition[S]{Document: doc, From: from, To: to, Actor: actor, Options: opts}
		if err := m.authorize(ctx, edge, t); err != nil {
			return err
		}
		if m.beforeAny != nil {
			if err := m.beforeAny.Run(ctx, t); err != nil {
				return err
			}
		}
		if edge.Guard != nil {
			if err := edge.Guard.Evaluate(ctx, t); err != nil {
				return err
			}
		}
		if edge.Before != nil {
			if err := edge.Before.Run(ctx, t); err != nil {
				return err
			}
		}
		doc.SetState(to)
		if err := m.store.SaveState(ctx, doc); err != nil {
			return fmt.Errorf("workflow: persist %s: %w", m.graph.Column(), err)
		}
		if edge.After != nil {
			if err := edge.After.Run(ctx, t); err != nil {
				return err
			}
		}
		if m.afterAny != nil {
			if err := m.afterAny.Run(ctx, t); err != nil {
				return err
			}
		}
		return m.notifier.Publish(ctx, m.statusChanged(t))
	})
	if err != nil {
		doc.SetState(restore)
		level := slog.LevelError
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrGuardViolation) || errors.Is(err, ErrForbidden) {
			level = slog.LevelInfo
		}
		m.logger.Log(ctx, level, "transition rejected",
			slog.Int64("document_id", doc.DocumentID()),
			slog.String("from", string(restore)),
			slog.String("to", string(to)),
			slog.Any("error", err))
		return err
	}
	m.logger.Debug("transition applied",
		slog.Int64("document_id", doc.DocumentID()),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return nil
}

// AllowedTransitions lists the states reachable from doc's current state for
// which authorization and the guard currently pass. It does not lock.
func (m *Machine[S]) AllowedTransitions(ctx context.Context, doc Document[S], actor Actor, opts Options) []S {
	if opts == nil {
		opts = Options{}
	}
	from := doc.CurrentState()
	var out []S
	for _, edge := range m.graph.EdgesFrom(from) {
		t := Transition[S]{Document: doc, From: from, To: edge.To, Actor: actor, Options: opts}
		if err := m.authorize(ctx, edge, t); err != nil {
			continue
		}
		if edge.Guard != nil {
			if err := edge.Guard.Evaluate(ctx, t); err != nil {
				continue
			}
		}
		out = append(out, edge.To)
	}
	return out
}

func (m *Machine[S]) authorize(ctx context.Context, edge Edge[S], t Transition[S]) error {
	if edge.Ability == "" || m.authorizer == nil {
		return nil
	}
	actorID, ok := t.ActorIdentity()
	if !ok {
		return fmt.Errorf("%w: %s requires an actor", ErrForbidden, edge.Ability)
	}
	return m.authorizer.Authorize(ctx, actorID, edge.Ability)
}

func (m *Machine[S]) statusChanged(t Transition[S]) DocumentStatusChanged {
	evt := DocumentStatusChanged{
		DocumentType: t.Document.DocumentType(),
		DocumentID:   t.Document.DocumentID(),
		Document:     t.Document,
		From:         string(t.From),
		To:           string(t.To),
		Options:      t.Options,
		OccurredAt:   m.now().UTC(),
	}
	if id, ok := t.ActorIdentity(); ok {
		evt.ActorID = &id
	}
	return evt
}
