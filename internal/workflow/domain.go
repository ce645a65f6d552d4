package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Document is a business document whose status column is governed by a Graph.
type Document[S ~string] interface {
	DocumentType() string
	DocumentID() int64
	CurrentState() S
	SetState(S)
}

// Creator is implemented by documents that remember who created them.
type Creator interface {
	CreatedByID() int64
}

// Actor is the identity requesting a transition.
type Actor interface {
	Identity() int64
}

// ActorID is the plain Actor implementation.
type ActorID int64

// Identity returns the numeric user id.
func (a ActorID) Identity() int64 {
	return int64(a)
}

// Options is the open key/value bag passed through a transition to guards and hooks.
type Options map[string]any

// OptionEnforceMakerChecker toggles the maker-checker guard per request.
const OptionEnforceMakerChecker = "enforce_maker_checker"

// OptionReason carries a free-text justification, e.g. for cancellations.
const OptionReason = "reason"

// Bool reads a boolean option. Missing or non-boolean values are false.
func (o Options) Bool(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true") || b == "1"
	default:
		return false
	}
}

// String reads a string option.
func (o Options) String(key string) string {
	v, ok := o[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Transition is the context handed to guards and hooks.
type Transition[S ~string] struct {
	Document Document[S]
	From     S
	To       S
	Actor    Actor
	Options  Options
}

// ActorIdentity returns the actor id when an actor is present.
func (t Transition[S]) ActorIdentity() (int64, bool) {
	if t.Actor == nil {
		return 0, false
	}
	return t.Actor.Identity(), true
}

// Guard decides whether a transition may proceed. A nil error allows it; a
// *GuardViolation denies it with a reason.
type Guard[S ~string] interface {
	Evaluate(ctx context.Context, t Transition[S]) error
}

// GuardFunc adapts a function to Guard.
type GuardFunc[S ~string] func(ctx context.Context, t Transition[S]) error

// Evaluate calls f.
func (f GuardFunc[S]) Evaluate(ctx context.Context, t Transition[S]) error {
	return f(ctx, t)
}

// Hook is a side effect run before or after the status mutation.
type Hook[S ~string] interface {
	Run(ctx context.Context, t Transition[S]) error
}

// HookFunc adapts a function to Hook.
type HookFunc[S ~string] func(ctx context.Context, t Transition[S]) error

// Run calls f.
func (f HookFunc[S]) Run(ctx context.Context, t Transition[S]) error {
	return f(ctx, t)
}

var (
	// ErrInvalidTransition indicates the requested edge is not declared.
	ErrInvalidTransition = errors.New("workflow: invalid transition")
	// ErrGuardViolation indicates a guard rejected the transition.
	ErrGuardViolation = errors.New("workflow: guard violation")
	// ErrForbidden indicates the actor lacks the edge's ability.
	ErrForbidden = errors.New("workflow: forbidden")
	// ErrDocumentNotFound indicates the governed row no longer exists.
	ErrDocumentNotFound = errors.New("workflow: document not found")
	// ErrDuplicateEdge indicates an edge declared twice.
	ErrDuplicateEdge = errors.New("workflow: duplicate edge")
)

// TransitionError describes an undeclared edge.
type TransitionError struct {
	DocumentType string
	DocumentID   int64
	From         string
	To           string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workflow: invalid transition for %s %d: %s -> %s", e.DocumentType, e.DocumentID, e.From, e.To)
}

// Unwrap exposes ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// GuardViolation is a business-rule rejection meant to be shown to the user.
type GuardViolation struct {
	Guard  string
	Reason string
}

func (e *GuardViolation) Error() string {
	return fmt.Sprintf("workflow: %s: %s", e.Guard, e.Reason)
}

// Unwrap exposes ErrGuardViolation.
func (e *GuardViolation) Unwrap() error {
	return ErrGuardViolation
}

// Deny builds a GuardViolation.
func Deny(guard, reason string) error {
	return &GuardViolation{Guard: guard, Reason: reason}
}
