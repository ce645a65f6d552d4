package workflow

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MinReasonLength is the shortest accepted free-text justification.
const MinReasonLength = 10

// AllOf allows a transition only when every guard allows it. The first
// rejection wins.
func AllOf[S ~string](guards ...Guard[S]) Guard[S] {
	return GuardFunc[S](func(ctx context.Context, t Transition[S]) error {
		for _, g := range guards {
			if g == nil {
				continue
			}
			if err := g.Evaluate(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// MakerChecker forbids the creator of a document from performing the
// transition. It is enforced when Always is set or when the per-request
// option OptionEnforceMakerChecker is true.
type MakerChecker[S ~string] struct {
	Always bool
}

// Evaluate implements Guard.
func (g MakerChecker[S]) Evaluate(_ context.Context, t Transition[S]) error {
	if !g.Always && !t.Options.Bool(OptionEnforceMakerChecker) {
		return nil
	}
	creator, ok := t.Document.(Creator)
	if !ok {
		return fmt.Errorf("workflow: %s does not record its creator", t.Document.DocumentType())
	}
	actorID, ok := t.ActorIdentity()
	if !ok {
		return Deny("maker_checker", "an authenticated approver is required")
	}
	if creator.CreatedByID() == actorID {
		return Deny("maker_checker", "the creator of a document cannot approve it")
	}
	return nil
}

// RequireReason demands a justification of at least MinReasonLength characters
// in the OptionReason option.
type RequireReason[S ~string] struct{}

// Evaluate implements Guard.
func (RequireReason[S]) Evaluate(_ context.Context, t Transition[S]) error {
	reason := strings.TrimSpace(t.Options.String(OptionReason))
	if utf8.RuneCountInString(reason) < MinReasonLength {
		return Deny("reason", fmt.Sprintf("a reason of at least %d characters is required", MinReasonLength))
	}
	return nil
}

func chainHooks[S ~string](hooks ...Hook[S]) Hook[S] {
	var live []Hook[S]
	for _, h := range hooks {
		if h != nil {
			live = append(live, h)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return HookFunc[S](func(ctx context.Context, t Transition[S]) error {
		for _, h := range live {
			if err := h.Run(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}
