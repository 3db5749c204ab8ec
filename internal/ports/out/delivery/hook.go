package delivery

//go:generate mockgen -source=hook.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"github.com/metabolic-care/intake-api/internal/domain"
)

// Hook hands a completed submission to a downstream system.
//
// The wizard calls Deliver at most once per run, after the confirmation
// transition has been persisted. Errors are logged by the caller and never
// undo the submission.
type Hook interface {
	Deliver(ctx context.Context, rec domain.Record) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, rec domain.Record) error

func (f HookFunc) Deliver(ctx context.Context, rec domain.Record) error { return f(ctx, rec) }

// Nop discards every delivery.
type Nop struct{}

func (Nop) Deliver(context.Context, domain.Record) error { return nil }
