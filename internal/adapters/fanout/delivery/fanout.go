package delivery

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/metabolic-care/intake-api/internal/domain"
	"github.com/metabolic-care/intake-api/internal/ports/out/delivery"
)

// Target is a named downstream hook.
type Target struct {
	Name string
	Hook delivery.Hook
}

// Fanout delivers each record to every target concurrently. One target
// failing does not stop the others; all failures are joined.
type Fanout struct {
	targets []Target
}

func New(targets ...Target) *Fanout {
	return &Fanout{targets: targets}
}

func (f *Fanout) Len() int { return len(f.targets) }

func (f *Fanout) Deliver(ctx context.Context, rec domain.Record) error {
	errs := make([]error, len(f.targets))
	var g errgroup.Group
	for i, t := range f.targets {
		g.Go(func() error {
			if err := t.Hook.Deliver(ctx, rec.Clone()); err != nil {
				errs[i] = fmt.Errorf("%s: %w", t.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
