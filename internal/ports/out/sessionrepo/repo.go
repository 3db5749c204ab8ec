package sessionrepo

import (
	"context"
	"time"

	"github.com/metabolic-care/intake-api/internal/domain"
)

// Session is the persistence shape for one wizard run: the record plus the
// sequencer position. It is not an HTTP DTO.
type Session struct {
	RunID  domain.RunID
	Record domain.Record

	// Step is the raw current step index. Stores return it unchecked; the
	// application layer corrects out-of-range values.
	Step int
	// Furthest is the highest step index entered during the run.
	Furthest int

	// Version is the optimistic concurrency token. Create stores version 1.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository persists sessions keyed exclusively by run id.
//
// Implementations must never return data belonging to a different run id.
type Repository interface {
	Create(ctx context.Context, s Session) error

	// Get returns the session for id, or ErrNotFound.
	Get(ctx context.Context, id domain.RunID) (Session, error)

	// Update replaces the stored session if its version equals s.Version and
	// stores it with version s.Version+1. A mismatch yields ErrVersionConflict.
	Update(ctx context.Context, s Session) error

	// Delete removes the session; ErrNotFound if absent.
	Delete(ctx context.Context, id domain.RunID) error
}
