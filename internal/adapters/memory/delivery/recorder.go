package delivery

import (
	"context"
	"sync"

	"github.com/metabolic-care/intake-api/internal/domain"
)

// Recorder keeps delivered records in memory. It backs the "memory"
// delivery mode used in local runs and tests.
type Recorder struct {
	mu    sync.Mutex
	recs  []domain.Record
	err   error
	limit int
}

type Option func(*Recorder)

// WithLimit keeps only the n most recent records. n <= 0 keeps everything.
func WithLimit(n int) Option {
	return func(r *Recorder) { r.limit = n }
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FailWith makes subsequent deliveries return err (nil clears it). Failed
// deliveries are not recorded.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Deliver(ctx context.Context, rec domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.recs = append(r.recs, rec.Clone())
	if r.limit > 0 && len(r.recs) > r.limit {
		drop := len(r.recs) - r.limit
		clear(r.recs[:drop])
		r.recs = r.recs[drop:]
	}
	return nil
}

// Delivered returns copies of the records delivered so far, in order.
func (r *Recorder) Delivered() []domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Record, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec.Clone())
	}
	return out
}
