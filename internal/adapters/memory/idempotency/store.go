package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
)

// Store is an in-memory implementation of idempotency.Store.
// It is safe for concurrent use.
//
// With a TTL configured, records older than the TTL are reported as missing
// and dropped lazily on access.
type Store struct {
	mu sync.Mutex
	m  map[idempotency.Fingerprint]idempotency.Record

	ttl time.Duration
	now func() time.Time
}

type Option func(*Store)

// WithTTL expires records ttl after their CreatedAt, as seen by now.
func WithTTL(ttl time.Duration, now func() time.Time) Option {
	return func(s *Store) {
		s.ttl = ttl
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		m:   make(map[idempotency.Fingerprint]idempotency.Record),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(ctx context.Context, fp idempotency.Fingerprint) (idempotency.Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.m[fp]
	if !ok {
		return idempotency.Record{}, false, nil
	}
	if s.ttl > 0 && s.now().Sub(rec.CreatedAt) > s.ttl {
		delete(s.m, fp)
		return idempotency.Record{}, false, nil
	}
	rec.Body = append([]byte(nil), rec.Body...)
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, fp idempotency.Fingerprint, rec idempotency.Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Body = append([]byte(nil), rec.Body...)
	s.m[fp] = rec
	return nil
}
