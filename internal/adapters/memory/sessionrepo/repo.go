package sessionrepo

import (
	"context"
	"sync"

	"github.com/metabolic-care/intake-api/internal/domain"
	"github.com/metabolic-care/intake-api/internal/ports/out/sessionrepo"
)

// Repo is an in-memory implementation of sessionrepo.Repository.
// It is safe for concurrent use.
type Repo struct {
	mu   sync.RWMutex
	byID map[domain.RunID]sessionrepo.Session
}

func NewRepo() *Repo {
	return &Repo{byID: make(map[domain.RunID]sessionrepo.Session)}
}

func (r *Repo) Create(ctx context.Context, s sessionrepo.Session) error {
	_ = ctx
	if s.RunID == "" {
		return sessionrepo.ErrAlreadyExists // empty id never names a real run
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[s.RunID]; ok {
		return sessionrepo.ErrAlreadyExists
	}
	s.Version = 1
	r.byID[s.RunID] = cloneSession(s)
	return nil
}

func (r *Repo) Get(ctx context.Context, id domain.RunID) (sessionrepo.Session, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return sessionrepo.Session{}, sessionrepo.ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *Repo) Update(ctx context.Context, s sessionrepo.Session) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[s.RunID]
	if !ok {
		return sessionrepo.ErrNotFound
	}
	if existing.Version != s.Version {
		return sessionrepo.ErrVersionConflict
	}
	s.Version++
	s.CreatedAt = existing.CreatedAt
	r.byID[s.RunID] = cloneSession(s)
	return nil
}

func (r *Repo) Delete(ctx context.Context, id domain.RunID) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return sessionrepo.ErrNotFound
	}
	delete(r.byID, id)
	return nil
}

// Len reports the number of live sessions.
func (r *Repo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func cloneSession(s sessionrepo.Session) sessionrepo.Session {
	out := s
	out.Record = s.Record.Clone()
	return out
}
