package sessionrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/metabolic-care/intake-api/internal/adapters/submissiondoc"
	"github.com/metabolic-care/intake-api/internal/domain"
	"github.com/metabolic-care/intake-api/internal/ports/out/sessionrepo"
)

const DefaultKeyPrefix = "intake:session:"

// Repo stores sessions in Redis, one key per run. Sessions expire after the
// configured TTL of inactivity; every write refreshes it.
type Repo struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Repo)

func WithKeyPrefix(prefix string) Option {
	return func(r *Repo) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTTL sets the inactivity expiry. Zero keeps sessions forever.
func WithTTL(ttl time.Duration) Option {
	return func(r *Repo) {
		r.ttl = ttl
	}
}

func NewRepo(client *redis.Client, opts ...Option) *Repo {
	r := &Repo{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type envelope struct {
	Step      int             `json:"step"`
	Furthest  int             `json:"furthest"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Record    json.RawMessage `json:"record"`
}

func (r *Repo) key(id domain.RunID) string { return r.prefix + string(id) }

func (r *Repo) Create(ctx context.Context, s sessionrepo.Session) error {
	s.Version = 1
	b, err := encode(s)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key(s.RunID), b, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return sessionrepo.ErrAlreadyExists
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id domain.RunID) (sessionrepo.Session, error) {
	b, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sessionrepo.Session{}, sessionrepo.ErrNotFound
		}
		return sessionrepo.Session{}, fmt.Errorf("redis get: %w", err)
	}
	return decode(id, b)
}

// Update performs a check-and-set under WATCH so that concurrent writers of
// the same version cannot both succeed.
func (r *Repo) Update(ctx context.Context, s sessionrepo.Session) error {
	key := r.key(s.RunID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return sessionrepo.ErrNotFound
			}
			return err
		}
		cur, err := decode(s.RunID, b)
		if err != nil {
			return err
		}
		if cur.Version != s.Version {
			return sessionrepo.ErrVersionConflict
		}

		next := s
		next.Version = s.Version + 1
		next.CreatedAt = cur.CreatedAt
		out, err := encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return sessionrepo.ErrVersionConflict
	}
	return err
}

func (r *Repo) Delete(ctx context.Context, id domain.RunID) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if n == 0 {
		return sessionrepo.ErrNotFound
	}
	return nil
}

func encode(s sessionrepo.Session) ([]byte, error) {
	doc, err := submissiondoc.Encode(s.Record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Step:      s.Step,
		Furthest:  s.Furthest,
		Version:   s.Version,
		CreatedAt: s.CreatedAt.UTC(),
		UpdatedAt: s.UpdatedAt.UTC(),
		Record:    doc,
	})
}

func decode(id domain.RunID, b []byte) (sessionrepo.Session, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return sessionrepo.Session{}, fmt.Errorf("session %s: decode envelope: %w", id, err)
	}
	rec, err := submissiondoc.Decode(env.Record)
	if err != nil {
		return sessionrepo.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	return sessionrepo.Session{
		RunID:     id,
		Record:    rec,
		Step:      env.Step,
		Furthest:  env.Furthest,
		Version:   env.Version,
		CreatedAt: env.CreatedAt,
		UpdatedAt: env.UpdatedAt,
	}, nil
}
