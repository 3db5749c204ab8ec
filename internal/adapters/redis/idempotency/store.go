// Package idempotency stores replayable responses in Redis, next to the
// sessions kept by the redis session repository.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
)

const DefaultKeyPrefix = "intake:idem:"

var errNilClient = errors.New("nil redis client")

// Store keeps one JSON value per fingerprint. With a TTL configured each
// value expires TTL after its CreatedAt; without one values are kept until
// deleted out of band.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Store)

func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func WithTTL(ttl time.Duration, now func() time.Time) Option {
	return func(s *Store) {
		s.ttl = ttl
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type value struct {
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Store) Get(ctx context.Context, fp idempotency.Fingerprint) (idempotency.Record, bool, error) {
	if s.client == nil {
		return idempotency.Record{}, false, errNilClient
	}
	raw, err := s.client.Get(ctx, s.key(fp)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return idempotency.Record{}, false, nil
		}
		return idempotency.Record{}, false, err
	}
	var v value
	if err := json.Unmarshal(raw, &v); err != nil {
		return idempotency.Record{}, false, err
	}
	return idempotency.Record{
		StatusCode:  v.StatusCode,
		ContentType: v.ContentType,
		Body:        v.Body,
		CreatedAt:   v.CreatedAt.UTC(),
	}, true, nil
}

func (s *Store) Put(ctx context.Context, fp idempotency.Fingerprint, rec idempotency.Record) error {
	if s.client == nil {
		return errNilClient
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var expiry time.Duration
	if s.ttl > 0 {
		expiry = s.ttl - s.now().Sub(createdAt)
		if expiry <= 0 {
			// Already stale: drop whatever was there so Get misses.
			return s.client.Del(ctx, s.key(fp)).Err()
		}
	}

	raw, err := json.Marshal(value{
		StatusCode:  rec.StatusCode,
		ContentType: rec.ContentType,
		Body:        rec.Body,
		CreatedAt:   createdAt.UTC(),
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(fp), raw, expiry).Err()
}

// key scopes by run id so a run's entries share a readable prefix; the rest
// of the fingerprint is hashed since routes and keys are caller-controlled.
func (s *Store) key(fp idempotency.Fingerprint) string {
	h := sha256.New()
	for _, part := range []string{string(fp.Key), fp.Method, fp.Route, fp.BodyHash} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return s.prefix + string(fp.RunID) + ":" + hex.EncodeToString(h.Sum(nil))
}
