package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
)

var errNilPool = errors.New("nil postgres pool")

// Store keeps replayable responses in the idempotency_keys table.
//
// With a TTL configured, rows older than the TTL are invisible to Get and
// removed by Purge.
type Store struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

type Option func(*Store)

func WithTTL(ttl time.Duration, now func() time.Time) Option {
	return func(s *Store) {
		s.ttl = ttl
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cutoff is the oldest created_at still considered live.
func (s *Store) cutoff() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(-s.ttl).UTC()
}

func (s *Store) Get(ctx context.Context, fp idempotency.Fingerprint) (idempotency.Record, bool, error) {
	if s.pool == nil {
		return idempotency.Record{}, false, errNilPool
	}
	row := s.pool.QueryRow(ctx, `
		SELECT status_code, content_type, body, created_at
		FROM idempotency_keys
		WHERE idempotency_key = @key
		  AND run_id = @run_id
		  AND method = @method
		  AND route = @route
		  AND body_hash = @body_hash
		  AND created_at >= @cutoff
	`, fingerprintArgs(fp, pgx.NamedArgs{"cutoff": s.cutoff()}))

	var rec idempotency.Record
	if err := row.Scan(&rec.StatusCode, &rec.ContentType, &rec.Body, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return idempotency.Record{}, false, nil
		}
		return idempotency.Record{}, false, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, fp idempotency.Fingerprint, rec idempotency.Record) error {
	if s.pool == nil {
		return errNilPool
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	body := rec.Body
	if body == nil {
		body = []byte{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (
			idempotency_key, run_id, method, route, body_hash,
			status_code, content_type, body, created_at
		) VALUES (@key, @run_id, @method, @route, @body_hash, @status_code, @content_type, @body, @created_at)
		ON CONFLICT (idempotency_key, run_id, method, route, body_hash)
		DO UPDATE SET
			status_code = EXCLUDED.status_code,
			content_type = EXCLUDED.content_type,
			body = EXCLUDED.body,
			created_at = EXCLUDED.created_at
	`, fingerprintArgs(fp, pgx.NamedArgs{
		"status_code":  rec.StatusCode,
		"content_type": rec.ContentType,
		"body":         body,
		"created_at":   createdAt.UTC(),
	}))
	return err
}

// Purge deletes expired rows and reports how many were removed. It is a
// no-op without a TTL.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, errNilPool
	}
	if s.ttl <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < @cutoff`,
		pgx.NamedArgs{"cutoff": s.cutoff()})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func fingerprintArgs(fp idempotency.Fingerprint, extra pgx.NamedArgs) pgx.NamedArgs {
	args := pgx.NamedArgs{
		"key":       string(fp.Key),
		"run_id":    string(fp.RunID),
		"method":    fp.Method,
		"route":     fp.Route,
		"body_hash": fp.BodyHash,
	}
	for k, v := range extra {
		args[k] = v
	}
	return args
}
