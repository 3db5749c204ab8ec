package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
)

var errNilDB = errors.New("nil sqlite db")

// Store keeps replayable responses in the idempotency_keys table of the
// single-node database.
//
// With a TTL configured, rows older than the TTL are invisible to Get and
// removed by Purge.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
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

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cutoff is the oldest created_at, in unix nanoseconds, still considered live.
func (s *Store) cutoff() int64 {
	if s.ttl <= 0 {
		return math.MinInt64
	}
	return s.now().Add(-s.ttl).UnixNano()
}

func (s *Store) Get(ctx context.Context, fp idempotency.Fingerprint) (idempotency.Record, bool, error) {
	if s.db == nil {
		return idempotency.Record{}, false, errNilDB
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT status_code, content_type, body, created_at
		FROM idempotency_keys
		WHERE idempotency_key = ?
		  AND run_id = ?
		  AND method = ?
		  AND route = ?
		  AND body_hash = ?
		  AND created_at >= ?
	`, string(fp.Key), string(fp.RunID), fp.Method, fp.Route, fp.BodyHash, s.cutoff())

	var (
		rec       idempotency.Record
		createdAt int64
	)
	if err := row.Scan(&rec.StatusCode, &rec.ContentType, &rec.Body, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return idempotency.Record{}, false, nil
		}
		return idempotency.Record{}, false, err
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, fp idempotency.Fingerprint, rec idempotency.Record) error {
	if s.db == nil {
		return errNilDB
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	body := rec.Body
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (
			idempotency_key, run_id, method, route, body_hash,
			status_code, content_type, body, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key, run_id, method, route, body_hash)
		DO UPDATE SET
			status_code = excluded.status_code,
			content_type = excluded.content_type,
			body = excluded.body,
			created_at = excluded.created_at
	`, string(fp.Key), string(fp.RunID), fp.Method, fp.Route, fp.BodyHash,
		rec.StatusCode, rec.ContentType, body, createdAt.UnixNano())
	return err
}

// Purge deletes expired rows and reports how many were removed. It is a
// no-op without a TTL.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, errNilDB
	}
	if s.ttl <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, s.cutoff())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
