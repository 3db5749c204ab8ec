package sessionrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	postgres "github.com/metabolic-care/intake-api/internal/adapters/postgres"
	"github.com/metabolic-care/intake-api/internal/adapters/submissiondoc"
	"github.com/metabolic-care/intake-api/internal/domain"
	"github.com/metabolic-care/intake-api/internal/ports/out/sessionrepo"
)

// Repo is a Postgres implementation of sessionrepo.Repository. The record is
// stored as a JSONB submission document.
type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

func (r *Repo) Create(ctx context.Context, s sessionrepo.Session) error {
	if r.pool == nil {
		return errors.New("nil postgres pool")
	}
	doc, err := submissiondoc.Encode(s.Record)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO intake_sessions (
			run_id,
			record,
			step,
			furthest,
			version,
			submitted_at,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
	`,
		string(s.RunID),
		doc,
		s.Step,
		s.Furthest,
		submittedAt(s.Record),
		s.CreatedAt.UTC(),
		s.UpdatedAt.UTC(),
	)
	if err != nil {
		if pe, ok := postgres.AsPgError(err); ok && pe.Code == postgres.UniqueViolationCode {
			return sessionrepo.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id domain.RunID) (sessionrepo.Session, error) {
	if r.pool == nil {
		return sessionrepo.Session{}, errors.New("nil postgres pool")
	}
	var (
		s     sessionrepo.Session
		runID string
		raw   []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT run_id, record, step, furthest, version, created_at, updated_at
		FROM intake_sessions
		WHERE run_id = $1
	`, string(id)).Scan(&runID, &raw, &s.Step, &s.Furthest, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sessionrepo.Session{}, sessionrepo.ErrNotFound
		}
		return sessionrepo.Session{}, err
	}
	rec, err := submissiondoc.Decode(raw)
	if err != nil {
		return sessionrepo.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	s.RunID = domain.RunID(runID)
	s.Record = rec
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func (r *Repo) Update(ctx context.Context, s sessionrepo.Session) error {
	if r.pool == nil {
		return errors.New("nil postgres pool")
	}
	doc, err := submissiondoc.Encode(s.Record)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE intake_sessions
		SET record = $3,
			step = $4,
			furthest = $5,
			submitted_at = $6,
			updated_at = $7,
			version = version + 1
		WHERE run_id = $1 AND version = $2
	`,
		string(s.RunID),
		s.Version,
		doc,
		s.Step,
		s.Furthest,
		submittedAt(s.Record),
		s.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM intake_sessions WHERE run_id = $1)`, string(s.RunID)).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return sessionrepo.ErrNotFound
	}
	return sessionrepo.ErrVersionConflict
}

func (r *Repo) Delete(ctx context.Context, id domain.RunID) error {
	if r.pool == nil {
		return errors.New("nil postgres pool")
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM intake_sessions WHERE run_id = $1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return sessionrepo.ErrNotFound
	}
	return nil
}

func submittedAt(rec domain.Record) *time.Time {
	if rec.SubmittedAt == nil {
		return nil
	}
	t := rec.SubmittedAt.UTC()
	return &t
}
