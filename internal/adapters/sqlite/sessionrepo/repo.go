package sessionrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/metabolic-care/intake-api/internal/adapters/submissiondoc"
	"github.com/metabolic-care/intake-api/internal/domain"
	"github.com/metabolic-care/intake-api/internal/ports/out/sessionrepo"
)

// Repo is a SQLite implementation of sessionrepo.Repository for
// single-instance deployments. Timestamps are stored as RFC 3339 text.
type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, s sessionrepo.Session) error {
	doc, err := submissiondoc.Encode(s.Record)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO intake_sessions (run_id, record, step, furthest, version, submitted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
	`,
		string(s.RunID),
		string(doc),
		s.Step,
		s.Furthest,
		submittedAt(s.Record),
		formatTime(s.CreatedAt),
		formatTime(s.UpdatedAt),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return sessionrepo.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id domain.RunID) (sessionrepo.Session, error) {
	var (
		s                sessionrepo.Session
		doc              string
		created, updated string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT record, step, furthest, version, created_at, updated_at
		FROM intake_sessions WHERE run_id = ?
	`, string(id)).Scan(&doc, &s.Step, &s.Furthest, &s.Version, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sessionrepo.Session{}, sessionrepo.ErrNotFound
		}
		return sessionrepo.Session{}, err
	}
	rec, err := submissiondoc.Decode([]byte(doc))
	if err != nil {
		return sessionrepo.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	s.RunID = id
	s.Record = rec
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return sessionrepo.Session{}, fmt.Errorf("session %s: created_at: %w", id, err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return sessionrepo.Session{}, fmt.Errorf("session %s: updated_at: %w", id, err)
	}
	return s, nil
}

func (r *Repo) Update(ctx context.Context, s sessionrepo.Session) error {
	doc, err := submissiondoc.Encode(s.Record)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE intake_sessions
		SET record = ?, step = ?, furthest = ?, submitted_at = ?, updated_at = ?, version = version + 1
		WHERE run_id = ? AND version = ?
	`,
		string(doc),
		s.Step,
		s.Furthest,
		submittedAt(s.Record),
		formatTime(s.UpdatedAt),
		string(s.RunID),
		s.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM intake_sessions WHERE run_id = ?`, string(s.RunID)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return sessionrepo.ErrNotFound
	}
	if err != nil {
		return err
	}
	return sessionrepo.ErrVersionConflict
}

func (r *Repo) Delete(ctx context.Context, id domain.RunID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM intake_sessions WHERE run_id = ?`, string(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sessionrepo.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func submittedAt(rec domain.Record) sql.NullString {
	if rec.SubmittedAt == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*rec.SubmittedAt), Valid: true}
}
