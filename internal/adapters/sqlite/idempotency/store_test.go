package idempotency

import (
	"context"
	"database/sql"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/metabolic-care/intake-api/internal/adapters/contracttest"
	"github.com/metabolic-care/intake-api/internal/adapters/sqlite"
	idempotencyport "github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "intake.db"))
	if err != nil {
		if strings.Contains(err.Error(), "cgo") {
			t.Skipf("sqlite unavailable: %v", err)
		}
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestContract_SQLiteIdempotencyStore(t *testing.T) {
	db := openDB(t)

	contracttest.RunIdempotencyStore(t, func(t *testing.T) (idempotencyport.Store, func()) {
		t.Helper()
		return NewStore(db), nil
	})
}

func TestStore_TTLAndPurge(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(db, WithTTL(time.Hour, func() time.Time { return now }))

	stale := idempotencyport.Fingerprint{Key: "stale", RunID: "run-1", Method: http.MethodPost, Route: "/runs/{runId}/checkout"}
	fresh := stale
	fresh.Key = "fresh"

	if err := s.Put(ctx, stale, idempotencyport.Record{StatusCode: 200, Body: []byte(`{}`), CreatedAt: now.Add(-2 * time.Hour)}); err != nil {
		t.Fatalf("Put stale: %v", err)
	}
	if err := s.Put(ctx, fresh, idempotencyport.Record{StatusCode: 201, Body: []byte(`{}`), CreatedAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Put fresh: %v", err)
	}
	if _, ok, err := s.Get(ctx, stale); err != nil || ok {
		t.Fatalf("expected stale record to be hidden ok=%v err=%v", ok, err)
	}
	got, ok, err := s.Get(ctx, fresh)
	if err != nil || !ok {
		t.Fatalf("expected fresh record ok=%v err=%v", ok, err)
	}
	if got.StatusCode != 201 || !got.CreatedAt.Equal(now.Add(-time.Minute)) {
		t.Fatalf("unexpected record: %+v", got)
	}

	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
	if _, ok, _ := s.Get(ctx, fresh); !ok {
		t.Fatal("fresh record purged")
	}
}

func TestStore_PurgeWithoutTTLIsNoop(t *testing.T) {
	db := openDB(t)
	n, err := NewStore(db).Purge(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Purge n=%d err=%v", n, err)
	}
}
