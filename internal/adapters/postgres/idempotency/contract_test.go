package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/metabolic-care/intake-api/internal/adapters/contracttest"
	"github.com/metabolic-care/intake-api/internal/adapters/postgres/testutil"
	"github.com/metabolic-care/intake-api/internal/domain"
	idempotencyport "github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
)

func TestContract_PostgresIdempotencyStore(t *testing.T) {
	pool := testutil.OpenMigratedPool(t)

	contracttest.RunIdempotencyStore(t, func(t *testing.T) (idempotencyport.Store, func()) {
		t.Helper()
		return NewStore(pool), nil
	})
}

func TestStore_TTLAndPurge(t *testing.T) {
	pool := testutil.OpenMigratedPool(t)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(pool, WithTTL(time.Hour, func() time.Time { return now }))

	fp := idempotencyport.Fingerprint{
		Key:    idempotencyport.Key("ttl-" + uuid.NewString()),
		RunID:  domain.RunID(uuid.NewString()),
		Method: http.MethodPost,
		Route:  "/runs/{runId}/checkout",
	}
	if err := s.Put(ctx, fp, idempotencyport.Record{StatusCode: 200, ContentType: "application/json", Body: []byte(`{}`), CreatedAt: now.Add(-2 * time.Hour)}); err != nil {
		t.Fatalf("Put stale: %v", err)
	}
	if _, ok, err := s.Get(ctx, fp); err != nil || ok {
		t.Fatalf("expected stale record to be hidden ok=%v err=%v", ok, err)
	}

	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n < 1 {
		t.Fatalf("Purge removed %d rows, want >= 1", n)
	}

	if err := s.Put(ctx, fp, idempotencyport.Record{StatusCode: 200, ContentType: "application/json", Body: []byte(`{}`), CreatedAt: now}); err != nil {
		t.Fatalf("Put fresh: %v", err)
	}
	if _, ok, err := s.Get(ctx, fp); err != nil || !ok {
		t.Fatalf("expected fresh record ok=%v err=%v", ok, err)
	}
}
