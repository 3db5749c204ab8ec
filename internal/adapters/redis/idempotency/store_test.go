package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/metabolic-care/intake-api/internal/adapters/contracttest"
	"github.com/metabolic-care/intake-api/internal/adapters/redis/testutil"
	"github.com/metabolic-care/intake-api/internal/domain"
	idempotencyport "github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
)

func TestContract_RedisIdempotencyStore(t *testing.T) {
	client := testutil.OpenClient(t)
	prefix := "test:" + uuid.NewString() + ":"

	contracttest.RunIdempotencyStore(t, func(t *testing.T) (idempotencyport.Store, func()) {
		t.Helper()
		return NewStore(client, WithKeyPrefix(prefix)), nil
	})
}

func TestStore_TTL(t *testing.T) {
	client := testutil.OpenClient(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s := NewStore(client,
		WithKeyPrefix("test:"+uuid.NewString()+":"),
		WithTTL(time.Hour, func() time.Time { return now }),
	)
	fp := idempotencyport.Fingerprint{
		Key:    idempotencyport.Key("ttl-" + uuid.NewString()),
		RunID:  domain.RunID(uuid.NewString()),
		Method: http.MethodPost,
		Route:  "/runs/{runId}/checkout",
	}

	if err := s.Put(ctx, fp, idempotencyport.Record{StatusCode: 200, Body: []byte(`{}`), CreatedAt: now.Add(-2 * time.Hour)}); err != nil {
		t.Fatalf("Put stale: %v", err)
	}
	if _, ok, err := s.Get(ctx, fp); err != nil || ok {
		t.Fatalf("expected stale record to be dropped ok=%v err=%v", ok, err)
	}

	if err := s.Put(ctx, fp, idempotencyport.Record{StatusCode: 200, Body: []byte(`{}`), CreatedAt: now.Add(-30 * time.Minute)}); err != nil {
		t.Fatalf("Put fresh: %v", err)
	}
	if _, ok, err := s.Get(ctx, fp); err != nil || !ok {
		t.Fatalf("expected fresh record ok=%v err=%v", ok, err)
	}
	ttl, err := client.TTL(ctx, s.key(fp)).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > 30*time.Minute {
		t.Fatalf("ttl=%v, want within (0, 30m]", ttl)
	}
}

func TestStore_KeyIsScopedByRun(t *testing.T) {
	s := NewStore(nil, WithKeyPrefix("p:"))
	fp := idempotencyport.Fingerprint{Key: "k", RunID: "run-1", Method: http.MethodPost, Route: "/runs/{runId}/checkout"}

	k1 := s.key(fp)
	if want := "p:run-1:"; k1[:len(want)] != want {
		t.Fatalf("key %q does not start with %q", k1, want)
	}
	fp.BodyHash = "abc"
	if s.key(fp) == k1 {
		t.Fatal("body hash must change the key")
	}
}

func TestStore_NilClient(t *testing.T) {
	s := NewStore(nil)
	if _, _, err := s.Get(context.Background(), idempotencyport.Fingerprint{}); err == nil {
		t.Fatal("expected error from Get")
	}
	if err := s.Put(context.Background(), idempotencyport.Fingerprint{}, idempotencyport.Record{}); err == nil {
		t.Fatal("expected error from Put")
	}
}
