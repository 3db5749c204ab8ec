package contracttest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/metabolic-care/intake-api/internal/domain"
	idempotencyport "github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
	sessionrepoport "github.com/metabolic-care/intake-api/internal/ports/out/sessionrepo"
)

type CleanupFunc = func()

type SessionRepoFactory func(t *testing.T) (sessionrepoport.Repository, CleanupFunc)
type IdemStoreFactory func(t *testing.T) (idempotencyport.Store, CleanupFunc)

func RunIdempotencyStore(t *testing.T, newStore IdemStoreFactory) {
	t.Helper()
	ctx := context.Background()

	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	runID := domain.RunID(uuid.NewString())
	fp := idempotencyport.Fingerprint{
		Key:      "k-1",
		RunID:    runID,
		Method:   "POST",
		Route:    "/runs/{runId}/checkout",
		BodyHash: "",
	}
	rec := idempotencyport.Record{
		StatusCode:  0,
		ContentType: "text/plain",
		Body:        []byte("hash-abc"),
		CreatedAt:   time.Unix(123, 0).UTC(),
	}

	if _, ok, err := store.Get(ctx, fp); err != nil || ok {
		t.Fatalf("expected miss before Put, ok=%v err=%v", ok, err)
	}
	if err := store.Put(ctx, fp, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := store.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if string(got.Body) != "hash-abc" || got.ContentType != "text/plain" || got.StatusCode != 0 {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Overwrite semantics.
	rec2 := rec
	rec2.Body = []byte("hash-def")
	if err := store.Put(ctx, fp, rec2); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, ok, err = store.Get(ctx, fp)
	if err != nil || !ok || string(got.Body) != "hash-def" {
		t.Fatalf("expected overwritten record, got ok=%v err=%v body=%q", ok, err, string(got.Body))
	}

	// Every fingerprint component participates in the key.
	other := fp
	other.RunID = domain.RunID(uuid.NewString())
	if _, ok, err := store.Get(ctx, other); err != nil || ok {
		t.Fatalf("expected miss for other run, ok=%v err=%v", ok, err)
	}
	other = fp
	other.BodyHash = "different"
	if _, ok, err := store.Get(ctx, other); err != nil || ok {
		t.Fatalf("expected miss for other body hash, ok=%v err=%v", ok, err)
	}
}

// RunSessionRepo exercises the sessionrepo.Repository contract: CRUD by run
// id, optimistic versioning, run isolation and full record round-tripping.
func RunSessionRepo(t *testing.T, newRepo SessionRepoFactory) {
	t.Helper()
	ctx := context.Background()

	repo, cleanup := newRepo(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	now := time.Unix(1_700_000_000, 0).UTC()
	newID := func() domain.RunID { return domain.RunID(uuid.NewString()) }

	t.Run("create get roundtrip", func(t *testing.T) {
		id := newID()
		want := sessionrepoport.Session{
			RunID:     id,
			Record:    FullRecord(id),
			Step:      int(domain.StepCheckout),
			Furthest:  int(domain.StepCheckout),
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repo.Create(ctx, want); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.RunID != id || got.Step != want.Step || got.Furthest != want.Furthest || got.Version != 1 {
			t.Fatalf("session mismatch: %+v", got)
		}
		AssertRecordEqual(t, want.Record, got.Record)
	})

	t.Run("create duplicate", func(t *testing.T) {
		id := newID()
		s := sessionrepoport.Session{RunID: id, Record: domain.NewRecord(id), CreatedAt: now, UpdatedAt: now}
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := repo.Create(ctx, s); !errors.Is(err, sessionrepoport.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		if _, err := repo.Get(ctx, newID()); !errors.Is(err, sessionrepoport.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update bumps version", func(t *testing.T) {
		id := newID()
		if err := repo.Create(ctx, sessionrepoport.Session{RunID: id, Record: domain.NewRecord(id), CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		s, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		s.Step = int(domain.StepEligibility)
		s.Furthest = int(domain.StepEligibility)
		s.Record.Consent.TOS = true
		s.UpdatedAt = now.Add(time.Minute)
		if err := repo.Update(ctx, s); err != nil {
			t.Fatalf("Update: %v", err)
		}
		got, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Version != s.Version+1 || got.Step != int(domain.StepEligibility) || !got.Record.Consent.TOS {
			t.Fatalf("unexpected session after update: %+v", got)
		}

		// A writer holding the old version loses.
		if err := repo.Update(ctx, s); !errors.Is(err, sessionrepoport.ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}
	})

	t.Run("update missing", func(t *testing.T) {
		id := newID()
		err := repo.Update(ctx, sessionrepoport.Session{RunID: id, Record: domain.NewRecord(id), Version: 1})
		if !errors.Is(err, sessionrepoport.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("concurrent updates single winner", func(t *testing.T) {
		id := newID()
		if err := repo.Create(ctx, sessionrepoport.Session{RunID: id, Record: domain.NewRecord(id), CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		base, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s := base
				s.Record = base.Record.Clone()
				s.Step = i % domain.StepCount
				err := repo.Update(ctx, s)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				if !errors.Is(err, sessionrepoport.ErrVersionConflict) {
					t.Errorf("Update: unexpected err=%v", err)
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winning update, got %d", wins)
		}
	})

	t.Run("runs are isolated", func(t *testing.T) {
		a, b := newID(), newID()
		recA := domain.NewRecord(a)
		recA.Profile.FirstName = "Ada"
		recB := domain.NewRecord(b)
		recB.Profile.FirstName = "Grace"
		for _, s := range []sessionrepoport.Session{
			{RunID: a, Record: recA, CreatedAt: now, UpdatedAt: now},
			{RunID: b, Record: recB, CreatedAt: now, UpdatedAt: now},
		} {
			if err := repo.Create(ctx, s); err != nil {
				t.Fatalf("Create: %v", err)
			}
		}

		sa, err := repo.Get(ctx, a)
		if err != nil {
			t.Fatalf("Get a: %v", err)
		}
		sa.Record.Profile.FirstName = "Ada L."
		if err := repo.Update(ctx, sa); err != nil {
			t.Fatalf("Update a: %v", err)
		}

		sb, err := repo.Get(ctx, b)
		if err != nil {
			t.Fatalf("Get b: %v", err)
		}
		if sb.RunID != b || sb.Record.RunID != b || sb.Record.Profile.FirstName != "Grace" || sb.Version != 1 {
			t.Fatalf("run b affected by run a: %+v", sb)
		}
	})

	t.Run("delete", func(t *testing.T) {
		id := newID()
		if err := repo.Create(ctx, sessionrepoport.Session{RunID: id, Record: domain.NewRecord(id), CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := repo.Delete(ctx, id); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := repo.Get(ctx, id); !errors.Is(err, sessionrepoport.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, id); !errors.Is(err, sessionrepoport.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("out of range step stored verbatim", func(t *testing.T) {
		id := newID()
		if err := repo.Create(ctx, sessionrepoport.Session{RunID: id, Record: domain.NewRecord(id), Step: 42, Furthest: 42, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Step != 42 {
			t.Fatalf("step=%d, want 42 (correction belongs to the application)", got.Step)
		}
	})
}
