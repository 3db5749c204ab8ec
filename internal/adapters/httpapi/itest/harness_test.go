package itest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/metabolic-care/intake-api/internal/adapters/httpapi"
	memclock "github.com/metabolic-care/intake-api/internal/adapters/memory/clock"
	memdelivery "github.com/metabolic-care/intake-api/internal/adapters/memory/delivery"
	memidempotency "github.com/metabolic-care/intake-api/internal/adapters/memory/idempotency"
	memsessionrepo "github.com/metabolic-care/intake-api/internal/adapters/memory/sessionrepo"
	pgidempotency "github.com/metabolic-care/intake-api/internal/adapters/postgres/idempotency"
	pgsessionrepo "github.com/metabolic-care/intake-api/internal/adapters/postgres/sessionrepo"
	postgres_testutil "github.com/metabolic-care/intake-api/internal/adapters/postgres/testutil"
	"github.com/metabolic-care/intake-api/internal/adapters/sqlite"
	sqlitesessionrepo "github.com/metabolic-care/intake-api/internal/adapters/sqlite/sessionrepo"
	"github.com/metabolic-care/intake-api/internal/app/wizard"
	"github.com/metabolic-care/intake-api/internal/platform/logger"
	idempotencyport "github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
	sessionrepoport "github.com/metabolic-care/intake-api/internal/ports/out/sessionrepo"
)

type backend string

const (
	backendMemory   backend = "memory"
	backendPostgres backend = "postgres"
	backendSQLite   backend = "sqlite"
)

func backendsFromEnv(t *testing.T) []backend {
	t.Helper()
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ITEST_BACKEND"))) {
	case "", "memory":
		return []backend{backendMemory}
	case "postgres":
		return []backend{backendPostgres}
	case "sqlite":
		return []backend{backendSQLite}
	case "all":
		return []backend{backendMemory, backendPostgres, backendSQLite}
	default:
		t.Fatalf("unknown ITEST_BACKEND value (expected memory|postgres|sqlite|all)")
		return nil
	}
}

type testServer struct {
	baseURL   string
	client    *http.Client
	svc       *wizard.Service
	delivered *memdelivery.Recorder
}

func newTestServer(t *testing.T, b backend) *testServer {
	t.Helper()

	clk := memclock.NewManualClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	var (
		sessions  sessionrepoport.Repository
		idemStore idempotencyport.Store
	)

	switch b {
	case backendPostgres:
		pool := postgres_testutil.OpenMigratedPool(t)
		sessions = pgsessionrepo.NewRepo(pool)
		idemStore = pgidempotency.NewStore(pool)
	case backendSQLite:
		db, err := sqlite.Open(filepath.Join(t.TempDir(), "itest.db"))
		if err != nil {
			if strings.Contains(err.Error(), "cgo") {
				t.Skipf("sqlite unavailable: %v", err)
			}
			t.Fatalf("sqlite.Open: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		if err := sqlite.Migrate(db); err != nil {
			t.Fatalf("sqlite.Migrate: %v", err)
		}
		sessions = sqlitesessionrepo.NewRepo(db)
		idemStore = memidempotency.NewStore()
	case backendMemory:
		sessions = memsessionrepo.NewRepo()
		idemStore = memidempotency.NewStore()
	default:
		t.Fatalf("unknown backend: %s", b)
	}

	rec := memdelivery.NewRecorder()
	svc, err := wizard.New(sessions, clk,
		wizard.WithLogger(logger.Discard()),
		wizard.WithDelivery(rec),
	)
	if err != nil {
		t.Fatalf("wizard.New: %v", err)
	}
	api := httpapi.NewServer(svc, idemStore, clk)
	handler := httpapi.NewRouter(api, httpapi.RouterOptions{Logger: logger.Discard()})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Cleanup(svc.Wait)

	return &testServer{
		baseURL:   srv.URL,
		client:    srv.Client(),
		svc:       svc,
		delivered: rec,
	}
}

func (s *testServer) url(path string) string {
	if strings.HasPrefix(path, "/") {
		return s.baseURL + path
	}
	return s.baseURL + "/" + path
}

func (s *testServer) doJSON(t *testing.T, method string, path string, idemKey string, body any) (int, []byte, http.Header) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.url(path), r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, resp.Header
}

type errorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

type viewResponse struct {
	RunID     string   `json:"runId"`
	Step      string   `json:"step"`
	StepIndex int      `json:"stepIndex"`
	Actions   []string `json:"actions"`
	Record    struct {
		Metrics struct {
			BMI *float64 `json:"bmi"`
		} `json:"metrics"`
		Plan struct {
			SelectedPlanID *string `json:"selectedPlanId"`
			Price          *int    `json:"price"`
		} `json:"plan"`
		SubmittedAt *time.Time `json:"submittedAt"`
	} `json:"record"`
}

func mustUnmarshal[T any](t *testing.T, b []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v\nbody=%s", err, string(b))
	}
	return out
}

func requireStatus(t *testing.T, status int, body []byte, want int) {
	t.Helper()
	if status != want {
		t.Fatalf("status=%d want=%d body=%s", status, want, string(body))
	}
}

func requireErrorCode(t *testing.T, status int, body []byte, wantStatus int, wantCode string) {
	t.Helper()
	requireStatus(t, status, body, wantStatus)
	got := mustUnmarshal[errorResponse](t, body)
	if got.Error.Code != wantCode {
		t.Fatalf("error.code=%q want=%q body=%s", got.Error.Code, wantCode, string(body))
	}
}

func requireHeaderPresent(t *testing.T, h http.Header, key string) {
	t.Helper()
	if strings.TrimSpace(h.Get(key)) == "" {
		t.Fatalf("expected header %q to be present", key)
	}
}
