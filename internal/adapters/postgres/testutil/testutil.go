// Package testutil provides a migrated Postgres pool for adapter tests.
//
// Tests use INTAKE_TEST_DATABASE_URL when set. Otherwise, with
// INTAKE_TEST_CONTAINERS=1, a throwaway Postgres container is started once per
// test binary. With neither, Postgres-backed tests are skipped.
package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	postgres "github.com/metabolic-care/intake-api/internal/adapters/postgres"
)

const (
	envDatabaseURL = "INTAKE_TEST_DATABASE_URL"
	envContainers  = "INTAKE_TEST_CONTAINERS"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// DSN returns the connection string for the test database, or skips t.
func DSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv(envDatabaseURL); dsn != "" {
		return dsn
	}
	if os.Getenv(envContainers) != "1" {
		t.Skipf("postgres tests disabled: set %s or %s=1", envDatabaseURL, envContainers)
	}
	containerOnce.Do(func() {
		containerDSN, containerErr = startContainer()
	})
	if containerErr != nil {
		t.Fatalf("start postgres container: %v", containerErr)
	}
	return containerDSN
}

// OpenMigratedPool returns a pool against a fully migrated database. The
// pool is closed when the test finishes.
func OpenMigratedPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := DSN(t)
	if err := postgres.Migrate(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{MaxConns: 8})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// Containers are reaped by the testcontainers reaper when the test binary exits.
func startContainer() (string, error) {
	ctx := context.Background()
	c, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("intake"),
		tcpostgres.WithUsername("intake"),
		tcpostgres.WithPassword("intake"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", err
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(c)
		return "", err
	}
	return dsn, nil
}
