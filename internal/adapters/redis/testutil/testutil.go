// Package testutil provides a Redis client for adapter tests.
//
// Tests use INTAKE_TEST_REDIS_URL when set. Otherwise, with
// INTAKE_TEST_CONTAINERS=1, a throwaway Redis container is started once per
// test binary. With neither, Redis-backed tests are skipped.
package testutil

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const (
	envRedisURL   = "INTAKE_TEST_REDIS_URL"
	envContainers = "INTAKE_TEST_CONTAINERS"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// OpenClient returns a pinged client that is closed when t finishes.
func OpenClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv(envRedisURL)
	if url == "" {
		if os.Getenv(envContainers) != "1" {
			t.Skip("redis tests disabled: set " + envRedisURL + " or " + envContainers + "=1")
		}
		containerOnce.Do(func() {
			ctx := context.Background()
			c, err := tcredis.Run(ctx, "redis:7-alpine")
			if err != nil {
				containerErr = err
				return
			}
			containerURL, containerErr = c.ConnectionString(ctx)
		})
		if containerErr != nil {
			t.Fatalf("start redis container: %v", containerErr)
		}
		url = containerURL
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
