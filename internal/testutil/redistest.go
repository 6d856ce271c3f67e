package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// RedisTest returns a client on a flushed redis database. The server comes
// from REDIS_ADDR; without it, REDISTEST_CONTAINER=1 starts one redis
// container per test binary; otherwise the test is skipped.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		if os.Getenv("REDISTEST_CONTAINER") != "1" {
			t.Skip("REDIS_ADDR not set, skipping redis test")
		}
		addr = redisContainerAddr(t)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.FlushDB(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: flush: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func redisContainerAddr(t *testing.T) string {
	t.Helper()
	redisOnce.Do(func() {
		ctx := context.Background()
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			redisErr = err
			return
		}
		redisAddr, redisErr = c.Endpoint(ctx, "")
	})
	if redisErr != nil {
		t.Fatalf("redistest: start redis container: %v", redisErr)
	}
	return redisAddr
}
