package workflow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires redis)")
	}
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLocker(redislock.New(client), 5*time.Second)
	l.Backoff = 10 * time.Millisecond
	l.Retries = 3
	key := fmt.Sprintf("test:%d", time.Now().UnixNano())

	ctx := context.Background()
	release, err := l.Lock(ctx, key)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := l.Lock(ctx, key); !models.IsConcurrencyConflictError(err) {
		t.Fatalf("second holder should get a conflict, got %v", err)
	}
	release()
	again, err := l.Lock(ctx, key)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}

func TestRedisLockerWithoutClient(t *testing.T) {
	l := NewRedisLocker(nil, time.Second)
	if _, err := l.Lock(context.Background(), "task:1"); err == nil {
		t.Fatalf("expected an error without a redis client")
	}
}
