package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), taskLockKey(1))
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxSeen)
	}
	if len(l.locks) != 0 {
		t.Fatalf("lock entries leaked: %d", len(l.locks))
	}
}

func TestLocalLockerHonorsContext(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), orderLockKey(7))
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	other, err := l.Lock(context.Background(), orderLockKey(8))
	if err != nil {
		t.Fatalf("different keys must not block: %v", err)
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, orderLockKey(7)); !models.IsConcurrencyConflictError(err) {
		t.Fatalf("expected a conflict on timeout, got %v", err)
	}
}

func TestLockerForFollowsLockDriver(t *testing.T) {
	if l, err := LockerFor(config.EngineSettings{LockDriver: config.LockDriverLocal}, nil); err != nil {
		t.Fatalf("local: %v", err)
	} else if _, ok := l.(*LocalLocker); !ok {
		t.Fatalf("local driver should give a LocalLocker, got %T", l)
	}

	if _, err := LockerFor(config.EngineSettings{LockDriver: config.LockDriverRedis}, nil); err == nil {
		t.Fatalf("redis driver without a client should fail")
	}

	client := redislock.New(redis.NewClient(&redis.Options{Addr: "localhost:0"}))
	l, err := LockerFor(config.EngineSettings{LockDriver: config.LockDriverRedis, LockTTL: 7 * time.Second}, client)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	rl, ok := l.(*RedisLocker)
	if !ok || rl.Client != client || rl.TTL != 7*time.Second {
		t.Fatalf("redis driver should give a RedisLocker with the settings' ttl, got %#v", l)
	}

	if _, err := LockerFor(config.EngineSettings{LockDriver: "zookeeper"}, nil); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}
