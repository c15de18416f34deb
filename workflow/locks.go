package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/bsm/redislock"
)

// Locker serializes work on one aggregate. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

func taskLockKey(taskId int) string {
	return fmt.Sprintf("task:%d", taskId)
}

func orderLockKey(orderId int) string {
	return fmt.Sprintf("order:%d", orderId)
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex that honors ctx cancellation.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyedLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[key]
	if !ok {
		k = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, k)
		return nil, &models.ConcurrencyConflictError{Resource: "lock", Key: key, Err: ctx.Err()}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			l.drop(key, k)
		})
	}, nil
}

func (l *LocalLocker) drop(key string, k *keyedLock) {
	l.mu.Lock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// RedisLocker takes locks through redislock so several instances serialize
// on the same task or order.
type RedisLocker struct {
	Client  *redislock.Client
	TTL     time.Duration
	Backoff time.Duration
	Retries int
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		Client:  client,
		TTL:     ttl,
		Backoff: 50 * time.Millisecond,
		Retries: 100,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.Client == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := l.Client.Obtain(ctx, "production:"+key, l.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.Backoff), l.Retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, &models.ConcurrencyConflictError{Resource: "lock", Key: key, Err: utils.ErrorLockNotObtained}
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}

// LockerFor builds the Locker named by LOCK_DRIVER. The redis driver needs
// a connected redislock client.
func LockerFor(settings config.EngineSettings, client *redislock.Client) (Locker, error) {
	switch settings.LockDriver {
	case config.LockDriverLocal, "":
		return NewLocalLocker(), nil
	case config.LockDriverRedis:
		if client == nil {
			return nil, errors.New("LOCK_DRIVER=redis but redis is not connected")
		}
		return NewRedisLocker(client, settings.LockTTL), nil
	default:
		return nil, fmt.Errorf("unknown LOCK_DRIVER %q", settings.LockDriver)
	}
}
