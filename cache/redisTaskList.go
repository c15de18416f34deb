package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultRedisTaskListKey = "production:tasks:list"

// RedisTaskListCache keeps the task list as one JSON value so every
// instance sees the same list. Patches run in a WATCH transaction and keep
// the key's remaining TTL.
type RedisTaskListCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	Logger *logrus.Logger
}

var _ TaskListCache = (*RedisTaskListCache)(nil)

func NewRedisTaskListCache(client *redis.Client, ttl time.Duration) *RedisTaskListCache {
	return &RedisTaskListCache{client: client, key: defaultRedisTaskListKey, ttl: ttl, Logger: config.GetLogger()}
}

// WithKey overrides the redis key, mainly to isolate tests.
func (c *RedisTaskListCache) WithKey(key string) *RedisTaskListCache {
	c.key = key
	return c
}

func (c *RedisTaskListCache) Get(ctx context.Context) ([]*models.ManufacturingTask, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var tasks []*models.ManufacturingTask
	if err := json.Unmarshal(raw, &tasks); err != nil {
		// unreadable payload is treated as a miss and dropped
		config.LogWarning(c.Logger, "cache", "RedisTaskListCache.Get", "unreadable task list", c.key, err)
		if delErr := c.client.Del(ctx, c.key).Err(); delErr != nil {
			config.LogWarning(c.Logger, "cache", "RedisTaskListCache.Get", "drop unreadable task list", c.key, delErr)
		}
		return nil, false, nil
	}
	return tasks, true, nil
}

func (c *RedisTaskListCache) Put(ctx context.Context, tasks []*models.ManufacturingTask) error {
	data, err := json.Marshal(tasks)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, data, c.ttl).Err()
}

func (c *RedisTaskListCache) Patch(ctx context.Context, id int, task *models.ManufacturingTask) (bool, error) {
	return c.update(ctx, func(tasks []*models.ManufacturingTask) ([]*models.ManufacturingTask, bool) {
		return patchTasks(tasks, id, task)
	})
}

func (c *RedisTaskListCache) Add(ctx context.Context, task *models.ManufacturingTask) (bool, error) {
	return c.update(ctx, func(tasks []*models.ManufacturingTask) ([]*models.ManufacturingTask, bool) {
		return append(tasks, task), true
	})
}

func (c *RedisTaskListCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}

func (c *RedisTaskListCache) update(ctx context.Context, fn func([]*models.ManufacturingTask) ([]*models.ManufacturingTask, bool)) (bool, error) {
	applied := false
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, c.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var tasks []*models.ManufacturingTask
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return nil
		}
		next, ok := fn(tasks)
		if !ok {
			return nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, c.key, data, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, c.key)
	if errors.Is(err, redis.TxFailedErr) {
		// another writer touched the list; the caller invalidates
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}
