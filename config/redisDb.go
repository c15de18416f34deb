package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

func init() {
	godotenv.Load()
}

// ConnectRedisWithRetry sets the shared Redis client and the redislock
// client built on it. Blocks until PING succeeds.
func ConnectRedisWithRetry() {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
		log.Printf("REDIS_ADDRESS not set; defaulting to %s", addr)
	}
	opts := &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intFromEnv("REDIS_DB", 0),
		PoolSize: intFromEnv("REDIS_POOL_SIZE", 100),
	}
	for attempt := 1; ; attempt++ {
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			rdb, locker = client, redislock.New(client)
			log.Printf("connected to redis (attempt=%d addr=%s)", attempt, addr)
			return
		}
		_ = client.Close()
		sleep := RetryBackoff(attempt)
		log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, addr, err, sleep)
		time.Sleep(sleep)
	}
}

func CloseRedis() {
	if rdb != nil {
		_ = rdb.Close()
	}
}
