package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StoreDriverMySQL  = "mysql"
	StoreDriverSQLite = "sqlite"
	StoreDriverMemory = "memory"

	CacheDriverMemory = "memory"
	CacheDriverRedis  = "redis"
	CacheDriverNone   = "none"

	LockDriverLocal = "local"
	LockDriverRedis = "redis"
)

// EngineSettings are the costing engine knobs.
//
// Env:
// - COST_TOLERANCE (default 0.005)
// - RECOMPUTE_DEBOUNCE_MS (default 200)
// - TASK_CACHE_TTL_SECONDS (default 300)
// - DEFAULT_ALLOCATION_POLICY FIFO|FEFO (default FIFO)
// - STORE_DRIVER mysql|sqlite|memory (default mysql)
// - SQLITE_PATH (default production.db; used by the sqlite driver)
// - CACHE_DRIVER memory|redis|none (default memory)
// - LOCK_DRIVER local|redis (default local)
// - LOCK_TTL_SECONDS (default 30)
// - COST_EVENTS_TOPIC (optional; empty disables publishing)
type EngineSettings struct {
	CostTolerance           decimal.Decimal
	RecomputeDebounce       time.Duration
	TaskCacheTTL            time.Duration
	DefaultAllocationPolicy string
	StoreDriver             string
	SQLitePath              string
	CacheDriver             string
	LockDriver              string
	LockTTL                 time.Duration
	CostEventsTopic         string
}

func LoadEngineSettings() EngineSettings {
	return EngineSettings{
		CostTolerance:           decimalFromEnv("COST_TOLERANCE", decimal.RequireFromString("0.005")),
		RecomputeDebounce:       time.Duration(intFromEnv("RECOMPUTE_DEBOUNCE_MS", 200)) * time.Millisecond,
		TaskCacheTTL:            time.Duration(intFromEnv("TASK_CACHE_TTL_SECONDS", 300)) * time.Second,
		DefaultAllocationPolicy: strings.ToUpper(stringFromEnv("DEFAULT_ALLOCATION_POLICY", "FIFO")),
		StoreDriver:             strings.ToLower(stringFromEnv("STORE_DRIVER", StoreDriverMySQL)),
		SQLitePath:              stringFromEnv("SQLITE_PATH", "production.db"),
		CacheDriver:             strings.ToLower(stringFromEnv("CACHE_DRIVER", CacheDriverMemory)),
		LockDriver:              strings.ToLower(stringFromEnv("LOCK_DRIVER", LockDriverLocal)),
		LockTTL:                 time.Duration(intFromEnv("LOCK_TTL_SECONDS", 30)) * time.Second,
		CostEventsTopic:         strings.TrimSpace(os.Getenv("COST_EVENTS_TOPIC")),
	}
}

// NeedsRedis reports whether any configured driver talks to Redis.
func (s EngineSettings) NeedsRedis() bool {
	return s.CacheDriver == CacheDriverRedis || s.LockDriver == LockDriverRedis
}

func stringFromEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return def
	}
	return d
}

// BoolFromEnv accepts 1/true/yes/y.
func BoolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
