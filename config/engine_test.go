package config

import (
	"testing"
	"time"
)

func TestLoadEngineSettingsDefaults(t *testing.T) {
	for _, key := range []string{"COST_TOLERANCE", "RECOMPUTE_DEBOUNCE_MS", "TASK_CACHE_TTL_SECONDS",
		"DEFAULT_ALLOCATION_POLICY", "STORE_DRIVER", "CACHE_DRIVER", "LOCK_DRIVER", "COST_EVENTS_TOPIC"} {
		t.Setenv(key, "")
	}
	s := LoadEngineSettings()
	if s.CostTolerance.String() != "0.005" {
		t.Fatalf("tolerance: got %s", s.CostTolerance)
	}
	if s.RecomputeDebounce != 200*time.Millisecond {
		t.Fatalf("debounce: got %s", s.RecomputeDebounce)
	}
	if s.TaskCacheTTL != 5*time.Minute {
		t.Fatalf("ttl: got %s", s.TaskCacheTTL)
	}
	if s.DefaultAllocationPolicy != "FIFO" || s.StoreDriver != StoreDriverMySQL || s.CacheDriver != CacheDriverMemory || s.LockDriver != LockDriverLocal {
		t.Fatalf("unexpected drivers: %+v", s)
	}
	if s.NeedsRedis() {
		t.Fatalf("defaults should not need redis")
	}
}

func TestLoadEngineSettingsOverrides(t *testing.T) {
	t.Setenv("COST_TOLERANCE", "0.01")
	t.Setenv("RECOMPUTE_DEBOUNCE_MS", "50")
	t.Setenv("DEFAULT_ALLOCATION_POLICY", "fefo")
	t.Setenv("CACHE_DRIVER", "Redis")
	s := LoadEngineSettings()
	if s.CostTolerance.String() != "0.01" {
		t.Fatalf("tolerance: got %s", s.CostTolerance)
	}
	if s.RecomputeDebounce != 50*time.Millisecond {
		t.Fatalf("debounce: got %s", s.RecomputeDebounce)
	}
	if s.DefaultAllocationPolicy != "FEFO" {
		t.Fatalf("policy: got %s", s.DefaultAllocationPolicy)
	}
	if !s.NeedsRedis() {
		t.Fatalf("redis cache should need redis")
	}
}

func TestLoadEngineSettingsRejectsBadTolerance(t *testing.T) {
	t.Setenv("COST_TOLERANCE", "-1")
	if got := LoadEngineSettings().CostTolerance.String(); got != "0.005" {
		t.Fatalf("negative tolerance should fall back, got %s", got)
	}
	t.Setenv("COST_TOLERANCE", "abc")
	if got := LoadEngineSettings().CostTolerance.String(); got != "0.005" {
		t.Fatalf("garbage tolerance should fall back, got %s", got)
	}
}
