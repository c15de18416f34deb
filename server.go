package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/cache"
	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/handlers"
	"bitbucket.org/mmdatafocus/production_backend/memstore"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

type stores struct {
	tasks  models.TaskStore
	stock  models.StockLedger
	orders models.OrderBook
	db     *gorm.DB
}

// openStores connects the configured store driver and runs migrations unless
// SKIP_MIGRATIONS is set.
func openStores(settings config.EngineSettings, logger *logrus.Logger) (*stores, error) {
	var db *gorm.DB
	switch settings.StoreDriver {
	case config.StoreDriverMemory:
		logger.WithFields(logrus.Fields{"field": "store"}).Warn("STORE_DRIVER=memory; data is not persisted")
		return &stores{
			tasks:  memstore.NewTaskStore(),
			stock:  memstore.NewStockLedger(),
			orders: memstore.NewOrderBook(),
		}, nil
	case config.StoreDriverSQLite:
		var err error
		db, err = config.OpenSQLite(settings.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", settings.SQLitePath, err)
		}
	case config.StoreDriverMySQL:
		config.ConnectDatabaseWithRetry()
		db = config.GetDB()
		setReadCommitted(db, logger)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", settings.StoreDriver)
	}

	if !config.BoolFromEnv("SKIP_MIGRATIONS") {
		if err := models.MigrateTable(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	return &stores{
		tasks:  models.NewGormTaskStore(db),
		stock:  models.NewGormStockLedger(db),
		orders: models.NewGormOrderBook(db),
		db:     db,
	}, nil
}

func setReadCommitted(db *gorm.DB, logger *logrus.Logger) {
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			return
		}
		sleep := config.RetryBackoff(attempt)
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}
}

// buildCoalescer wires the engine with its lock, observers and task cache.
func buildCoalescer(settings config.EngineSettings, st *stores, logger *logrus.Logger) (*workflow.Coalescer, error) {
	engine := workflow.NewEngine(st.tasks, st.stock, st.orders, logger)
	engine.Epsilon = settings.CostTolerance
	policy := models.AllocationPolicy(settings.DefaultAllocationPolicy)
	if !policy.IsValid() {
		return nil, fmt.Errorf("unknown DEFAULT_ALLOCATION_POLICY %q", settings.DefaultAllocationPolicy)
	}
	engine.DefaultPolicy = policy

	locker, err := workflow.LockerFor(settings, config.GetRedisLock())
	if err != nil {
		return nil, err
	}
	engine.Locker = locker

	if settings.CostEventsTopic != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := config.EnsureTopic(ctx, settings.CostEventsTopic); err != nil {
			config.LogWarning(logger, "server", "buildCoalescer", "ensure cost events topic", settings.CostEventsTopic, err)
		}
		cancel()
		engine.Observers = append(engine.Observers, workflow.NewPubSubCostObserver(settings.CostEventsTopic, logger))
	}

	var taskCache cache.TaskListCache
	switch settings.CacheDriver {
	case config.CacheDriverMemory:
		taskCache = cache.NewMemoryTaskListCache(settings.TaskCacheTTL)
	case config.CacheDriverRedis:
		taskCache = cache.NewRedisTaskListCache(config.GetRedisDB(), settings.TaskCacheTTL)
	case config.CacheDriverNone:
	default:
		return nil, fmt.Errorf("unknown CACHE_DRIVER %q", settings.CacheDriver)
	}
	return workflow.NewCoalescer(engine, taskCache, settings.RecomputeDebounce, logger), nil
}

func corsConfig() cors.Config {
	c := cors.DefaultConfig()
	// production requires an explicit allowlist; elsewhere allow all
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			c.AllowOrigins = []string{}
		} else {
			c.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		c.AllowAllOrigins = true
	}
	c.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	c.AddAllowHeaders("Origin", "Content-Type", "Authorization", handlers.HeaderCorrelationId, handlers.HeaderUser, handlers.HeaderUserName)
	c.AddExposeHeaders("Content-Length", handlers.HeaderCorrelationId)
	c.AllowCredentials = !c.AllowAllOrigins
	return c
}

func envInt64(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings := config.LoadEngineSettings()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The port opens before dependencies are ready; app routes answer 503
	// until the engine is wired.
	var ready atomic.Bool
	handler := handlers.NewHandler(nil, logger)

	r := gin.New()
	r.Use(handlers.CorrelationId())
	r.Use(handlers.Readiness(ready.Load))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(cors.New(corsConfig()))

	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	rateLimited := config.BoolFromEnv("RATE_LIMIT_ENABLED")
	var limiter *handlers.RateLimiter
	if rateLimited {
		r.Use(func(c *gin.Context) {
			if limiter == nil {
				c.Next()
				return
			}
			limiter.Middleware(c)
		})
	}

	r.Use(handlers.Actor())
	r.Use(handlers.ErrorLogger(logger))
	r.Use(gin.Recovery())
	handler.Register(r)
	r.NoRoute(handlers.NotFound)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	if settings.NeedsRedis() || rateLimited {
		config.ConnectRedisWithRetry()
		defer config.CloseRedis()
	}
	if rateLimited {
		limiter = handlers.NewRateLimiter(config.GetRedisDB(),
			envInt64("RATE_LIMIT_MAX_REQUESTS", 600),
			time.Duration(envInt64("RATE_LIMIT_WINDOW_SECONDS", 60))*time.Second)
	}

	st, err := openStores(settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "store"}).Fatal(err.Error())
	}
	if st.db != nil {
		if sqlDB, err := st.db.DB(); err == nil {
			defer sqlDB.Close()
		}
	}

	coalescer, err := buildCoalescer(settings, st, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "engine"}).Fatal(err.Error())
	}
	handler.Service = coalescer
	ready.Store(true)

	logger.WithFields(logrus.Fields{
		"store": settings.StoreDriver,
		"cache": settings.CacheDriver,
		"lock":  settings.LockDriver,
	}).Info("production costing listening on :" + port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// run what is already scheduled, then stop the timers
	coalescer.Flush()
	coalescer.Close()
	config.ClosePubSub()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
