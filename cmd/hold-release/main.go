package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"bitbucket.org/mmdatafocus/production_backend/workflow"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// hold-release frees soft-holds left on finished or cancelled tasks so the
// stock becomes bookable again.
func main() {
	statuses := flag.String("statuses", "DONE,CANCELLED", "Comma-separated task statuses whose holds are released")
	sqlitePath := flag.String("sqlite", "", "Optional: sqlite file instead of the MySQL database")
	dryRun := flag.Bool("dry-run", false, "List the tasks and held quantities without releasing")
	flag.Parse()

	wanted := make(map[models.TaskStatus]bool)
	for _, s := range strings.Split(*statuses, ",") {
		status := models.TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
		if status == "" {
			continue
		}
		if !status.IsValid() {
			fmt.Fprintf(os.Stderr, "unknown status %q\n", s)
			os.Exit(1)
		}
		wanted[status] = true
	}

	db, err := openDB(*sqlitePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}
	logger := config.GetLogger()
	tasks := models.NewGormTaskStore(db)
	engine := workflow.NewEngine(tasks, models.NewGormStockLedger(db), models.NewGormOrderBook(db), logger)
	if err := useServerLocks(engine, config.LoadEngineSettings()); err != nil {
		fmt.Fprintf(os.Stderr, "locks: %v\n", err)
		os.Exit(1)
	}
	defer config.CloseRedis()

	ctx := utils.SetUsernameInContext(context.Background(), "hold-release")
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	all, err := tasks.ListTasks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
		os.Exit(1)
	}

	var released, failed int
	for _, task := range all {
		if !wanted[task.Status] {
			continue
		}
		holds := 0
		for _, a := range task.Allocations {
			if a.Status == models.AllocationStatusHeld {
				holds++
			}
		}
		if holds == 0 {
			continue
		}
		fmt.Printf("task=%d number=%s status=%s holds=%d\n", task.ID, task.Number, task.Status, holds)
		if *dryRun {
			continue
		}
		result, err := engine.ReleaseHolds(ctx, task.ID)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "task %d failed: %v\n", task.ID, err)
			continue
		}
		released++
		for _, w := range result.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}
	fmt.Printf("Done. released=%d failed=%d\n", released, failed)
	if failed > 0 {
		os.Exit(2)
	}
}

// useServerLocks takes the same locks as a running server so the CLI
// serializes with it on shared tasks and orders.
func useServerLocks(engine *workflow.Engine, settings config.EngineSettings) error {
	if settings.LockDriver == config.LockDriverRedis {
		config.ConnectRedisWithRetry()
	}
	locker, err := workflow.LockerFor(settings, config.GetRedisLock())
	if err != nil {
		return err
	}
	engine.Locker = locker
	return nil
}

func openDB(sqlitePath string) (*gorm.DB, error) {
	if strings.TrimSpace(sqlitePath) != "" {
		return config.OpenSQLite(sqlitePath)
	}
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return db, nil
}
