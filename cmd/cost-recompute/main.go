package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"bitbucket.org/mmdatafocus/production_backend/workflow"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// cost-recompute re-derives task costs from live batch prices, e.g. after a
// bulk price correction, and pushes the new costs to referencing orders.
func main() {
	taskIDs := flag.String("task-ids", "", "Optional: comma-separated task ids (default: every task)")
	reason := flag.String("reason", "batch price correction", "Reason written to the cost ledger")
	sqlitePath := flag.String("sqlite", "", "Optional: sqlite file instead of the MySQL database")
	dryRun := flag.Bool("dry-run", false, "Compute and print without saving")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing tasks and continue with the rest")
	flag.Parse()

	db, err := openDB(*sqlitePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}
	logger := config.GetLogger()
	settings := config.LoadEngineSettings()

	tasks := models.NewGormTaskStore(db)
	engine := workflow.NewEngine(tasks, models.NewGormStockLedger(db), models.NewGormOrderBook(db), logger)
	engine.Epsilon = settings.CostTolerance
	if err := useServerLocks(engine, settings); err != nil {
		fmt.Fprintf(os.Stderr, "locks: %v\n", err)
		os.Exit(1)
	}
	defer config.CloseRedis()

	ctx := utils.SetUsernameInContext(context.Background(), "cost-recompute")
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	ids, err := parseIds(*taskIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --task-ids: %v\n", err)
		os.Exit(1)
	}
	if len(ids) == 0 {
		all, err := tasks.ListTasks(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
			os.Exit(1)
		}
		for _, t := range all {
			ids = append(ids, t.ID)
		}
	}

	var applied, skipped, failed int
	for _, id := range ids {
		if *dryRun {
			preview, err := engine.PreviewCost(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "task %d: %v\n", id, err)
				failed++
				continue
			}
			fmt.Printf("task=%d material=%s full=%s unit_full=%s\n", id,
				preview.TotalMaterialCost, preview.TotalFullCost, preview.UnitFullCost)
			continue
		}

		result, err := engine.Recompute(ctx, id, *reason)
		if err != nil {
			failed++
			if *continueOnError {
				fmt.Fprintf(os.Stderr, "task %d failed (skipping): %v\n", id, err)
				continue
			}
			fmt.Fprintf(os.Stderr, "task %d failed: %v\n", id, err)
			os.Exit(1)
		}
		if !result.Applied {
			skipped++
			continue
		}
		applied++
		fmt.Printf("task=%d full=%s unit_full=%s\n", id, result.Snapshot.TotalFullCost, result.Snapshot.UnitFullCost)
		for _, w := range result.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}
	fmt.Printf("Done. applied=%d unchanged=%d failed=%d\n", applied, skipped, failed)
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

func parseIds(csv string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("bad id %q", part)
		}
		ids = append(ids, id)
	}
	return utils.UniqueSlice(ids), nil
}
