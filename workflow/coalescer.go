package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/cache"
	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/scheduler"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/sirupsen/logrus"
)

const coalescerModule = "coalescer"

// Coalescer sits in front of the Engine. Mutations run synchronously, then
// schedule one debounced recomputation per task; bursts of changes to the
// same task collapse into a single run whose reason lists every trigger.
// Task listings are served read-through from a TaskListCache which is
// patched in place after each mutation.
type Coalescer struct {
	Engine *Engine
	Cache  cache.TaskListCache
	Logger *logrus.Logger

	debouncer *scheduler.Debouncer[int]
	mu        sync.Mutex
	reasons   map[int][]string
	loadMu    sync.Mutex
	// generation moves on every cache patch; a load that overlapped one
	// must not leave its list behind.
	generation atomic.Uint64
}

func NewCoalescer(engine *Engine, taskCache cache.TaskListCache, window time.Duration, logger *logrus.Logger) *Coalescer {
	if logger == nil {
		logger = engine.Logger
	}
	return &Coalescer{
		Engine:    engine,
		Cache:     taskCache,
		Logger:    logger,
		debouncer: scheduler.NewDebouncer[int](window),
		reasons:   make(map[int][]string),
	}
}

// ScheduleRecompute queues a recomputation of the task after the debounce
// window.
func (c *Coalescer) ScheduleRecompute(taskId int, reason string) {
	c.mu.Lock()
	c.reasons[taskId] = append(c.reasons[taskId], reason)
	c.mu.Unlock()
	if !c.debouncer.Schedule(taskId, func() { c.runRecompute(taskId) }) {
		c.mu.Lock()
		delete(c.reasons, taskId)
		c.mu.Unlock()
	}
}

func (c *Coalescer) takeReason(taskId int) string {
	c.mu.Lock()
	reasons := c.reasons[taskId]
	delete(c.reasons, taskId)
	c.mu.Unlock()
	reasons = utils.UniqueSlice(reasons)
	if len(reasons) == 0 {
		return "scheduled recompute"
	}
	return strings.Join(reasons, "; ")
}

func (c *Coalescer) runRecompute(taskId int) {
	ctx := utils.SetUsernameInContext(context.Background(), "system")
	reason := c.takeReason(taskId)
	result, err := c.Engine.Recompute(ctx, taskId, reason)
	if models.IsNotFoundError(err) {
		return
	}
	if err != nil {
		config.LogError(c.Logger, coalescerModule, "runRecompute", reason, taskId, err)
		return
	}
	if result.Applied {
		c.refreshCached(ctx, taskId)
	}
}

// Flush runs every pending recomputation now and waits for them.
func (c *Coalescer) Flush() {
	c.debouncer.Flush()
}

// Close cancels pending recomputations and waits for running ones.
func (c *Coalescer) Close() {
	c.debouncer.Stop()
	c.mu.Lock()
	c.reasons = make(map[int][]string)
	c.mu.Unlock()
}

func (c *Coalescer) CreateTask(ctx context.Context, input *models.NewManufacturingTask) (*TaskResult, error) {
	result, err := c.Engine.CreateTask(ctx, input)
	if err != nil {
		return nil, err
	}
	c.addCached(ctx, result.Task)
	c.ScheduleRecompute(result.Task.ID, "task created")
	return result, nil
}

func (c *Coalescer) UpdateTask(ctx context.Context, taskId int, input *models.UpdateManufacturingTask) (*TaskResult, error) {
	result, err := c.Engine.UpdateTask(ctx, taskId, input)
	if err != nil {
		return nil, err
	}
	c.patchCached(ctx, result.Task)
	c.ScheduleRecompute(taskId, "task updated")
	return result, nil
}

func (c *Coalescer) ChangeTaskStatus(ctx context.Context, taskId int, status models.TaskStatus) (*TaskResult, error) {
	result, err := c.Engine.ChangeTaskStatus(ctx, taskId, status)
	if err != nil {
		return nil, err
	}
	c.patchCached(ctx, result.Task)
	c.ScheduleRecompute(taskId, fmt.Sprintf("status changed to %s", status))
	return result, nil
}

func (c *Coalescer) DeleteTask(ctx context.Context, taskId int) ([]string, error) {
	warnings, err := c.Engine.DeleteTask(ctx, taskId)
	if err != nil {
		return nil, err
	}
	c.debouncer.Cancel(taskId)
	c.mu.Lock()
	delete(c.reasons, taskId)
	c.mu.Unlock()
	c.removeCached(ctx, taskId)
	return warnings, nil
}

func (c *Coalescer) ConfirmConsumption(ctx context.Context, taskId int) (*TaskResult, error) {
	result, err := c.Engine.ConfirmConsumption(ctx, taskId)
	if err != nil {
		return nil, err
	}
	c.patchCached(ctx, result.Task)
	c.ScheduleRecompute(taskId, "consumption confirmed")
	return result, nil
}

func (c *Coalescer) EditMaterialUsage(ctx context.Context, taskId int, input *models.MaterialUsageInput) (*TaskResult, error) {
	result, err := c.Engine.EditMaterialUsage(ctx, taskId, input)
	if err != nil {
		return nil, err
	}
	c.patchCached(ctx, result.Task)
	c.ScheduleRecompute(taskId, "material usage edited")
	return result, nil
}

func (c *Coalescer) ReleaseHolds(ctx context.Context, taskId int) (*TaskResult, error) {
	result, err := c.Engine.ReleaseHolds(ctx, taskId)
	if err != nil {
		return nil, err
	}
	c.patchCached(ctx, result.Task)
	c.ScheduleRecompute(taskId, "holds released")
	return result, nil
}

// Recompute runs immediately and drops any pending run for the task.
func (c *Coalescer) Recompute(ctx context.Context, taskId int, reason string) (*RecomputeResult, error) {
	if c.debouncer.Cancel(taskId) {
		if pending := c.takeReason(taskId); reason == "" {
			reason = pending
		} else {
			reason = reason + "; " + pending
		}
	}
	if reason == "" {
		reason = "requested recompute"
	}
	result, err := c.Engine.Recompute(ctx, taskId, reason)
	if err != nil {
		return nil, err
	}
	if result.Applied {
		c.refreshCached(ctx, taskId)
	}
	return result, nil
}

func (c *Coalescer) SetManualCost(ctx context.Context, taskId int, input *models.ManualCostInput) (*RecomputeResult, error) {
	result, err := c.Engine.SetManualCost(ctx, taskId, input)
	if err != nil {
		return nil, err
	}
	c.refreshCached(ctx, taskId)
	return result, nil
}

func (c *Coalescer) ClearManualCost(ctx context.Context, taskId int, reason string) (*RecomputeResult, error) {
	result, err := c.Engine.ClearManualCost(ctx, taskId, reason)
	if err != nil {
		return nil, err
	}
	c.refreshCached(ctx, taskId)
	return result, nil
}

func (c *Coalescer) GetTask(ctx context.Context, taskId int) (*models.ManufacturingTask, error) {
	return c.Engine.GetTask(ctx, taskId)
}

func (c *Coalescer) GetCostSnapshot(ctx context.Context, taskId int) (models.CostSnapshot, error) {
	return c.Engine.GetCostSnapshot(ctx, taskId)
}

func (c *Coalescer) GetCostLedger(ctx context.Context, taskId int) ([]models.CostLedgerEntry, error) {
	return c.Engine.GetCostLedger(ctx, taskId)
}

// ListTasks serves the task list from the cache, loading it from the store
// on a miss. Concurrent misses share one load.
func (c *Coalescer) ListTasks(ctx context.Context) ([]*models.ManufacturingTask, error) {
	if c.Cache == nil {
		return c.Engine.ListTasks(ctx)
	}
	if tasks, ok, err := c.Cache.Get(ctx); err == nil && ok {
		return tasks, nil
	} else if err != nil {
		config.LogWarning(c.Logger, coalescerModule, "ListTasks", "read task cache", nil, err)
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if tasks, ok, err := c.Cache.Get(ctx); err == nil && ok {
		return tasks, nil
	}
	gen := c.generation.Load()
	tasks, err := c.Engine.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	if c.generation.Load() != gen {
		return tasks, nil
	}
	if err := c.Cache.Put(ctx, tasks); err != nil {
		config.LogWarning(c.Logger, coalescerModule, "ListTasks", "fill task cache", nil, err)
	}
	if c.generation.Load() != gen {
		// a patch slipped in between the check and the Put
		c.invalidate(ctx, "ListTasks", nil)
	}
	return tasks, nil
}

func (c *Coalescer) refreshCached(ctx context.Context, taskId int) {
	if c.Cache == nil {
		return
	}
	task, err := c.Engine.GetTask(ctx, taskId)
	if err != nil {
		c.invalidate(ctx, "refreshCached", err)
		return
	}
	c.patchCached(ctx, task)
}

func (c *Coalescer) patchCached(ctx context.Context, task *models.ManufacturingTask) {
	if c.Cache == nil {
		return
	}
	c.generation.Add(1)
	ok, err := c.Cache.Patch(ctx, task.ID, task)
	if err != nil || !ok {
		c.invalidate(ctx, "patchCached", err)
	}
}

func (c *Coalescer) addCached(ctx context.Context, task *models.ManufacturingTask) {
	if c.Cache == nil {
		return
	}
	c.generation.Add(1)
	ok, err := c.Cache.Add(ctx, task)
	if err != nil || !ok {
		c.invalidate(ctx, "addCached", err)
	}
}

func (c *Coalescer) removeCached(ctx context.Context, taskId int) {
	if c.Cache == nil {
		return
	}
	c.generation.Add(1)
	ok, err := c.Cache.Patch(ctx, taskId, nil)
	if err != nil || !ok {
		c.invalidate(ctx, "removeCached", err)
	}
}

func (c *Coalescer) invalidate(ctx context.Context, funcName string, cause error) {
	c.generation.Add(1)
	if cause != nil {
		config.LogWarning(c.Logger, coalescerModule, funcName, "patch task cache", nil, cause)
	}
	if err := c.Cache.Invalidate(ctx); err != nil {
		config.LogError(c.Logger, coalescerModule, funcName, "invalidate task cache", nil, err)
	}
}
