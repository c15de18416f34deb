package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/cache"
	"bitbucket.org/mmdatafocus/production_backend/models"
)

func newTestCoalescer(t *testing.T, f *fixture, window time.Duration) (*Coalescer, *cache.MemoryTaskListCache) {
	t.Helper()
	taskCache := cache.NewMemoryTaskListCache(time.Minute)
	c := NewCoalescer(f.engine, taskCache, window, f.engine.Logger)
	t.Cleanup(c.Close)
	return c, taskCache
}

func TestCoalescerCollapsesBurstIntoOneRecompute(t *testing.T) {
	f, itemId, _, _ := fefoScenario(t)
	c, _ := newTestCoalescer(t, f, time.Hour)

	created, err := c.CreateTask(testCtx(), taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "100")))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	taskId := created.Task.ID
	if _, err := c.ConfirmConsumption(testCtx(), taskId); err != nil {
		t.Fatalf("ConfirmConsumption: %v", err)
	}
	if _, err := c.ChangeTaskStatus(testCtx(), taskId, models.TaskStatusDone); err != nil {
		t.Fatalf("ChangeTaskStatus: %v", err)
	}
	if n := c.debouncer.Pending(); n != 1 {
		t.Fatalf("expected one pending recompute, got %d", n)
	}

	c.Flush()
	ledger, _ := c.GetCostLedger(testCtx(), taskId)
	if len(ledger) != 1 {
		t.Fatalf("expected exactly one recompute, got %d ledger entries", len(ledger))
	}
	want := "task created; consumption confirmed; status changed to DONE"
	if ledger[0].Reason != want {
		t.Fatalf("reason: expected %q, got %q", want, ledger[0].Reason)
	}
	if ledger[0].Actor != "system" {
		t.Fatalf("scheduled recompute should run as system, got %q", ledger[0].Actor)
	}
	assertDec(t, "total material", ledger[0].NewTotalMaterialCost, "260")
}

func TestCoalescerRunsAfterWindow(t *testing.T) {
	f, itemId, _, _ := fefoScenario(t)
	c, _ := newTestCoalescer(t, f, 10*time.Millisecond)

	created, err := c.CreateTask(testCtx(), taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "100")))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, _ := c.GetCostSnapshot(testCtx(), created.Task.ID)
		if snapshot.TotalFullCost.Equal(dec("260")) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("debounced recompute did not run")
}

func TestCoalescerExplicitRecomputeTakesPendingReasons(t *testing.T) {
	f, itemId, _, _ := fefoScenario(t)
	c, _ := newTestCoalescer(t, f, time.Hour)

	created, _ := c.CreateTask(testCtx(), taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "100")))
	result, err := c.Recompute(testCtx(), created.Task.ID, "user request")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if !result.Applied || result.Entry.Reason != "user request; task created" {
		t.Fatalf("unexpected result %+v", result.Entry)
	}
	if c.debouncer.Pending() != 0 {
		t.Fatalf("explicit recompute should drop the pending run")
	}
}

func TestCoalescerCloseCancelsPending(t *testing.T) {
	f, itemId, _, _ := fefoScenario(t)
	c, _ := newTestCoalescer(t, f, time.Hour)

	created, _ := c.CreateTask(testCtx(), taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "100")))
	c.Close()
	if c.debouncer.Pending() != 0 {
		t.Fatalf("close should cancel pending work")
	}
	c.ScheduleRecompute(created.Task.ID, "after close")
	c.Flush()
	ledger, _ := c.GetCostLedger(testCtx(), created.Task.ID)
	if len(ledger) != 0 {
		t.Fatalf("nothing should run after close, got %d entries", len(ledger))
	}
}

func TestCoalescerServesAndPatchesCachedList(t *testing.T) {
	f, itemId, _, _ := fefoScenario(t)
	c, taskCache := newTestCoalescer(t, f, time.Hour)
	ctx := testCtx()

	tasks, err := c.ListTasks(ctx)
	if err != nil || len(tasks) != 0 {
		t.Fatalf("initial list: %v (%d tasks)", err, len(tasks))
	}

	created, _ := c.CreateTask(ctx, taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "10")))
	taskId := created.Task.ID

	// a write that bypasses the coalescer is not visible until invalidation
	direct := f.mustTask(t, taskId)
	direct.Name = "changed behind the cache"
	if err := f.tasks.SaveTask(context.Background(), direct); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	tasks, _ = c.ListTasks(ctx)
	if len(tasks) != 1 || tasks[0].Name != "Pallet run" {
		t.Fatalf("expected the cached task, got %+v", tasks)
	}

	renamed := taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "10"))
	renamed.Name = "Crates"
	if _, err := c.UpdateTask(ctx, taskId, renamed); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	tasks, _ = c.ListTasks(ctx)
	if len(tasks) != 1 || tasks[0].Name != "Crates" {
		t.Fatalf("cache was not patched: %+v", tasks)
	}

	if _, err := c.DeleteTask(ctx, taskId); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	cached, ok, _ := taskCache.Get(ctx)
	if !ok || len(cached) != 0 {
		t.Fatalf("deleted task should leave the cached list, got %d (ok=%v)", len(cached), ok)
	}
	if c.debouncer.Pending() != 0 {
		t.Fatalf("delete should cancel the task's pending recompute")
	}
}

func TestCoalescerInvalidatesWhenPatchMisses(t *testing.T) {
	f, itemId, _, _ := fefoScenario(t)
	c, taskCache := newTestCoalescer(t, f, time.Hour)
	ctx := testCtx()

	created, _ := c.CreateTask(ctx, taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "10")))
	_ = taskCache.Put(ctx, []*models.ManufacturingTask{{ID: 999, Name: "stale"}})

	if _, err := c.ReleaseHolds(ctx, created.Task.ID); err != nil {
		t.Fatalf("ReleaseHolds: %v", err)
	}
	if _, ok, _ := taskCache.Get(ctx); ok {
		t.Fatalf("a patch that misses should invalidate the cache")
	}
	tasks, _ := c.ListTasks(ctx)
	if len(tasks) != 1 || tasks[0].ID != created.Task.ID {
		t.Fatalf("reload after invalidation returned %+v", tasks)
	}
}

// pausingTaskStore holds one ListTasks call after it has read the store,
// until resume is closed.
type pausingTaskStore struct {
	models.TaskStore
	armed  atomic.Bool
	listed chan struct{}
	resume chan struct{}
}

func (s *pausingTaskStore) ListTasks(ctx context.Context) ([]*models.ManufacturingTask, error) {
	tasks, err := s.TaskStore.ListTasks(ctx)
	if s.armed.CompareAndSwap(true, false) {
		close(s.listed)
		<-s.resume
	}
	return tasks, err
}

func TestCoalescerDropsListLoadedBeforeAnUpdate(t *testing.T) {
	f, itemId, _, _ := fefoScenario(t)
	c, taskCache := newTestCoalescer(t, f, time.Hour)
	ctx := testCtx()

	created, err := c.CreateTask(ctx, taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "10")))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	taskId := created.Task.ID

	paused := &pausingTaskStore{TaskStore: f.engine.Tasks, listed: make(chan struct{}), resume: make(chan struct{})}
	paused.armed.Store(true)
	f.engine.Tasks = paused

	loaded := make(chan []*models.ManufacturingTask, 1)
	go func() {
		tasks, _ := c.ListTasks(ctx)
		loaded <- tasks
	}()
	<-paused.listed

	renamed := taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "10"))
	renamed.Name = "Crates"
	if _, err := c.UpdateTask(ctx, taskId, renamed); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	close(paused.resume)
	if tasks := <-loaded; len(tasks) != 1 || tasks[0].Name != "Pallet run" {
		t.Fatalf("the overlapping load should return what it read, got %+v", tasks)
	}

	if cached, ok, _ := taskCache.Get(ctx); ok && (len(cached) != 1 || cached[0].Name != "Crates") {
		t.Fatalf("stale list left in the cache: %+v", cached)
	}
	tasks, err := c.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name != "Crates" {
		t.Fatalf("expected the renamed task, got %+v", tasks)
	}
}
