package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"github.com/shopspring/decimal"
)

func TestCreateTaskAllocatesByExpiryFEFO(t *testing.T) {
	f, itemId, b1, b2 := fefoScenario(t)

	result := f.createTask(t, taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "100")))
	if len(result.Missing) != 0 {
		t.Fatalf("expected no shortfall, got %+v", result.Missing)
	}
	held := heldByBatch(result.Task)
	assertDec(t, "B1 held", held[b1], "40")
	assertDec(t, "B2 held", held[b2], "60")
	assertDec(t, "B2 bookable", f.mustBatch(t, b2).BookableQty, "20")
	assertDec(t, "B1 bookable", f.mustBatch(t, b1).BookableQty, "0")
	assertDec(t, "B2 physical", f.mustBatch(t, b2).PhysicalQty, "80")

	item, _ := f.stock.Item(itemId)
	assertDec(t, "item bookable", item.BookableQty, "20")
	assertDec(t, "item physical", item.PhysicalQty, "120")
}

func TestCreateTaskAllocatesByReceiptFIFO(t *testing.T) {
	f, itemId, b1, b2 := fefoScenario(t)

	result := f.createTask(t, taskInput("100", models.AllocationPolicyFIFO, material(itemId, "Resin", "100")))
	held := heldByBatch(result.Task)
	assertDec(t, "B2 held", held[b2], "80")
	assertDec(t, "B1 held", held[b1], "20")
}

func TestDefaultPolicyAppliesWhenUnset(t *testing.T) {
	f, itemId, b1, _ := fefoScenario(t)
	f.engine.DefaultPolicy = models.AllocationPolicyFEFO

	result := f.createTask(t, taskInput("10", "", material(itemId, "Resin", "10")))
	if result.Task.AllocationPolicy != models.AllocationPolicyFEFO {
		t.Fatalf("expected FEFO policy, got %s", result.Task.AllocationPolicy)
	}
	assertDec(t, "B1 held", heldByBatch(result.Task)[b1], "10")
}

func TestExplicitBatchesAreTakenInGivenOrder(t *testing.T) {
	f, itemId, b1, b2 := fefoScenario(t)

	m := material(itemId, "Resin", "50")
	m.ExplicitBatchIds = []int{b2, b1}
	result := f.createTask(t, taskInput("1", models.AllocationPolicyFEFO, m))
	held := heldByBatch(result.Task)
	assertDec(t, "B2 held", held[b2], "50")
	if _, ok := held[b1]; ok {
		t.Fatalf("B1 should not be touched, got %s", held[b1])
	}
}

func TestExplicitBatchErrors(t *testing.T) {
	f, itemId, _, _ := fefoScenario(t)
	other := f.item("Hardener")
	foreign := f.batch(other, "H1", "10", "1.00", day("2024-01-01"), nil)

	cases := []struct {
		name    string
		batchId int
		check   func(error) bool
	}{
		{"unknown batch", 999, models.IsNotFoundError},
		{"batch of another item", foreign, models.IsValidationError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.engine.Allocate(testCtx(), itemId, dec("5"), models.AllocationPolicyFIFO, []int{tc.batchId})
			if !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
	tasks, _ := f.tasks.ListTasks(context.Background())
	if len(tasks) != 0 {
		t.Fatalf("no task should exist, got %d", len(tasks))
	}
}

func TestAllocateRejectsNegativeQuantity(t *testing.T) {
	f, itemId, _, _ := fefoScenario(t)
	if _, _, err := f.engine.Allocate(testCtx(), itemId, dec("-1"), models.AllocationPolicyFIFO, nil); !models.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestShortfallIsReportedNotRaised(t *testing.T) {
	f, itemId, b1, b2 := fefoScenario(t)

	result := f.createTask(t, taskInput("1", models.AllocationPolicyFEFO, material(itemId, "Resin", "150")))
	if len(result.Missing) != 1 {
		t.Fatalf("expected one missing material, got %+v", result.Missing)
	}
	assertDec(t, "missing", result.Missing[0].MissingQty, "30")
	assertDec(t, "stored missing", f.mustTask(t, result.Task.ID).Materials[0].MissingQty, "30")
	assertDec(t, "B1 bookable", f.mustBatch(t, b1).BookableQty, "0")
	assertDec(t, "B2 bookable", f.mustBatch(t, b2).BookableQty, "0")
}

func TestUpdateWithoutChangesAllocatesNothing(t *testing.T) {
	f, itemId, b1, b2 := fefoScenario(t)
	created := f.createTask(t, taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "100")))

	updated, err := f.engine.UpdateTask(testCtx(), created.Task.ID, taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "100")))
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if len(updated.Task.Allocations) != len(created.Task.Allocations) {
		t.Fatalf("re-entry created allocations: %d -> %d", len(created.Task.Allocations), len(updated.Task.Allocations))
	}
	assertDec(t, "B1 bookable", f.mustBatch(t, b1).BookableQty, "0")
	assertDec(t, "B2 bookable", f.mustBatch(t, b2).BookableQty, "20")
}

func TestUpdateAllocatesOnlyTheDelta(t *testing.T) {
	f, itemId, b1, b2 := fefoScenario(t)
	created := f.createTask(t, taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "30")))
	assertDec(t, "B1 held", heldByBatch(created.Task)[b1], "30")

	updated, err := f.engine.UpdateTask(testCtx(), created.Task.ID, taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "60")))
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	held := heldByBatch(updated.Task)
	assertDec(t, "B1 held", held[b1], "40")
	assertDec(t, "B2 held", held[b2], "20")
	assertDec(t, "total held", updated.Task.HeldQty(itemId), "60")
}

func TestDecreasingPlannedReleasesNewestFirst(t *testing.T) {
	f, itemId, b1, b2 := fefoScenario(t)
	created := f.createTask(t, taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "100")))

	updated, err := f.engine.UpdateTask(testCtx(), created.Task.ID, taskInput("100", models.AllocationPolicyFEFO, material(itemId, "Resin", "50")))
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	held := heldByBatch(updated.Task)
	assertDec(t, "B1 held", held[b1], "40")
	assertDec(t, "B2 held", held[b2], "10")
	assertDec(t, "B2 bookable", f.mustBatch(t, b2).BookableQty, "70")
}

func TestRemovingMaterialReleasesItsHolds(t *testing.T) {
	f, itemId, b1, b2 := fefoScenario(t)
	other := f.item("Pigment")
	p1 := f.batch(other, "P1", "10", "5.00", day("2024-01-01"), nil)

	created := f.createTask(t, taskInput("1", models.AllocationPolicyFEFO,
		material(itemId, "Resin", "100"), material(other, "Pigment", "4")))
	assertDec(t, "P1 bookable", f.mustBatch(t, p1).BookableQty, "6")

	updated, err := f.engine.UpdateTask(testCtx(), created.Task.ID, taskInput("1", models.AllocationPolicyFEFO, material(other, "Pigment", "4")))
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got := updated.Task.HeldQty(itemId); !got.IsZero() {
		t.Fatalf("resin holds should be gone, got %s", got)
	}
	assertDec(t, "B1 bookable", f.mustBatch(t, b1).BookableQty, "40")
	assertDec(t, "B2 bookable", f.mustBatch(t, b2).BookableQty, "80")
	assertDec(t, "P1 bookable", f.mustBatch(t, p1).BookableQty, "6")
}

func TestBookableIsConservedAcrossAllocateAndRelease(t *testing.T) {
	f, itemId, b1, b2 := fefoScenario(t)
	other := f.item("Pigment")
	p1 := f.batch(other, "P1", "10", "5.00", day("2024-01-01"), nil)
	batches := []int{b1, b2, p1}

	before := make(map[int]decimal.Decimal)
	for _, id := range batches {
		before[id] = f.mustBatch(t, id).BookableQty
	}

	created := f.createTask(t, taskInput("1", models.AllocationPolicyFIFO,
		material(itemId, "Resin", "70"), material(other, "Pigment", "15")))
	if _, err := f.engine.UpdateTask(testCtx(), created.Task.ID, taskInput("1", models.AllocationPolicyFEFO,
		material(itemId, "Resin", "110"), material(other, "Pigment", "3"))); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if _, err := f.engine.ChangeTaskStatus(testCtx(), created.Task.ID, models.TaskStatusCancelled); err != nil {
		t.Fatalf("ChangeTaskStatus: %v", err)
	}

	for _, id := range batches {
		assertDec(t, fmt.Sprintf("batch %d bookable", id), f.mustBatch(t, id).BookableQty, before[id].String())
	}
	if hasHolds(f.mustTask(t, created.Task.ID)) {
		t.Fatalf("cancelled task still holds stock")
	}
}

func TestReopeningCancelledTaskReallocates(t *testing.T) {
	f, itemId, _, b2 := fefoScenario(t)
	created := f.createTask(t, taskInput("1", models.AllocationPolicyFEFO, material(itemId, "Resin", "100")))
	if _, err := f.engine.ChangeTaskStatus(testCtx(), created.Task.ID, models.TaskStatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	reopened, err := f.engine.ChangeTaskStatus(testCtx(), created.Task.ID, models.TaskStatusPlanned)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	assertDec(t, "held", reopened.Task.HeldQty(itemId), "100")
	assertDec(t, "B2 bookable", f.mustBatch(t, b2).BookableQty, "20")
}

func TestConcurrentTasksNeverOverbook(t *testing.T) {
	f := newFixture(t)
	itemId := f.item("Steel")
	batchId := f.batch(itemId, "S1", "100", "1.00", day("2024-01-01"), nil)

	const workers = 30
	var wg sync.WaitGroup
	results := make([]*TaskResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			input := taskInput("1", models.AllocationPolicyFIFO, material(itemId, "Steel", "5"))
			input.Number = fmt.Sprintf("MO-%03d", i)
			results[i], errs[i] = f.engine.CreateTask(testCtx(), input)
		}()
	}
	wg.Wait()

	held, missing := decimal.Zero, decimal.Zero
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		held = held.Add(results[i].Task.HeldQty(itemId))
		for _, m := range results[i].Missing {
			missing = missing.Add(m.MissingQty)
		}
	}
	assertDec(t, "total held", held, "100")
	assertDec(t, "total missing", missing, "50")
	b := f.mustBatch(t, batchId)
	assertDec(t, "bookable", b.BookableQty, "0")
	assertDec(t, "physical", b.PhysicalQty, "100")
}

func TestSortBatchesFEFOPutsUndatedLast(t *testing.T) {
	received := day("2024-01-01")
	batches := []*models.InventoryBatch{
		{ID: 1, ReceivedAt: received},
		{ID: 2, ReceivedAt: received, ExpiryAt: dayPtr("2025-05-01")},
		{ID: 3, ReceivedAt: day("2023-12-01")},
		{ID: 4, ReceivedAt: day("2024-02-01"), ExpiryAt: dayPtr("2025-01-01")},
		{ID: 5, ReceivedAt: day("2023-11-01"), ExpiryAt: dayPtr("2025-01-01")},
	}
	sortBatches(batches, models.AllocationPolicyFEFO)

	var got []int
	for _, b := range batches {
		got = append(got, b.ID)
	}
	if fmt.Sprint(got) != "[5 4 2 3 1]" {
		t.Fatalf("unexpected FEFO order %v", got)
	}
}
