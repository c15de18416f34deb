package workflow

import (
	"context"
	"io"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/memstore"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	stock  *memstore.StockLedger
	tasks  *memstore.TaskStore
	orders *memstore.OrderBook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		stock:  memstore.NewStockLedger(),
		tasks:  memstore.NewTaskStore(),
		orders: memstore.NewOrderBook(),
	}
	f.engine = NewEngine(f.tasks, f.stock, f.orders, logger)
	f.engine.Now = func() time.Time { return testNow }
	return f
}

func testCtx() context.Context {
	ctx := utils.SetUsernameInContext(context.Background(), "planner@local")
	return utils.SetUserNameInContext(ctx, "Planner")
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func dayPtr(s string) *time.Time {
	d := day(s)
	return &d
}

func (f *fixture) item(name string) int {
	return f.stock.AddItem(models.InventoryItem{Name: name, Unit: "kg"}).ID
}

func (f *fixture) batch(itemId int, number, qty, price string, received time.Time, expiry *time.Time) int {
	return f.stock.AddBatch(models.InventoryBatch{
		ItemId:      itemId,
		BatchNumber: number,
		PhysicalQty: dec(qty),
		UnitPrice:   dec(price),
		ReceivedAt:  received,
		ExpiryAt:    expiry,
	}).ID
}

func (f *fixture) mustBatch(t *testing.T, id int) *models.InventoryBatch {
	t.Helper()
	b, err := f.stock.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBatch(%d): %v", id, err)
	}
	return b
}

func (f *fixture) mustTask(t *testing.T, id int) *models.ManufacturingTask {
	t.Helper()
	task, err := f.tasks.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%d): %v", id, err)
	}
	return task
}

func (f *fixture) createTask(t *testing.T, input *models.NewManufacturingTask) *TaskResult {
	t.Helper()
	result, err := f.engine.CreateTask(testCtx(), input)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return result
}

func material(id int, name, qty string) models.NewMaterialRequirement {
	return models.NewMaterialRequirement{MaterialId: id, Name: name, PlannedQty: dec(qty), Unit: "kg"}
}

func taskInput(qty string, policy models.AllocationPolicy, materials ...models.NewMaterialRequirement) *models.NewManufacturingTask {
	return &models.NewManufacturingTask{
		Number:           "MO-0001",
		Name:             "Pallet run",
		Quantity:         dec(qty),
		Unit:             "pcs",
		AllocationPolicy: policy,
		Materials:        materials,
	}
}

func assertDec(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s: expected %s, got %s", label, want, got.String())
	}
}

// heldByBatch sums the task's HELD reservations per batch.
func heldByBatch(task *models.ManufacturingTask) map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal)
	for _, a := range task.Allocations {
		if a.Status == models.AllocationStatusHeld {
			out[a.BatchId] = out[a.BatchId].Add(a.ReservedQty)
		}
	}
	return out
}

// fefoScenario is two batches of one material: B1 40 @ 2.00 expiring first,
// B2 80 @ 3.00 expiring later but received earlier.
func fefoScenario(t *testing.T) (f *fixture, itemId, b1, b2 int) {
	t.Helper()
	f = newFixture(t)
	itemId = f.item("Resin")
	b2 = f.batch(itemId, "B2", "80", "3.00", day("2024-09-01"), dayPtr("2025-06-01"))
	b1 = f.batch(itemId, "B1", "40", "2.00", day("2024-10-01"), dayPtr("2025-01-01"))
	return f, itemId, b1, b2
}
