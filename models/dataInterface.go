package models

import (
	"context"

	"github.com/shopspring/decimal"
)

// StockLedger is the authoritative store of batches. Every adjustment is
// applied atomically per batch and keeps 0 <= bookable <= physical.
type StockLedger interface {
	GetBatch(ctx context.Context, id int) (*InventoryBatch, error)
	// GetBatches returns the batches found; missing ids are absent from the map.
	GetBatches(ctx context.Context, ids []int) (map[int]*InventoryBatch, error)
	ListBookableBatches(ctx context.Context, itemId int) ([]*InventoryBatch, error)
	AdjustBatchQuantity(ctx context.Context, id int, physicalDelta, bookableDelta decimal.Decimal) (*InventoryBatch, error)
	RecalculateItemTotal(ctx context.Context, itemId int) error
}

type OrderBook interface {
	ListOrdersReferencingTask(ctx context.Context, taskId int) ([]*Order, error)
	UpdateOrderLineCosts(ctx context.Context, orderId, lineId int, unitCost, fullUnitCost decimal.Decimal) error
	RecomputeOrderTotal(ctx context.Context, orderId int) (decimal.Decimal, error)
}

// TaskStore persists tasks with their child records. SaveTask fails with
// ConcurrencyConflictError when the stored version moved and bumps
// task.Version on success.
type TaskStore interface {
	CreateTask(ctx context.Context, task *ManufacturingTask) error
	GetTask(ctx context.Context, id int) (*ManufacturingTask, error)
	ListTasks(ctx context.Context) ([]*ManufacturingTask, error)
	SaveTask(ctx context.Context, task *ManufacturingTask) error
	ArchiveTask(ctx context.Context, id int) error
}
