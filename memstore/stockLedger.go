// Package memstore keeps tasks, batches and orders in process memory.
// It backs the STORE_DRIVER=memory mode and the engine tests.
package memstore

import (
	"context"
	"sort"
	"sync"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/shopspring/decimal"
)

type StockLedger struct {
	mu          sync.Mutex
	items       map[int]*models.InventoryItem
	batches     map[int]*models.InventoryBatch
	nextItemId  int
	nextBatchId int
}

var _ models.StockLedger = (*StockLedger)(nil)

func NewStockLedger() *StockLedger {
	return &StockLedger{
		items:   make(map[int]*models.InventoryItem),
		batches: make(map[int]*models.InventoryBatch),
	}
}

func (l *StockLedger) AddItem(item models.InventoryItem) *models.InventoryItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	if item.ID == 0 {
		l.nextItemId++
		item.ID = l.nextItemId
	} else if item.ID > l.nextItemId {
		l.nextItemId = item.ID
	}
	stored := item
	l.items[item.ID] = &stored
	return &item
}

// AddBatch registers a received batch; it starts fully bookable.
func (l *StockLedger) AddBatch(batch models.InventoryBatch) *models.InventoryBatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	if batch.ID == 0 {
		l.nextBatchId++
		batch.ID = l.nextBatchId
	} else if batch.ID > l.nextBatchId {
		l.nextBatchId = batch.ID
	}
	batch.BookableQty = batch.PhysicalQty
	l.batches[batch.ID] = batch.Clone()
	return batch.Clone()
}

// SetUnitPrice corrects a batch price after receipt.
func (l *StockLedger) SetUnitPrice(id int, price decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[id]
	if !ok {
		return &models.NotFoundError{Resource: "batch", Id: id}
	}
	b.UnitPrice = price
	b.Version++
	return nil
}

func (l *StockLedger) RemoveBatch(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.batches, id)
}

func (l *StockLedger) Item(id int) (*models.InventoryItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.items[id]
	if !ok {
		return nil, false
	}
	c := *item
	return &c, true
}

func (l *StockLedger) GetBatch(ctx context.Context, id int) (*models.InventoryBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[id]
	if !ok {
		return nil, &models.NotFoundError{Resource: "batch", Id: id}
	}
	return b.Clone(), nil
}

func (l *StockLedger) GetBatches(ctx context.Context, ids []int) (map[int]*models.InventoryBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make(map[int]*models.InventoryBatch, len(ids))
	for _, id := range ids {
		if b, ok := l.batches[id]; ok {
			result[id] = b.Clone()
		}
	}
	return result, nil
}

func (l *StockLedger) ListBookableBatches(ctx context.Context, itemId int) ([]*models.InventoryBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.InventoryBatch
	for _, b := range l.batches {
		if b.ItemId == itemId && b.BookableQty.IsPositive() {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (l *StockLedger) AdjustBatchQuantity(ctx context.Context, id int, physicalDelta, bookableDelta decimal.Decimal) (*models.InventoryBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[id]
	if !ok {
		return nil, &models.NotFoundError{Resource: "batch", Id: id}
	}
	if err := b.CheckAdjustment(physicalDelta, bookableDelta); err != nil {
		return nil, err
	}
	b.PhysicalQty = utils.DecAdd(b.PhysicalQty, physicalDelta)
	b.BookableQty = utils.DecAdd(b.BookableQty, bookableDelta)
	b.Version++
	return b.Clone(), nil
}

func (l *StockLedger) RecalculateItemTotal(ctx context.Context, itemId int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.items[itemId]
	if !ok {
		return &models.NotFoundError{Resource: "item", Id: itemId}
	}
	physical, bookable, value := decimal.Zero, decimal.Zero, decimal.Zero
	for _, b := range l.batches {
		if b.ItemId != itemId {
			continue
		}
		physical = utils.DecAdd(physical, b.PhysicalQty)
		bookable = utils.DecAdd(bookable, b.BookableQty)
		value = utils.DecAdd(value, utils.DecMul(b.PhysicalQty, b.UnitPrice))
	}
	item.PhysicalQty = physical
	item.BookableQty = bookable
	item.StockValue = utils.RoundStorage(value)
	return nil
}
