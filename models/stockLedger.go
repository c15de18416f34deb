package models

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const maxAdjustAttempts = 20

// GormStockLedger keeps batch arithmetic in decimal on the Go side; the
// database only sees finished values guarded by the batch version.
type GormStockLedger struct {
	db *gorm.DB
}

var _ StockLedger = (*GormStockLedger)(nil)

func NewGormStockLedger(db *gorm.DB) *GormStockLedger {
	return &GormStockLedger{db: db}
}

func (l *GormStockLedger) GetBatch(ctx context.Context, id int) (*InventoryBatch, error) {
	var batch InventoryBatch
	if err := l.db.WithContext(ctx).First(&batch, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "batch", Id: id}
		}
		return nil, err
	}
	return &batch, nil
}

func (l *GormStockLedger) GetBatches(ctx context.Context, ids []int) (map[int]*InventoryBatch, error) {
	result := make(map[int]*InventoryBatch, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var batches []*InventoryBatch
	if err := l.db.WithContext(ctx).Where("id IN ?", utils.UniqueSlice(ids)).Find(&batches).Error; err != nil {
		return nil, err
	}
	for _, b := range batches {
		result[b.ID] = b
	}
	return result, nil
}

func (l *GormStockLedger) ListBookableBatches(ctx context.Context, itemId int) ([]*InventoryBatch, error) {
	var batches []*InventoryBatch
	err := l.db.WithContext(ctx).
		Where("item_id = ? AND bookable_qty > 0", itemId).
		Order("received_at, id").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// AdjustBatchQuantity computes the new counters in decimal and writes them
// with a compare-and-set on the batch version, retrying when another writer
// got there first.
func (l *GormStockLedger) AdjustBatchQuantity(ctx context.Context, id int, physicalDelta, bookableDelta decimal.Decimal) (*InventoryBatch, error) {
	db := l.db.WithContext(ctx)
	for attempt := 0; attempt < maxAdjustAttempts; attempt++ {
		batch, err := l.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := batch.CheckAdjustment(physicalDelta, bookableDelta); err != nil {
			return nil, err
		}
		physical := utils.DecAdd(batch.PhysicalQty, physicalDelta)
		bookable := utils.DecAdd(batch.BookableQty, bookableDelta)
		res := db.Model(&InventoryBatch{}).
			Where("id = ? AND version = ?", id, batch.Version).
			Updates(map[string]interface{}{
				"physical_qty": physical,
				"bookable_qty": bookable,
				"version":      batch.Version + 1,
			})
		if res.Error != nil {
			return nil, classifyDbError(res.Error, "batch", id)
		}
		if res.RowsAffected == 1 {
			batch.PhysicalQty = physical
			batch.BookableQty = bookable
			batch.Version++
			return batch, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, &ConcurrencyConflictError{Resource: "batch", Key: fmt.Sprint(id)}
}

// RecalculateItemTotal refreshes the item's cached totals from its batches.
func (l *GormStockLedger) RecalculateItemTotal(ctx context.Context, itemId int) error {
	db := l.db.WithContext(ctx)
	var batches []InventoryBatch
	if err := db.Select("physical_qty", "bookable_qty", "unit_price").
		Where("item_id = ?", itemId).Find(&batches).Error; err != nil {
		return err
	}
	physical, bookable, value := decimal.Zero, decimal.Zero, decimal.Zero
	for _, b := range batches {
		physical = utils.DecAdd(physical, b.PhysicalQty)
		bookable = utils.DecAdd(bookable, b.BookableQty)
		value = utils.DecAdd(value, utils.DecMul(b.PhysicalQty, b.UnitPrice))
	}
	res := db.Model(&InventoryItem{}).Where("id = ?", itemId).Updates(map[string]interface{}{
		"physical_qty": physical,
		"bookable_qty": bookable,
		"stock_value":  utils.RoundStorage(value),
	})
	if res.Error != nil {
		return classifyDbError(res.Error, "item", itemId)
	}
	if res.RowsAffected == 0 {
		// mysql reports zero rows when nothing changed
		var count int64
		if err := db.Model(&InventoryItem{}).Where("id = ?", itemId).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return &NotFoundError{Resource: "item", Id: itemId}
		}
	}
	return nil
}
