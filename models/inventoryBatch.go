package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InventoryItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	Name        string          `gorm:"size:200;not null" json:"name"`
	Unit        string          `gorm:"size:50" json:"unit"`
	PhysicalQty decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"physical_qty"`
	BookableQty decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"bookable_qty"`
	StockValue  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"stock_value"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// InventoryBatch is a dated, priced lot of an item. BookableQty is
// PhysicalQty minus the soft-holds placed on the batch.
type InventoryBatch struct {
	ID          int             `gorm:"primary_key" json:"id"`
	ItemId      int             `gorm:"index;not null" json:"item_id"`
	BatchNumber string          `gorm:"size:100" json:"batch_number"`
	PhysicalQty decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"physical_qty"`
	BookableQty decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"bookable_qty"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	ReceivedAt  time.Time       `gorm:"index;not null" json:"received_at"`
	ExpiryAt    *time.Time      `gorm:"index" json:"expiry_at"`
	Version     int             `gorm:"not null;default:0" json:"version"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b *InventoryBatch) Clone() *InventoryBatch {
	if b == nil {
		return nil
	}
	c := *b
	if b.ExpiryAt != nil {
		t := *b.ExpiryAt
		c.ExpiryAt = &t
	}
	return &c
}

// CheckAdjustment validates a counter change against 0 <= bookable <= physical.
func (b *InventoryBatch) CheckAdjustment(physicalDelta, bookableDelta decimal.Decimal) error {
	physical := b.PhysicalQty.Add(physicalDelta)
	bookable := b.BookableQty.Add(bookableDelta)
	if physical.IsNegative() {
		return &InsufficientStockError{BatchId: b.ID, Requested: physicalDelta.Neg(), Available: b.PhysicalQty}
	}
	if bookable.IsNegative() {
		return &InsufficientStockError{BatchId: b.ID, Requested: bookableDelta.Neg(), Available: b.BookableQty}
	}
	if bookable.GreaterThan(physical) {
		return &ValidationError{
			Field:   "bookable_qty",
			Message: "bookable quantity would exceed physical quantity on batch " + b.BatchNumber,
		}
	}
	return nil
}
