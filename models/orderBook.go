package models

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type GormOrderBook struct {
	db *gorm.DB
}

var _ OrderBook = (*GormOrderBook)(nil)

func NewGormOrderBook(db *gorm.DB) *GormOrderBook {
	return &GormOrderBook{db: db}
}

func (b *GormOrderBook) ListOrdersReferencingTask(ctx context.Context, taskId int) ([]*Order, error) {
	db := b.db.WithContext(ctx)
	var orders []*Order
	err := db.Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("AdditionalCosts").
		Where("id IN (?)", db.Model(&OrderLine{}).Select("order_id").Where("task_id = ?", taskId)).
		Order("id").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (b *GormOrderBook) UpdateOrderLineCosts(ctx context.Context, orderId, lineId int, unitCost, fullUnitCost decimal.Decimal) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var line OrderLine
		if err := tx.Where("id = ? AND order_id = ?", lineId, orderId).First(&line).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Resource: "order line", Id: lineId}
			}
			return err
		}
		line.ApplyCosts(unitCost, fullUnitCost)
		err := tx.Model(&OrderLine{}).Where("id = ?", line.ID).Updates(map[string]interface{}{
			"unit_cost":      line.UnitCost,
			"full_unit_cost": line.FullUnitCost,
			"unit_price":     line.UnitPrice,
			"total_amount":   line.TotalAmount,
		}).Error
		return classifyDbError(err, "order", orderId)
	})
}

func (b *GormOrderBook) RecomputeOrderTotal(ctx context.Context, orderId int) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order Order
		if err := tx.Preload("Lines").Preload("AdditionalCosts").First(&order, orderId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Resource: "order", Id: orderId}
			}
			return err
		}
		total = order.CalculateTotal()
		for _, line := range order.Lines {
			if err := tx.Model(&OrderLine{}).Where("id = ?", line.ID).
				Update("total_amount", line.TotalAmount).Error; err != nil {
				return classifyDbError(err, "order", orderId)
			}
		}
		err := tx.Model(&Order{}).Where("id = ?", orderId).
			Update("order_total_amount", total).Error
		return classifyDbError(err, "order", orderId)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}
