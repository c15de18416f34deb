package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// propagate pushes the task's unit costs to every order line that references
// it and recomputes those orders' totals. Each order is updated under its
// own lock; a failing order does not stop the others.
func (e *Engine) propagate(ctx context.Context, taskId int, snapshot models.CostSnapshot) []string {
	if e.Orders == nil {
		return nil
	}
	orders, err := e.Orders.ListOrdersReferencingTask(ctx, taskId)
	if err != nil {
		config.LogWarning(e.Logger, moduleName, "propagate", "list referencing orders", taskId, err)
		return []string{fmt.Sprintf("orders referencing task %d not updated: %v", taskId, err)}
	}

	var (
		mu       sync.Mutex
		warnings []string
	)
	var g errgroup.Group
	g.SetLimit(e.fanOut())
	for _, order := range orders {
		order := order
		g.Go(func() error {
			if err := e.propagateOrder(ctx, taskId, order, snapshot); err != nil {
				config.LogWarning(e.Logger, moduleName, "propagate", "update order costs", order.ID, err)
				mu.Lock()
				warnings = append(warnings, err.Error())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(warnings)
	return warnings
}

func (e *Engine) propagateOrder(ctx context.Context, taskId int, order *models.Order, snapshot models.CostSnapshot) error {
	unlock, err := e.Locker.Lock(ctx, orderLockKey(order.ID))
	if err != nil {
		return fmt.Errorf("order %s (order_id=%d): %w", order.OrderNumber, order.ID, err)
	}
	defer unlock()

	for _, line := range order.Lines {
		if !line.References(taskId) {
			continue
		}
		if err := e.Orders.UpdateOrderLineCosts(ctx, order.ID, line.ID, snapshot.UnitMaterialCost, snapshot.UnitFullCost); err != nil {
			return fmt.Errorf("order %s (order_id=%d) line_id=%d: %w", order.OrderNumber, order.ID, line.ID, err)
		}
	}
	total, err := e.Orders.RecomputeOrderTotal(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("order %s (order_id=%d) total: %w", order.OrderNumber, order.ID, err)
	}
	e.Logger.WithFields(logrus.Fields{
		"module":   moduleName,
		"task_id":  taskId,
		"order_id": order.ID,
		"total":    total.String(),
	}).Debug("order costs refreshed")
	return nil
}
