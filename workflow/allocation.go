package workflow

import (
	"context"
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const maxHoldAttempts = 3

// Allocate soft-holds up to requiredQty of a material and returns the new
// allocations and the shortfall. Candidate batches come from
// explicitBatchIds in the given order when set, otherwise from the ledger
// sorted by policy. On error nothing stays held.
func (e *Engine) Allocate(ctx context.Context, materialId int, requiredQty decimal.Decimal, policy models.AllocationPolicy, explicitBatchIds []int) (allocations []models.BatchAllocation, shortfall decimal.Decimal, err error) {
	ctx, span := e.startSpan(ctx, "Allocate", 0)
	defer func() { endSpan(span, err) }()

	if requiredQty.IsNegative() {
		return nil, decimal.Zero, &models.ValidationError{Field: "required_qty", MaterialId: materialId, Message: "required quantity cannot be negative"}
	}
	j := newStockJournal(e.Stock)
	allocations, shortfall, err = e.allocate(ctx, j, materialId, requiredQty, policy, explicitBatchIds)
	if err != nil {
		e.rollback(ctx, j, "Allocate", materialId)
		return nil, decimal.Zero, err
	}
	e.refreshItemTotals(ctx, j)
	return allocations, shortfall, nil
}

func (e *Engine) allocate(ctx context.Context, j *stockJournal, materialId int, required decimal.Decimal, policy models.AllocationPolicy, explicitBatchIds []int) ([]models.BatchAllocation, decimal.Decimal, error) {
	required = utils.Normalize(required)
	if !required.IsPositive() {
		return nil, decimal.Zero, nil
	}
	candidates, err := e.candidateBatches(ctx, materialId, policy, explicitBatchIds)
	if err != nil {
		return nil, required, err
	}

	var allocations []models.BatchAllocation
	remaining := required
	for _, batch := range candidates {
		if !remaining.IsPositive() {
			break
		}
		taken, err := e.hold(ctx, j, batch, remaining)
		if err != nil {
			return allocations, remaining, err
		}
		if !taken.IsPositive() {
			continue
		}
		allocations = append(allocations, models.BatchAllocation{
			MaterialId:  materialId,
			BatchId:     batch.ID,
			BatchNumber: batch.BatchNumber,
			ReservedQty: taken,
			Status:      models.AllocationStatusHeld,
			CreatedAt:   e.Now(),
		})
		remaining = utils.DecSub(remaining, taken)
	}
	return allocations, remaining, nil
}

// hold takes min(want, bookable) from the batch. When another writer got
// there first the batch is re-read and the smaller amount is tried again.
func (e *Engine) hold(ctx context.Context, j *stockJournal, batch *models.InventoryBatch, want decimal.Decimal) (decimal.Decimal, error) {
	take := decimal.Min(want, batch.BookableQty)
	for attempt := 0; attempt < maxHoldAttempts; attempt++ {
		if !take.IsPositive() {
			return decimal.Zero, nil
		}
		_, err := j.adjust(ctx, batch.ID, decimal.Zero, take.Neg())
		if err == nil {
			return take, nil
		}
		if !models.IsInsufficientStockError(err) && !models.IsConcurrencyConflictError(err) {
			return decimal.Zero, err
		}
		fresh, getErr := e.Stock.GetBatch(ctx, batch.ID)
		if models.IsNotFoundError(getErr) {
			return decimal.Zero, nil
		}
		if getErr != nil {
			return decimal.Zero, getErr
		}
		take = decimal.Min(want, fresh.BookableQty)
	}
	return decimal.Zero, &models.ConcurrencyConflictError{Resource: "batch", Key: fmt.Sprint(batch.ID)}
}

func (e *Engine) candidateBatches(ctx context.Context, materialId int, policy models.AllocationPolicy, explicitBatchIds []int) ([]*models.InventoryBatch, error) {
	if len(explicitBatchIds) == 0 {
		batches, err := e.Stock.ListBookableBatches(ctx, materialId)
		if err != nil {
			return nil, err
		}
		sortBatches(batches, policy)
		return batches, nil
	}

	var batches []*models.InventoryBatch
	for _, id := range utils.UniqueSlice(explicitBatchIds) {
		batch, err := e.Stock.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if batch.ItemId != materialId {
			return nil, &models.ValidationError{
				Field:      "explicit_batch_ids",
				MaterialId: materialId,
				Message:    fmt.Sprintf("batch %d belongs to item %d", id, batch.ItemId),
			}
		}
		if batch.BookableQty.IsPositive() {
			batches = append(batches, batch)
		}
	}
	return batches, nil
}

// sortBatches orders by receipt date for FIFO, by expiry date for FEFO with
// undated batches last. Ties fall back to receipt date then id.
func sortBatches(batches []*models.InventoryBatch, policy models.AllocationPolicy) {
	sort.SliceStable(batches, func(i, k int) bool {
		a, b := batches[i], batches[k]
		if policy == models.AllocationPolicyFEFO {
			switch {
			case a.ExpiryAt != nil && b.ExpiryAt == nil:
				return true
			case a.ExpiryAt == nil && b.ExpiryAt != nil:
				return false
			case a.ExpiryAt != nil && !a.ExpiryAt.Equal(*b.ExpiryAt):
				return a.ExpiryAt.Before(*b.ExpiryAt)
			}
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
}

// reconcileAllocations brings the holds of every material to its planned
// quantity. Holds of materials no longer on the task are released.
func (e *Engine) reconcileAllocations(ctx context.Context, j *stockJournal, task *models.ManufacturingTask, explicit map[int][]int) ([]string, error) {
	if task.Status == models.TaskStatusCancelled || task.ConsumptionConfirmed {
		return nil, nil
	}
	var warnings []string

	orphaned := false
	for _, a := range task.Allocations {
		if a.Status == models.AllocationStatusHeld && task.Material(a.MaterialId) == nil {
			orphaned = true
			w, err := e.releaseAllocation(ctx, j, task.ID, a)
			if err != nil {
				return warnings, err
			}
			warnings = append(warnings, w...)
		}
	}
	if orphaned {
		task.RemoveAllocations(func(a *models.BatchAllocation) bool {
			return a.Status == models.AllocationStatusHeld && task.Material(a.MaterialId) == nil
		})
	}

	for i := range task.Materials {
		m := &task.Materials[i]
		need := utils.DecSub(m.PlannedQty, task.HeldQty(m.MaterialId))
		switch {
		case need.IsPositive():
			allocations, shortfall, err := e.allocate(ctx, j, m.MaterialId, need, task.AllocationPolicy, explicit[m.MaterialId])
			for _, a := range allocations {
				a.TaskId = task.ID
				task.Allocations = append(task.Allocations, a)
			}
			if err != nil {
				return warnings, fmt.Errorf("material %q (material_id=%d): %w", m.Name, m.MaterialId, err)
			}
			m.MissingQty = shortfall
		case need.IsNegative():
			w, err := e.releaseExcess(ctx, j, task, m.MaterialId, need.Neg())
			warnings = append(warnings, w...)
			if err != nil {
				return warnings, err
			}
			m.MissingQty = decimal.Zero
		default:
			m.MissingQty = decimal.Zero
		}
	}
	return warnings, nil
}

// releaseExcess gives back qty of a material's holds, newest first.
func (e *Engine) releaseExcess(ctx context.Context, j *stockJournal, task *models.ManufacturingTask, materialId int, qty decimal.Decimal) ([]string, error) {
	var warnings []string
	held := task.AllocationsFor(materialId, models.AllocationStatusHeld)
	for i := len(held) - 1; i >= 0 && qty.IsPositive(); i-- {
		a := held[i]
		release := decimal.Min(qty, a.ReservedQty)
		_, err := j.adjust(ctx, a.BatchId, decimal.Zero, release)
		if models.IsNotFoundError(err) {
			warnings = append(warnings, e.warn("releaseExcess", logrus.Fields{"task_id": task.ID, "batch_id": a.BatchId},
				fmt.Sprintf("batch %d no longer exists; dropped its hold", a.BatchId)))
			release = a.ReservedQty
		} else if err != nil {
			return warnings, err
		}
		a.ReservedQty = utils.DecSub(a.ReservedQty, release)
		qty = utils.DecSub(qty, release)
	}
	task.RemoveAllocations(func(a *models.BatchAllocation) bool {
		return a.MaterialId == materialId && a.Status == models.AllocationStatusHeld && !a.ReservedQty.IsPositive()
	})
	return warnings, nil
}

// releaseAllocation gives back one hold. A vanished batch is a warning.
func (e *Engine) releaseAllocation(ctx context.Context, j *stockJournal, taskId int, a models.BatchAllocation) ([]string, error) {
	if !a.ReservedQty.IsPositive() {
		return nil, nil
	}
	_, err := j.adjust(ctx, a.BatchId, decimal.Zero, a.ReservedQty)
	if models.IsNotFoundError(err) {
		return []string{e.warn("releaseAllocation", logrus.Fields{"task_id": taskId, "batch_id": a.BatchId},
			fmt.Sprintf("batch %d no longer exists; dropped its hold", a.BatchId))}, nil
	}
	return nil, err
}
