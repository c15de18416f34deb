package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// batchDraw is the planned consumption from one batch. allocIdx points into
// task.Allocations; extras taken during planning carry their own allocation.
type batchDraw struct {
	allocIdx int
	extra    *models.BatchAllocation
	batchId  int
	reserved decimal.Decimal
	qty      decimal.Decimal
}

type materialPlan struct {
	material *models.MaterialRequirement
	draws    []batchDraw
	stale    []int
}

// ConfirmConsumption turns the task's holds into consumption. Either every
// material is consumed or the stock ledger is left as it was.
func (e *Engine) ConfirmConsumption(ctx context.Context, taskId int) (result *TaskResult, err error) {
	ctx, span := e.startSpan(ctx, "ConfirmConsumption", taskId)
	defer func() { endSpan(span, err) }()

	err = e.withTaskLock(ctx, taskId, func() error {
		task, err := e.Tasks.GetTask(ctx, taskId)
		if err != nil {
			return err
		}
		if task.ConsumptionConfirmed {
			return &models.DuplicateConfirmationError{TaskId: taskId}
		}
		if task.Status == models.TaskStatusCancelled {
			return &models.ValidationError{Field: "status", Message: "cancelled task cannot consume materials"}
		}

		j := newStockJournal(e.Stock)
		plans, err := e.planConsumption(ctx, j, task)
		if err == nil {
			err = e.executeConsumption(ctx, j, task, plans)
		}
		if err == nil {
			err = e.Tasks.SaveTask(ctx, task)
		}
		if err != nil {
			e.rollback(ctx, j, "ConfirmConsumption", taskId)
			return err
		}
		e.refreshItemTotals(ctx, j)
		result = newTaskResult(task, nil)
		return nil
	})
	return result, err
}

// planConsumption works out every batch draw before touching physical
// stock. Materials are planned concurrently and all failures are reported.
func (e *Engine) planConsumption(ctx context.Context, j *stockJournal, task *models.ManufacturingTask) ([]*materialPlan, error) {
	plans := make([]*materialPlan, len(task.Materials))
	errs := make([]error, len(task.Materials))

	var g errgroup.Group
	g.SetLimit(e.fanOut())
	for i := range task.Materials {
		i := i
		g.Go(func() error {
			plans[i], errs[i] = e.planMaterial(ctx, j, task, &task.Materials[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return plans, nil
}

func (e *Engine) planMaterial(ctx context.Context, j *stockJournal, task *models.ManufacturingTask, m *models.MaterialRequirement) (*materialPlan, error) {
	target := m.TargetQty()
	if target.IsNegative() {
		return nil, &models.ValidationError{Field: "usage", MaterialId: m.MaterialId, Message: "consumption quantity cannot be negative"}
	}

	var heldIdx, batchIds []int
	for i := range task.Allocations {
		a := task.Allocations[i]
		if a.MaterialId == m.MaterialId && a.Status == models.AllocationStatusHeld {
			heldIdx = append(heldIdx, i)
			batchIds = append(batchIds, a.BatchId)
		}
	}
	batches, err := e.Stock.GetBatches(ctx, batchIds)
	if err != nil {
		return nil, err
	}

	plan := &materialPlan{material: m}
	reserved := make([]decimal.Decimal, len(heldIdx))
	heldSum := decimal.Zero
	for k, idx := range heldIdx {
		reserved[k] = task.Allocations[idx].ReservedQty
		heldSum = utils.DecAdd(heldSum, reserved[k])
	}

	var shares []decimal.Decimal
	freshNeed := decimal.Zero
	if heldSum.IsPositive() && target.LessThanOrEqual(heldSum) {
		shares = proportionalShares(target, reserved)
	} else {
		shares = reserved
		freshNeed = utils.DecSub(target, heldSum)
	}
	for k, idx := range heldIdx {
		a := task.Allocations[idx]
		if _, ok := batches[a.BatchId]; !ok {
			plan.stale = append(plan.stale, idx)
			freshNeed = utils.DecAdd(freshNeed, shares[k])
			continue
		}
		plan.draws = append(plan.draws, batchDraw{allocIdx: idx, batchId: a.BatchId, reserved: a.ReservedQty, qty: shares[k]})
	}
	if len(plan.stale) > 0 {
		e.Logger.WithFields(logrus.Fields{"module": moduleName, "task_id": task.ID, "material_id": m.MaterialId}).
			Warn("held batches no longer exist; consuming from fresh stock")
	}

	if freshNeed.IsPositive() {
		extras, shortfall, err := e.allocate(ctx, j, m.MaterialId, freshNeed, task.AllocationPolicy, nil)
		if err == nil && shortfall.IsPositive() {
			err = &models.InsufficientStockError{
				MaterialId:   m.MaterialId,
				MaterialName: m.Name,
				Requested:    freshNeed,
				Available:    utils.DecSub(freshNeed, shortfall),
			}
		}
		if err != nil {
			return nil, err
		}
		for k := range extras {
			extra := extras[k]
			extra.TaskId = task.ID
			plan.draws = append(plan.draws, batchDraw{allocIdx: -1, extra: &extra, batchId: extra.BatchId, reserved: extra.ReservedQty, qty: extra.ReservedQty})
		}
	}
	return plan, nil
}

// proportionalShares splits target across the reservations in proportion to
// their size. Shares never exceed their reservation and the last one takes
// the rounding remainder.
func proportionalShares(target decimal.Decimal, reserved []decimal.Decimal) []decimal.Decimal {
	total := utils.DecSum(reserved...)
	shares := make([]decimal.Decimal, len(reserved))
	if len(reserved) == 0 || !total.IsPositive() {
		return shares
	}
	assigned := decimal.Zero
	for i := 0; i < len(reserved)-1; i++ {
		share := target.Mul(reserved[i]).DivRound(total, utils.ComputePrecision+2).Truncate(utils.ComputePrecision)
		shares[i] = decimal.Min(share, reserved[i])
		assigned = assigned.Add(shares[i])
	}
	last := len(reserved) - 1
	leftover := utils.PositivePart(target.Sub(assigned))
	shares[last] = decimal.Min(leftover, reserved[last])
	leftover = leftover.Sub(shares[last])
	for i := 0; i < last && leftover.IsPositive(); i++ {
		room := reserved[i].Sub(shares[i])
		add := decimal.Min(room, leftover)
		shares[i] = shares[i].Add(add)
		leftover = leftover.Sub(add)
	}
	return shares
}

// executeConsumption applies the planned draws to the ledger and records
// the result on the task.
func (e *Engine) executeConsumption(ctx context.Context, j *stockJournal, task *models.ManufacturingTask, plans []*materialPlan) error {
	now := e.Now()
	consumedIdx := make(map[int]decimal.Decimal)
	staleIdx := make(map[int]bool)
	var extras []models.BatchAllocation
	var records []models.ConsumptionRecord

	for _, plan := range plans {
		m := plan.material
		byBatch := make(map[int]int)
		for _, d := range plan.draws {
			if d.qty.IsZero() && d.reserved.IsZero() {
				continue
			}
			batch, err := j.adjust(ctx, d.batchId, d.qty.Neg(), utils.DecSub(d.reserved, d.qty))
			if err != nil {
				return fmt.Errorf("material %q (material_id=%d) batch_id=%d: %w", m.Name, m.MaterialId, d.batchId, err)
			}
			if d.extra != nil {
				extra := *d.extra
				extra.Status = models.AllocationStatusConsumed
				extra.ConsumedQty = d.qty
				extras = append(extras, extra)
			} else {
				consumedIdx[d.allocIdx] = d.qty
			}
			if !d.qty.IsPositive() {
				continue
			}
			if k, ok := byBatch[d.batchId]; ok {
				records[k].ConsumedQty = utils.DecAdd(records[k].ConsumedQty, d.qty)
				continue
			}
			byBatch[d.batchId] = len(records)
			records = append(records, models.ConsumptionRecord{
				TaskId:            task.ID,
				MaterialId:        m.MaterialId,
				BatchId:           d.batchId,
				ConsumedQty:       d.qty,
				RecordedUnitPrice: batch.UnitPrice,
				IncludeInCosts:    m.IncludeInCosts,
				CreatedAt:         now,
			})
		}
		for _, idx := range plan.stale {
			staleIdx[idx] = true
		}
		m.MissingQty = decimal.Zero
	}

	for idx, qty := range consumedIdx {
		a := &task.Allocations[idx]
		a.Status = models.AllocationStatusConsumed
		a.ConsumedQty = qty
	}
	if len(staleIdx) > 0 {
		kept := make([]models.BatchAllocation, 0, len(task.Allocations))
		for i, a := range task.Allocations {
			if !staleIdx[i] {
				kept = append(kept, a)
			}
		}
		task.Allocations = kept
	}
	task.Allocations = append(task.Allocations, extras...)
	task.Consumptions = append(task.Consumptions, records...)
	task.ConsumptionConfirmed = true
	task.ConfirmedAt = &now
	task.ConfirmedBy = utils.ActorFromContext(ctx)
	return nil
}

// EditMaterialUsage sets or clears per-material usage overrides. A confirmed
// task is rolled back to its reserved state first.
func (e *Engine) EditMaterialUsage(ctx context.Context, taskId int, input *models.MaterialUsageInput) (result *TaskResult, err error) {
	ctx, span := e.startSpan(ctx, "EditMaterialUsage", taskId)
	defer func() { endSpan(span, err) }()

	if err := input.Validate(); err != nil {
		return nil, err
	}
	err = e.withTaskLock(ctx, taskId, func() error {
		task, err := e.Tasks.GetTask(ctx, taskId)
		if err != nil {
			return err
		}
		for _, u := range input.Usage {
			if task.Material(u.MaterialId) == nil {
				return &models.NotFoundError{Resource: "material", Id: u.MaterialId}
			}
		}

		j := newStockJournal(e.Stock)
		var warnings []string
		if task.ConsumptionConfirmed {
			warnings, err = e.reverseConsumption(ctx, j, task)
			if err != nil {
				e.rollback(ctx, j, "EditMaterialUsage", taskId)
				return err
			}
		}
		for _, u := range input.Usage {
			m := task.Material(u.MaterialId)
			if u.Qty == nil {
				m.UsageOverride = nil
				continue
			}
			qty := utils.Normalize(*u.Qty)
			m.UsageOverride = &qty
		}
		if err := e.Tasks.SaveTask(ctx, task); err != nil {
			e.rollback(ctx, j, "EditMaterialUsage", taskId)
			return err
		}
		e.refreshItemTotals(ctx, j)
		result = newTaskResult(task, warnings)
		return nil
	})
	return result, err
}

// reverseConsumption returns consumed quantities to their batches and
// re-holds what each consumed allocation had reserved. Whatever cannot be
// held again is reported as missing.
func (e *Engine) reverseConsumption(ctx context.Context, j *stockJournal, task *models.ManufacturingTask) ([]string, error) {
	var warnings []string
	for _, rec := range task.Consumptions {
		_, err := j.adjust(ctx, rec.BatchId, rec.ConsumedQty, rec.ConsumedQty)
		if models.IsNotFoundError(err) {
			warnings = append(warnings, e.warn("reverseConsumption", logrus.Fields{"task_id": task.ID, "batch_id": rec.BatchId},
				fmt.Sprintf("batch %d no longer exists; consumed %s not returned", rec.BatchId, rec.ConsumedQty.String())))
			continue
		}
		if err != nil {
			return warnings, err
		}
	}
	task.Consumptions = nil

	for i := range task.Materials {
		task.Materials[i].MissingQty = decimal.Zero
	}
	for i := range task.Allocations {
		a := &task.Allocations[i]
		if a.Status != models.AllocationStatusConsumed {
			continue
		}
		taken := decimal.Zero
		batch, err := e.Stock.GetBatch(ctx, a.BatchId)
		switch {
		case models.IsNotFoundError(err):
			warnings = append(warnings, e.warn("reverseConsumption", logrus.Fields{"task_id": task.ID, "batch_id": a.BatchId},
				fmt.Sprintf("batch %d no longer exists; hold not restored", a.BatchId)))
		case err != nil:
			return warnings, err
		default:
			taken, err = e.hold(ctx, j, batch, a.ReservedQty)
			if err != nil {
				return warnings, err
			}
		}
		if short := utils.DecSub(a.ReservedQty, taken); short.IsPositive() {
			if m := task.Material(a.MaterialId); m != nil {
				m.MissingQty = utils.DecAdd(m.MissingQty, short)
			}
		}
		a.ReservedQty = taken
		a.ConsumedQty = decimal.Zero
		a.Status = models.AllocationStatusHeld
	}
	task.RemoveAllocations(func(a *models.BatchAllocation) bool {
		return !a.ReservedQty.IsPositive()
	})
	task.ConsumptionConfirmed = false
	task.ConfirmedAt = nil
	task.ConfirmedBy = ""
	return warnings, nil
}

// ReleaseHolds gives back every outstanding hold of the task. Calling it
// again is a no-op.
func (e *Engine) ReleaseHolds(ctx context.Context, taskId int) (result *TaskResult, err error) {
	ctx, span := e.startSpan(ctx, "ReleaseHolds", taskId)
	defer func() { endSpan(span, err) }()

	err = e.withTaskLock(ctx, taskId, func() error {
		task, err := e.Tasks.GetTask(ctx, taskId)
		if err != nil {
			return err
		}
		if !hasHolds(task) {
			result = newTaskResult(task, nil)
			return nil
		}
		j := newStockJournal(e.Stock)
		warnings, err := e.releaseHolds(ctx, j, task)
		if err == nil {
			err = e.Tasks.SaveTask(ctx, task)
		}
		if err != nil {
			e.rollback(ctx, j, "ReleaseHolds", taskId)
			return err
		}
		e.refreshItemTotals(ctx, j)
		result = newTaskResult(task, warnings)
		return nil
	})
	return result, err
}

func hasHolds(task *models.ManufacturingTask) bool {
	for _, a := range task.Allocations {
		if a.Status == models.AllocationStatusHeld {
			return true
		}
	}
	return false
}

func (e *Engine) releaseHolds(ctx context.Context, j *stockJournal, task *models.ManufacturingTask) ([]string, error) {
	var warnings []string
	for _, a := range task.Allocations {
		if a.Status != models.AllocationStatusHeld {
			continue
		}
		w, err := e.releaseAllocation(ctx, j, task.ID, a)
		if err != nil {
			return warnings, err
		}
		warnings = append(warnings, w...)
	}
	task.RemoveAllocations(func(a *models.BatchAllocation) bool {
		return a.Status == models.AllocationStatusHeld
	})
	for i := range task.Materials {
		task.Materials[i].MissingQty = decimal.Zero
	}
	return warnings, nil
}
