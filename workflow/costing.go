package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RecomputeResult reports whether a cost change was persisted. Snapshot is
// the task's stored snapshot after the call.
type RecomputeResult struct {
	Applied  bool                    `json:"applied"`
	Snapshot models.CostSnapshot     `json:"snapshot"`
	Entry    *models.CostLedgerEntry `json:"ledger_entry,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
}

// Recompute derives the task's costs from consumption and live batch prices
// and stores them when they moved by more than Epsilon. Tasks with a manual
// cost override are left alone.
func (e *Engine) Recompute(ctx context.Context, taskId int, reason string) (result *RecomputeResult, err error) {
	ctx, span := e.startSpan(ctx, "Recompute", taskId)
	defer func() { endSpan(span, err) }()

	var event *models.CostChangedEvent
	err = e.withTaskLock(ctx, taskId, func() error {
		task, err := e.Tasks.GetTask(ctx, taskId)
		if err != nil {
			return err
		}
		if task.CostOverride {
			result = &RecomputeResult{Snapshot: task.CostSnapshot}
			return nil
		}
		next, err := e.computeSnapshot(ctx, task)
		if err != nil {
			return err
		}
		delta := utils.MaxAbsDelta(next.Values(), task.CostSnapshot.Values())
		if delta.LessThanOrEqual(e.Epsilon) {
			result = &RecomputeResult{Snapshot: task.CostSnapshot}
			return nil
		}
		result, event, err = e.applySnapshot(ctx, task, next, delta, reason, models.CostSourceAuto)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, event)
	return result, nil
}

// PreviewCost computes the snapshot Recompute would store without saving it.
func (e *Engine) PreviewCost(ctx context.Context, taskId int) (snapshot models.CostSnapshot, err error) {
	ctx, span := e.startSpan(ctx, "PreviewCost", taskId)
	defer func() { endSpan(span, err) }()

	task, err := e.Tasks.GetTask(ctx, taskId)
	if err != nil {
		return models.CostSnapshot{}, err
	}
	return e.computeSnapshot(ctx, task)
}

// SetManualCost pins the task's totals. Automatic recomputation skips the
// task until the override is cleared.
func (e *Engine) SetManualCost(ctx context.Context, taskId int, input *models.ManualCostInput) (result *RecomputeResult, err error) {
	ctx, span := e.startSpan(ctx, "SetManualCost", taskId)
	defer func() { endSpan(span, err) }()

	if err := input.Validate(); err != nil {
		return nil, err
	}
	reason := input.Reason
	if reason == "" {
		reason = "manual cost override"
	}
	var event *models.CostChangedEvent
	err = e.withTaskLock(ctx, taskId, func() error {
		task, err := e.Tasks.GetTask(ctx, taskId)
		if err != nil {
			return err
		}
		qty := utils.DivisorAtLeastOne(task.Quantity)
		next := models.CostSnapshot{
			TotalMaterialCost: utils.RoundStorage(input.TotalMaterialCost),
			UnitMaterialCost:  utils.RoundStorage(utils.DecDiv(input.TotalMaterialCost, qty)),
			TotalFullCost:     utils.RoundStorage(input.TotalFullCost),
			UnitFullCost:      utils.RoundStorage(utils.DecDiv(input.TotalFullCost, qty)),
		}
		task.CostOverride = true
		delta := utils.MaxAbsDelta(next.Values(), task.CostSnapshot.Values())
		result, event, err = e.applySnapshot(ctx, task, next, delta, reason, models.CostSourceManual)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, event)
	return result, nil
}

// ClearManualCost drops the override and recomputes straight away.
func (e *Engine) ClearManualCost(ctx context.Context, taskId int, reason string) (result *RecomputeResult, err error) {
	ctx, span := e.startSpan(ctx, "ClearManualCost", taskId)
	defer func() { endSpan(span, err) }()

	if reason == "" {
		reason = "manual cost override cleared"
	}
	var event *models.CostChangedEvent
	err = e.withTaskLock(ctx, taskId, func() error {
		task, err := e.Tasks.GetTask(ctx, taskId)
		if err != nil {
			return err
		}
		if !task.CostOverride {
			return &models.ValidationError{Field: "cost_override", Message: "task has no manual cost override"}
		}
		task.CostOverride = false
		next, err := e.computeSnapshot(ctx, task)
		if err != nil {
			return err
		}
		delta := utils.MaxAbsDelta(next.Values(), task.CostSnapshot.Values())
		if delta.LessThanOrEqual(e.Epsilon) {
			if err := e.Tasks.SaveTask(ctx, task); err != nil {
				return err
			}
			result = &RecomputeResult{Snapshot: task.CostSnapshot}
			return nil
		}
		result, event, err = e.applySnapshot(ctx, task, next, delta, reason, models.CostSourceManualCleared)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, event)
	return result, nil
}

// applySnapshot stores the new snapshot with its ledger entry and pushes the
// unit costs to referencing orders. Order failures become warnings.
func (e *Engine) applySnapshot(ctx context.Context, task *models.ManufacturingTask, next models.CostSnapshot, delta decimal.Decimal, reason string, source models.CostSource) (*RecomputeResult, *models.CostChangedEvent, error) {
	prev := task.CostSnapshot
	now := e.Now()
	next.CostComputedAt = &now

	entry := models.NewCostLedgerEntry(task.ID, prev, next, delta)
	entry.Reason = reason
	entry.Actor = utils.ActorFromContext(ctx)
	entry.Source = source
	entry.CorrelationId = utils.CorrelationIdFromContextOrNew(ctx)
	entry.CreatedAt = now

	task.CostSnapshot = next
	task.CostLedger = append(task.CostLedger, entry)
	if err := e.Tasks.SaveTask(ctx, task); err != nil {
		return nil, nil, err
	}
	saved := task.CostLedger[len(task.CostLedger)-1]

	warnings := e.propagate(ctx, task.ID, next)
	e.Logger.WithFields(logrus.Fields{
		"module":         moduleName,
		"task_id":        task.ID,
		"source":         source,
		"max_abs_delta":  delta.String(),
		"correlation_id": entry.CorrelationId,
	}).Info("task cost updated")

	event := &models.CostChangedEvent{
		TaskId:        task.ID,
		TaskNumber:    task.Number,
		Previous:      prev,
		Current:       next,
		MaxAbsDelta:   delta,
		Reason:        reason,
		Source:        source,
		CorrelationId: entry.CorrelationId,
		Warnings:      warnings,
	}
	return &RecomputeResult{Applied: true, Snapshot: next, Entry: &saved, Warnings: warnings}, event, nil
}

type materialCost struct {
	material decimal.Decimal
	full     decimal.Decimal
}

// computeSnapshot prices consumption at live batch prices, falling back to
// the price recorded at consumption when a batch is gone. Planned quantity
// not yet consumed is priced at the average of the material's holds and
// only counts toward the full cost.
func (e *Engine) computeSnapshot(ctx context.Context, task *models.ManufacturingTask) (models.CostSnapshot, error) {
	loader := newPriceLoader(e.Stock)
	costs := make([]materialCost, len(task.Materials))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanOut())
	for i := range task.Materials {
		i := i
		g.Go(func() error {
			c, err := e.materialCost(gctx, loader, task, &task.Materials[i])
			costs[i] = c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return models.CostSnapshot{}, err
	}

	totalMaterial, totalFull := decimal.Zero, decimal.Zero
	for _, c := range costs {
		totalMaterial = utils.DecAdd(totalMaterial, c.material)
		totalFull = utils.DecAdd(totalFull, c.full)
	}
	qty := utils.DivisorAtLeastOne(task.Quantity)
	return models.CostSnapshot{
		TotalMaterialCost: utils.RoundStorage(totalMaterial),
		UnitMaterialCost:  utils.RoundStorage(utils.DecDiv(totalMaterial, qty)),
		TotalFullCost:     utils.RoundStorage(totalFull),
		UnitFullCost:      utils.RoundStorage(utils.DecDiv(totalFull, qty)),
	}, nil
}

func (e *Engine) materialCost(ctx context.Context, loader *priceLoader, task *models.ManufacturingTask, m *models.MaterialRequirement) (materialCost, error) {
	var consumed []models.ConsumptionRecord
	var held []models.BatchAllocation
	var batchIds []int
	for _, rec := range task.Consumptions {
		if rec.MaterialId == m.MaterialId {
			consumed = append(consumed, rec)
			batchIds = append(batchIds, rec.BatchId)
		}
	}
	for _, a := range task.Allocations {
		if a.MaterialId == m.MaterialId && a.Status == models.AllocationStatusHeld {
			held = append(held, a)
			batchIds = append(batchIds, a.BatchId)
		}
	}
	live, err := loader.prices(ctx, utils.UniqueSlice(batchIds))
	if err != nil {
		return materialCost{}, err
	}

	consumedCost := decimal.Zero
	for _, rec := range consumed {
		price := rec.RecordedUnitPrice
		if batch, ok := live[rec.BatchId]; ok {
			price = batch.UnitPrice
		}
		consumedCost = utils.DecAdd(consumedCost, utils.DecMul(rec.ConsumedQty, price))
	}
	consumedQty := utils.Normalize(task.ConsumedQty(m.MaterialId))

	reservedCost := decimal.Zero
	if remainder := utils.PositivePart(utils.DecSub(m.TargetQty(), consumedQty)); remainder.IsPositive() {
		heldValue, heldQty := decimal.Zero, decimal.Zero
		for _, a := range held {
			batch, ok := live[a.BatchId]
			if !ok {
				continue
			}
			heldValue = utils.DecAdd(heldValue, utils.DecMul(a.ReservedQty, batch.UnitPrice))
			heldQty = utils.DecAdd(heldQty, a.ReservedQty)
		}
		if heldQty.IsPositive() {
			reservedCost = utils.DecMul(remainder, utils.DecDiv(heldValue, heldQty))
		}
	}

	c := materialCost{full: utils.DecAdd(consumedCost, reservedCost)}
	if m.IncludeInCosts {
		c.material = consumedCost
	}
	return c, nil
}
