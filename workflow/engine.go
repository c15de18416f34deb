package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const moduleName = "workflow"

var tracer = otel.Tracer("production-costing")

// DefaultEpsilon is the smallest cost change that gets persisted.
var DefaultEpsilon = decimal.RequireFromString("0.005")

// Engine reserves stock for manufacturing tasks, consumes it and keeps
// their costs reconciled. Every mutation of a task runs under its task lock.
type Engine struct {
	Tasks  models.TaskStore
	Stock  models.StockLedger
	Orders models.OrderBook
	Locker Locker
	Logger *logrus.Logger

	Epsilon       decimal.Decimal
	DefaultPolicy models.AllocationPolicy
	Observers     []CostObserver
	FanOut        int
	Now           func() time.Time
}

func NewEngine(tasks models.TaskStore, stock models.StockLedger, orders models.OrderBook, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Engine{
		Tasks:         tasks,
		Stock:         stock,
		Orders:        orders,
		Locker:        NewLocalLocker(),
		Logger:        logger,
		Epsilon:       DefaultEpsilon,
		DefaultPolicy: models.AllocationPolicyFIFO,
		FanOut:        8,
		Now:           time.Now,
	}
}

// TaskResult is returned by every task mutation. Missing lists reservation
// shortfalls; Warnings lists recoverable problems (vanished batches).
type TaskResult struct {
	Task           *models.ManufacturingTask `json:"task"`
	Missing        []models.MissingMaterial  `json:"missing_materials"`
	UsageOverrides map[int]decimal.Decimal   `json:"usage_overrides,omitempty"`
	Warnings       []string                  `json:"warnings,omitempty"`
}

func newTaskResult(task *models.ManufacturingTask, warnings []string) *TaskResult {
	return &TaskResult{
		Task:           task.Clone(),
		Missing:        task.MissingMaterials(),
		UsageOverrides: task.UsageOverrides(),
		Warnings:       warnings,
	}
}

func (e *Engine) fanOut() int {
	if e.FanOut <= 0 {
		return 1
	}
	return e.FanOut
}

func (e *Engine) startSpan(ctx context.Context, name string, taskId int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "workflow."+name, trace.WithAttributes(attribute.Int("task_id", taskId)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) withTaskLock(ctx context.Context, taskId int, fn func() error) error {
	unlock, err := e.Locker.Lock(ctx, taskLockKey(taskId))
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// CreateTask stores the task and soft-holds stock for each material.
// Shortfalls are reported in the result, not as an error.
func (e *Engine) CreateTask(ctx context.Context, input *models.NewManufacturingTask) (result *TaskResult, err error) {
	ctx, span := e.startSpan(ctx, "CreateTask", 0)
	defer func() { endSpan(span, err) }()

	if err := input.Validate(); err != nil {
		return nil, err
	}
	policy := input.AllocationPolicy
	if policy == "" {
		policy = e.DefaultPolicy
	}
	task := &models.ManufacturingTask{
		Number:           input.Number,
		Name:             input.Name,
		Quantity:         input.Quantity,
		Unit:             input.Unit,
		Status:           models.TaskStatusPlanned,
		AllocationPolicy: policy,
	}
	for _, m := range input.Materials {
		task.Materials = append(task.Materials, materialFromInput(m))
	}
	if err := e.Tasks.CreateTask(ctx, task); err != nil {
		config.LogError(e.Logger, moduleName, "CreateTask", "store task", input.Number, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("task_id", task.ID))

	err = e.withTaskLock(ctx, task.ID, func() error {
		j := newStockJournal(e.Stock)
		warnings, err := e.reconcileAllocations(ctx, j, task, explicitBatches(input.Materials))
		if err == nil {
			err = e.Tasks.SaveTask(ctx, task)
		}
		if err != nil {
			e.rollback(ctx, j, "CreateTask", task.ID)
			return err
		}
		e.refreshItemTotals(ctx, j)
		result = newTaskResult(task, warnings)
		return nil
	})
	if err != nil {
		// do not leave a task behind without its holds
		if archiveErr := e.Tasks.ArchiveTask(ctx, task.ID); archiveErr != nil {
			config.LogError(e.Logger, moduleName, "CreateTask", "archive half-created task", task.ID, archiveErr)
		}
		return nil, err
	}
	return result, nil
}

// UpdateTask replaces the header and material list, then moves holds by
// the planned-quantity delta of each material.
func (e *Engine) UpdateTask(ctx context.Context, taskId int, input *models.UpdateManufacturingTask) (result *TaskResult, err error) {
	ctx, span := e.startSpan(ctx, "UpdateTask", taskId)
	defer func() { endSpan(span, err) }()

	if err := input.Validate(); err != nil {
		return nil, err
	}
	err = e.withTaskLock(ctx, taskId, func() error {
		task, err := e.Tasks.GetTask(ctx, taskId)
		if err != nil {
			return err
		}
		if task.ConsumptionConfirmed && materialsChanged(task, input.Materials) {
			return &models.ValidationError{
				Field:   "materials",
				Message: "consumption is confirmed; edit usage before changing materials",
			}
		}

		task.Number = input.Number
		task.Name = input.Name
		task.Quantity = input.Quantity
		task.Unit = input.Unit
		if input.AllocationPolicy != "" {
			task.AllocationPolicy = input.AllocationPolicy
		}
		task.Materials = mergeMaterials(task, input.Materials)

		j := newStockJournal(e.Stock)
		warnings, err := e.reconcileAllocations(ctx, j, task, explicitBatches(input.Materials))
		if err == nil {
			err = e.Tasks.SaveTask(ctx, task)
		}
		if err != nil {
			e.rollback(ctx, j, "UpdateTask", taskId)
			return err
		}
		e.refreshItemTotals(ctx, j)
		result = newTaskResult(task, warnings)
		return nil
	})
	return result, err
}

// ChangeTaskStatus moves the task between statuses. Cancelling releases
// every outstanding hold; reopening a cancelled task re-allocates.
func (e *Engine) ChangeTaskStatus(ctx context.Context, taskId int, status models.TaskStatus) (result *TaskResult, err error) {
	ctx, span := e.startSpan(ctx, "ChangeTaskStatus", taskId)
	defer func() { endSpan(span, err) }()

	input := models.TaskStatusInput{Status: status}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	err = e.withTaskLock(ctx, taskId, func() error {
		task, err := e.Tasks.GetTask(ctx, taskId)
		if err != nil {
			return err
		}
		if task.Status == status {
			result = newTaskResult(task, nil)
			return nil
		}
		previous := task.Status
		task.Status = status

		j := newStockJournal(e.Stock)
		var warnings []string
		switch {
		case status == models.TaskStatusCancelled:
			warnings, err = e.releaseHolds(ctx, j, task)
		case previous == models.TaskStatusCancelled:
			warnings, err = e.reconcileAllocations(ctx, j, task, nil)
		}
		if err == nil {
			err = e.Tasks.SaveTask(ctx, task)
		}
		if err != nil {
			e.rollback(ctx, j, "ChangeTaskStatus", taskId)
			return err
		}
		e.refreshItemTotals(ctx, j)
		result = newTaskResult(task, warnings)
		return nil
	})
	return result, err
}

// DeleteTask reverses consumption, releases holds and archives the task.
func (e *Engine) DeleteTask(ctx context.Context, taskId int) (warnings []string, err error) {
	ctx, span := e.startSpan(ctx, "DeleteTask", taskId)
	defer func() { endSpan(span, err) }()

	err = e.withTaskLock(ctx, taskId, func() error {
		task, err := e.Tasks.GetTask(ctx, taskId)
		if err != nil {
			return err
		}
		j := newStockJournal(e.Stock)
		if task.ConsumptionConfirmed {
			w, err := e.reverseConsumption(ctx, j, task)
			warnings = append(warnings, w...)
			if err != nil {
				e.rollback(ctx, j, "DeleteTask", taskId)
				return err
			}
		}
		w, err := e.releaseHolds(ctx, j, task)
		warnings = append(warnings, w...)
		if err == nil {
			err = e.Tasks.SaveTask(ctx, task)
		}
		if err != nil {
			e.rollback(ctx, j, "DeleteTask", taskId)
			return err
		}
		e.refreshItemTotals(ctx, j)
		return e.Tasks.ArchiveTask(ctx, taskId)
	})
	return warnings, err
}

func (e *Engine) GetTask(ctx context.Context, taskId int) (*models.ManufacturingTask, error) {
	return e.Tasks.GetTask(ctx, taskId)
}

func (e *Engine) ListTasks(ctx context.Context) ([]*models.ManufacturingTask, error) {
	return e.Tasks.ListTasks(ctx)
}

func (e *Engine) GetCostSnapshot(ctx context.Context, taskId int) (models.CostSnapshot, error) {
	task, err := e.Tasks.GetTask(ctx, taskId)
	if err != nil {
		return models.CostSnapshot{}, err
	}
	return task.CostSnapshot, nil
}

func (e *Engine) GetCostLedger(ctx context.Context, taskId int) ([]models.CostLedgerEntry, error) {
	task, err := e.Tasks.GetTask(ctx, taskId)
	if err != nil {
		return nil, err
	}
	return task.CostLedger, nil
}

// rollback undoes the stock adjustments of a failed operation.
func (e *Engine) rollback(ctx context.Context, j *stockJournal, funcName string, taskId int) {
	if err := j.undo(context.WithoutCancel(ctx)); err != nil {
		config.LogError(e.Logger, moduleName, funcName, "undo stock adjustments", taskId, err)
	}
}

func (e *Engine) refreshItemTotals(ctx context.Context, j *stockJournal) {
	for _, itemId := range j.touchedItems() {
		if err := e.Stock.RecalculateItemTotal(ctx, itemId); err != nil {
			config.LogWarning(e.Logger, moduleName, "refreshItemTotals", "recalculate item total", itemId, err)
		}
	}
}

func (e *Engine) warn(funcName string, fields logrus.Fields, msg string) string {
	e.Logger.WithFields(fields).WithField("module", moduleName).WithField("funcName", funcName).Warn(msg)
	return msg
}

func materialFromInput(m models.NewMaterialRequirement) models.MaterialRequirement {
	include := true
	if m.IncludeInCosts != nil {
		include = *m.IncludeInCosts
	}
	return models.MaterialRequirement{
		MaterialId:     m.MaterialId,
		Name:           m.Name,
		PlannedQty:     utils.Normalize(m.PlannedQty),
		Unit:           m.Unit,
		IncludeInCosts: include,
	}
}

func explicitBatches(materials []models.NewMaterialRequirement) map[int][]int {
	out := make(map[int][]int)
	for _, m := range materials {
		if len(m.ExplicitBatchIds) > 0 {
			out[m.MaterialId] = utils.UniqueSlice(m.ExplicitBatchIds)
		}
	}
	return out
}

// mergeMaterials applies the input list, keeping row ids, usage overrides
// and shortfalls of materials that stay on the task.
func mergeMaterials(task *models.ManufacturingTask, inputs []models.NewMaterialRequirement) []models.MaterialRequirement {
	out := make([]models.MaterialRequirement, 0, len(inputs))
	for _, in := range inputs {
		next := materialFromInput(in)
		if existing := task.Material(in.MaterialId); existing != nil {
			next.ID = existing.ID
			next.UsageOverride = existing.UsageOverride
			next.MissingQty = existing.MissingQty
		}
		out = append(out, next)
	}
	return out
}

// materialsChanged reports whether the set of materials or any planned
// quantity differs from the task.
func materialsChanged(task *models.ManufacturingTask, inputs []models.NewMaterialRequirement) bool {
	if len(task.Materials) != len(inputs) {
		return true
	}
	for _, in := range inputs {
		existing := task.Material(in.MaterialId)
		if existing == nil || !existing.PlannedQty.Equal(utils.Normalize(in.PlannedQty)) {
			return true
		}
	}
	return false
}
