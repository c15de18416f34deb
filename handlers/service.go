// Package handlers exposes the costing engine over HTTP with gin.
package handlers

import (
	"context"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/workflow"
)

// Service is the set of task operations served over HTTP.
// *workflow.Coalescer satisfies it.
type Service interface {
	CreateTask(ctx context.Context, input *models.NewManufacturingTask) (*workflow.TaskResult, error)
	UpdateTask(ctx context.Context, taskId int, input *models.UpdateManufacturingTask) (*workflow.TaskResult, error)
	ChangeTaskStatus(ctx context.Context, taskId int, status models.TaskStatus) (*workflow.TaskResult, error)
	DeleteTask(ctx context.Context, taskId int) ([]string, error)
	ConfirmConsumption(ctx context.Context, taskId int) (*workflow.TaskResult, error)
	EditMaterialUsage(ctx context.Context, taskId int, input *models.MaterialUsageInput) (*workflow.TaskResult, error)
	ReleaseHolds(ctx context.Context, taskId int) (*workflow.TaskResult, error)
	Recompute(ctx context.Context, taskId int, reason string) (*workflow.RecomputeResult, error)
	SetManualCost(ctx context.Context, taskId int, input *models.ManualCostInput) (*workflow.RecomputeResult, error)
	ClearManualCost(ctx context.Context, taskId int, reason string) (*workflow.RecomputeResult, error)
	GetTask(ctx context.Context, taskId int) (*models.ManufacturingTask, error)
	ListTasks(ctx context.Context) ([]*models.ManufacturingTask, error)
	GetCostSnapshot(ctx context.Context, taskId int) (models.CostSnapshot, error)
	GetCostLedger(ctx context.Context, taskId int) ([]models.CostLedgerEntry, error)
}

var _ Service = (*workflow.Coalescer)(nil)
