package models

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type GormTaskStore struct {
	db *gorm.DB
}

var _ TaskStore = (*GormTaskStore)(nil)

func NewGormTaskStore(db *gorm.DB) *GormTaskStore {
	return &GormTaskStore{db: db}
}

func (s *GormTaskStore) preloaded(ctx context.Context) *gorm.DB {
	byId := func(db *gorm.DB) *gorm.DB { return db.Order("id") }
	return s.db.WithContext(ctx).
		Preload("Materials", func(db *gorm.DB) *gorm.DB { return db.Order("seq_no, id") }).
		Preload("Allocations", byId).
		Preload("Consumptions", byId).
		Preload("CostLedger", byId)
}

func (s *GormTaskStore) CreateTask(ctx context.Context, task *ManufacturingTask) error {
	task.Version = 1
	for i := range task.Materials {
		task.Materials[i].SeqNo = i
	}
	return s.db.WithContext(ctx).Create(task).Error
}

func (s *GormTaskStore) GetTask(ctx context.Context, id int) (*ManufacturingTask, error) {
	var task ManufacturingTask
	if err := s.preloaded(ctx).First(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "task", Id: id}
		}
		return nil, err
	}
	return &task, nil
}

func (s *GormTaskStore) ListTasks(ctx context.Context) ([]*ManufacturingTask, error) {
	var tasks []*ManufacturingTask
	if err := s.preloaded(ctx).Order("id").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// SaveTask writes the header under a version check, replaces the material,
// allocation and consumption rows and appends new cost ledger entries.
func (s *GormTaskStore) SaveTask(ctx context.Context, task *ManufacturingTask) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ManufacturingTask{}).
			Where("id = ? AND version = ?", task.ID, task.Version).
			Updates(map[string]interface{}{
				"number":                task.Number,
				"name":                  task.Name,
				"quantity":              task.Quantity,
				"unit":                  task.Unit,
				"status":                task.Status,
				"allocation_policy":     task.AllocationPolicy,
				"consumption_confirmed": task.ConsumptionConfirmed,
				"confirmed_at":          task.ConfirmedAt,
				"confirmed_by":          task.ConfirmedBy,
				"total_material_cost":   task.CostSnapshot.TotalMaterialCost,
				"unit_material_cost":    task.CostSnapshot.UnitMaterialCost,
				"total_full_cost":       task.CostSnapshot.TotalFullCost,
				"unit_full_cost":        task.CostSnapshot.UnitFullCost,
				"cost_computed_at":      task.CostSnapshot.CostComputedAt,
				"cost_override":         task.CostOverride,
				"version":               task.Version + 1,
			})
		if res.Error != nil {
			return classifyDbError(res.Error, "task", task.ID)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&ManufacturingTask{}).Where("id = ?", task.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return &NotFoundError{Resource: "task", Id: task.ID}
			}
			return &ConcurrencyConflictError{Resource: "task", Key: fmt.Sprint(task.ID)}
		}

		if err := tx.Where("task_id = ?", task.ID).Delete(&MaterialRequirement{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", task.ID).Delete(&BatchAllocation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", task.ID).Delete(&ConsumptionRecord{}).Error; err != nil {
			return err
		}
		for i := range task.Materials {
			task.Materials[i].TaskId = task.ID
			task.Materials[i].SeqNo = i
		}
		for i := range task.Allocations {
			task.Allocations[i].TaskId = task.ID
		}
		for i := range task.Consumptions {
			task.Consumptions[i].TaskId = task.ID
		}
		if len(task.Materials) > 0 {
			if err := tx.Create(&task.Materials).Error; err != nil {
				return err
			}
		}
		if len(task.Allocations) > 0 {
			if err := tx.Create(&task.Allocations).Error; err != nil {
				return err
			}
		}
		if len(task.Consumptions) > 0 {
			if err := tx.Create(&task.Consumptions).Error; err != nil {
				return err
			}
		}
		for i := range task.CostLedger {
			entry := &task.CostLedger[i]
			if entry.ID != 0 {
				continue
			}
			entry.TaskId = task.ID
			if err := tx.Create(entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	task.Version++
	return nil
}

// ArchiveTask soft-deletes the task; child rows stay for audit.
func (s *GormTaskStore) ArchiveTask(ctx context.Context, id int) error {
	res := s.db.WithContext(ctx).Delete(&ManufacturingTask{}, id)
	if res.Error != nil {
		return classifyDbError(res.Error, "task", id)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Resource: "task", Id: id}
	}
	return nil
}
