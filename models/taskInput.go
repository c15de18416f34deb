package models

import (
	"fmt"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/shopspring/decimal"
)

type NewMaterialRequirement struct {
	MaterialId       int             `json:"material_id" validate:"required,gt=0"`
	Name             string          `json:"name" validate:"required,max=200"`
	PlannedQty       decimal.Decimal `json:"planned_qty" validate:"gte=0"`
	Unit             string          `json:"unit" validate:"max=50"`
	IncludeInCosts   *bool           `json:"include_in_costs"`
	ExplicitBatchIds []int           `json:"explicit_batch_ids" validate:"omitempty,dive,gt=0"`
}

type NewManufacturingTask struct {
	Number           string                   `json:"number" validate:"required,max=50"`
	Name             string                   `json:"name" validate:"required,max=200"`
	Quantity         decimal.Decimal          `json:"quantity" validate:"gte=0"`
	Unit             string                   `json:"unit" validate:"max=50"`
	AllocationPolicy AllocationPolicy         `json:"allocation_policy" validate:"omitempty,oneof=FIFO FEFO"`
	Materials        []NewMaterialRequirement `json:"materials" validate:"dive"`
}

// UpdateManufacturingTask replaces the task header and its material list.
type UpdateManufacturingTask = NewManufacturingTask

type MaterialUsage struct {
	MaterialId int              `json:"material_id" validate:"required,gt=0"`
	Qty        *decimal.Decimal `json:"qty"`
}

type MaterialUsageInput struct {
	Usage []MaterialUsage `json:"usage" validate:"required,dive"`
}

type TaskStatusInput struct {
	Status TaskStatus `json:"status" validate:"required,oneof=PLANNED IN_PROGRESS DONE CANCELLED"`
}

type ManualCostInput struct {
	TotalMaterialCost decimal.Decimal `json:"total_material_cost" validate:"gte=0"`
	TotalFullCost     decimal.Decimal `json:"total_full_cost" validate:"gte=0"`
	Reason            string          `json:"reason" validate:"max=500"`
}

type RecomputeInput struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (input *NewManufacturingTask) Validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return validationErrorFrom(err)
	}
	seen := make(map[int]struct{}, len(input.Materials))
	for _, m := range input.Materials {
		if _, ok := seen[m.MaterialId]; ok {
			return &ValidationError{Field: "materials", MaterialId: m.MaterialId, Message: "duplicate material"}
		}
		seen[m.MaterialId] = struct{}{}
	}
	return nil
}

func (input *MaterialUsageInput) Validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return validationErrorFrom(err)
	}
	for _, u := range input.Usage {
		if u.Qty != nil && u.Qty.IsNegative() {
			return &ValidationError{Field: "qty", MaterialId: u.MaterialId, Message: "usage cannot be negative"}
		}
	}
	return nil
}

func (input *TaskStatusInput) Validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return validationErrorFrom(err)
	}
	return nil
}

func (input *ManualCostInput) Validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return validationErrorFrom(err)
	}
	return nil
}

func (input *RecomputeInput) Validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return validationErrorFrom(err)
	}
	return nil
}

func validationErrorFrom(err error) error {
	fields := utils.ProcessValidationErrors(err)
	if len(fields) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	parts := make([]string, 0, len(fields))
	for field, tag := range fields {
		parts = append(parts, fmt.Sprintf("%s failed %s", field, tag))
	}
	sort.Strings(parts)
	return &ValidationError{Message: strings.Join(parts, "; ")}
}
