package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TaskStatus string

const (
	TaskStatusPlanned    TaskStatus = "PLANNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPlanned, TaskStatusInProgress, TaskStatusDone, TaskStatusCancelled:
		return true
	}
	return false
}

type AllocationPolicy string

const (
	AllocationPolicyFIFO AllocationPolicy = "FIFO"
	AllocationPolicyFEFO AllocationPolicy = "FEFO"
)

func (p AllocationPolicy) IsValid() bool {
	return p == AllocationPolicyFIFO || p == AllocationPolicyFEFO
}

type AllocationStatus string

const (
	AllocationStatusHeld     AllocationStatus = "HELD"
	AllocationStatusConsumed AllocationStatus = "CONSUMED"
)

type CostSource string

const (
	CostSourceAuto          CostSource = "AUTO"
	CostSourceManual        CostSource = "MANUAL"
	CostSourceManualCleared CostSource = "MANUAL_CLEARED"
)

// CostSnapshot holds the four headline cost figures of a task.
type CostSnapshot struct {
	TotalMaterialCost decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_material_cost"`
	UnitMaterialCost  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_material_cost"`
	TotalFullCost     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_full_cost"`
	UnitFullCost      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_full_cost"`
	CostComputedAt    *time.Time      `json:"cost_computed_at"`
}

// Values returns the headline numbers in a fixed order for delta checks.
func (s CostSnapshot) Values() []decimal.Decimal {
	return []decimal.Decimal{s.TotalMaterialCost, s.UnitMaterialCost, s.TotalFullCost, s.UnitFullCost}
}

type ManufacturingTask struct {
	ID                   int                   `gorm:"primary_key" json:"id"`
	Number               string                `gorm:"size:50;index" json:"number"`
	Name                 string                `gorm:"size:200;not null" json:"name"`
	Quantity             decimal.Decimal       `gorm:"type:decimal(20,6);default:0" json:"quantity"`
	Unit                 string                `gorm:"size:50" json:"unit"`
	Status               TaskStatus            `gorm:"size:20;not null;default:PLANNED" json:"status"`
	AllocationPolicy     AllocationPolicy      `gorm:"size:10;not null;default:FIFO" json:"allocation_policy"`
	ConsumptionConfirmed bool                  `gorm:"not null;default:false" json:"consumption_confirmed"`
	ConfirmedAt          *time.Time            `json:"confirmed_at"`
	ConfirmedBy          string                `gorm:"size:100" json:"confirmed_by"`
	CostSnapshot         CostSnapshot          `gorm:"embedded" json:"cost_snapshot"`
	CostOverride         bool                  `gorm:"not null;default:false" json:"cost_override"`
	Version              int                   `gorm:"not null;default:0" json:"version"`
	Materials            []MaterialRequirement `gorm:"foreignKey:TaskId" json:"materials"`
	Allocations          []BatchAllocation     `gorm:"foreignKey:TaskId" json:"allocations"`
	Consumptions         []ConsumptionRecord   `gorm:"foreignKey:TaskId" json:"consumptions"`
	CostLedger           []CostLedgerEntry     `gorm:"foreignKey:TaskId" json:"cost_ledger,omitempty"`
	CreatedAt            time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt        `gorm:"index" json:"-"`
}

type MaterialRequirement struct {
	ID             int              `gorm:"primary_key" json:"id"`
	TaskId         int              `gorm:"index;not null" json:"task_id"`
	SeqNo          int              `gorm:"not null;default:0" json:"seq_no"`
	MaterialId     int              `gorm:"index;not null" json:"material_id"`
	Name           string           `gorm:"size:200" json:"name"`
	PlannedQty     decimal.Decimal  `gorm:"type:decimal(20,6);default:0" json:"planned_qty"`
	Unit           string           `gorm:"size:50" json:"unit"`
	IncludeInCosts bool             `gorm:"not null" json:"include_in_costs"`
	UsageOverride  *decimal.Decimal `gorm:"type:decimal(20,6)" json:"usage_override"`
	MissingQty     decimal.Decimal  `gorm:"type:decimal(20,6);default:0" json:"missing_qty"`
}

// TargetQty is the quantity to consume: the usage override when set,
// otherwise the planned quantity.
func (m *MaterialRequirement) TargetQty() decimal.Decimal {
	if m.UsageOverride != nil {
		return *m.UsageOverride
	}
	return m.PlannedQty
}

// BatchAllocation is a task's hold on a batch. The batch itself belongs to
// the stock ledger.
type BatchAllocation struct {
	ID          int              `gorm:"primary_key" json:"id"`
	TaskId      int              `gorm:"index;not null" json:"task_id"`
	MaterialId  int              `gorm:"index;not null" json:"material_id"`
	BatchId     int              `gorm:"index;not null" json:"batch_id"`
	BatchNumber string           `gorm:"size:100" json:"batch_number"`
	ReservedQty decimal.Decimal  `gorm:"type:decimal(20,6);default:0" json:"reserved_qty"`
	ConsumedQty decimal.Decimal  `gorm:"type:decimal(20,6);default:0" json:"consumed_qty"`
	Status      AllocationStatus `gorm:"size:10;not null;default:HELD" json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

type ConsumptionRecord struct {
	ID                int             `gorm:"primary_key" json:"id"`
	TaskId            int             `gorm:"index;not null" json:"task_id"`
	MaterialId        int             `gorm:"index;not null" json:"material_id"`
	BatchId           int             `gorm:"index;not null" json:"batch_id"`
	ConsumedQty       decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"consumed_qty"`
	RecordedUnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"recorded_unit_price"`
	IncludeInCosts    bool            `gorm:"not null" json:"include_in_costs"`
	CreatedAt         time.Time       `json:"created_at"`
}

type CostLedgerEntry struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	TaskId                int             `gorm:"index;not null" json:"task_id"`
	PrevTotalMaterialCost decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"prev_total_material_cost"`
	PrevUnitMaterialCost  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"prev_unit_material_cost"`
	PrevTotalFullCost     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"prev_total_full_cost"`
	PrevUnitFullCost      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"prev_unit_full_cost"`
	NewTotalMaterialCost  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"new_total_material_cost"`
	NewUnitMaterialCost   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"new_unit_material_cost"`
	NewTotalFullCost      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"new_total_full_cost"`
	NewUnitFullCost       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"new_unit_full_cost"`
	MaxAbsDelta           decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"max_abs_delta"`
	Reason                string          `gorm:"type:text" json:"reason"`
	Actor                 string          `gorm:"size:100" json:"actor"`
	Source                CostSource      `gorm:"size:20;not null" json:"source"`
	CorrelationId         string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt             time.Time       `json:"created_at"`
}

// NewCostLedgerEntry builds an entry from the previous and new snapshots.
func NewCostLedgerEntry(taskId int, prev, next CostSnapshot, maxAbsDelta decimal.Decimal) CostLedgerEntry {
	return CostLedgerEntry{
		TaskId:                taskId,
		PrevTotalMaterialCost: prev.TotalMaterialCost,
		PrevUnitMaterialCost:  prev.UnitMaterialCost,
		PrevTotalFullCost:     prev.TotalFullCost,
		PrevUnitFullCost:      prev.UnitFullCost,
		NewTotalMaterialCost:  next.TotalMaterialCost,
		NewUnitMaterialCost:   next.UnitMaterialCost,
		NewTotalFullCost:      next.TotalFullCost,
		NewUnitFullCost:       next.UnitFullCost,
		MaxAbsDelta:           maxAbsDelta,
	}
}

// CostChangedEvent is emitted after an accepted cost change.
type CostChangedEvent struct {
	TaskId        int             `json:"task_id"`
	TaskNumber    string          `json:"task_number"`
	Previous      CostSnapshot    `json:"previous"`
	Current       CostSnapshot    `json:"current"`
	MaxAbsDelta   decimal.Decimal `json:"max_abs_delta"`
	Reason        string          `json:"reason"`
	Source        CostSource      `json:"source"`
	CorrelationId string          `json:"correlation_id"`
	Warnings      []string        `json:"warnings,omitempty"`
}

// MissingMaterial is a reservation shortfall reported back to the caller.
type MissingMaterial struct {
	MaterialId int             `json:"material_id"`
	Name       string          `json:"name"`
	MissingQty decimal.Decimal `json:"missing_qty"`
}

func (t *ManufacturingTask) Material(materialId int) *MaterialRequirement {
	for i := range t.Materials {
		if t.Materials[i].MaterialId == materialId {
			return &t.Materials[i]
		}
	}
	return nil
}

// AllocationsFor returns pointers into t.Allocations for one material, in
// allocation order, filtered by status when given.
func (t *ManufacturingTask) AllocationsFor(materialId int, status AllocationStatus) []*BatchAllocation {
	var out []*BatchAllocation
	for i := range t.Allocations {
		a := &t.Allocations[i]
		if a.MaterialId != materialId {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (t *ManufacturingTask) HeldQty(materialId int) decimal.Decimal {
	total := decimal.Zero
	for _, a := range t.AllocationsFor(materialId, AllocationStatusHeld) {
		total = total.Add(a.ReservedQty)
	}
	return total
}

func (t *ManufacturingTask) ConsumedQty(materialId int) decimal.Decimal {
	total := decimal.Zero
	for i := range t.Consumptions {
		if t.Consumptions[i].MaterialId == materialId {
			total = total.Add(t.Consumptions[i].ConsumedQty)
		}
	}
	return total
}

// UsageOverrides returns the material -> actual usage map.
func (t *ManufacturingTask) UsageOverrides() map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal)
	for _, m := range t.Materials {
		if m.UsageOverride != nil {
			out[m.MaterialId] = *m.UsageOverride
		}
	}
	return out
}

func (t *ManufacturingTask) MissingMaterials() []MissingMaterial {
	var out []MissingMaterial
	for _, m := range t.Materials {
		if m.MissingQty.IsPositive() {
			out = append(out, MissingMaterial{MaterialId: m.MaterialId, Name: m.Name, MissingQty: m.MissingQty})
		}
	}
	return out
}

// RemoveAllocations drops every allocation for which drop returns true.
func (t *ManufacturingTask) RemoveAllocations(drop func(a *BatchAllocation) bool) {
	kept := t.Allocations[:0]
	for i := range t.Allocations {
		if drop(&t.Allocations[i]) {
			continue
		}
		kept = append(kept, t.Allocations[i])
	}
	t.Allocations = kept
}

// Clone deep-copies the task and its child records.
func (t *ManufacturingTask) Clone() *ManufacturingTask {
	if t == nil {
		return nil
	}
	c := *t
	c.ConfirmedAt = cloneTime(t.ConfirmedAt)
	c.CostSnapshot.CostComputedAt = cloneTime(t.CostSnapshot.CostComputedAt)
	c.Materials = make([]MaterialRequirement, len(t.Materials))
	for i, m := range t.Materials {
		if m.UsageOverride != nil {
			v := *m.UsageOverride
			m.UsageOverride = &v
		}
		c.Materials[i] = m
	}
	c.Allocations = append([]BatchAllocation(nil), t.Allocations...)
	c.Consumptions = append([]ConsumptionRecord(nil), t.Consumptions...)
	c.CostLedger = append([]CostLedgerEntry(nil), t.CostLedger...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
