package models

import (
	"time"

	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/shopspring/decimal"
)

// Order is the downstream sales order whose lines may be priced from a
// manufacturing task's cost.
type Order struct {
	ID               int                   `gorm:"primary_key" json:"id"`
	OrderNumber      string                `gorm:"size:50;index" json:"order_number"`
	ShippingCharges  decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"shipping_charges"`
	OrderTotalAmount decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"order_total_amount"`
	Lines            []OrderLine           `gorm:"foreignKey:OrderId" json:"lines"`
	AdditionalCosts  []OrderAdditionalCost `gorm:"foreignKey:OrderId" json:"additional_costs"`
	CreatedAt        time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderLine struct {
	ID            int             `gorm:"primary_key" json:"id"`
	OrderId       int             `gorm:"index;not null" json:"order_id"`
	TaskId        *int            `gorm:"index" json:"task_id"`
	Description   string          `gorm:"size:200" json:"description"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"qty"`
	UnitPrice     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	PriceFromCost bool            `gorm:"not null;default:false" json:"price_from_cost"`
	UnitCost      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	FullUnitCost  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"full_unit_cost"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
}

// OrderAdditionalCost may be negative (a discount or credit).
type OrderAdditionalCost struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OrderId     int             `gorm:"index;not null" json:"order_id"`
	Description string          `gorm:"size:200" json:"description"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
}

func (l *OrderLine) References(taskId int) bool {
	return l.TaskId != nil && *l.TaskId == taskId
}

// ApplyCosts sets the line's cost figures; a cost-priced line also takes
// the unit cost as its price.
func (l *OrderLine) ApplyCosts(unitCost, fullUnitCost decimal.Decimal) {
	l.UnitCost = utils.RoundStorage(unitCost)
	l.FullUnitCost = utils.RoundStorage(fullUnitCost)
	if l.PriceFromCost {
		l.UnitPrice = l.UnitCost
	}
	l.TotalAmount = utils.RoundStorage(utils.DecMul(l.Qty, l.UnitPrice))
}

// CalculateTotal is sum(line totals) + shipping + positive additional
// costs - |negative additional costs|. Line totals are refreshed first.
func (o *Order) CalculateTotal() decimal.Decimal {
	total := decimal.Zero
	for i := range o.Lines {
		line := &o.Lines[i]
		line.TotalAmount = utils.RoundStorage(utils.DecMul(line.Qty, line.UnitPrice))
		total = utils.DecAdd(total, line.TotalAmount)
	}
	total = utils.DecAdd(total, o.ShippingCharges)
	for _, c := range o.AdditionalCosts {
		if c.Amount.IsNegative() {
			total = utils.DecSub(total, c.Amount.Abs())
		} else {
			total = utils.DecAdd(total, c.Amount)
		}
	}
	o.OrderTotalAmount = utils.RoundStorage(total)
	return o.OrderTotalAmount
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Lines = make([]OrderLine, len(o.Lines))
	for i, l := range o.Lines {
		if l.TaskId != nil {
			id := *l.TaskId
			l.TaskId = &id
		}
		c.Lines[i] = l
	}
	c.AdditionalCosts = append([]OrderAdditionalCost(nil), o.AdditionalCosts...)
	return &c
}
