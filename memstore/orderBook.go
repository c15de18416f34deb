package memstore

import (
	"context"
	"sort"
	"sync"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"github.com/shopspring/decimal"
)

type OrderBook struct {
	mu     sync.Mutex
	orders map[int]*models.Order
	nextId int
	nextLn int
}

var _ models.OrderBook = (*OrderBook)(nil)

func NewOrderBook() *OrderBook {
	return &OrderBook{orders: make(map[int]*models.Order)}
}

func (b *OrderBook) AddOrder(order models.Order) *models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	if order.ID == 0 {
		b.nextId++
		order.ID = b.nextId
	}
	o := order.Clone()
	for i := range o.Lines {
		o.Lines[i].OrderId = o.ID
		if o.Lines[i].ID == 0 {
			b.nextLn++
			o.Lines[i].ID = b.nextLn
		}
	}
	for i := range o.AdditionalCosts {
		o.AdditionalCosts[i].OrderId = o.ID
	}
	o.CalculateTotal()
	b.orders[o.ID] = o
	return o.Clone()
}

func (b *OrderBook) GetOrder(id int) (*models.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

func (b *OrderBook) ListOrdersReferencingTask(ctx context.Context, taskId int) ([]*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.Order
	for _, o := range b.orders {
		for i := range o.Lines {
			if o.Lines[i].References(taskId) {
				out = append(out, o.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *OrderBook) UpdateOrderLineCosts(ctx context.Context, orderId, lineId int, unitCost, fullUnitCost decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderId]
	if !ok {
		return &models.NotFoundError{Resource: "order", Id: orderId}
	}
	for i := range o.Lines {
		if o.Lines[i].ID == lineId {
			o.Lines[i].ApplyCosts(unitCost, fullUnitCost)
			return nil
		}
	}
	return &models.NotFoundError{Resource: "order line", Id: lineId}
}

func (b *OrderBook) RecomputeOrderTotal(ctx context.Context, orderId int) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderId]
	if !ok {
		return decimal.Zero, &models.NotFoundError{Resource: "order", Id: orderId}
	}
	return o.CalculateTotal(), nil
}
