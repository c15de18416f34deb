package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"github.com/shopspring/decimal"
)

type stockAdjustment struct {
	batchId       int
	itemId        int
	physicalDelta decimal.Decimal
	bookableDelta decimal.Decimal
}

// stockJournal records every applied batch adjustment of one operation so
// a failure can put the ledger back by applying the negated deltas.
type stockJournal struct {
	stock   models.StockLedger
	mu      sync.Mutex
	applied []stockAdjustment
}

func newStockJournal(stock models.StockLedger) *stockJournal {
	return &stockJournal{stock: stock}
}

func (j *stockJournal) adjust(ctx context.Context, batchId int, physicalDelta, bookableDelta decimal.Decimal) (*models.InventoryBatch, error) {
	if physicalDelta.IsZero() && bookableDelta.IsZero() {
		return j.stock.GetBatch(ctx, batchId)
	}
	batch, err := j.stock.AdjustBatchQuantity(ctx, batchId, physicalDelta, bookableDelta)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	j.applied = append(j.applied, stockAdjustment{
		batchId:       batchId,
		itemId:        batch.ItemId,
		physicalDelta: physicalDelta,
		bookableDelta: bookableDelta,
	})
	j.mu.Unlock()
	return batch, nil
}

// undo reverts in reverse order. It keeps going past failures and reports
// all of them.
func (j *stockJournal) undo(ctx context.Context) error {
	j.mu.Lock()
	applied := j.applied
	j.applied = nil
	j.mu.Unlock()

	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		if _, err := j.stock.AdjustBatchQuantity(ctx, a.batchId, a.physicalDelta.Neg(), a.bookableDelta.Neg()); err != nil {
			errs = append(errs, fmt.Errorf("revert batch_id=%d (physical %s, bookable %s): %w",
				a.batchId, a.physicalDelta.String(), a.bookableDelta.String(), err))
		}
	}
	return errors.Join(errs...)
}

func (j *stockJournal) touchedItems() []int {
	j.mu.Lock()
	defer j.mu.Unlock()
	seen := make(map[int]struct{})
	var out []int
	for _, a := range j.applied {
		if _, ok := seen[a.itemId]; ok {
			continue
		}
		seen[a.itemId] = struct{}{}
		out = append(out, a.itemId)
	}
	return out
}
