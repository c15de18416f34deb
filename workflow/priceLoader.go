package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"github.com/graph-gophers/dataloader/v7"
)

type batchReader struct {
	stock models.StockLedger
}

func (r *batchReader) getBatches(ctx context.Context, ids []int) []*dataloader.Result[*models.InventoryBatch] {
	results := make([]*dataloader.Result[*models.InventoryBatch], len(ids))
	found, err := r.stock.GetBatches(ctx, ids)
	if err != nil {
		for i := range results {
			results[i] = &dataloader.Result[*models.InventoryBatch]{Error: err}
		}
		return results
	}
	for i, id := range ids {
		batch, ok := found[id]
		if !ok {
			results[i] = &dataloader.Result[*models.InventoryBatch]{Error: &models.NotFoundError{Resource: "batch", Id: id}}
			continue
		}
		results[i] = &dataloader.Result[*models.InventoryBatch]{Data: batch}
	}
	return results
}

// priceLoader batches live unit price lookups for one recomputation. Each
// recomputation gets its own loader so prices are never stale across runs.
type priceLoader struct {
	loader *dataloader.Loader[int, *models.InventoryBatch]
}

func newPriceLoader(stock models.StockLedger) *priceLoader {
	reader := &batchReader{stock: stock}
	return &priceLoader{
		loader: dataloader.NewBatchedLoader(
			reader.getBatches,
			dataloader.WithWait[int, *models.InventoryBatch](time.Millisecond),
		),
	}
}

// prices returns the live unit price per batch id. Batches that no longer
// exist are left out.
func (p *priceLoader) prices(ctx context.Context, batchIds []int) (map[int]*models.InventoryBatch, error) {
	out := make(map[int]*models.InventoryBatch, len(batchIds))
	if len(batchIds) == 0 {
		return out, nil
	}
	batches, errs := p.loader.LoadMany(ctx, batchIds)()
	for i, id := range batchIds {
		var err error
		if i < len(errs) {
			err = errs[i]
		}
		if models.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if i < len(batches) && batches[i] != nil {
			out[id] = batches[i]
		}
	}
	return out, nil
}
