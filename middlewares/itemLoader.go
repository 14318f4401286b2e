package middlewares

import (
	"context"
	"errors"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
)

type itemReader struct {
	catalog repository.Catalog
}

// getItems resolves a batch through the catalog, which is Redis cached, so
// each id costs at most one cache round trip.
func (r *itemReader) getItems(ctx context.Context, ids []int) []*dataloader.Result[*models.Item] {
	results := make([]*dataloader.Result[*models.Item], 0, len(ids))
	for i, id := range ids {
		item, err := r.catalog.ItemById(ctx, id)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return append(results, handleError[*models.Item](len(ids)-i, err)...)
		}
		results = append(results, &dataloader.Result[*models.Item]{Data: item})
	}
	return results
}

// GetItem returns a single item by id; nil when it is not in the catalog.
func GetItem(ctx context.Context, id int) (*models.Item, error) {
	loaders := For(ctx)
	if loaders == nil {
		return nil, errors.New("item loader not installed")
	}
	return loaders.ItemLoader.Load(ctx, id)()
}

// GetItems returns many items by ids efficiently
func GetItems(ctx context.Context, ids []int) ([]*models.Item, []error) {
	loaders := For(ctx)
	if loaders == nil {
		return nil, []error{errors.New("item loader not installed")}
	}
	return loaders.ItemLoader.LoadMany(ctx, ids)()
}
