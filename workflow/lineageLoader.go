package workflow

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
)

type unitReader struct {
	units repository.UnitStore
}

func (r *unitReader) getUnits(ctx context.Context, serials []string) []*dataloader.Result[*models.ProductionUnit] {
	units, err := r.units.UnitsBySerials(ctx, serials)
	if err != nil {
		return handleError[*models.ProductionUnit](len(serials), storageErr("load units", err))
	}

	resultMap := make(map[string]*models.ProductionUnit, len(units))
	for _, u := range units {
		resultMap[u.SerialNumber] = u
	}
	results := make([]*dataloader.Result[*models.ProductionUnit], 0, len(serials))
	for _, serial := range serials {
		if u, ok := resultMap[serial]; ok {
			results = append(results, &dataloader.Result[*models.ProductionUnit]{Data: u})
		} else {
			results = append(results, &dataloader.Result[*models.ProductionUnit]{Error: &UnknownSerialError{Serial: serial}})
		}
	}
	return results
}

func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// newUnitLoader batches serial lookups issued within a millisecond of each other.
// One loader lives for one traversal so its cache never outlives the query.
func newUnitLoader(units repository.UnitStore) *dataloader.Loader[string, *models.ProductionUnit] {
	reader := &unitReader{units: units}
	return dataloader.NewBatchedLoader(reader.getUnits, dataloader.WithWait[string, *models.ProductionUnit](time.Millisecond))
}
