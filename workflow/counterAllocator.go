package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/production_backend/config"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/mmdatafocus/production_backend/workflow")

// CounterAllocator issues consecutive values per counter key. The atomicity
// comes from the store; the allocator never reads-then-writes.
type CounterAllocator struct {
	store  repository.CounterStore
	logger *logrus.Logger
}

func NewCounterAllocator(store repository.CounterStore, logger *logrus.Logger) *CounterAllocator {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &CounterAllocator{store: store, logger: logger}
}

// Allocate returns the next value for key, starting at 1.
// A store failure is returned as ErrStorageUnavailable and no value is issued.
func (a *CounterAllocator) Allocate(ctx context.Context, key models.CounterKey) (int64, error) {
	if err := validateCounterKey(key); err != nil {
		return 0, err
	}

	ctx, span := tracer.Start(ctx, "CounterAllocator.Allocate")
	defer span.End()
	span.SetAttributes(attribute.String("counter.family", string(key.Family)), attribute.String("counter.key", key.Key))

	started := time.Now()
	value, err := a.store.Increment(ctx, key)
	counterAllocationDuration.WithLabelValues(string(key.Family)).Observe(time.Since(started).Seconds())
	if err != nil {
		counterAllocations.WithLabelValues(string(key.Family), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "increment failed")
		config.LogError(a.logger, "CounterAllocator", "Allocate", "increment counter", key.String(), err)
		return 0, storageErr("allocate "+key.String(), err)
	}
	if value < 1 {
		err := fmt.Errorf("counter %s returned %d", key, value)
		counterAllocations.WithLabelValues(string(key.Family), "error").Inc()
		config.LogError(a.logger, "CounterAllocator", "Allocate", "non-positive counter value", key.String(), err)
		return 0, storageErr("allocate "+key.String(), err)
	}
	counterAllocations.WithLabelValues(string(key.Family), "ok").Inc()
	span.SetAttributes(attribute.Int64("counter.value", value))
	return value, nil
}

// UnitSequences are the three values one minted unit is composed from.
type UnitSequences struct {
	Global   int64
	Item     int64
	Operator int64
}

// AllocateUnit draws one value from each family. Values already drawn when a
// later family fails stay consumed.
func (a *CounterAllocator) AllocateUnit(ctx context.Context, itemId, operatorId int, date time.Time) (UnitSequences, error) {
	var seq UnitSequences
	var err error
	if seq.Global, err = a.Allocate(ctx, models.GlobalCounterKey()); err != nil {
		return UnitSequences{}, err
	}
	if seq.Item, err = a.Allocate(ctx, models.ItemCounterKey(itemId)); err != nil {
		return UnitSequences{}, err
	}
	if seq.Operator, err = a.Allocate(ctx, models.OperatorDayCounterKey(operatorId, date)); err != nil {
		return UnitSequences{}, err
	}
	return seq, nil
}

func validateCounterKey(key models.CounterKey) error {
	switch key.Family {
	case models.CounterFamilyGlobal, models.CounterFamilyPerItem, models.CounterFamilyPerOperatorDay:
	default:
		return &IdentityInputError{Field: "counter family", Value: string(key.Family), Reason: "is not a counter family"}
	}
	if key.Key == "" {
		return &IdentityInputError{Field: "counter key", Value: key.Key, Reason: "is empty"}
	}
	return nil
}
