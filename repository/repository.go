// Package repository holds the storage boundary of the production core:
// counters, the item catalog, minted units and shift consumption records.
package repository

import (
	"context"
	"errors"

	"github.com/mmdatafocus/production_backend/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateBatch means the batch key was already committed; nothing was written.
	ErrDuplicateBatch = errors.New("duplicate consumption batch")
	// ErrDuplicateUnit means a unit with the same serial or sequence already exists.
	ErrDuplicateUnit = errors.New("duplicate production unit")
	// ErrOperatorCodeTaken means the code is already bound to another operator.
	ErrOperatorCodeTaken = errors.New("operator code bound to another operator")
)

// CounterStore increments one counter and returns the new value.
// The increment must be atomic across every process sharing the store.
type CounterStore interface {
	Increment(ctx context.Context, key models.CounterKey) (int64, error)
}

// Catalog resolves item definitions.
type Catalog interface {
	ItemById(ctx context.Context, id int) (*models.Item, error)
	ItemByCode(ctx context.Context, productCode string) (*models.Item, error)
}

type UnitStore interface {
	// BindOperatorCode claims code for operatorId, or confirms an earlier claim.
	// It returns ErrOperatorCodeTaken when another operator holds the code.
	BindOperatorCode(ctx context.Context, operatorId int, code string) error
	// CreateUnit inserts the unit and its outbox event in one transaction.
	CreateUnit(ctx context.Context, unit *models.ProductionUnit, event *models.ProductionEventRecord) error
	UnitBySerial(ctx context.Context, serial string) (*models.ProductionUnit, error)
	UnitsBySerials(ctx context.Context, serials []string) ([]*models.ProductionUnit, error)
	UnitsByShifts(ctx context.Context, shiftIds []string) ([]*models.ProductionUnit, error)
}

type ConsumptionStore interface {
	BatchByKey(ctx context.Context, batchKey string) (*models.ConsumptionBatch, error)
	// WriteShiftBatch commits the whole batch or nothing. It returns ErrDuplicateBatch
	// when the batch key is already present.
	WriteShiftBatch(ctx context.Context, w ShiftBatchWrite) (*ShiftBatchOutcome, error)
	EntriesByShifts(ctx context.Context, shiftIds []string) ([]models.ConsumptionEntry, error)
	EntriesBySourceSerials(ctx context.Context, serials []string) ([]models.ConsumptionEntry, error)
	OutputDeclaration(ctx context.Context, shiftId string, itemId int) (*models.OutputDeclaration, error)
}

// ShiftLocker serialises concurrent batches of one shift across processes.
type ShiftLocker interface {
	LockShift(ctx context.Context, shiftId string) (release func(), err error)
}

// ShiftBatchWrite is everything one accepted consumption batch persists.
// Output carries deltas that are added to the running declaration.
type ShiftBatchWrite struct {
	Batch    models.ConsumptionBatch
	Entries  []models.ConsumptionEntry
	Output   models.OutputDeclaration
	Override *models.QcOverride
	Event    *models.ProductionEventRecord
}

type ShiftBatchOutcome struct {
	// Inserted[i] is false when Entries[i] was already recorded for the shift.
	Inserted []bool
	// Resubmitted is set when every entry was already recorded for the same
	// output item. The declaration is then left unchanged.
	Resubmitted bool
	Declaration models.OutputDeclaration
}

// Store bundles the stores a full production backend needs.
type Store interface {
	CounterStore
	Catalog
	UnitStore
	ConsumptionStore
}
