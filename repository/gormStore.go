package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the MySQL-backed implementation of every store interface.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DB() *gorm.DB {
	return s.db
}

/* counters */

// Increment upserts the counter row and reads it back inside one transaction.
// The upsert holds the row lock until commit, so concurrent callers on the same
// key are serialised by InnoDB and each observes its own increment.
func (s *GormStore) Increment(ctx context.Context, key models.CounterKey) (int64, error) {
	var value int64
	err := retryOnDeadlock(func() error {
		var err error
		value, err = s.increment(ctx, key)
		return err
	})
	return value, err
}

func (s *GormStore) increment(ctx context.Context, key models.CounterKey) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.ProductionCounter{Family: key.Family, CounterKey: key.Key, Value: 1}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "family"}, {Name: "counter_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"value":      gorm.Expr("`value` + 1"),
				"updated_at": time.Now().UTC(),
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&models.ProductionCounter{}).
			Select("value").
			Where("family = ? AND counter_key = ?", key.Family, key.Key).
			Scan(&value).Error
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// CounterHighWater is the highest value ever issued or used for key, taken from
// the counter row and from the sequences stored on minted units.
func (s *GormStore) CounterHighWater(ctx context.Context, key models.CounterKey) (int64, error) {
	db := s.db.WithContext(ctx)

	var counterValue *int64
	if err := db.Model(&models.ProductionCounter{}).
		Select("max(value)").
		Where("family = ? AND counter_key = ?", key.Family, key.Key).
		Scan(&counterValue).Error; err != nil {
		return 0, err
	}

	q := db.Model(&models.ProductionUnit{})
	switch key.Family {
	case models.CounterFamilyGlobal:
		q = q.Select("max(global_seq)")
	case models.CounterFamilyPerItem:
		itemId, err := strconv.Atoi(key.Key)
		if err != nil {
			return 0, fmt.Errorf("per-item counter key %q: %w", key.Key, err)
		}
		q = q.Select("max(item_seq)").Where("item_id = ?", itemId)
	case models.CounterFamilyPerOperatorDay:
		operatorId, day, err := parseOperatorDayKey(key.Key)
		if err != nil {
			return 0, err
		}
		q = q.Select("max(operator_seq)").Where("operator_id = ? AND production_date = ?", operatorId, day)
	default:
		return 0, fmt.Errorf("unknown counter family %q", key.Family)
	}
	var unitValue *int64
	if err := q.Scan(&unitValue).Error; err != nil {
		return 0, err
	}

	var hw int64
	if counterValue != nil {
		hw = *counterValue
	}
	if unitValue != nil && *unitValue > hw {
		hw = *unitValue
	}
	return hw, nil
}

// RecordHighWater raises the durable counter row to at least value.
func (s *GormStore) RecordHighWater(ctx context.Context, key models.CounterKey, value int64) error {
	return retryOnDeadlock(func() error {
		return s.recordHighWater(ctx, key, value)
	})
}

func (s *GormStore) recordHighWater(ctx context.Context, key models.CounterKey, value int64) error {
	row := models.ProductionCounter{Family: key.Family, CounterKey: key.Key, Value: value}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "family"}, {Name: "counter_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":      gorm.Expr("GREATEST(`value`, ?)", value),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&row).Error
}

func (s *GormStore) Counters(ctx context.Context) ([]models.ProductionCounter, error) {
	var rows []models.ProductionCounter
	err := s.db.WithContext(ctx).Order("family, counter_key").Find(&rows).Error
	return rows, err
}

func parseOperatorDayKey(key string) (int, time.Time, error) {
	op, day, ok := strings.Cut(key, ":")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("operator-day counter key %q: missing date", key)
	}
	operatorId, err := strconv.Atoi(op)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("operator-day counter key %q: %w", key, err)
	}
	date, err := time.Parse("2006-01-02", day)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("operator-day counter key %q: %w", key, err)
	}
	return operatorId, date, nil
}

/* catalog */

func (s *GormStore) ItemById(ctx context.Context, id int) (*models.Item, error) {
	var item models.Item
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		return nil, notFoundOr(err)
	}
	return &item, nil
}

func (s *GormStore) ItemByCode(ctx context.Context, productCode string) (*models.Item, error) {
	var item models.Item
	if err := s.db.WithContext(ctx).Where("product_code = ?", productCode).First(&item).Error; err != nil {
		return nil, notFoundOr(err)
	}
	return &item, nil
}

/* units */

func (s *GormStore) BindOperatorCode(ctx context.Context, operatorId int, code string) error {
	db := s.db.WithContext(ctx)
	row := models.OperatorCodeBinding{Code: code, OperatorId: operatorId}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return err
	}
	var bound models.OperatorCodeBinding
	if err := db.Where("code = ?", code).First(&bound).Error; err != nil {
		return err
	}
	if bound.OperatorId != operatorId {
		return fmt.Errorf("%w: %s is held by operator %d", ErrOperatorCodeTaken, code, bound.OperatorId)
	}
	return nil
}

func (s *GormStore) CreateUnit(ctx context.Context, unit *models.ProductionUnit, event *models.ProductionEventRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(unit).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateUnit, unit.SerialNumber)
			}
			return err
		}
		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) UnitBySerial(ctx context.Context, serial string) (*models.ProductionUnit, error) {
	var unit models.ProductionUnit
	if err := s.db.WithContext(ctx).Where("serial_number = ?", serial).First(&unit).Error; err != nil {
		return nil, notFoundOr(err)
	}
	return &unit, nil
}

func (s *GormStore) UnitsBySerials(ctx context.Context, serials []string) ([]*models.ProductionUnit, error) {
	var units []*models.ProductionUnit
	if len(serials) == 0 {
		return units, nil
	}
	err := s.db.WithContext(ctx).Where("serial_number IN ?", utils.UniqueSlice(serials)).Order("global_seq").Find(&units).Error
	return units, err
}

func (s *GormStore) UnitsByShifts(ctx context.Context, shiftIds []string) ([]*models.ProductionUnit, error) {
	var units []*models.ProductionUnit
	if len(shiftIds) == 0 {
		return units, nil
	}
	err := s.db.WithContext(ctx).Where("shift_id IN ?", utils.UniqueSlice(shiftIds)).Order("global_seq").Find(&units).Error
	return units, err
}

/* consumption */

func (s *GormStore) BatchByKey(ctx context.Context, batchKey string) (*models.ConsumptionBatch, error) {
	var batch models.ConsumptionBatch
	if err := s.db.WithContext(ctx).Where("batch_key = ?", batchKey).First(&batch).Error; err != nil {
		return nil, notFoundOr(err)
	}
	return &batch, nil
}

func (s *GormStore) WriteShiftBatch(ctx context.Context, w ShiftBatchWrite) (*ShiftBatchOutcome, error) {
	out := &ShiftBatchOutcome{Inserted: make([]bool, len(w.Entries))}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		coalesced := 0
		for i := range w.Entries {
			// (shift_id, source_serial) is unique: an existing pair is left untouched
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&w.Entries[i])
			if res.Error != nil {
				return res.Error
			}
			out.Inserted[i] = res.RowsAffected > 0
			if !out.Inserted[i] {
				coalesced++
			}
		}

		if len(w.Entries) > 0 && coalesced == len(w.Entries) {
			serials := make([]string, len(w.Entries))
			for i, e := range w.Entries {
				serials[i] = e.SourceSerial
			}
			var matching int64
			if err := tx.Model(&models.ConsumptionEntry{}).
				Where("shift_id = ? AND target_item_id = ? AND source_serial IN ?", w.Output.ShiftId, w.Output.ItemId, serials).
				Count(&matching).Error; err != nil {
				return err
			}
			out.Resubmitted = matching == int64(len(w.Entries))
		}

		decl := w.Output
		if out.Resubmitted {
			decl.Quantity = 0
			decl.TotalWeight = decimal.Zero
			decl.TotalLength = decimal.Zero
			decl.QcOverridden = false
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "shift_id"}, {Name: "item_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"quantity":      gorm.Expr("quantity + ?", decl.Quantity),
				"total_weight":  gorm.Expr("total_weight + ?", decl.TotalWeight),
				"total_length":  gorm.Expr("total_length + ?", decl.TotalLength),
				"qc_overridden": gorm.Expr("qc_overridden OR ?", decl.QcOverridden),
				"updated_at":    time.Now().UTC(),
			}),
		}).Create(&decl).Error; err != nil {
			return err
		}
		if err := tx.Where("shift_id = ? AND item_id = ?", decl.ShiftId, decl.ItemId).
			Take(&out.Declaration).Error; err != nil {
			return err
		}

		batch := w.Batch
		batch.EntryCount = len(w.Entries)
		batch.CoalescedCount = coalesced
		if err := tx.Create(&batch).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return ErrDuplicateBatch
			}
			return err
		}

		if w.Override != nil {
			if err := tx.Create(w.Override).Error; err != nil {
				if isDuplicateKeyErr(err) {
					return ErrDuplicateBatch
				}
				return err
			}
		}
		if w.Event != nil {
			if err := tx.Create(w.Event).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) EntriesByShifts(ctx context.Context, shiftIds []string) ([]models.ConsumptionEntry, error) {
	var entries []models.ConsumptionEntry
	if len(shiftIds) == 0 {
		return entries, nil
	}
	err := s.db.WithContext(ctx).Where("shift_id IN ?", shiftIds).Order("id").Find(&entries).Error
	return entries, err
}

func (s *GormStore) EntriesBySourceSerials(ctx context.Context, serials []string) ([]models.ConsumptionEntry, error) {
	var entries []models.ConsumptionEntry
	if len(serials) == 0 {
		return entries, nil
	}
	err := s.db.WithContext(ctx).Where("source_serial IN ?", serials).Order("id").Find(&entries).Error
	return entries, err
}

func (s *GormStore) OutputDeclaration(ctx context.Context, shiftId string, itemId int) (*models.OutputDeclaration, error) {
	var decl models.OutputDeclaration
	if err := s.db.WithContext(ctx).Where("shift_id = ? AND item_id = ?", shiftId, itemId).
		First(&decl).Error; err != nil {
		return nil, notFoundOr(err)
	}
	return &decl, nil
}
