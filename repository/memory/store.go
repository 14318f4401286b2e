// Package memory is an in-process implementation of the repository interfaces
// used by tests and local tooling.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
)

type shiftSerial struct {
	shiftId string
	serial  string
}

type shiftItem struct {
	shiftId string
	itemId  int
}

type Store struct {
	mu sync.Mutex

	failure error

	counters map[models.CounterKey]int64

	items      map[int]*models.Item
	itemByCode map[string]int
	nextItemId int

	units      map[string]*models.ProductionUnit
	nextUnitId int
	operators  map[string]int

	entries      []models.ConsumptionEntry
	entryKeys    map[shiftSerial]bool
	declarations map[shiftItem]*models.OutputDeclaration
	batches      map[string]*models.ConsumptionBatch
	overrides    []models.QcOverride
	events       []models.ProductionEventRecord
}

var (
	_ repository.Store           = (*Store)(nil)
	_ repository.HighWaterSource = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		counters:     map[models.CounterKey]int64{},
		items:        map[int]*models.Item{},
		itemByCode:   map[string]int{},
		units:        map[string]*models.ProductionUnit{},
		operators:    map[string]int{},
		entryKeys:    map[shiftSerial]bool{},
		declarations: map[shiftItem]*models.OutputDeclaration{},
		batches:      map[string]*models.ConsumptionBatch{},
	}
}

// SetFailure makes every subsequent call return err until it is reset with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

/* counters */

func (s *Store) Increment(ctx context.Context, key models.CounterKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}
	s.counters[key]++
	return s.counters[key], nil
}

func (s *Store) CounterHighWater(ctx context.Context, key models.CounterKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}
	return s.counters[key], nil
}

func (s *Store) RecordHighWater(ctx context.Context, key models.CounterKey, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if value > s.counters[key] {
		s.counters[key] = value
	}
	return nil
}

/* catalog */

// AddItem stores a copy of item with a fresh id and returns it.
func (s *Store) AddItem(item models.Item) *models.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextItemId++
	item.ID = s.nextItemId
	item.CreatedAt = time.Now().UTC()
	item.UpdatedAt = item.CreatedAt
	s.items[item.ID] = &item
	s.itemByCode[item.ProductCode] = item.ID
	cp := item
	return &cp
}

func (s *Store) ItemById(ctx context.Context, id int) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	item, ok := s.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *Store) ItemByCode(ctx context.Context, productCode string) (*models.Item, error) {
	s.mu.Lock()
	id, ok := s.itemByCode[productCode]
	s.mu.Unlock()
	if !ok {
		if err := s.err(); err != nil {
			return nil, err
		}
		return nil, repository.ErrNotFound
	}
	return s.ItemById(ctx, id)
}

/* units */

func (s *Store) BindOperatorCode(ctx context.Context, operatorId int, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if holder, ok := s.operators[code]; ok && holder != operatorId {
		return fmt.Errorf("%w: %s is held by operator %d", repository.ErrOperatorCodeTaken, code, holder)
	}
	s.operators[code] = operatorId
	return nil
}

func (s *Store) CreateUnit(ctx context.Context, unit *models.ProductionUnit, event *models.ProductionEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if _, exists := s.units[unit.SerialNumber]; exists {
		return fmt.Errorf("%w: %s", repository.ErrDuplicateUnit, unit.SerialNumber)
	}
	s.nextUnitId++
	unit.ID = s.nextUnitId
	unit.CreatedAt = time.Now().UTC()
	cp := *unit
	s.units[unit.SerialNumber] = &cp
	if event != nil {
		s.appendEvent(event)
	}
	return nil
}

// PutUnit stores a unit without an event. Tests use it to lay out fixtures.
func (s *Store) PutUnit(unit models.ProductionUnit) *models.ProductionUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUnitId++
	unit.ID = s.nextUnitId
	s.units[unit.SerialNumber] = &unit
	cp := unit
	return &cp
}

func (s *Store) UnitBySerial(ctx context.Context, serial string) (*models.ProductionUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	unit, ok := s.units[serial]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *unit
	return &cp, nil
}

func (s *Store) UnitsBySerials(ctx context.Context, serials []string) ([]*models.ProductionUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	units := []*models.ProductionUnit{}
	seen := map[string]bool{}
	for _, serial := range serials {
		if seen[serial] {
			continue
		}
		seen[serial] = true
		if unit, ok := s.units[serial]; ok {
			cp := *unit
			units = append(units, &cp)
		}
	}
	sortUnits(units)
	return units, nil
}

func (s *Store) UnitsByShifts(ctx context.Context, shiftIds []string) ([]*models.ProductionUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	wanted := map[string]bool{}
	for _, id := range shiftIds {
		wanted[id] = true
	}
	units := []*models.ProductionUnit{}
	for _, unit := range s.units {
		if unit.ShiftId != nil && wanted[*unit.ShiftId] {
			cp := *unit
			units = append(units, &cp)
		}
	}
	sortUnits(units)
	return units, nil
}

func sortUnits(units []*models.ProductionUnit) {
	sort.Slice(units, func(i, j int) bool { return units[i].GlobalSeq < units[j].GlobalSeq })
}

/* consumption */

func (s *Store) BatchByKey(ctx context.Context, batchKey string) (*models.ConsumptionBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	batch, ok := s.batches[batchKey]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *batch
	return &cp, nil
}

func (s *Store) WriteShiftBatch(ctx context.Context, w repository.ShiftBatchWrite) (*repository.ShiftBatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	if _, exists := s.batches[w.Batch.BatchKey]; exists {
		return nil, repository.ErrDuplicateBatch
	}

	now := time.Now().UTC()
	out := &repository.ShiftBatchOutcome{Inserted: make([]bool, len(w.Entries))}
	coalesced := 0
	for i, entry := range w.Entries {
		k := shiftSerial{entry.ShiftId, entry.SourceSerial}
		if s.entryKeys[k] {
			coalesced++
			continue
		}
		s.entryKeys[k] = true
		entry.ID = len(s.entries) + 1
		entry.CreatedAt = now
		s.entries = append(s.entries, entry)
		out.Inserted[i] = true
	}

	out.Resubmitted = len(w.Entries) > 0 && coalesced == len(w.Entries) && s.allTarget(w.Entries, w.Output.ItemId)

	k := shiftItem{w.Output.ShiftId, w.Output.ItemId}
	decl, ok := s.declarations[k]
	if !ok {
		decl = &models.OutputDeclaration{ShiftId: k.shiftId, ItemId: k.itemId, CreatedAt: now}
		s.declarations[k] = decl
	}
	if !out.Resubmitted {
		decl.Quantity += w.Output.Quantity
		decl.TotalWeight = decl.TotalWeight.Add(w.Output.TotalWeight)
		decl.TotalLength = decl.TotalLength.Add(w.Output.TotalLength)
		decl.QcOverridden = decl.QcOverridden || w.Output.QcOverridden
		decl.UpdatedAt = now
	}
	out.Declaration = *decl

	batch := w.Batch
	batch.ID = len(s.batches) + 1
	batch.EntryCount = len(w.Entries)
	batch.CoalescedCount = coalesced
	batch.CreatedAt = now
	s.batches[batch.BatchKey] = &batch

	if w.Override != nil {
		override := *w.Override
		override.ID = len(s.overrides) + 1
		override.CreatedAt = now
		s.overrides = append(s.overrides, override)
	}
	if w.Event != nil {
		s.appendEvent(w.Event)
	}
	return out, nil
}

// allTarget reports whether every entry is already stored against itemId.
func (s *Store) allTarget(entries []models.ConsumptionEntry, itemId int) bool {
	for _, e := range entries {
		found := false
		for _, stored := range s.entries {
			if stored.ShiftId == e.ShiftId && stored.SourceSerial == e.SourceSerial {
				found = stored.TargetItemId == itemId
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// PutEntry stores a consumption entry as-is, bypassing every check.
func (s *Store) PutEntry(entry models.ConsumptionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryKeys[shiftSerial{entry.ShiftId, entry.SourceSerial}] = true
	entry.ID = len(s.entries) + 1
	s.entries = append(s.entries, entry)
}

func (s *Store) EntriesByShifts(ctx context.Context, shiftIds []string) ([]models.ConsumptionEntry, error) {
	wanted := map[string]bool{}
	for _, id := range shiftIds {
		wanted[id] = true
	}
	return s.filterEntries(func(e models.ConsumptionEntry) bool { return wanted[e.ShiftId] })
}

func (s *Store) EntriesBySourceSerials(ctx context.Context, serials []string) ([]models.ConsumptionEntry, error) {
	wanted := map[string]bool{}
	for _, serial := range serials {
		wanted[serial] = true
	}
	return s.filterEntries(func(e models.ConsumptionEntry) bool { return wanted[e.SourceSerial] })
}

func (s *Store) filterEntries(keep func(models.ConsumptionEntry) bool) ([]models.ConsumptionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	entries := []models.ConsumptionEntry{}
	for _, e := range s.entries {
		if keep(e) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *Store) OutputDeclaration(ctx context.Context, shiftId string, itemId int) (*models.OutputDeclaration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	decl, ok := s.declarations[shiftItem{shiftId, itemId}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *decl
	return &cp, nil
}

/* inspection helpers */

func (s *Store) Entries() []models.ConsumptionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConsumptionEntry(nil), s.entries...)
}

func (s *Store) Overrides() []models.QcOverride {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.QcOverride(nil), s.overrides...)
}

func (s *Store) Events() []models.ProductionEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ProductionEventRecord(nil), s.events...)
}

func (s *Store) UnitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

func (s *Store) appendEvent(event *models.ProductionEventRecord) {
	event.ID = len(s.events) + 1
	s.events = append(s.events, *event)
}

func (s *Store) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}
