package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Tier is the production stage of an item. The set is closed: values outside
// AllTiers are rejected at every boundary (JSON, database scan, parsing).
type Tier string

const (
	TierRawMaterial   Tier = "RawMaterial"
	TierIntermediateA Tier = "IntermediateA"
	TierIntermediateB Tier = "IntermediateB"
	TierFinishedGood  Tier = "FinishedGood"
)

// AllTiers lists tiers from source to sink.
var AllTiers = []Tier{TierRawMaterial, TierIntermediateA, TierIntermediateB, TierFinishedGood}

var ErrInvalidTier = errors.New("invalid tier")

func (t Tier) IsValid() bool {
	switch t {
	case TierRawMaterial, TierIntermediateA, TierIntermediateB, TierFinishedGood:
		return true
	}
	return false
}

func (t Tier) String() string {
	return string(t)
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// convert input to enum type
func (t *Tier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("tier must be string")
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t *Tier) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("%w: unsupported scan type %T", ErrInvalidTier, value)
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Tier) Value() (driver.Value, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, string(t))
	}
	return string(t), nil
}

// CounterFamily is one of the three independently keyed counter sequences.
type CounterFamily string

const (
	CounterFamilyGlobal         CounterFamily = "Global"
	CounterFamilyPerItem        CounterFamily = "PerItem"
	CounterFamilyPerOperatorDay CounterFamily = "PerOperatorDay"
)

const globalCounterKey = "-"

// CounterKey identifies one counter row.
type CounterKey struct {
	Family CounterFamily
	Key    string
}

func GlobalCounterKey() CounterKey {
	return CounterKey{Family: CounterFamilyGlobal, Key: globalCounterKey}
}

func ItemCounterKey(itemId int) CounterKey {
	return CounterKey{Family: CounterFamilyPerItem, Key: fmt.Sprint(itemId)}
}

// OperatorDayCounterKey keys on the calendar day of date, in date's location.
func OperatorDayCounterKey(operatorId int, date time.Time) CounterKey {
	return CounterKey{Family: CounterFamilyPerOperatorDay, Key: fmt.Sprintf("%d:%s", operatorId, date.Format("2006-01-02"))}
}

func (k CounterKey) String() string {
	return string(k.Family) + ":" + k.Key
}

type EntryStatus string

const (
	EntryStatusAccepted  EntryStatus = "Accepted"
	EntryStatusCoalesced EntryStatus = "Coalesced"
	EntryStatusRejected  EntryStatus = "Rejected"
)

type ProductionEventType string

const (
	ProductionEventUnitProduced        ProductionEventType = "UnitProduced"
	ProductionEventConsumptionRecorded ProductionEventType = "ConsumptionRecorded"
)

// LineageDirection selects which way a traversal follows consumption edges.
type LineageDirection string

const (
	LineageAncestors   LineageDirection = "ancestors"
	LineageDescendants LineageDirection = "descendants"
)

func ParseLineageDirection(s string) (LineageDirection, error) {
	switch LineageDirection(s) {
	case LineageAncestors, LineageDescendants:
		return LineageDirection(s), nil
	}
	return "", fmt.Errorf("invalid lineage direction %q", s)
}
