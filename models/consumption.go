package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConsumptionEntry records that an existing unit was consumed during a shift.
// The edge is shift-level: it links the source to every output of the shift,
// not to one specific output unit.
type ConsumptionEntry struct {
	ID           int                 `gorm:"primary_key" json:"id"`
	ShiftId      string              `gorm:"size:64;not null;uniqueIndex:idx_entry_shift_source,priority:1" json:"shift_id"`
	SourceSerial string              `gorm:"size:64;not null;index;uniqueIndex:idx_entry_shift_source,priority:2" json:"source_serial"`
	SourceUnitId int                 `gorm:"not null;index" json:"source_unit_id"`
	SourceItemId int                 `gorm:"not null" json:"source_item_id"`
	SourceTier   Tier                `gorm:"type:enum('RawMaterial','IntermediateA','IntermediateB','FinishedGood');not null" json:"source_tier"`
	TargetItemId int                 `gorm:"not null;index" json:"target_item_id"`
	TargetTier   Tier                `gorm:"type:enum('RawMaterial','IntermediateA','IntermediateB','FinishedGood');not null" json:"target_tier"`
	Weight       decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"weight"`
	Length       decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"length"`
	BatchKey     string              `gorm:"size:64;not null;index" json:"batch_key"`
	OperatorId   int                 `gorm:"not null" json:"operator_id"`
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

// OutputDeclaration is the running total of one item produced in one shift.
type OutputDeclaration struct {
	ShiftId      string          `gorm:"primaryKey;size:64;autoIncrement:false" json:"shift_id"`
	ItemId       int             `gorm:"primaryKey;autoIncrement:false" json:"item_id"`
	Quantity     int64           `gorm:"not null;default:0" json:"quantity"`
	TotalWeight  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_weight"`
	TotalLength  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_length"`
	QcOverridden bool            `gorm:"not null;default:false" json:"qc_overridden"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConsumptionBatch is the idempotency record of one accepted recording call.
// A second call with the same BatchKey is a replay and writes nothing.
type ConsumptionBatch struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BatchKey       string    `gorm:"size:64;uniqueIndex;not null" json:"batch_key"`
	ContentHash    string    `gorm:"size:64" json:"content_hash"`
	ShiftId        string    `gorm:"size:64;not null;index" json:"shift_id"`
	ItemId         int       `gorm:"not null" json:"item_id"`
	OperatorId     int       `gorm:"not null" json:"operator_id"`
	EntryCount     int       `gorm:"not null;default:0" json:"entry_count"`
	CoalescedCount int       `gorm:"not null;default:0" json:"coalesced_count"`
	Quantity       int64     `gorm:"not null;default:0" json:"quantity"`
	QcOverridden   bool      `gorm:"not null;default:false" json:"qc_overridden"`
	CorrelationId  string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// QcOverride is the audit record of a batch accepted outside weight tolerance.
type QcOverride struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BatchKey       string          `gorm:"size:64;uniqueIndex;not null" json:"batch_key"`
	ShiftId        string          `gorm:"size:64;not null;index" json:"shift_id"`
	ItemId         int             `gorm:"not null" json:"item_id"`
	ExpectedWeight decimal.Decimal `gorm:"type:decimal(20,4)" json:"expected_weight"`
	MeasuredWeight decimal.Decimal `gorm:"type:decimal(20,4)" json:"measured_weight"`
	DeviationPct   decimal.Decimal `gorm:"type:decimal(9,4)" json:"deviation_pct"`
	TolerancePct   decimal.Decimal `gorm:"type:decimal(7,4)" json:"tolerance_pct"`
	Justification  string          `gorm:"type:text;not null" json:"justification"`
	ApprovedBy     int             `gorm:"not null" json:"approved_by"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
