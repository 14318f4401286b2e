package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductionUnit is one physical produced item. Minted once, never updated:
// a reprint reuses the same row.
type ProductionUnit struct {
	ID             int                 `gorm:"primary_key" json:"id"`
	SerialNumber   string              `gorm:"size:64;uniqueIndex;not null" json:"serial_number"`
	BarcodePayload string              `gorm:"size:160;not null" json:"barcode_payload"`
	GlobalSeq      int64               `gorm:"uniqueIndex;not null" json:"global_seq"`
	ItemSeq        int64               `gorm:"not null;uniqueIndex:idx_unit_item_seq,priority:2" json:"item_seq"`
	OperatorSeq    int64               `gorm:"not null" json:"operator_seq"`
	ItemId         int                 `gorm:"not null;index;uniqueIndex:idx_unit_item_seq,priority:1" json:"item_id"`
	ItemCode       string              `gorm:"size:32;not null" json:"item_code"`
	Tier           Tier                `gorm:"type:enum('RawMaterial','IntermediateA','IntermediateB','FinishedGood');not null" json:"tier"`
	OperatorId     int                 `gorm:"not null;index:idx_unit_operator_day,priority:1" json:"operator_id"`
	OperatorCode   string              `gorm:"size:16;not null" json:"operator_code"`
	FacilityCode   string              `gorm:"size:8;not null" json:"facility_code"`
	MachineCode    string              `gorm:"size:16" json:"machine_code"`
	ShiftId        *string             `gorm:"size:64;index" json:"shift_id"`
	ProductionDate time.Time           `gorm:"type:date;not null;index:idx_unit_operator_day,priority:2" json:"production_date"`
	Weight         decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"weight"`
	Length         decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"length"`
	ProducedAt     time.Time           `gorm:"not null" json:"produced_at"`
	CreatedAt      time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

func (u ProductionUnit) GetShiftId() string {
	if u.ShiftId == nil {
		return ""
	}
	return *u.ShiftId
}
