package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a material or product definition owned by catalog management.
// The lineage core only reads it.
type Item struct {
	ID             int                 `gorm:"primary_key" json:"id"`
	ProductCode    string              `gorm:"size:32;uniqueIndex;not null" json:"product_code"`
	Name           string              `gorm:"size:100;not null" json:"name"`
	Tier           Tier                `gorm:"type:enum('RawMaterial','IntermediateA','IntermediateB','FinishedGood');not null" json:"tier"`
	ExpectedWeight decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"expected_weight"`
	TolerancePct   decimal.NullDecimal `gorm:"type:decimal(7,4)" json:"tolerance_pct"`
	DeclaredLength decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"declared_length"`
	CreatedAt      time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasWeightTolerance reports whether QC weight checks apply to units of this item.
func (i Item) HasWeightTolerance() bool {
	return i.ExpectedWeight.Valid && i.ExpectedWeight.Decimal.IsPositive() &&
		i.TolerancePct.Valid && !i.TolerancePct.Decimal.IsNegative()
}
