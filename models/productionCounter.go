package models

import "time"

// ProductionCounter holds the last value issued for one counter key.
// Rows are created lazily on the first allocation and never deleted.
type ProductionCounter struct {
	Family     CounterFamily `gorm:"primaryKey;size:20;autoIncrement:false" json:"family"`
	CounterKey string        `gorm:"primaryKey;size:64;autoIncrement:false" json:"counter_key"`
	Value      int64         `gorm:"not null;default:0" json:"value"`
	UpdatedAt  time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}
