package models

import "time"

// OperatorCodeBinding records which operator printed a code first. A code
// belongs to one operator for good; an operator may hold several codes.
type OperatorCodeBinding struct {
	Code       string    `gorm:"primaryKey;size:16;autoIncrement:false" json:"code"`
	OperatorId int       `gorm:"not null;index" json:"operator_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
