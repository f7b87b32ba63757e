package models

import (
	"time"
)

type CodeStatus string

const (
	CodeStatusActive   CodeStatus = "active"
	CodeStatusInactive CodeStatus = "inactive"
)

func (s CodeStatus) Valid() bool {
	return s == CodeStatusActive || s == CodeStatusInactive
}

type AccessCode struct {
	ID        uint       `json:"-" gorm:"primaryKey"`
	Code      string     `json:"code" gorm:"type:varchar(32);uniqueIndex;not null"`
	MaxUses   int        `json:"max_uses" gorm:"not null;default:3"`
	UsedCount int        `json:"used_count" gorm:"not null;default:0"`
	Status    CodeStatus `json:"status" gorm:"type:varchar(16);not null;default:active;index"`
	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
}

func (AccessCode) TableName() string {
	return "verification_codes"
}

func (c *AccessCode) Remaining() int {
	if r := c.MaxUses - c.UsedCount; r > 0 {
		return r
	}
	return 0
}

func (c *AccessCode) IsActive() bool {
	return c.Status == CodeStatusActive
}

type AccessCodeFilter struct {
	Status CodeStatus
	Limit  int
	Offset int
}
