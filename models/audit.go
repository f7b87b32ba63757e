package models

import (
	"time"
)

type GenerationLog struct {
	ID            uint      `json:"-" gorm:"primaryKey"`
	Code          string    `json:"code" gorm:"type:varchar(32);not null;index"`
	Style         string    `json:"style" gorm:"type:varchar(128)"`
	OriginalImage string    `json:"original_image" gorm:"type:varchar(255)"`
	ResultImage   string    `json:"result_image" gorm:"type:varchar(255)"`
	UsedFallback  bool      `json:"used_fallback" gorm:"not null;default:false"`
	FailureReason string    `json:"failure_reason,omitempty" gorm:"type:varchar(64)"`
	IPAddress     string    `json:"ip_address" gorm:"type:varchar(64)"`
	UserAgent     string    `json:"user_agent" gorm:"type:varchar(512)"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

func (GenerationLog) TableName() string {
	return "generation_logs"
}

type VerificationAttempt struct {
	ID            uint      `json:"-" gorm:"primaryKey"`
	Code          string    `json:"code" gorm:"type:varchar(32);index"`
	IPAddress     string    `json:"ip_address" gorm:"type:varchar(64);index"`
	Success       bool      `json:"success" gorm:"not null"`
	FailureReason string    `json:"failure_reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

func (VerificationAttempt) TableName() string {
	return "verification_attempts"
}

// HistoryEntry is one past generation as shown to the code holder.
type HistoryEntry struct {
	Style  string    `json:"style"`
	Time   time.Time `json:"time"`
	Result string    `json:"result"`
}
