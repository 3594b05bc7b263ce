package model

import (
	"time"
)

// SagaLog is one handled bus message, kept for audit and reconciliation.
type SagaLog struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SagaID      string    `gorm:"type:varchar(64);index" json:"saga_id"`
	Participant string    `gorm:"type:varchar(32);not null;index:idx_participant_order" json:"participant"`
	UserID      string    `gorm:"type:varchar(64);not null;index:idx_participant_order" json:"user_id"`
	OrderID     string    `gorm:"type:varchar(64);not null;index:idx_participant_order" json:"order_id"`
	Operation   string    `gorm:"type:varchar(16);not null" json:"operation"`
	Outcome     string    `gorm:"type:varchar(16)" json:"outcome"` // operation emitted downstream, empty if none
	Result      string    `gorm:"type:varchar(32);not null" json:"result"`
	Error       *string   `gorm:"type:varchar(512)" json:"error,omitempty"`
	MessageID   string    `gorm:"type:varchar(64)" json:"message_id"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// TableName set name
func (SagaLog) TableName() string {
	return "saga_logs"
}

// Result values.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
)
