package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DispatchChannelWhatsApp = "whatsapp"

	DispatchStatusSent   = "sent"
	DispatchStatusFailed = "failed"
)

// MessageDispatch records one confirmation attempt run for a transaction
type MessageDispatch struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	TransactionID uuid.UUID  `json:"transaction_id" gorm:"type:uuid;not null;index"`
	TenantID      string     `json:"tenant_id" gorm:"index"`
	Channel       string     `json:"channel"`
	Recipient     string     `json:"recipient"`
	Attempts      int        `json:"attempts"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	Content       string     `json:"content" gorm:"type:text"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (m *MessageDispatch) TableName() string { return "message_dispatches" }

func (m *MessageDispatch) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// All lists every model managed by AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&TenantSettings{},
		&Student{},
		&PaymentTransaction{},
		&WebhookLog{},
		&MessageDispatch{},
	}
}
