package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventTypeMercadoPagoWebhook tags rows written by the payment webhook receiver.
const EventTypeMercadoPagoWebhook = "mercadopago_webhook"

const (
	WebhookLogStatusReceived = "received"
	WebhookLogStatusSuccess  = "success"
	WebhookLogStatusFailed   = "failed"
)

// WebhookLog is the append-only audit trail, one row per inbound call
type WebhookLog struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	EventType string         `json:"event_type" gorm:"not null;index"`
	Payload   string         `json:"payload" gorm:"type:text"`
	Response  datatypes.JSON `json:"response"`
	Status    string         `json:"status" gorm:"not null;default:'received';index"`
	CreatedAt time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (w *WebhookLog) TableName() string { return "webhook_logs" }

func (w *WebhookLog) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	return nil
}
