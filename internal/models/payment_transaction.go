package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Processor status values this service branches on. Any other value is stored as received.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusApproved  = "approved"
	PaymentStatusRejected  = "rejected"
	PaymentStatusCancelled = "cancelled"
	PaymentStatusInProcess = "in_process"
)

// PaymentTransaction is the local record of one payment attempt
type PaymentTransaction struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID string    `json:"tenant_id" gorm:"index"`

	// Correlation
	ProcessorPaymentID *string `json:"processor_payment_id,omitempty" gorm:"uniqueIndex"`
	ExternalReference  string  `json:"external_reference,omitempty" gorm:"index"`
	PreferenceID       string  `json:"preference_id,omitempty"`

	// Payment details
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric(12,2);not null"`
	Status        string          `json:"status" gorm:"not null;default:'pending';index"`
	PaymentMethod string          `json:"payment_method"`
	PayerEmail    string          `json:"payer_email" gorm:"index"`
	PaymentDate   *time.Time      `json:"payment_date,omitempty"`

	StudentID *uuid.UUID `json:"student_id,omitempty" gorm:"type:uuid"`

	Metadata    datatypes.JSONMap `json:"metadata"`
	WebhookData datatypes.JSON    `json:"webhook_data"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PaymentTransaction) TableName() string { return "payment_transactions" }

func (p *PaymentTransaction) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = PaymentStatusPending
	}
	return nil
}

func (p *PaymentTransaction) BeforeUpdate(tx *gorm.DB) error {
	p.UpdatedAt = time.Now()
	return nil
}

// IsApproved reports whether the stored status is the terminal success state.
func (p *PaymentTransaction) IsApproved() bool {
	return p.Status == PaymentStatusApproved
}

// ProcessorID returns the processor payment id or "" when not yet known.
func (p *PaymentTransaction) ProcessorID() string {
	if p.ProcessorPaymentID == nil {
		return ""
	}
	return *p.ProcessorPaymentID
}
