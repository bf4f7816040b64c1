package eventbus

import (
	"context"
	"time"
)

const (
	EventPaymentStatusChanged = "payment.status_changed"
	EventPaymentApproved      = "payment.approved"
)

// EventBus defines the interface for publishing domain events
type EventBus interface {
	Publish(ctx context.Context, eventType string, event interface{}) error
	Close() error
}

// PaymentEvent is the payload of payment.status_changed and payment.approved
type PaymentEvent struct {
	TransactionID  string    `json:"transaction_id"`
	TenantID       string    `json:"tenant_id"`
	PaymentID      string    `json:"payment_id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	Amount         string    `json:"amount"`
	PayerEmail     string    `json:"payer_email,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NopEventBus discards every event. Used when no Redis address is configured.
type NopEventBus struct{}

func (NopEventBus) Publish(context.Context, string, interface{}) error { return nil }

func (NopEventBus) Close() error { return nil }
