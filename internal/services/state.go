package services

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lexure-intelligence/studio-payments/internal/mediators"
	"github.com/lexure-intelligence/studio-payments/internal/models"
)

// StateChange describes what ApplyPaymentDetail did to a transaction
type StateChange struct {
	PreviousStatus string
	Status         string
	BecameApproved bool
}

// ApplyPaymentDetail overwrites the processor-owned fields of tx with detail.
// Applying the same detail twice leaves the row unchanged. payment_date is only
// written for approved payments that carry an approval time.
func ApplyPaymentDetail(ctx context.Context, db *gorm.DB, tx *models.PaymentTransaction, detail *mediators.PaymentDetail, created bool) (*StateChange, error) {
	previous := tx.Status
	if created {
		previous = ""
	}

	paymentID := detail.ID
	webhookData := detailDocument(detail)
	now := time.Now()

	updates := map[string]interface{}{
		"processor_payment_id": paymentID,
		"status":               detail.Status,
		"payment_method":       detail.PaymentMethodID,
		"webhook_data":         webhookData,
		"updated_at":           now,
	}
	var paymentDate *time.Time
	if detail.IsApproved() && detail.DateApproved != nil {
		approved := *detail.DateApproved
		paymentDate = &approved
		updates["payment_date"] = approved
	}

	result := db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Where("id = ?", tx.ID).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update transaction %s: %w", tx.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("transaction %s disappeared before update", tx.ID)
	}

	tx.ProcessorPaymentID = &paymentID
	tx.Status = detail.Status
	tx.PaymentMethod = detail.PaymentMethodID
	tx.WebhookData = webhookData
	tx.UpdatedAt = now
	if paymentDate != nil {
		tx.PaymentDate = paymentDate
	}

	return &StateChange{
		PreviousStatus: previous,
		Status:         detail.Status,
		BecameApproved: detail.IsApproved() && previous != models.PaymentStatusApproved,
	}, nil
}
