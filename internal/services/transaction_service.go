package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/studio-payments/internal/eventbus"
	"github.com/lexure-intelligence/studio-payments/internal/models"
)

// ErrTransactionNotFound is returned when no transaction has the requested id
var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionService serves administrative reads and manual overrides of transactions
type TransactionService struct {
	db       *gorm.DB
	eventBus eventbus.EventBus
	logger   *zap.Logger
}

func NewTransactionService(db *gorm.DB, bus eventbus.EventBus, logger *zap.Logger) *TransactionService {
	if bus == nil {
		bus = eventbus.NopEventBus{}
	}
	return &TransactionService{db: db, eventBus: bus, logger: logger}
}

// GetTransaction loads one transaction by id
func (s *TransactionService) GetTransaction(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if err := s.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &tx, nil
}

// OverrideStatus sets a status by hand. Approving an undated transaction stamps payment_date,
// and the note is kept under metadata.manual_override.
func (s *TransactionService) OverrideStatus(ctx context.Context, id uuid.UUID, status, note string) (*models.PaymentTransaction, error) {
	status = strings.TrimSpace(status)
	if status == "" {
		return nil, &ValidationError{Field: "status", Message: "is required"}
	}

	tx, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := tx.Status
	now := time.Now()

	metadata := datatypes.JSONMap{}
	for k, v := range tx.Metadata {
		metadata[k] = v
	}
	metadata["manual_override"] = map[string]interface{}{
		"note":            note,
		"previous_status": previous,
		"at":              now.UTC().Format(time.RFC3339),
	}

	updates := map[string]interface{}{
		"status":     status,
		"metadata":   metadata,
		"updated_at": now,
	}
	if status == models.PaymentStatusApproved && tx.PaymentDate == nil {
		updates["payment_date"] = now
		tx.PaymentDate = &now
	}

	if err := s.db.WithContext(ctx).Model(&models.PaymentTransaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to override transaction status: %w", err)
	}
	tx.Status = status
	tx.Metadata = metadata
	tx.UpdatedAt = now

	s.logger.Info("Transaction status overridden",
		zap.String("transaction_id", id.String()),
		zap.String("previous_status", previous),
		zap.String("status", status))

	event := eventbus.PaymentEvent{
		TransactionID:  tx.ID.String(),
		TenantID:       tx.TenantID,
		PaymentID:      tx.ProcessorID(),
		Status:         status,
		PreviousStatus: previous,
		Amount:         tx.Amount.StringFixed(2),
		PayerEmail:     tx.PayerEmail,
		OccurredAt:     now.UTC(),
	}
	if err := s.eventBus.Publish(ctx, eventbus.EventPaymentStatusChanged, event); err != nil {
		s.logger.Warn("Failed to publish status change", zap.String("transaction_id", id.String()), zap.Error(err))
	}

	return tx, nil
}
