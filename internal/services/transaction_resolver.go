package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/studio-payments/internal/mediators"
	"github.com/lexure-intelligence/studio-payments/internal/models"
)

// Resolution strategies, in the order they are tried.
const (
	StrategyProcessorPaymentID = "processor_payment_id"
	StrategyExternalReference  = "external_reference"
	StrategyEmailAmount        = "email_amount_pending"
	StrategyCreated            = "created_by_webhook"
)

// UnresolvedTransactionError is returned when no local transaction matches and none may be created
type UnresolvedTransactionError struct {
	PaymentID         string
	Status            string
	PayerEmail        string
	Amount            decimal.Decimal
	ExternalReference string
}

func (e *UnresolvedTransactionError) Error() string {
	return fmt.Sprintf("transaction not found for payment %s (status=%s, payer_email=%q, amount=%s, external_reference=%q)",
		e.PaymentID, e.Status, e.PayerEmail, e.Amount.StringFixed(2), e.ExternalReference)
}

// Resolution is the transaction a payment detail resolved to
type Resolution struct {
	Transaction *models.PaymentTransaction
	Strategy    string
	Created     bool
}

// TransactionResolver maps a processor payment onto exactly one local transaction
type TransactionResolver struct {
	db     *gorm.DB
	logger *zap.Logger
	tracer trace.Tracer
}

func NewTransactionResolver(db *gorm.DB, logger *zap.Logger) *TransactionResolver {
	return &TransactionResolver{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("transaction-resolver"),
	}
}

// Resolve tries each correlation strategy in priority order and stops at the first hit.
// When nothing matches, an approved payment carrying a payer email is recorded as a new
// transaction; anything else yields *UnresolvedTransactionError.
func (r *TransactionResolver) Resolve(ctx context.Context, tenantID string, detail *mediators.PaymentDetail) (*Resolution, error) {
	ctx, span := r.tracer.Start(ctx, "resolve_transaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment_id", detail.ID),
		attribute.String("tenant_id", tenantID),
	)

	db := r.db.WithContext(ctx)

	tx, err := r.byProcessorPaymentID(db, detail.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if tx != nil {
		return r.matched(span, tx, StrategyProcessorPaymentID), nil
	}

	if detail.ExternalReference != "" {
		tx, err = r.byExternalReference(db, detail.ExternalReference)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if tx != nil {
			return r.matched(span, tx, StrategyExternalReference), nil
		}
	}

	if detail.PayerEmail != "" {
		tx, err = r.byEmailAndAmount(db, tenantID, detail.PayerEmail, detail.TransactionAmount)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if tx != nil {
			return r.matched(span, tx, StrategyEmailAmount), nil
		}
	}

	if detail.IsApproved() && detail.PayerEmail != "" {
		tx, err = r.create(db, tenantID, detail)
		if errors.Is(err, errConcurrentCreate) {
			return r.matched(span, tx, StrategyProcessorPaymentID), nil
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		r.logger.Warn("Created transaction for unmatched approved payment",
			zap.String("payment_id", detail.ID),
			zap.String("tenant_id", tenantID),
			zap.String("transaction_id", tx.ID.String()))
		span.SetAttributes(attribute.String("strategy", StrategyCreated))
		return &Resolution{Transaction: tx, Strategy: StrategyCreated, Created: true}, nil
	}

	return nil, &UnresolvedTransactionError{
		PaymentID:         detail.ID,
		Status:            detail.Status,
		PayerEmail:        detail.PayerEmail,
		Amount:            detail.TransactionAmount,
		ExternalReference: detail.ExternalReference,
	}
}

func (r *TransactionResolver) matched(span trace.Span, tx *models.PaymentTransaction, strategy string) *Resolution {
	span.SetAttributes(attribute.String("strategy", strategy))
	r.logger.Info("Transaction resolved",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("strategy", strategy))
	return &Resolution{Transaction: tx, Strategy: strategy}
}

func (r *TransactionResolver) byProcessorPaymentID(db *gorm.DB, paymentID string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	err := db.Where("processor_payment_id = ?", paymentID).
		Order("created_at DESC").
		First(&tx).Error
	return found(&tx, err, StrategyProcessorPaymentID)
}

func (r *TransactionResolver) byExternalReference(db *gorm.DB, reference string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	err := db.Where("external_reference = ?", reference).
		Order("created_at DESC").
		First(&tx).Error
	return found(&tx, err, StrategyExternalReference)
}

// byEmailAndAmount returns the most recently created pending transaction of the tenant
// with the same payer email and an equal amount. Emails are compared case-insensitively
// and amounts as decimals.
func (r *TransactionResolver) byEmailAndAmount(db *gorm.DB, tenantID, email string, amount decimal.Decimal) (*models.PaymentTransaction, error) {
	var candidates []models.PaymentTransaction
	err := db.Where("tenant_id = ? AND LOWER(payer_email) = ? AND status = ?", tenantID, normalizeEmail(email), models.PaymentStatusPending).
		Order("created_at DESC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", StrategyEmailAmount, err)
	}
	for i := range candidates {
		if candidates[i].Amount.Equal(amount) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

func (r *TransactionResolver) create(db *gorm.DB, tenantID string, detail *mediators.PaymentDetail) (*models.PaymentTransaction, error) {
	paymentID := detail.ID
	tx := &models.PaymentTransaction{
		TenantID:           tenantID,
		ProcessorPaymentID: &paymentID,
		ExternalReference:  detail.ExternalReference,
		Amount:             detail.TransactionAmount,
		Status:             detail.Status,
		PaymentMethod:      detail.PaymentMethodID,
		PayerEmail:         normalizeEmail(detail.PayerEmail),
		PaymentDate:        detail.DateApproved,
		Metadata: datatypes.JSONMap{
			"created_by_webhook": true,
			"payment_id":         detail.ID,
		},
		WebhookData: detailDocument(detail),
	}

	var student models.Student
	err := db.Where("tenant_id = ? AND LOWER(email) = ?", tenantID, normalizeEmail(detail.PayerEmail)).
		Order("created_at DESC").
		First(&student).Error
	switch {
	case err == nil:
		tx.StudentID = &student.ID
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to look up student by payer email: %w", err)
	}

	if err := db.Create(tx).Error; err != nil {
		// processor_payment_id is unique: a concurrent delivery of the same payment may
		// have inserted first, in which case its row is the match.
		existing, lookupErr := r.byProcessorPaymentID(db, detail.ID)
		if lookupErr == nil && existing != nil {
			r.logger.Info("Concurrent delivery already recorded payment",
				zap.String("payment_id", detail.ID),
				zap.String("transaction_id", existing.ID.String()))
			return existing, errConcurrentCreate
		}
		return nil, fmt.Errorf("failed to create transaction for payment %s: %w", detail.ID, err)
	}
	return tx, nil
}

// errConcurrentCreate marks a create that lost the race to another delivery.
var errConcurrentCreate = errors.New("transaction created by a concurrent delivery")

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func found(tx *models.PaymentTransaction, err error, strategy string) (*models.PaymentTransaction, error) {
	if err == nil {
		return tx, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("failed to query %s: %w", strategy, err)
}

// detailDocument returns the verbatim processor document, or the typed detail when the
// provider did not keep one.
func detailDocument(detail *mediators.PaymentDetail) datatypes.JSON {
	if len(detail.Raw) > 0 && json.Valid(detail.Raw) {
		return datatypes.JSON(detail.Raw)
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(data)
}
