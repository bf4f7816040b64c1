package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
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

var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrTenantNotConfigured = errors.New("tenant has no processor credential")
)

// ValidationError reports an invalid request field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PaymentLinkRequest describes a payment link to open for a tenant
type PaymentLinkRequest struct {
	TenantID   string                 `json:"tenant_id" binding:"required"`
	StudentID  *uuid.UUID             `json:"student_id,omitempty"`
	Title      string                 `json:"title" binding:"required"`
	Amount     decimal.Decimal        `json:"amount"`
	PayerEmail string                 `json:"payer_email"`
	Currency   string                 `json:"currency,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// PaymentLink is the result of CreatePaymentLink
type PaymentLink struct {
	TransactionID     uuid.UUID `json:"transaction_id"`
	PreferenceID      string    `json:"preference_id"`
	CheckoutURL       string    `json:"checkout_url"`
	ExternalReference string    `json:"external_reference"`
}

// PaymentLinkService opens checkout sessions and records the pending transaction they will settle
type PaymentLinkService struct {
	db              *gorm.DB
	providers       ProviderFactory
	notificationURL string
	backURL         string
	logger          *zap.Logger
	tracer          trace.Tracer
	now             func() time.Time
}

func NewPaymentLinkService(db *gorm.DB, providers ProviderFactory, notificationURL, backURL string, logger *zap.Logger) *PaymentLinkService {
	return &PaymentLinkService{
		db:              db,
		providers:       providers,
		notificationURL: notificationURL,
		backURL:         backURL,
		logger:          logger,
		tracer:          otel.Tracer("payment-link-service"),
		now:             time.Now,
	}
}

// CreatePaymentLink creates the processor checkout and a pending transaction carrying the
// same external reference, so the later webhook can correlate before the processor id is known.
func (s *PaymentLinkService) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error) {
	ctx, span := s.tracer.Start(ctx, "create_payment_link")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", req.TenantID))

	if err := validateLinkRequest(req); err != nil {
		return nil, err
	}

	var settings models.TenantSettings
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", req.TenantID).First(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to load tenant settings: %w", err)
	}
	if !settings.HasCredential() {
		return nil, ErrTenantNotConfigured
	}

	if req.StudentID != nil {
		var count int64
		err := s.db.WithContext(ctx).Model(&models.Student{}).
			Where("id = ? AND tenant_id = ?", *req.StudentID, req.TenantID).
			Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("failed to check student: %w", err)
		}
		if count == 0 {
			return nil, &ValidationError{Field: "student_id", Message: "student does not belong to tenant"}
		}
	}

	provider, err := s.providers(settings)
	if err != nil {
		return nil, err
	}

	reference := s.externalReference(req.StudentID)
	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	session, err := provider.CreateCheckout(ctx, mediators.CheckoutRequest{
		ExternalReference: reference,
		PayerEmail:        req.PayerEmail,
		Currency:          req.Currency,
		Items:             []mediators.CheckoutItem{{Title: req.Title, Quantity: 1, UnitPrice: req.Amount}},
		NotificationURL:   s.notificationURL,
		BackURL:           s.backURL,
		Metadata:          req.Metadata,
		IdempotencyKey:    uuid.NewString(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create checkout: %w", err)
	}

	tx := &models.PaymentTransaction{
		TenantID:          req.TenantID,
		ExternalReference: reference,
		PreferenceID:      session.ID,
		Amount:            req.Amount,
		Status:            models.PaymentStatusPending,
		PayerEmail:        normalizeEmail(req.PayerEmail),
		StudentID:         req.StudentID,
		Metadata:          metadata,
	}
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		return nil, fmt.Errorf("failed to record pending transaction: %w", err)
	}

	checkoutURL := session.CheckoutURL
	if settings.IsSandbox() && session.SandboxCheckoutURL != "" {
		checkoutURL = session.SandboxCheckoutURL
	}

	s.logger.Info("Payment link created",
		zap.String("tenant_id", req.TenantID),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("external_reference", reference),
		zap.String("preference_id", session.ID))

	return &PaymentLink{
		TransactionID:     tx.ID,
		PreferenceID:      session.ID,
		CheckoutURL:       checkoutURL,
		ExternalReference: reference,
	}, nil
}

func (s *PaymentLinkService) externalReference(studentID *uuid.UUID) string {
	if studentID != nil {
		return fmt.Sprintf("student-%s-%d", studentID.String(), s.now().UnixMilli())
	}
	return "payment-" + uuid.NewString()
}

func validateLinkRequest(req PaymentLinkRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Message: "is required"}
	}
	if strings.TrimSpace(req.Title) == "" {
		return &ValidationError{Field: "title", Message: "is required"}
	}
	if !req.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return &ValidationError{Field: "amount", Message: "must have at most two decimal places"}
	}
	if req.PayerEmail != "" && !strings.Contains(req.PayerEmail, "@") {
		return &ValidationError{Field: "payer_email", Message: "is not a valid email"}
	}
	return nil
}
