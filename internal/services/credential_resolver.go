package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/studio-payments/internal/mediators"
	"github.com/lexure-intelligence/studio-payments/internal/models"
)

// ErrNoCredentialMatched is returned when no tenant credential can read the payment
var ErrNoCredentialMatched = errors.New("payment not found in any configured account")

// CredentialMatch is the tenant whose credential read the payment, with the detail it read
type CredentialMatch struct {
	Settings models.TenantSettings
	Detail   *mediators.PaymentDetail
	Attempts int
}

// TenantID returns the matched tenant
func (m *CredentialMatch) TenantID() string {
	return m.Settings.TenantID
}

// LoadCandidateCredentials returns every tenant holding a non-empty processor credential,
// oldest first so probing order is stable between deliveries.
func LoadCandidateCredentials(ctx context.Context, db *gorm.DB) ([]models.TenantSettings, error) {
	var settings []models.TenantSettings
	err := db.WithContext(ctx).
		Where("access_token IS NOT NULL AND access_token <> ''").
		Order("created_at ASC").
		Order("tenant_id ASC").
		Find(&settings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant credentials: %w", err)
	}
	return settings, nil
}

// ResolveCredential probes candidates in order and returns the first one whose credential
// can read paymentID. Probing stops at the first success or when ctx is done.
func ResolveCredential(ctx context.Context, paymentID string, candidates []models.TenantSettings, factory ProviderFactory, logger *zap.Logger) (*CredentialMatch, error) {
	attempts := 0
	for _, candidate := range candidates {
		if !candidate.HasCredential() {
			continue
		}
		if err := ctx.Err(); err != nil {
			logger.Warn("Credential probe budget exhausted",
				zap.String("payment_id", paymentID),
				zap.Int("attempts", attempts),
				zap.Error(err))
			break
		}

		provider, err := factory(candidate)
		if err != nil {
			logger.Warn("Skipping tenant credential",
				zap.String("tenant_id", candidate.TenantID),
				zap.Error(err))
			continue
		}

		attempts++
		detail, err := provider.GetPayment(ctx, paymentID)
		if err != nil {
			logger.Debug("Credential cannot read payment",
				zap.String("payment_id", paymentID),
				zap.String("tenant_id", candidate.TenantID),
				zap.Error(err))
			continue
		}

		logger.Info("Payment matched tenant credential",
			zap.String("payment_id", paymentID),
			zap.String("tenant_id", candidate.TenantID),
			zap.Int("attempts", attempts))
		return &CredentialMatch{Settings: candidate, Detail: detail, Attempts: attempts}, nil
	}

	return nil, fmt.Errorf("%w: payment %s, %d credentials tried", ErrNoCredentialMatched, paymentID, attempts)
}
