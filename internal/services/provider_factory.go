package services

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lexure-intelligence/studio-payments/internal/mediators"
	"github.com/lexure-intelligence/studio-payments/internal/models"
)

// ProviderFactory builds a processor client authenticated with one tenant's credential
type ProviderFactory func(settings models.TenantSettings) (mediators.PaymentProvider, error)

// SenderFactory builds a messaging client for one tenant's channel
type SenderFactory func(settings models.TenantSettings) (mediators.MessageSender, error)

// MediatorRegistry creates per-tenant mediators that share one rate limiter per provider
type MediatorRegistry struct {
	mercadoPagoURL string
	stripeURL      string
	requestTimeout time.Duration
	messageTimeout time.Duration
	rps            float64
	logger         *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// RegistryOptions configures a MediatorRegistry
type RegistryOptions struct {
	MercadoPagoURL string
	StripeURL      string
	RequestTimeout time.Duration
	MessageTimeout time.Duration
	ProviderRPS    float64
}

func NewMediatorRegistry(opts RegistryOptions, logger *zap.Logger) *MediatorRegistry {
	return &MediatorRegistry{
		mercadoPagoURL: opts.MercadoPagoURL,
		stripeURL:      opts.StripeURL,
		requestTimeout: opts.RequestTimeout,
		messageTimeout: opts.MessageTimeout,
		rps:            opts.ProviderRPS,
		logger:         logger,
		limiters:       make(map[string]*rate.Limiter),
	}
}

func (r *MediatorRegistry) limiter(provider string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[provider]; ok {
		return l
	}
	l := mediators.NewLimiter(r.rps)
	r.limiters[provider] = l
	return l
}

// PaymentProvider implements ProviderFactory
func (r *MediatorRegistry) PaymentProvider(settings models.TenantSettings) (mediators.PaymentProvider, error) {
	if !settings.HasCredential() {
		return nil, fmt.Errorf("tenant %s has no processor credential", settings.TenantID)
	}
	opts := mediators.MediatorOptions{Timeout: r.requestTimeout}

	switch settings.Provider {
	case models.ProviderMercadoPago, "":
		opts.Limiter = r.limiter(mediators.ProviderMercadoPago)
		return mediators.NewMercadoPagoMediator(r.mercadoPagoURL, settings.AccessToken, opts, r.logger), nil
	case models.ProviderStripe:
		opts.Limiter = r.limiter(mediators.ProviderStripe)
		return mediators.NewStripeMediator(settings.AccessToken, r.stripeURL, opts, r.logger), nil
	default:
		return nil, fmt.Errorf("unsupported payment provider %q for tenant %s", settings.Provider, settings.TenantID)
	}
}

// MessageSender implements SenderFactory
func (r *MediatorRegistry) MessageSender(settings models.TenantSettings) (mediators.MessageSender, error) {
	if !settings.CanMessage() {
		return nil, fmt.Errorf("tenant %s has no messaging channel", settings.TenantID)
	}
	opts := mediators.MediatorOptions{
		Timeout: r.messageTimeout,
		Limiter: r.limiter(mediators.ProviderEvolution),
	}
	return mediators.NewEvolutionMediator(settings.EvolutionBaseURL, settings.EvolutionInstance, settings.EvolutionAPIKey, opts, r.logger), nil
}
