package mediators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"go.uber.org/zap"
)

const ProviderStripe = "stripe"

// StripeMediator implements PaymentProvider for Stripe payment intents and checkout sessions
type StripeMediator struct {
	*BaseMediator
	api      *client.API
	currency string
}

// NewStripeMediator creates a Stripe mediator for one secret key. baseURL overrides the
// Stripe API endpoint when non-empty.
func NewStripeMediator(secretKey, baseURL string, opts MediatorOptions, logger *zap.Logger) *StripeMediator {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		LeveledLogger:     logger.Sugar(),
		MaxNetworkRetries: stripe.Int64(0),
	}
	if baseURL != "" {
		backendConfig.URL = stripe.String(strings.TrimRight(baseURL, "/"))
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	}

	return &StripeMediator{
		BaseMediator: NewBaseMediator(ProviderStripe, baseURL, opts, logger),
		api:          client.New(secretKey, backends),
		currency:     "brl",
	}
}

// GetPayment reads a payment intent and maps it onto the processor status vocabulary.
func (s *StripeMediator) GetPayment(ctx context.Context, paymentID string) (*PaymentDetail, error) {
	ctx, span := s.tracer.Start(ctx, "stripe GetPayment")
	defer span.End()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("stripe rate limiter: %w", err)
	}

	params := &stripe.PaymentIntentParams{}
	params.AddExpand("latest_charge")
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(strings.TrimSpace(paymentID), params)
	if err != nil {
		span.RecordError(err)
		return nil, classifyStripeError(err)
	}

	return mapPaymentIntent(pi), nil
}

// CreateCheckout opens a hosted checkout session carrying the external reference.
func (s *StripeMediator) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.ExternalReference == "" {
		return nil, fmt.Errorf("external reference is required")
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("stripe rate limiter: %w", err)
	}

	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.currency
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.ExternalReference),
		SuccessURL:        stripe.String(req.BackURL),
		CancelURL:         stripe.String(req.BackURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"external_reference": req.ExternalReference},
		},
	}
	if req.PayerEmail != "" {
		params.CustomerEmail = stripe.String(req.PayerEmail)
	}
	for _, item := range req.Items {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(qty)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.UnitPrice.Shift(2).Round(0).IntPart()),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Title),
				},
			},
		})
	}
	params.AddMetadata("external_reference", req.ExternalReference)
	for key, value := range req.Metadata {
		params.AddMetadata(key, fmt.Sprint(value))
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	params.SetIdempotencyKey(key)
	params.Context = ctx

	session, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe checkout session: %w", classifyStripeError(err))
	}

	return &CheckoutSession{
		ID:                 session.ID,
		CheckoutURL:        session.URL,
		SandboxCheckoutURL: session.URL,
	}, nil
}

// payerEmail prefers the receipt email and falls back to the billing details of the
// latest charge, which is where Checkout records the email the payer typed.
func payerEmail(pi *stripe.PaymentIntent) string {
	if pi.ReceiptEmail != "" {
		return pi.ReceiptEmail
	}
	charge := pi.LatestCharge
	if charge == nil {
		return ""
	}
	if charge.BillingDetails != nil && charge.BillingDetails.Email != "" {
		return charge.BillingDetails.Email
	}
	return charge.ReceiptEmail
}

func mapPaymentIntent(pi *stripe.PaymentIntent) *PaymentDetail {
	detail := &PaymentDetail{
		ID:                pi.ID,
		Status:            mapStripeStatus(pi.Status),
		StatusDetail:      string(pi.Status),
		TransactionAmount: decimal.New(pi.Amount, -2),
		CurrencyID:        strings.ToUpper(string(pi.Currency)),
		PayerEmail:        payerEmail(pi),
		LiveMode:          pi.Livemode,
	}
	if len(pi.PaymentMethodTypes) > 0 {
		detail.PaymentMethodID = pi.PaymentMethodTypes[0]
	}
	if pi.Metadata != nil {
		detail.ExternalReference = pi.Metadata["external_reference"]
	}
	if pi.Created > 0 {
		created := time.Unix(pi.Created, 0).UTC()
		detail.DateCreated = &created
		if detail.Status == "approved" {
			detail.DateApproved = &created
		}
	}
	if raw, err := json.Marshal(pi); err == nil {
		detail.Raw = raw
	}
	return detail
}

func mapStripeStatus(status stripe.PaymentIntentStatus) string {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return "approved"
	case stripe.PaymentIntentStatusProcessing:
		return "in_process"
	case stripe.PaymentIntentStatusCanceled:
		return "cancelled"
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return "rejected"
	default:
		return "pending"
	}
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return err
	}
	switch stripeErr.HTTPStatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrPaymentNotFound, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	default:
		return &APIError{Provider: ProviderStripe, StatusCode: stripeErr.HTTPStatusCode, Body: stripeErr.Msg}
	}
}
