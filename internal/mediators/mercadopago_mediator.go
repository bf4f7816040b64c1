package mediators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const ProviderMercadoPago = "mercadopago"

// MercadoPagoMediator implements PaymentProvider for MercadoPago with a single access token
type MercadoPagoMediator struct {
	*BaseMediator
}

// mercadoPagoPayment mirrors the subset of GET /v1/payments/{id} the reconciler reads
type mercadoPagoPayment struct {
	ID                FlexibleID      `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	PaymentMethodID   string          `json:"payment_method_id"`
	PaymentTypeID     string          `json:"payment_type_id"`
	ExternalReference string          `json:"external_reference"`
	Installments      int             `json:"installments"`
	DateApproved      *string         `json:"date_approved"`
	DateCreated       *string         `json:"date_created"`
	LiveMode          bool            `json:"live_mode"`
	Payer             struct {
		Email string `json:"email"`
	} `json:"payer"`
}

type mercadoPagoPreferenceItem struct {
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	UnitPrice  json.Number `json:"unit_price"`
	CurrencyID string      `json:"currency_id,omitempty"`
}

type mercadoPagoPreference struct {
	Items             []mercadoPagoPreferenceItem `json:"items"`
	Payer             map[string]string           `json:"payer,omitempty"`
	ExternalReference string                      `json:"external_reference"`
	NotificationURL   string                      `json:"notification_url,omitempty"`
	BackURLs          map[string]string           `json:"back_urls,omitempty"`
	AutoReturn        string                      `json:"auto_return,omitempty"`
	Metadata          map[string]interface{}      `json:"metadata,omitempty"`
}

type mercadoPagoPreferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// NewMercadoPagoMediator creates a mediator whose HTTP client authenticates with accessToken.
func NewMercadoPagoMediator(baseURL, accessToken string, opts MediatorOptions, logger *zap.Logger) *MercadoPagoMediator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: timeout}
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = timeout
	opts.HTTPClient = client

	return &MercadoPagoMediator{
		BaseMediator: NewBaseMediator(ProviderMercadoPago, baseURL, opts, logger),
	}
}

// GetPayment reads one payment. A 404 maps to ErrPaymentNotFound and 401/403 to ErrUnauthorized.
func (m *MercadoPagoMediator) GetPayment(ctx context.Context, paymentID string) (*PaymentDetail, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, fmt.Errorf("payment id is required")
	}

	var raw json.RawMessage
	if err := m.doJSON(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, nil, &raw); err != nil {
		return nil, classifyPaymentError(err)
	}

	var payment mercadoPagoPayment
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, fmt.Errorf("failed to decode mercadopago payment %s: %w", paymentID, err)
	}

	detail := &PaymentDetail{
		ID:                payment.ID.String(),
		Status:            payment.Status,
		StatusDetail:      payment.StatusDetail,
		TransactionAmount: payment.TransactionAmount,
		CurrencyID:        payment.CurrencyID,
		PaymentMethodID:   payment.PaymentMethodID,
		PaymentTypeID:     payment.PaymentTypeID,
		ExternalReference: strings.TrimSpace(payment.ExternalReference),
		PayerEmail:        strings.TrimSpace(payment.Payer.Email),
		Installments:      payment.Installments,
		DateApproved:      parseProviderTime(payment.DateApproved),
		DateCreated:       parseProviderTime(payment.DateCreated),
		LiveMode:          payment.LiveMode,
		Raw:               raw,
	}
	if detail.ID == "" {
		detail.ID = paymentID
	}
	return detail, nil
}

// CreateCheckout creates a checkout preference. The idempotency key is generated when not supplied.
func (m *MercadoPagoMediator) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.ExternalReference == "" {
		return nil, fmt.Errorf("external reference is required")
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}

	pref := mercadoPagoPreference{
		ExternalReference: req.ExternalReference,
		NotificationURL:   req.NotificationURL,
		Metadata:          req.Metadata,
	}
	for _, item := range req.Items {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		pref.Items = append(pref.Items, mercadoPagoPreferenceItem{
			Title:      item.Title,
			Quantity:   qty,
			UnitPrice:  json.Number(item.UnitPrice.StringFixed(2)),
			CurrencyID: req.Currency,
		})
	}
	if req.PayerEmail != "" {
		pref.Payer = map[string]string{"email": req.PayerEmail}
	}
	if req.BackURL != "" {
		pref.BackURLs = map[string]string{
			"success": req.BackURL,
			"failure": req.BackURL,
			"pending": req.BackURL,
		}
		pref.AutoReturn = "approved"
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	headers := http.Header{}
	headers.Set("X-Idempotency-Key", key)

	var resp mercadoPagoPreferenceResponse
	if err := m.doJSON(ctx, http.MethodPost, "/checkout/preferences", headers, pref, &resp); err != nil {
		return nil, fmt.Errorf("failed to create mercadopago preference: %w", classifyPaymentError(err))
	}

	return &CheckoutSession{
		ID:                 resp.ID,
		CheckoutURL:        resp.InitPoint,
		SandboxCheckoutURL: resp.SandboxInitPoint,
	}, nil
}

func classifyPaymentError(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrPaymentNotFound, apiErr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
	default:
		return apiErr
	}
}

func parseProviderTime(value *string) *time.Time {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700"} {
		if t, err := time.Parse(layout, strings.TrimSpace(*value)); err == nil {
			return &t
		}
	}
	return nil
}
