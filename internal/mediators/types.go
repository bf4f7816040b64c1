package mediators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrPaymentNotFound is returned when the processor has no payment with the given id
	// for the credential used.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrUnauthorized is returned when the processor rejects the credential.
	ErrUnauthorized = errors.New("credential rejected by provider")
)

// APIError carries a non-2xx provider response.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// PaymentDetail is the typed projection of a processor payment
type PaymentDetail struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	PaymentMethodID   string          `json:"payment_method_id"`
	PaymentTypeID     string          `json:"payment_type_id"`
	ExternalReference string          `json:"external_reference"`
	PayerEmail        string          `json:"payer_email"`
	Installments      int             `json:"installments"`
	DateApproved      *time.Time      `json:"date_approved,omitempty"`
	DateCreated       *time.Time      `json:"date_created,omitempty"`
	LiveMode          bool            `json:"live_mode"`

	// Raw is the verbatim provider document; it is stored, never navigated.
	Raw json.RawMessage `json:"-"`
}

// IsApproved reports whether the processor reports the terminal success state.
func (d *PaymentDetail) IsApproved() bool {
	return d.Status == "approved"
}

// CheckoutItem is one line of a checkout session
type CheckoutItem struct {
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
}

// CheckoutRequest describes a payment link to create at the processor
type CheckoutRequest struct {
	ExternalReference string
	PayerEmail        string
	Currency          string
	Items             []CheckoutItem
	NotificationURL   string
	BackURL           string
	Metadata          map[string]interface{}
	IdempotencyKey    string
}

// CheckoutSession is the processor's answer to a CheckoutRequest
type CheckoutSession struct {
	ID                 string
	CheckoutURL        string
	SandboxCheckoutURL string
}

// FlexibleID accepts a JSON string or number and keeps its textual form.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(str))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(num.String(), 64); err != nil {
		return err
	}
	*f = FlexibleID(num.String())
	return nil
}

func (f FlexibleID) String() string { return string(f) }

// PaymentProvider reads payments and opens checkout sessions with one tenant credential
type PaymentProvider interface {
	Provider() string
	GetPayment(ctx context.Context, paymentID string) (*PaymentDetail, error)
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// MessageSender delivers a text message to one recipient
type MessageSender interface {
	SendText(ctx context.Context, number, text string) error
}

var (
	_ PaymentProvider = (*MercadoPagoMediator)(nil)
	_ PaymentProvider = (*StripeMediator)(nil)
	_ MessageSender   = (*EvolutionMediator)(nil)
)
