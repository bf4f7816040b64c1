package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/studio-payments/internal/mediators"
	"github.com/lexure-intelligence/studio-payments/internal/models"
)

// fakeProvider answers GetPayment from a fixed set of payments
type fakeProvider struct {
	mu        sync.Mutex
	payments  map[string]*mediators.PaymentDetail
	calls     int
	checkouts []mediators.CheckoutRequest
	session   *mediators.CheckoutSession
	err       error
}

func newFakeProvider(payments ...*mediators.PaymentDetail) *fakeProvider {
	p := &fakeProvider{payments: make(map[string]*mediators.PaymentDetail)}
	for _, d := range payments {
		p.payments[d.ID] = d
	}
	return p
}

func (p *fakeProvider) Provider() string { return "fake" }

func (p *fakeProvider) GetPayment(ctx context.Context, paymentID string) (*mediators.PaymentDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	detail, ok := p.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mediators.ErrPaymentNotFound, paymentID)
	}
	copied := *detail
	return &copied, nil
}

func (p *fakeProvider) CreateCheckout(ctx context.Context, req mediators.CheckoutRequest) (*mediators.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.checkouts = append(p.checkouts, req)
	if p.session != nil {
		return p.session, nil
	}
	return &mediators.CheckoutSession{ID: "pref-" + req.ExternalReference, CheckoutURL: "https://checkout/live", SandboxCheckoutURL: "https://checkout/sandbox"}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// providerSet routes each tenant to its own fake provider
type providerSet map[string]*fakeProvider

func (s providerSet) factory(settings models.TenantSettings) (mediators.PaymentProvider, error) {
	p, ok := s[settings.TenantID]
	if !ok {
		return nil, fmt.Errorf("no provider for tenant %s", settings.TenantID)
	}
	return p, nil
}

// fakeSender accepts only the numbers in accept
type fakeSender struct {
	mu     sync.Mutex
	accept map[string]bool
	tried  []string
	texts  []string
}

func (f *fakeSender) SendText(ctx context.Context, number, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tried = append(f.tried, number)
	f.texts = append(f.texts, text)
	if f.accept[number] {
		return nil
	}
	return errors.New("number not registered")
}

// fakeNotifier records confirmation requests
type fakeNotifier struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
	panic bool
}

func (f *fakeNotifier) SendPaymentConfirmation(ctx context.Context, settings models.TenantSettings, tx *models.PaymentTransaction) (*models.MessageDispatch, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tx.ID)
	f.mu.Unlock()
	if f.panic {
		panic("messaging client exploded")
	}
	return &models.MessageDispatch{TransactionID: tx.ID}, f.err
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func approvedDetail(id, email, reference string, amount int64) *mediators.PaymentDetail {
	approvedAt := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	raw, _ := json.Marshal(map[string]interface{}{
		"id":                 id,
		"status":             "approved",
		"transaction_amount": amount,
		"external_reference": reference,
		"payer":              map[string]string{"email": email},
		"card":               map[string]string{"first_six_digits": "503143"},
	})
	return &mediators.PaymentDetail{
		ID:                id,
		Status:            models.PaymentStatusApproved,
		TransactionAmount: decimal.NewFromInt(amount),
		PaymentMethodID:   "pix",
		ExternalReference: reference,
		PayerEmail:        email,
		DateApproved:      &approvedAt,
		Raw:               raw,
	}
}

func pendingDetail(id, email, reference string, amount int64) *mediators.PaymentDetail {
	d := approvedDetail(id, email, reference, amount)
	d.Status = models.PaymentStatusPending
	d.DateApproved = nil
	d.Raw = json.RawMessage(fmt.Sprintf(`{"id":%q,"status":"pending"}`, id))
	return d
}

func seedTenant(t *testing.T, db *gorm.DB, tenantID, token string) models.TenantSettings {
	t.Helper()
	settings := models.TenantSettings{
		TenantID:          tenantID,
		StudioName:        "Studio " + tenantID,
		AccessToken:       token,
		MessagingEnabled:  true,
		EvolutionBaseURL:  "http://evolution.local",
		EvolutionInstance: tenantID,
		EvolutionAPIKey:   "key",
	}
	require.NoError(t, db.Create(&settings).Error)
	return settings
}

func seedStudent(t *testing.T, db *gorm.DB, tenantID, name, phone, email string) models.Student {
	t.Helper()
	student := models.Student{TenantID: tenantID, Name: name, Phone: phone, Email: email}
	require.NoError(t, db.Create(&student).Error)
	return student
}

type txOption func(*models.PaymentTransaction)

func withProcessorID(id string) txOption {
	return func(tx *models.PaymentTransaction) { tx.ProcessorPaymentID = &id }
}

func withReference(ref string) txOption {
	return func(tx *models.PaymentTransaction) { tx.ExternalReference = ref }
}

func withEmail(email string) txOption {
	return func(tx *models.PaymentTransaction) { tx.PayerEmail = email }
}

func withStatus(status string) txOption {
	return func(tx *models.PaymentTransaction) { tx.Status = status }
}

func withStudent(id uuid.UUID) txOption {
	return func(tx *models.PaymentTransaction) { tx.StudentID = &id }
}

func createdAt(at time.Time) txOption {
	return func(tx *models.PaymentTransaction) { tx.CreatedAt = at }
}

func seedTransaction(t *testing.T, db *gorm.DB, tenantID string, amount int64, opts ...txOption) *models.PaymentTransaction {
	t.Helper()
	tx := &models.PaymentTransaction{
		TenantID: tenantID,
		Amount:   decimal.NewFromInt(amount),
		Status:   models.PaymentStatusPending,
	}
	for _, opt := range opts {
		opt(tx)
	}
	require.NoError(t, db.Create(tx).Error)
	return tx
}

func countTransactions(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.PaymentTransaction{}).Count(&count).Error)
	return count
}

func reloadTransaction(t *testing.T, db *gorm.DB, id uuid.UUID) models.PaymentTransaction {
	t.Helper()
	var tx models.PaymentTransaction
	require.NoError(t, db.First(&tx, "id = ?", id).Error)
	return tx
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })
	return gormDB, mock
}
