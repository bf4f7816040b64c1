package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/studio-payments/internal/models"
)

// ErrNoRecipient is returned when a transaction has no student phone to notify
var ErrNoRecipient = errors.New("transaction has no linked student phone")

const defaultConfirmationTemplate = `Olá {{.StudentName}}! Recebemos o seu pagamento de R$ {{.Amount}}{{if .PaymentMethod}} ({{.PaymentMethod}}){{end}}.{{if .StudioName}}
{{.StudioName}} agradece!{{end}}`

// ConfirmationData is the data available to a tenant's message template
type ConfirmationData struct {
	StudentName   string
	StudioName    string
	Amount        string
	PaymentMethod string
	PaymentDate   string
	TransactionID string
}

// NotificationService sends payment confirmations over the tenant's messaging channel
type NotificationService struct {
	db          *gorm.DB
	senders     SenderFactory
	countryCode string
	logger      *zap.Logger
	tracer      trace.Tracer
}

func NewNotificationService(db *gorm.DB, senders SenderFactory, countryCode string, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		db:          db,
		senders:     senders,
		countryCode: countryCode,
		logger:      logger,
		tracer:      otel.Tracer("notification-service"),
	}
}

// SendPaymentConfirmation messages the student linked to tx. Each phone variant is tried
// until one is accepted. Every run that reaches the provider is recorded as a MessageDispatch.
func (n *NotificationService) SendPaymentConfirmation(ctx context.Context, settings models.TenantSettings, tx *models.PaymentTransaction) (*models.MessageDispatch, error) {
	ctx, span := n.tracer.Start(ctx, "send_payment_confirmation")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", settings.TenantID),
		attribute.String("transaction_id", tx.ID.String()),
	)

	if tx.StudentID == nil {
		return nil, ErrNoRecipient
	}
	if !settings.CanMessage() {
		return nil, fmt.Errorf("messaging disabled for tenant %s", settings.TenantID)
	}

	var student models.Student
	if err := n.db.WithContext(ctx).First(&student, "id = ?", *tx.StudentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoRecipient
		}
		return nil, fmt.Errorf("failed to load student: %w", err)
	}
	variants := PhoneVariants(student.Phone, n.countryCode)
	if len(variants) == 0 {
		return nil, ErrNoRecipient
	}

	text, err := n.render(settings, tx, student)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sender, err := n.senders(settings)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	winner, attempts, sendErr := TrySend(ctx, variants, func(ctx context.Context, number string) error {
		return sender.SendText(ctx, number, text)
	})

	dispatch := &models.MessageDispatch{
		TransactionID: tx.ID,
		TenantID:      settings.TenantID,
		Channel:       models.DispatchChannelWhatsApp,
		Recipient:     student.Phone,
		Attempts:      attempts,
		Content:       text,
		CreatedAt:     time.Now(),
	}
	if sendErr != nil {
		dispatch.Status = models.DispatchStatusFailed
		dispatch.Error = sendErr.Error()
		span.RecordError(sendErr)
		n.logger.Warn("Payment confirmation not delivered",
			zap.String("transaction_id", tx.ID.String()),
			zap.Int("attempts", attempts),
			zap.Error(sendErr))
	} else {
		sentAt := time.Now()
		dispatch.Status = models.DispatchStatusSent
		dispatch.Recipient = winner
		dispatch.SentAt = &sentAt
		n.logger.Info("Payment confirmation sent",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("variant", winner),
			zap.Int("attempts", attempts))
	}

	if err := n.db.WithContext(ctx).Create(dispatch).Error; err != nil {
		n.logger.Error("Failed to record message dispatch",
			zap.String("transaction_id", tx.ID.String()),
			zap.Error(err))
	}

	return dispatch, sendErr
}

func (n *NotificationService) render(settings models.TenantSettings, tx *models.PaymentTransaction, student models.Student) (string, error) {
	data := ConfirmationData{
		StudentName:   firstName(student.Name),
		StudioName:    settings.StudioName,
		Amount:        formatAmount(tx),
		PaymentMethod: tx.PaymentMethod,
		TransactionID: tx.ID.String(),
	}
	if tx.PaymentDate != nil {
		data.PaymentDate = tx.PaymentDate.Format("02/01/2006")
	}

	text := settings.MessageTemplate
	if strings.TrimSpace(text) == "" {
		text = defaultConfirmationTemplate
	}
	tmpl, err := template.New("confirmation").Parse(text)
	if err != nil {
		n.logger.Warn("Invalid tenant message template, using default",
			zap.String("tenant_id", settings.TenantID),
			zap.Error(err))
		tmpl = template.Must(template.New("confirmation").Parse(defaultConfirmationTemplate))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render confirmation message: %w", err)
	}
	return buf.String(), nil
}

func formatAmount(tx *models.PaymentTransaction) string {
	return strings.Replace(tx.Amount.StringFixed(2), ".", ",", 1)
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// PhoneVariants expands a stored phone number into the formats the messaging provider may
// know it by: the raw digits, then each local form with and without the country code, with
// the mobile '9' prefix both added and removed. The result is ordered and deduplicated.
func PhoneVariants(raw, countryCode string) []string {
	digits := onlyDigits(raw)
	if digits == "" {
		return nil
	}
	countryCode = onlyDigits(countryCode)

	local := digits
	if countryCode != "" && strings.HasPrefix(digits, countryCode) && (len(digits) == 12 || len(digits) == 13) {
		local = digits[len(countryCode):]
	}

	locals := []string{local}
	switch {
	case len(local) == 10:
		locals = append(locals, local[:2]+"9"+local[2:])
	case len(local) == 11 && local[2] == '9':
		locals = append(locals, local[:2]+local[3:])
	}

	seen := make(map[string]bool)
	var variants []string
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			variants = append(variants, v)
		}
	}

	add(digits)
	for _, l := range locals {
		if countryCode != "" {
			add(countryCode + l)
		}
		add(l)
	}
	return variants
}

// TrySend calls send for each candidate in order until one succeeds. It returns the
// accepted candidate and the number of attempts made, or the joined errors of every attempt.
func TrySend(ctx context.Context, candidates []string, send func(ctx context.Context, candidate string) error) (string, int, error) {
	var errs []error
	attempts := 0
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		attempts++
		err := send(ctx, candidate)
		if err == nil {
			return candidate, attempts, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", candidate, err))
	}
	if len(errs) == 0 {
		return "", attempts, errors.New("no candidates to try")
	}
	return "", attempts, errors.Join(errs...)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
