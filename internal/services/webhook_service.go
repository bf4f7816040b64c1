package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/studio-payments/internal/eventbus"
	"github.com/lexure-intelligence/studio-payments/internal/models"
)

const (
	notificationTypePayment = "payment"
	processedMessage        = "Payment processed successfully"
	maxWebhookBody          = 1 << 20
)

// ConfirmationNotifier sends the post-approval message for a transaction
type ConfirmationNotifier interface {
	SendPaymentConfirmation(ctx context.Context, settings models.TenantSettings, tx *models.PaymentTransaction) (*models.MessageDispatch, error)
}

// Notification is the typed projection of an inbound processor notification
type Notification struct {
	Type      string
	Action    string
	PaymentID string
	LiveMode  *bool
}

// WebhookResult is the HTTP answer for one delivery
type WebhookResult struct {
	StatusCode int
	Body       gin.H
}

// WebhookMetrics tracks webhook processing metrics
type WebhookMetrics struct {
	TotalReceived         int64            `json:"total_received"`
	Succeeded             int64            `json:"succeeded"`
	Ignored               int64            `json:"ignored"`
	Rejected              int64            `json:"rejected"`
	Unmatched             int64            `json:"unmatched"`
	Failed                int64            `json:"failed"`
	Created               int64            `json:"created"`
	DispatchesSent        int64            `json:"dispatches_sent"`
	DispatchesFailed      int64            `json:"dispatches_failed"`
	EnvironmentMismatches int64            `json:"environment_mismatches"`
	AverageProcessingTime time.Duration    `json:"average_processing_time"`
	LastWebhookReceived   time.Time        `json:"last_webhook_received"`
	StrategyCounts        map[string]int64 `json:"strategy_counts"`
}

// WebhookServiceOptions bounds the outbound work of one delivery
type WebhookServiceOptions struct {
	ProbeBudget time.Duration
}

// WebhookService reconciles processor payment notifications with local transactions
type WebhookService struct {
	db          *gorm.DB
	providers   ProviderFactory
	resolver    *TransactionResolver
	notifier    ConfirmationNotifier
	eventBus    eventbus.EventBus
	probeBudget time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer

	mu      sync.Mutex
	metrics WebhookMetrics
}

// NewWebhookService creates a new webhook service
func NewWebhookService(db *gorm.DB, providers ProviderFactory, notifier ConfirmationNotifier, bus eventbus.EventBus, opts WebhookServiceOptions, logger *zap.Logger) *WebhookService {
	if bus == nil {
		bus = eventbus.NopEventBus{}
	}
	return &WebhookService{
		db:          db,
		providers:   providers,
		resolver:    NewTransactionResolver(db, logger),
		notifier:    notifier,
		eventBus:    bus,
		probeBudget: opts.ProbeBudget,
		logger:      logger,
		tracer:      otel.Tracer("webhook-service"),
		metrics:     WebhookMetrics{StrategyCounts: make(map[string]int64)},
	}
}

// HandlePaymentWebhook is the gin handler for processor notifications
func (s *WebhookService) HandlePaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	result := s.process(c.Request.Context(), body, c.Request.URL.Query(), err)
	c.JSON(result.StatusCode, result.Body)
}

// ProcessNotification runs one delivery through ingress, credential resolution,
// transaction resolution, state application and dispatch. query carries the
// topic/id parameters some processors send instead of a body.
func (s *WebhookService) ProcessNotification(ctx context.Context, body []byte, query map[string][]string) *WebhookResult {
	return s.process(ctx, body, query, nil)
}

// process also accounts for deliveries whose body could not be read; those are logged
// with an empty payload and rejected.
func (s *WebhookService) process(ctx context.Context, body []byte, query map[string][]string, readErr error) (result *WebhookResult) {
	if readErr != nil {
		body = nil
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "process_payment_notification")
	defer span.End()

	s.mu.Lock()
	s.metrics.TotalReceived++
	s.metrics.LastWebhookReceived = start
	s.mu.Unlock()

	logEntry := s.recordReceived(ctx, body)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while processing webhook",
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = internalError(fmt.Errorf("panic: %v", r))
		}
		s.recordOutcome(logEntry, result)
		s.observe(result, time.Since(start))
		span.SetAttributes(attribute.Int("http.status_code", result.StatusCode))
	}()

	if readErr != nil {
		s.logger.Error("Failed to read webhook body", zap.Error(readErr))
		return &WebhookResult{StatusCode: http.StatusBadRequest, Body: gin.H{"error": "Invalid webhook: unreadable request body"}}
	}

	notification, err := ParseNotification(body, query)
	if err != nil {
		s.logger.Warn("Malformed webhook body", zap.Error(err))
		return &WebhookResult{StatusCode: http.StatusBadRequest, Body: gin.H{"error": "Invalid webhook: malformed JSON body"}}
	}
	if notification.PaymentID == "" {
		s.logger.Warn("Webhook without data.id", zap.String("type", notification.Type))
		return &WebhookResult{StatusCode: http.StatusBadRequest, Body: gin.H{"error": "Invalid webhook: missing data.id"}}
	}
	span.SetAttributes(
		attribute.String("payment_id", notification.PaymentID),
		attribute.String("action", notification.Action),
	)

	if notification.Type != notificationTypePayment {
		s.logger.Info("Ignoring webhook event",
			zap.String("type", notification.Type),
			zap.String("action", notification.Action),
			zap.String("payment_id", notification.PaymentID))
		return &WebhookResult{StatusCode: http.StatusOK, Body: gin.H{
			"message": fmt.Sprintf("Event ignored: type %q is not handled", notification.Type),
		}}
	}

	return s.reconcile(ctx, notification)
}

func (s *WebhookService) reconcile(ctx context.Context, notification *Notification) *WebhookResult {
	paymentID := notification.PaymentID

	candidates, err := LoadCandidateCredentials(ctx, s.db)
	if err != nil {
		return internalError(err)
	}

	probeCtx := ctx
	if s.probeBudget > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, s.probeBudget)
		defer cancel()
	}
	match, err := ResolveCredential(probeCtx, paymentID, candidates, s.providers, s.logger)
	if err != nil {
		if errors.Is(err, ErrNoCredentialMatched) {
			return &WebhookResult{StatusCode: http.StatusNotFound, Body: gin.H{
				"error":      "Payment not found in any configured account",
				"payment_id": paymentID,
			}}
		}
		return internalError(err)
	}
	detail := match.Detail
	s.checkEnvironment(notification, match)

	resolution, err := s.resolver.Resolve(ctx, match.TenantID(), detail)
	if err != nil {
		var unresolved *UnresolvedTransactionError
		if errors.As(err, &unresolved) {
			s.logger.Warn("Transaction not resolvable",
				zap.String("payment_id", paymentID),
				zap.String("tenant_id", match.TenantID()),
				zap.String("status", unresolved.Status),
				zap.String("payer_email", unresolved.PayerEmail),
				zap.String("amount", unresolved.Amount.StringFixed(2)),
				zap.String("external_reference", unresolved.ExternalReference))
			return &WebhookResult{StatusCode: http.StatusNotFound, Body: gin.H{
				"error":       "Transaction not found and cannot create new one",
				"payment_id":  paymentID,
				"status":      unresolved.Status,
				"payer_email": unresolved.PayerEmail,
			}}
		}
		return internalError(err)
	}
	tx := resolution.Transaction

	change, err := ApplyPaymentDetail(ctx, s.db, tx, detail, resolution.Created)
	if err != nil {
		return internalError(err)
	}

	s.mu.Lock()
	s.metrics.StrategyCounts[resolution.Strategy]++
	if resolution.Created {
		s.metrics.Created++
	}
	s.mu.Unlock()

	s.logger.Info("Payment state applied",
		zap.String("payment_id", paymentID),
		zap.String("tenant_id", match.TenantID()),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("strategy", resolution.Strategy),
		zap.String("previous_status", change.PreviousStatus),
		zap.String("status", change.Status))

	s.publish(ctx, match.TenantID(), paymentID, tx, change)

	if change.BecameApproved {
		s.dispatch(ctx, match.Settings, tx)
	}

	return &WebhookResult{StatusCode: http.StatusOK, Body: gin.H{
		"success":        true,
		"payment_id":     paymentID,
		"transaction_id": tx.ID.String(),
		"status":         tx.Status,
		"message":        processedMessage,
	}}
}

// checkEnvironment flags a notification whose live_mode disagrees with the environment
// of the credential that could read the payment. The delivery is still processed.
func (s *WebhookService) checkEnvironment(notification *Notification, match *CredentialMatch) {
	if notification.LiveMode == nil || *notification.LiveMode != match.Settings.IsSandbox() {
		return
	}
	s.logger.Warn("Notification live_mode does not match credential environment",
		zap.String("payment_id", notification.PaymentID),
		zap.String("tenant_id", match.TenantID()),
		zap.String("action", notification.Action),
		zap.Bool("live_mode", *notification.LiveMode),
		zap.String("environment", match.Settings.Environment))

	s.mu.Lock()
	s.metrics.EnvironmentMismatches++
	s.mu.Unlock()
}

func (s *WebhookService) publish(ctx context.Context, tenantID, paymentID string, tx *models.PaymentTransaction, change *StateChange) {
	event := eventbus.PaymentEvent{
		TransactionID:  tx.ID.String(),
		TenantID:       tenantID,
		PaymentID:      paymentID,
		Status:         change.Status,
		PreviousStatus: change.PreviousStatus,
		Amount:         tx.Amount.StringFixed(2),
		PayerEmail:     tx.PayerEmail,
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.eventBus.Publish(ctx, eventbus.EventPaymentStatusChanged, event); err != nil {
		s.logger.Warn("Failed to publish status change", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}
	if change.BecameApproved {
		if err := s.eventBus.Publish(ctx, eventbus.EventPaymentApproved, event); err != nil {
			s.logger.Warn("Failed to publish approval", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		}
	}
}

// dispatch never fails the delivery; the state write above is the outcome that matters.
func (s *WebhookService) dispatch(ctx context.Context, settings models.TenantSettings, tx *models.PaymentTransaction) {
	if s.notifier == nil || tx.StudentID == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic during confirmation dispatch", zap.Any("panic", r))
			s.countDispatch(false)
		}
	}()

	_, err := s.notifier.SendPaymentConfirmation(ctx, settings, tx)
	switch {
	case err == nil:
		s.countDispatch(true)
	case errors.Is(err, ErrNoRecipient):
		s.logger.Info("No recipient for payment confirmation", zap.String("transaction_id", tx.ID.String()))
	default:
		s.countDispatch(false)
		s.logger.Warn("Payment confirmation failed",
			zap.String("transaction_id", tx.ID.String()),
			zap.Error(err))
	}
}

func (s *WebhookService) countDispatch(sent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sent {
		s.metrics.DispatchesSent++
	} else {
		s.metrics.DispatchesFailed++
	}
}

func (s *WebhookService) recordReceived(ctx context.Context, body []byte) *models.WebhookLog {
	entry := &models.WebhookLog{
		EventType: models.EventTypeMercadoPagoWebhook,
		Payload:   string(body),
		Status:    models.WebhookLogStatusReceived,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Error("Failed to write webhook log", zap.Error(err))
		return nil
	}
	return entry
}

// recordOutcome is best-effort and uses a fresh context so a cancelled request still gets its log line.
func (s *WebhookService) recordOutcome(entry *models.WebhookLog, result *WebhookResult) {
	if entry == nil || result == nil {
		return
	}
	status := models.WebhookLogStatusSuccess
	if result.StatusCode >= http.StatusBadRequest {
		status = models.WebhookLogStatusFailed
	}
	response, err := json.Marshal(gin.H{"status_code": result.StatusCode, "body": result.Body})
	if err != nil {
		response = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.db.WithContext(ctx).
		Model(&models.WebhookLog{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":     status,
			"response":   datatypes.JSON(response),
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		s.logger.Error("Failed to update webhook log", zap.String("log_id", entry.ID.String()), zap.Error(err))
	}
}

func (s *WebhookService) observe(result *WebhookResult, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case result.StatusCode == http.StatusOK && result.Body["success"] == true:
		s.metrics.Succeeded++
	case result.StatusCode == http.StatusOK:
		s.metrics.Ignored++
	case result.StatusCode == http.StatusBadRequest:
		s.metrics.Rejected++
	case result.StatusCode == http.StatusNotFound:
		s.metrics.Unmatched++
	default:
		s.metrics.Failed++
	}

	n := s.metrics.TotalReceived
	if n <= 0 {
		n = 1
	}
	s.metrics.AverageProcessingTime = time.Duration((int64(s.metrics.AverageProcessingTime)*(n-1) + int64(elapsed)) / n)
}

// GetMetrics returns a snapshot of the webhook counters
func (s *WebhookService) GetMetrics() WebhookMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.metrics
	snapshot.StrategyCounts = make(map[string]int64, len(s.metrics.StrategyCounts))
	for k, v := range s.metrics.StrategyCounts {
		snapshot.StrategyCounts[k] = v
	}
	return snapshot
}

// ListWebhookLogs returns the newest log rows, optionally filtered by status
func (s *WebhookService) ListWebhookLogs(ctx context.Context, status string, limit int) ([]models.WebhookLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var logs []models.WebhookLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list webhook logs: %w", err)
	}
	return logs, nil
}

func internalError(err error) *WebhookResult {
	return &WebhookResult{StatusCode: http.StatusInternalServerError, Body: gin.H{
		"error":   "Internal server error",
		"details": err.Error(),
	}}
}

// ParseNotification decodes the body as a loose document and projects the fields the
// pipeline reads. data.id may be a string or a number. When the body does not name the
// payment, the type/topic and data.id/id query parameters are used.
func ParseNotification(body []byte, query map[string][]string) (*Notification, error) {
	doc := map[string]interface{}{}
	if len(bytes.TrimSpace(body)) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(body))
		decoder.UseNumber()
		if err := decoder.Decode(&doc); err != nil {
			return nil, fmt.Errorf("invalid notification JSON: %w", err)
		}
	}

	n := &Notification{
		Type:   stringField(doc["type"]),
		Action: stringField(doc["action"]),
	}
	if data, ok := doc["data"].(map[string]interface{}); ok {
		n.PaymentID = stringField(data["id"])
	}
	if live, ok := doc["live_mode"].(bool); ok {
		n.LiveMode = &live
	}

	if n.Type == "" {
		n.Type = firstQuery(query, "type", "topic")
	}
	if n.PaymentID == "" {
		n.PaymentID = firstQuery(query, "data.id", "id")
	}
	return n, nil
}

func stringField(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func firstQuery(query map[string][]string, keys ...string) string {
	for _, key := range keys {
		if values := query[key]; len(values) > 0 && strings.TrimSpace(values[0]) != "" {
			return strings.TrimSpace(values[0])
		}
	}
	return ""
}

var _ ConfirmationNotifier = (*NotificationService)(nil)
