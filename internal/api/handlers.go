package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/studio-payments/internal/services"
)

// Handlers contains the administrative API handlers with their dependencies
type Handlers struct {
	paymentLinkService *services.PaymentLinkService
	transactionService *services.TransactionService
	webhookService     *services.WebhookService
	logger             *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	paymentLinkService *services.PaymentLinkService,
	transactionService *services.TransactionService,
	webhookService *services.WebhookService,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		paymentLinkService: paymentLinkService,
		transactionService: transactionService,
		webhookService:     webhookService,
		logger:             logger,
	}
}

// RegisterRoutes mounts the webhook receiver and the administrative endpoints
func (h *Handlers) RegisterRoutes(apiV1 *gin.RouterGroup) {
	webhooks := apiV1.Group("/webhooks")
	{
		webhooks.POST("/payments", h.webhookService.HandlePaymentWebhook)
	}

	apiV1.POST("/payment-links", h.CreatePaymentLink)

	transactions := apiV1.Group("/transactions")
	{
		transactions.GET("/:id", h.GetTransaction)
		transactions.PATCH("/:id/status", h.OverrideTransactionStatus)
	}

	apiV1.GET("/webhook-logs", h.ListWebhookLogs)
}

// CreatePaymentLink opens a checkout session and records the pending transaction
func (h *Handlers) CreatePaymentLink(c *gin.Context) {
	var req services.PaymentLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	link, err := h.paymentLinkService.CreatePaymentLink(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, link)
}

// GetTransaction returns one transaction
func (h *Handlers) GetTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	tx, err := h.transactionService.GetTransaction(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type overrideStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

// OverrideTransactionStatus sets a transaction status by hand
func (h *Handlers) OverrideTransactionStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	var req overrideStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	tx, err := h.transactionService.OverrideStatus(c.Request.Context(), id, req.Status, req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// ListWebhookLogs returns recent webhook deliveries, newest first
func (h *Handlers) ListWebhookLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	logs, err := h.webhookService.ListWebhookLogs(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	var validation *services.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.Is(err, services.ErrTenantNotFound), errors.Is(err, services.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrTenantNotConfigured):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "details": err.Error()})
	}
}
