package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// MetricsSource provides webhook counters
type MetricsSource interface {
	GetMetrics() WebhookMetrics
}

// MonitoringService provides monitoring and observability for the application
type MonitoringService struct {
	db        *gorm.DB
	metrics   MetricsSource
	startedAt time.Time

	mu         sync.RWMutex
	components map[string]ComponentStatus
}

// HealthStatus represents the overall health of the system
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentStatus `json:"components"`
}

// ComponentStatus represents the status of a system component
type ComponentStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	LastCheck time.Time `json:"last_check"`
}

// NewMonitoringService creates a new monitoring service
func NewMonitoringService(db *gorm.DB, metrics MetricsSource) *MonitoringService {
	return &MonitoringService{
		db:         db,
		metrics:    metrics,
		startedAt:  time.Now(),
		components: make(map[string]ComponentStatus),
	}
}

// UpdateComponentStatus records the status of a dependency such as redis or vault
func (m *MonitoringService) UpdateComponentStatus(component, status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[component] = ComponentStatus{Status: status, Message: message, LastCheck: time.Now()}
}

// GetHealthStatus checks the database and folds in the recorded component states
func (m *MonitoringService) GetHealthStatus(ctx context.Context) *HealthStatus {
	db := ComponentStatus{Status: "healthy", Message: "database reachable", LastCheck: time.Now()}
	if sqlDB, err := m.db.DB(); err != nil {
		db = ComponentStatus{Status: "critical", Message: err.Error(), LastCheck: time.Now()}
	} else if err := sqlDB.PingContext(ctx); err != nil {
		db = ComponentStatus{Status: "critical", Message: err.Error(), LastCheck: time.Now()}
	}

	m.mu.RLock()
	components := make(map[string]ComponentStatus, len(m.components)+1)
	for name, status := range m.components {
		components[name] = status
	}
	m.mu.RUnlock()
	components["database"] = db

	overall := "healthy"
	for _, component := range components {
		if component.Status == "critical" {
			overall = "critical"
			break
		}
		if component.Status == "degraded" {
			overall = "degraded"
		}
	}

	return &HealthStatus{
		Status:     overall,
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(m.startedAt).Round(time.Second).String(),
		Components: components,
	}
}

// HandleHealthCheck handles the health check endpoint
func (m *MonitoringService) HandleHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	health := m.GetHealthStatus(ctx)
	statusCode := http.StatusOK
	if health.Status == "critical" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// HandleMetrics handles the metrics endpoint
func (m *MonitoringService) HandleMetrics(c *gin.Context) {
	metrics := m.metrics.GetMetrics()

	c.JSON(http.StatusOK, gin.H{
		"webhook_metrics": gin.H{
			"total_received":             metrics.TotalReceived,
			"succeeded":                  metrics.Succeeded,
			"ignored":                    metrics.Ignored,
			"rejected":                   metrics.Rejected,
			"unmatched":                  metrics.Unmatched,
			"failed":                     metrics.Failed,
			"created_by_webhook":         metrics.Created,
			"success_rate":               successRate(metrics),
			"average_processing_time_ms": metrics.AverageProcessingTime.Milliseconds(),
			"last_webhook_received":      metrics.LastWebhookReceived,
			"strategy_counts":            metrics.StrategyCounts,
			"environment_mismatches":     metrics.EnvironmentMismatches,
		},
		"dispatch_metrics": gin.H{
			"sent":   metrics.DispatchesSent,
			"failed": metrics.DispatchesFailed,
		},
		"timestamp": time.Now().UTC(),
	})
}

// successRate is the share of deliveries answered with 2xx
func successRate(metrics WebhookMetrics) float64 {
	if metrics.TotalReceived == 0 {
		return 100.0
	}
	return float64(metrics.Succeeded+metrics.Ignored) / float64(metrics.TotalReceived) * 100.0
}
