package mediators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 2048
)

// MediatorOptions tunes the transport shared by every provider mediator
type MediatorOptions struct {
	Timeout    time.Duration
	Limiter    *rate.Limiter
	HTTPClient *http.Client
}

// NewLimiter returns a limiter allowing rps requests per second with a matching burst.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// BaseMediator provides the common JSON-over-HTTP plumbing for provider mediators
type BaseMediator struct {
	provider   string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewBaseMediator creates a new base mediator
func NewBaseMediator(provider, baseURL string, opts MediatorOptions, logger *zap.Logger) *BaseMediator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BaseMediator{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		limiter:    limiter,
		logger:     logger,
		tracer:     otel.Tracer("mediators/" + provider),
	}
}

// Provider returns the provider identifier
func (b *BaseMediator) Provider() string {
	return b.provider
}

// doJSON sends in as a JSON body (when non-nil) and decodes a 2xx response into out.
// Non-2xx responses are returned as *APIError.
func (b *BaseMediator) doJSON(ctx context.Context, method, path string, headers http.Header, in, out interface{}) error {
	ctx, span := b.tracer.Start(ctx, b.provider+" "+method)
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", b.provider),
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)

	if err := b.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s rate limiter: %w", b.provider, err)
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", b.provider, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", b.provider, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s request failed: %w", b.provider, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	b.logger.Debug("Provider call completed",
		zap.String("provider", b.provider),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", b.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		apiErr := &APIError{Provider: b.provider, StatusCode: resp.StatusCode, Body: string(raw)}
		span.RecordError(apiErr)
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if rawOut, ok := out.(*json.RawMessage); ok {
		*rawOut = append((*rawOut)[:0], raw...)
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", b.provider, err)
	}
	return nil
}
