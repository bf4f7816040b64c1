package mediators

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const ProviderEvolution = "evolution"

// EvolutionMediator sends WhatsApp text messages through an Evolution API instance
type EvolutionMediator struct {
	*BaseMediator
	instance string
	apiKey   string
}

type evolutionTextMessage struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// NewEvolutionMediator creates a sender bound to one instance of the messaging provider.
func NewEvolutionMediator(baseURL, instance, apiKey string, opts MediatorOptions, logger *zap.Logger) *EvolutionMediator {
	return &EvolutionMediator{
		BaseMediator: NewBaseMediator(ProviderEvolution, baseURL, opts, logger),
		instance:     instance,
		apiKey:       apiKey,
	}
}

// SendText posts one text message. Any 2xx answer counts as delivered.
func (e *EvolutionMediator) SendText(ctx context.Context, number, text string) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return fmt.Errorf("recipient number is required")
	}
	if !strings.Contains(number, "@") {
		number += "@s.whatsapp.net"
	}

	headers := http.Header{}
	headers.Set("apikey", e.apiKey)

	path := "/message/sendText/" + url.PathEscape(e.instance)
	if err := e.doJSON(ctx, http.MethodPost, path, headers, evolutionTextMessage{Number: number, Text: text}, nil); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", number, err)
	}
	return nil
}
