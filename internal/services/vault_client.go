package services

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// VaultClient loads service secrets from HashiCorp Vault
type VaultClient struct {
	client *api.Client
	logger *zap.Logger
}

// NewVaultClient creates a new Vault client
func NewVaultClient(baseURL, token string, logger *zap.Logger) (*VaultClient, error) {
	config := &api.Config{
		Address: baseURL,
		HttpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultClient{client: client, logger: logger}, nil
}

// GetSecret reads the data map stored at path
func (v *VaultClient) GetSecret(path string) (map[string]interface{}, error) {
	secret, err := v.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret data found at %s", path)
	}

	// KV v2 nests the values under "data"
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		return nested, nil
	}
	return secret.Data, nil
}

// secretMappings maps each secret path suffix to the config keys its fields override
var secretMappings = map[string]map[string]string{
	"database": {
		"host":     "database.host",
		"port":     "database.port",
		"name":     "database.name",
		"user":     "database.user",
		"password": "database.password",
		"ssl_mode": "database.ssl_mode",
	},
	"redis": {
		"addr":     "redis.addr",
		"password": "redis.password",
		"db":       "redis.db",
	},
	"mercadopago": {
		"notification_url": "mercadopago.notification_url",
	},
}

// LoadSecrets returns config overrides read from secret/<service>/{database,redis,mercadopago}.
// Missing paths are logged and skipped.
func (v *VaultClient) LoadSecrets(serviceName string) map[string]string {
	overrides := make(map[string]string)

	for suffix, fields := range secretMappings {
		path := fmt.Sprintf("secret/%s/%s", serviceName, suffix)
		data, err := v.GetSecret(path)
		if err != nil {
			v.logger.Warn("Vault secret not loaded", zap.String("path", path), zap.Error(err))
			continue
		}
		for field, key := range fields {
			if value, ok := data[field]; ok && value != nil {
				overrides[key] = fmt.Sprint(value)
			}
		}
	}

	return overrides
}

// HealthCheck checks if Vault is accessible
func (v *VaultClient) HealthCheck() error {
	if _, err := v.client.Sys().Health(); err != nil {
		return fmt.Errorf("Vault health check failed: %w", err)
	}
	return nil
}
