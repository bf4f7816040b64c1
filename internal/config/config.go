package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Vault       VaultConfig       `mapstructure:"vault"`
	MercadoPago MercadoPagoConfig `mapstructure:"mercadopago"`
	Messaging   MessagingConfig   `mapstructure:"messaging"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Host     string `mapstructure:"host"`
	HTTPS    bool   `mapstructure:"https"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver      string `mapstructure:"driver"` // postgres, sqlite
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Name        string `mapstructure:"name"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	SSLMode     string `mapstructure:"ssl_mode"`
	Path        string `mapstructure:"path"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

// RedisConfig holds the event bus connection. An empty Addr disables publishing.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
}

// VaultConfig holds Vault configuration
type VaultConfig struct {
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Service string `mapstructure:"service"`
}

// MercadoPagoConfig holds processor endpoints shared by every tenant
type MercadoPagoConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	NotificationURL string `mapstructure:"notification_url"`
	BackURL         string `mapstructure:"back_url"`
}

// MessagingConfig holds WhatsApp dispatch configuration
type MessagingConfig struct {
	CountryCode string        `mapstructure:"country_code"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// WebhookConfig bounds the outbound work a single delivery may do
type WebhookConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ProbeBudget    time.Duration `mapstructure:"probe_budget"`
	ProviderRPS    float64       `mapstructure:"provider_rps"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

var envBindings = map[string]string{
	"server.port":                  "SERVER_PORT",
	"server.host":                  "SERVER_HOST",
	"server.https":                 "SERVER_HTTPS",
	"server.cert_file":             "SERVER_CERT_FILE",
	"server.key_file":              "SERVER_KEY_FILE",
	"database.driver":              "DATABASE_DRIVER",
	"database.host":                "DATABASE_HOST",
	"database.port":                "DATABASE_PORT",
	"database.name":                "DATABASE_NAME",
	"database.user":                "DATABASE_USER",
	"database.password":            "DATABASE_PASSWORD",
	"database.ssl_mode":            "DATABASE_SSL_MODE",
	"database.path":                "DATABASE_PATH",
	"database.auto_migrate":        "DATABASE_AUTO_MIGRATE",
	"redis.addr":                   "REDIS_ADDR",
	"redis.password":               "REDIS_PASSWORD",
	"redis.db":                     "REDIS_DB",
	"redis.stream":                 "REDIS_STREAM",
	"vault.url":                    "VAULT_URL",
	"vault.token":                  "VAULT_TOKEN",
	"vault.service":                "VAULT_SERVICE",
	"mercadopago.base_url":         "MERCADOPAGO_BASE_URL",
	"mercadopago.notification_url": "MERCADOPAGO_NOTIFICATION_URL",
	"mercadopago.back_url":         "MERCADOPAGO_BACK_URL",
	"messaging.country_code":       "MESSAGING_COUNTRY_CODE",
	"messaging.timeout":            "MESSAGING_TIMEOUT",
	"webhook.request_timeout":      "WEBHOOK_REQUEST_TIMEOUT",
	"webhook.probe_budget":         "WEBHOOK_PROBE_BUDGET",
	"webhook.provider_rps":         "WEBHOOK_PROVIDER_RPS",
	"log.level":                    "LOG_LEVEL",
}

func setDefaults() {
	viper.SetDefault("server.port", "8085")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.https", false)
	viper.SetDefault("server.cert_file", "./certs/server.crt")
	viper.SetDefault("server.key_file", "./certs/server.key")
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "studio_payments")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.path", "studio_payments.db")
	viper.SetDefault("database.auto_migrate", false)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.stream", "payments.events")
	viper.SetDefault("vault.service", "studio-payments")
	viper.SetDefault("mercadopago.base_url", "https://api.mercadopago.com")
	viper.SetDefault("messaging.country_code", "55")
	viper.SetDefault("messaging.timeout", 10*time.Second)
	viper.SetDefault("webhook.request_timeout", 10*time.Second)
	viper.SetDefault("webhook.probe_budget", 25*time.Second)
	viper.SetDefault("webhook.provider_rps", 10.0)
	viper.SetDefault("log.level", "info")
}

// Load reads defaults, an optional .env file, the YAML config file and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/app/config") // Kubernetes ConfigMap mount path
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	return Get()
}

// Get returns the current configuration
func Get() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Override applies secret values (e.g. from Vault) on top of the loaded configuration.
func Override(values map[string]string) (*Config, error) {
	for key, value := range values {
		viper.Set(key, value)
	}
	return Get()
}
