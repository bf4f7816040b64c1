package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Supported processors for a tenant credential.
const (
	ProviderMercadoPago = "mercadopago"
	ProviderStripe      = "stripe"
)

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// TenantSettings holds one studio's processor credential and messaging channel.
type TenantSettings struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID string    `json:"tenant_id" gorm:"not null;uniqueIndex"`

	StudioName string `json:"studio_name"`

	// Processor credential
	Provider    string `json:"provider" gorm:"not null;default:'mercadopago'"`
	AccessToken string `json:"-"`
	Environment string `json:"environment" gorm:"not null;default:'production'"`
	Connected   bool   `json:"connected"`

	// Messaging channel (Evolution API)
	MessagingEnabled  bool   `json:"messaging_enabled"`
	EvolutionBaseURL  string `json:"evolution_base_url"`
	EvolutionInstance string `json:"evolution_instance"`
	EvolutionAPIKey   string `json:"-"`
	MessageTemplate   string `json:"message_template" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *TenantSettings) TableName() string { return "tenant_settings" }

func (t *TenantSettings) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Provider == "" {
		t.Provider = ProviderMercadoPago
	}
	if t.Environment == "" {
		t.Environment = EnvironmentProduction
	}
	return nil
}

// HasCredential reports whether the tenant can be probed against the processor.
func (t *TenantSettings) HasCredential() bool {
	return strings.TrimSpace(t.AccessToken) != ""
}

// CanMessage reports whether a confirmation message may be sent for this tenant.
func (t *TenantSettings) CanMessage() bool {
	return t.MessagingEnabled && t.EvolutionBaseURL != "" && t.EvolutionInstance != ""
}

// IsSandbox reports whether the credential targets the processor sandbox.
func (t *TenantSettings) IsSandbox() bool {
	return t.Environment == EnvironmentSandbox
}

// Student is the display-only contact linked from a transaction.
type Student struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID  string    `json:"tenant_id" gorm:"not null;index"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Student) TableName() string { return "students" }

func (s *Student) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
