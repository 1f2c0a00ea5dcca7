package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const MaxCompanyNameLength = 200

type Company struct {
	ID           string    `json:"company_id"`
	Name         string    `json:"name"`
	APIKeyHash   string    `json:"-"`
	CustomPrompt *string   `json:"custom_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Registration is returned once; the raw key is never persisted.
type Registration struct {
	CompanyID string `json:"company_id"`
	APIKey    string `json:"api_key"`
}

// HashAPIKey returns the lookup form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// SystemPrompt returns the company prompt or fallback when none is set.
func (c Company) SystemPrompt(fallback string) string {
	if c.CustomPrompt == nil || strings.TrimSpace(*c.CustomPrompt) == "" {
		return fallback
	}
	return *c.CustomPrompt
}
