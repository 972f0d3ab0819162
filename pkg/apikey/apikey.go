// Package apikey implements API-key issuance and listing, a secondary
// bearer credential for C3 (spec §5: API keys as second credential type).
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix identifies raw API keys on the wire.
const KeyPrefix = "vlt_key_"

// CreateRequest is the JSON body for POST /api/v1/api-keys.
type CreateRequest struct {
	Scopes        []string `json:"scopes"`
	ExpiresInDays *int     `json:"expires_in_days,omitempty"`
}

// Response is the JSON response for a single API key (without the raw key).
type Response struct {
	ID         uuid.UUID  `json:"id"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CreateResponse includes the raw key, shown only once at creation time.
type CreateResponse struct {
	Response
	RawKey string `json:"raw_key"`
}

// generateRawKey returns a new random key string with the standard prefix.
func generateRawKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}
