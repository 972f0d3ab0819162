package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aegiscore/vault/internal/db"
)

// APIKeyAuthenticator validates API keys against the database.
type APIKeyAuthenticator struct {
	DB db.DBTX
}

// APIKeyResult holds the resolved identity data from an API key lookup.
type APIKeyResult struct {
	APIKeyID  uuid.UUID
	TenantID  uuid.UUID
	KeyPrefix string
	Scopes    []string
}

// Authenticate hashes the raw key, looks it up in api_keys, and validates expiration.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*APIKeyResult, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty API key")
	}

	hash := HashCredential(rawKey)

	q := db.New(a.DB)
	key, err := q.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("api key not found")
		}
		return nil, fmt.Errorf("looking up API key: %w", err)
	}

	if key.ExpiresAt.Valid && key.ExpiresAt.Time.Before(time.Now()) {
		return nil, fmt.Errorf("API key expired at %s", key.ExpiresAt.Time)
	}

	go func() {
		_ = q.UpdateAPIKeyLastUsed(context.Background(), key.ID)
	}()

	return &APIKeyResult{
		APIKeyID:  key.ID,
		TenantID:  key.TenantID,
		KeyPrefix: key.KeyPrefix,
		Scopes:    key.Scopes,
	}, nil
}
