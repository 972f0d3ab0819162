// Package pat implements personal access token issuance (spec §5
// supplemented feature: a third bearer credential intended for CLI and
// script use, separate from browser sessions and service API keys).
package pat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/authn"
	"github.com/aegiscore/vault/internal/db"
)

// CreateRequest is the JSON body for POST /api/v1/user/tokens.
type CreateRequest struct {
	Name          string `json:"name" validate:"required"`
	ExpiresInDays *int   `json:"expires_in_days,omitempty"`
}

// Response is the JSON response for a single token (without the raw value).
type Response struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CreateResponse includes the raw token, shown only once at creation time.
type CreateResponse struct {
	Response
	RawToken string `json:"raw_token"`
}

// Store issues and manages a tenant's personal access tokens.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given global connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// List returns all tokens for the given tenant.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID) ([]Response, error) {
	rows, err := db.New(s.pool).ListPATs(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing personal access tokens: %w", err)
	}
	out := make([]Response, len(rows))
	for i, r := range rows {
		out[i] = toResponse(r)
	}
	return out, nil
}

// Create generates a new raw token, persists its hash, and returns both the
// DTO and the raw token.
func (s *Store) Create(ctx context.Context, tenantID uuid.UUID, req CreateRequest) (CreateResponse, error) {
	raw, err := generateRawToken()
	if err != nil {
		return CreateResponse{}, err
	}

	var expiresAt pgtype.Timestamptz
	if req.ExpiresInDays != nil {
		expiresAt = pgtype.Timestamptz{Time: time.Now().AddDate(0, 0, *req.ExpiresInDays), Valid: true}
	}

	tok, err := db.New(s.pool).CreatePAT(ctx, tenantID, req.Name, authn.HashCredential(raw), raw[:len(authn.PATPrefix)+8], expiresAt)
	if err != nil {
		return CreateResponse{}, fmt.Errorf("creating personal access token: %w", err)
	}

	return CreateResponse{Response: toResponse(tok), RawToken: raw}, nil
}

// Delete permanently revokes a token, scoped to the tenant.
func (s *Store) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	return db.New(s.pool).DeletePAT(ctx, tenantID, id)
}

func toResponse(t db.PersonalAccessToken) Response {
	r := Response{
		ID:        t.ID,
		Name:      t.Name,
		Prefix:    t.Prefix,
		CreatedAt: t.CreatedAt,
	}
	if t.LastUsedAt.Valid {
		v := t.LastUsedAt.Time
		r.LastUsedAt = &v
	}
	if t.ExpiresAt.Valid {
		v := t.ExpiresAt.Time
		r.ExpiresAt = &v
	}
	return r
}

func generateRawToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating personal access token: %w", err)
	}
	return authn.PATPrefix + hex.EncodeToString(b), nil
}
