package apikey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/authn"
	"github.com/aegiscore/vault/internal/db"
)

// Store issues and manages a tenant's API keys on top of internal/db.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an API key Store backed by the given global connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// List returns all API keys for the given tenant.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID) ([]Response, error) {
	rows, err := db.New(s.pool).ListAPIKeys(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	out := make([]Response, len(rows))
	for i, r := range rows {
		out[i] = toResponse(r)
	}
	return out, nil
}

// Create generates a new raw key, persists its hash, and returns both the
// DTO and the raw key — the only time the raw key is ever available.
func (s *Store) Create(ctx context.Context, tenantID uuid.UUID, req CreateRequest) (CreateResponse, error) {
	raw, err := generateRawKey()
	if err != nil {
		return CreateResponse{}, err
	}

	var expiresAt time.Time
	if req.ExpiresInDays != nil {
		expiresAt = time.Now().AddDate(0, 0, *req.ExpiresInDays)
	}

	key, err := db.New(s.pool).CreateAPIKey(ctx, tenantID, authn.HashCredential(raw), raw[:len(KeyPrefix)+8], req.Scopes, expiresAt)
	if err != nil {
		return CreateResponse{}, fmt.Errorf("creating api key: %w", err)
	}

	return CreateResponse{Response: toResponse(key), RawKey: raw}, nil
}

// Delete permanently removes an API key by ID, scoped to the tenant.
func (s *Store) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	return db.New(s.pool).DeleteAPIKey(ctx, tenantID, id)
}

func toResponse(k db.APIKey) Response {
	r := Response{
		ID:        k.ID,
		KeyPrefix: k.KeyPrefix,
		Scopes:    ensureSlice(k.Scopes),
		CreatedAt: k.CreatedAt,
	}
	if k.LastUsedAt.Valid {
		t := k.LastUsedAt.Time
		r.LastUsedAt = &t
	}
	if k.ExpiresAt.Valid {
		t := k.ExpiresAt.Time
		r.ExpiresAt = &t
	}
	return r
}

func ensureSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
