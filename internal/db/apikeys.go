package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const apiKeyColumns = `id, tenant_id, key_hash, key_prefix, scopes, expires_at, last_used_at, created_at`

func scanAPIKey(row pgx.Row) (APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.KeyPrefix, &k.Scopes, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	return k, err
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (q *Queries) GetAPIKeyByHash(ctx context.Context, hash []byte) (APIKey, error) {
	row := q.db.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	return scanAPIKey(row)
}

// CreateAPIKey inserts a new key for a tenant.
func (q *Queries) CreateAPIKey(ctx context.Context, tenantID uuid.UUID, hash []byte, prefix string, scopes []string, expiresAt time.Time) (APIKey, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO api_keys (tenant_id, key_hash, key_prefix, scopes, expires_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, '0001-01-01 00:00:00+00'::timestamptz))
		RETURNING `+apiKeyColumns, tenantID, hash, prefix, scopes, expiresAt)
	return scanAPIKey(row)
}

// ListAPIKeys returns all keys for a tenant, newest first.
func (q *Queries) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]APIKey, error) {
	rows, err := q.db.Query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateAPIKeyLastUsed bumps last_used_at, called fire-and-forget after auth.
func (q *Queries) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// DeleteAPIKey permanently removes a key.
func (q *Queries) DeleteAPIKey(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM api_keys WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
