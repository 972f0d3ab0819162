package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const oauthTokenColumns = `tenant_id, provider, encrypted_tokens, expires_at, granted_scopes, is_valid, revoke_reason, last_used_at, created_at, updated_at`

func scanOAuthToken(row pgx.Row) (OAuthToken, error) {
	var t OAuthToken
	err := row.Scan(&t.TenantID, &t.Provider, &t.EncryptedTokens, &t.ExpiresAt, &t.GrantedScopes,
		&t.IsValid, &t.RevokeReason, &t.LastUsedAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// UpsertOAuthToken saves or rotates the encrypted bundle for (tenantID, provider).
// It always resets validity=true and clears prior revoke metadata, per spec §4.5.
func (q *Queries) UpsertOAuthToken(ctx context.Context, tenantID uuid.UUID, provider string, encrypted []byte, expiresAt time.Time, scopes []string) (OAuthToken, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO user_oauth_tokens (tenant_id, provider, encrypted_tokens, expires_at, granted_scopes, is_valid, revoke_reason)
		VALUES ($1, $2, $3, $4, $5, true, NULL)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			encrypted_tokens = EXCLUDED.encrypted_tokens,
			expires_at       = EXCLUDED.expires_at,
			granted_scopes   = EXCLUDED.granted_scopes,
			is_valid         = true,
			revoke_reason    = NULL,
			updated_at       = now()
		RETURNING `+oauthTokenColumns, tenantID, provider, encrypted, expiresAt, scopes)
	return scanOAuthToken(row)
}

// GetOAuthToken returns the token row for (tenantID, provider), including
// invalid ones — callers decide whether to treat IsValid=false as absent.
func (q *Queries) GetOAuthToken(ctx context.Context, tenantID uuid.UUID, provider string) (OAuthToken, error) {
	row := q.db.QueryRow(ctx, `SELECT `+oauthTokenColumns+` FROM user_oauth_tokens WHERE tenant_id = $1 AND provider = $2`, tenantID, provider)
	return scanOAuthToken(row)
}

// GetOAuthTokenForUpdate locks the row for the duration of the enclosing
// transaction, serializing concurrent refreshes for the same (tenant, provider)
// pair per spec §4.5's concurrency requirement.
func (q *Queries) GetOAuthTokenForUpdate(ctx context.Context, tenantID uuid.UUID, provider string) (OAuthToken, error) {
	row := q.db.QueryRow(ctx, `SELECT `+oauthTokenColumns+` FROM user_oauth_tokens WHERE tenant_id = $1 AND provider = $2 FOR UPDATE`, tenantID, provider)
	return scanOAuthToken(row)
}

// TouchOAuthTokenLastUsed updates last_used_at to now.
func (q *Queries) TouchOAuthTokenLastUsed(ctx context.Context, tenantID uuid.UUID, provider string) error {
	_, err := q.db.Exec(ctx, `UPDATE user_oauth_tokens SET last_used_at = now() WHERE tenant_id = $1 AND provider = $2`, tenantID, provider)
	return err
}

// InvalidateOAuthToken flips is_valid=false and records a reason, without deleting.
func (q *Queries) InvalidateOAuthToken(ctx context.Context, tenantID uuid.UUID, provider, reason string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE user_oauth_tokens SET is_valid = false, revoke_reason = $3, updated_at = now()
		WHERE tenant_id = $1 AND provider = $2`, tenantID, provider, reason)
	if err != nil {
		return fmt.Errorf("invalidating oauth token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ExpiringTokenRef identifies a token eligible for refresh without requiring decryption.
type ExpiringTokenRef struct {
	TenantID uuid.UUID
	Provider string
}

// ListExpiringSoon returns (tenant, provider) pairs whose expiry is within
// the buffer — a clear-text-only read, per spec §4.5.
func (q *Queries) ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]ExpiringTokenRef, error) {
	rows, err := q.db.Query(ctx, `
		SELECT tenant_id, provider FROM user_oauth_tokens
		WHERE is_valid = true AND expires_at IS NOT NULL AND expires_at <= now() + $1::interval`,
		fmt.Sprintf("%d seconds", int(buffer.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("listing expiring tokens: %w", err)
	}
	defer rows.Close()

	var refs []ExpiringTokenRef
	for rows.Next() {
		var r ExpiringTokenRef
		if err := rows.Scan(&r.TenantID, &r.Provider); err != nil {
			return nil, fmt.Errorf("scanning expiring token ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// ListTokensForTenant returns every valid (tenant, provider) pair for a
// single tenant, regardless of expiry — used by the migrate-tokens one-shot
// job to enumerate bundles that need re-encryption under a rotated DEK.
func (q *Queries) ListTokensForTenant(ctx context.Context, tenantID uuid.UUID) ([]ExpiringTokenRef, error) {
	rows, err := q.db.Query(ctx, `
		SELECT tenant_id, provider FROM user_oauth_tokens
		WHERE tenant_id = $1 AND is_valid = true`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing tokens for tenant: %w", err)
	}
	defer rows.Close()

	var refs []ExpiringTokenRef
	for rows.Next() {
		var r ExpiringTokenRef
		if err := rows.Scan(&r.TenantID, &r.Provider); err != nil {
			return nil, fmt.Errorf("scanning token ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}
