package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const patColumns = `id, tenant_id, name, token_hash, prefix, expires_at, last_used_at, created_at`

func scanPAT(row pgx.Row) (PersonalAccessToken, error) {
	var p PersonalAccessToken
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.TokenHash, &p.Prefix, &p.ExpiresAt, &p.LastUsedAt, &p.CreatedAt)
	return p, err
}

// GetPATByHash looks up a personal access token by its SHA-256 hash. The
// hash is globally unique, so — unlike the teacher's schema-per-tenant
// predecessor — no fan-out across tenants is required.
func (q *Queries) GetPATByHash(ctx context.Context, hash []byte) (PersonalAccessToken, error) {
	row := q.db.QueryRow(ctx, `SELECT `+patColumns+` FROM personal_access_tokens WHERE token_hash = $1`, hash)
	return scanPAT(row)
}

// CreatePAT inserts a new personal access token for a tenant.
func (q *Queries) CreatePAT(ctx context.Context, tenantID uuid.UUID, name string, hash []byte, prefix string, expiresAt pgtype.Timestamptz) (PersonalAccessToken, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO personal_access_tokens (tenant_id, name, token_hash, prefix, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+patColumns, tenantID, name, hash, prefix, expiresAt)
	return scanPAT(row)
}

// ListPATs returns every token for a tenant, newest first.
func (q *Queries) ListPATs(ctx context.Context, tenantID uuid.UUID) ([]PersonalAccessToken, error) {
	rows, err := q.db.Query(ctx, `SELECT `+patColumns+` FROM personal_access_tokens WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing personal access tokens: %w", err)
	}
	defer rows.Close()

	var out []PersonalAccessToken
	for rows.Next() {
		p, err := scanPAT(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning personal access token: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TouchPATLastUsed bumps last_used_at, called fire-and-forget after auth.
func (q *Queries) TouchPATLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE personal_access_tokens SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// DeletePAT permanently revokes a token.
func (q *Queries) DeletePAT(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM personal_access_tokens WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting personal access token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
