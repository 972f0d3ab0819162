package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tenantColumns = `id, email, dek_wrapped, settings_encrypted, timezone, created_at, deleted_at`

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Email, &t.DEKWrapped, &t.SettingsEncrypted, &t.Timezone, &t.CreatedAt, &t.DeletedAt)
	return t, err
}

// GetTenant looks up a tenant by id, regardless of caller identity — used
// only by the identity-resolution path (C3) before an AuthContext exists.
func (q *Queries) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	row := q.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanTenant(row)
}

// GetTenantByEmail looks up a tenant by its primary email.
func (q *Queries) GetTenantByEmail(ctx context.Context, email string) (Tenant, error) {
	row := q.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE email = $1 AND deleted_at IS NULL`, email)
	return scanTenant(row)
}

// CreateTenant inserts a new tenant row with an already-wrapped DEK.
func (q *Queries) CreateTenant(ctx context.Context, email string, dekWrapped []byte, timezone string) (Tenant, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO tenants (email, dek_wrapped, timezone)
		VALUES ($1, $2, $3)
		RETURNING `+tenantColumns, email, dekWrapped, timezone)
	return scanTenant(row)
}

// UpdateTenantSettings overwrites the encrypted settings blob.
func (q *Queries) UpdateTenantSettings(ctx context.Context, id uuid.UUID, settingsEncrypted []byte) error {
	tag, err := q.db.Exec(ctx, `UPDATE tenants SET settings_encrypted = $2 WHERE id = $1 AND deleted_at IS NULL`, id, settingsEncrypted)
	if err != nil {
		return fmt.Errorf("updating tenant settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpdateTenantDEK overwrites the wrapped DEK, used by the migrate-tokens
// one-shot job after rotating a tenant's key under a new KEK.
func (q *Queries) UpdateTenantDEK(ctx context.Context, id uuid.UUID, dekWrapped []byte) error {
	tag, err := q.db.Exec(ctx, `UPDATE tenants SET dek_wrapped = $2 WHERE id = $1 AND deleted_at IS NULL`, id, dekWrapped)
	if err != nil {
		return fmt.Errorf("updating tenant dek: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpdateTenantTimezone overwrites the tenant's stored timezone.
func (q *Queries) UpdateTenantTimezone(ctx context.Context, id uuid.UUID, timezone string) error {
	_, err := q.db.Exec(ctx, `UPDATE tenants SET timezone = $2 WHERE id = $1 AND deleted_at IS NULL`, id, timezone)
	if err != nil {
		return fmt.Errorf("updating tenant timezone: %w", err)
	}
	return nil
}

// ListActiveTenantIDs returns every non-deleted tenant id, used to fan out
// background jobs (C8) across tenants.
func (q *Queries) ListActiveTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, `SELECT id FROM tenants WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const identityColumns = `id, tenant_id, provider, subject_hash, created_at`

func scanIdentity(row pgx.Row) (Identity, error) {
	var i Identity
	err := row.Scan(&i.ID, &i.TenantID, &i.Provider, &i.SubjectHash, &i.CreatedAt)
	return i, err
}

// GetIdentity resolves a (provider, subjectHash) pair to its linked tenant.
func (q *Queries) GetIdentity(ctx context.Context, provider string, subjectHash []byte) (Identity, error) {
	row := q.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE provider = $1 AND subject_hash = $2`, provider, subjectHash)
	return scanIdentity(row)
}

// CreateIdentity links a new (provider, subjectHash) pair to a tenant.
func (q *Queries) CreateIdentity(ctx context.Context, tenantID uuid.UUID, provider string, subjectHash []byte) (Identity, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO identities (tenant_id, provider, subject_hash)
		VALUES ($1, $2, $3)
		RETURNING `+identityColumns, tenantID, provider, subjectHash)
	return scanIdentity(row)
}
