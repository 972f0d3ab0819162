package tenant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/pkg/kms"
)

// Provisioner creates a Tenant row on first successful federated sign-in,
// generating a fresh per-tenant DEK through the KMS gateway (spec §6
// federated sign-in callback: "upserts/creates the Tenant, generating a DEK
// on creation"). There is no schema or migration step — every tenant shares
// the same relational schema and is isolated by RLS (C4), not by namespace.
type Provisioner struct {
	DB     *pgxpool.Pool
	KMS    *kms.Gateway
	Logger *slog.Logger
}

// ProvisionTenant creates a tenant row with a freshly generated DEK. It is
// idempotent in spirit but not in effect: callers must check for an existing
// tenant by email first (see authn.findOrCreateTenant) — the federated
// sign-in callback is the only caller.
func (p *Provisioner) ProvisionTenant(ctx context.Context, email, timezone string) (*Info, error) {
	_, wrapped, err := p.KMS.GenerateTenantDEK(ctx)
	if err != nil {
		return nil, fmt.Errorf("provisioning tenant: generating DEK: %w", err)
	}

	q := db.New(p.DB)
	t, err := q.CreateTenant(ctx, email, wrapped, timezone)
	if err != nil {
		return nil, fmt.Errorf("provisioning tenant: inserting row: %w", err)
	}

	p.Logger.Info("tenant provisioned", "tenant_id", t.ID, "email", email)

	return &Info{ID: t.ID, Email: t.Email}, nil
}
