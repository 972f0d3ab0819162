// Package tenant implements the RLS-bound data access primitive (C4) — the
// single most important invariant of this system: every database connection
// used for tenant data must have app.current_user_id set before any query
// runs against it.
package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/telemetry"
)

// Info holds the resolved tenant identity for the current request or job.
type Info struct {
	ID    uuid.UUID
	Email string
}

type contextKey string

const infoKey contextKey = "tenant_info"

// NewContext stores tenant info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts the tenant info from the context. Returns nil if no
// tenant is set — callers below the auth boundary must never proceed on nil.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}

// ErrRLSContextMissing is a fatal assertion failure (spec §7): code attempted
// a data operation without a resolved tenant identity.
var ErrRLSContextMissing = fmt.Errorf("tenant: no tenant identity in context")

// WithTenantConn acquires a pooled connection, sets app.current_user_id for
// exactly the lifetime of a single transaction, runs fn against it, and
// releases the connection. set_config's is_local=true only applies inside a
// transaction, so every call is wrapped in one even when fn issues a single
// statement — on release the setting is dropped automatically because it is
// transaction-local (spec §4.4).
//
// No repository method in this codebase accepts a raw pool or connection
// without going through this function first; request handlers have no
// admin-bypass path (the BYPASSRLS admin pool backs only the background
// cross-tenant scans in oauthvault and syncstate).
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID uuid.UUID, fn func(tx pgx.Tx) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		telemetry.TenantConnAcquisitionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("tenant: acquiring connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		telemetry.TenantConnAcquisitionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("tenant: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SET is a utility statement and rejects bind parameters under pgx's
	// extended query protocol; set_config is a regular function call and
	// accepts them.
	if _, err := tx.Exec(ctx, "SELECT set_config('app.current_user_id', $1, true)", tenantID.String()); err != nil {
		telemetry.TenantConnAcquisitionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("tenant: setting RLS variable: %w", err)
	}

	if err := fn(tx); err != nil {
		telemetry.TenantConnAcquisitionsTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		telemetry.TenantConnAcquisitionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("tenant: committing transaction: %w", err)
	}

	telemetry.TenantConnAcquisitionsTotal.WithLabelValues("ok").Inc()
	return nil
}

// RequireFromContext returns the tenant info in ctx or ErrRLSContextMissing.
func RequireFromContext(ctx context.Context) (*Info, error) {
	info := FromContext(ctx)
	if info == nil {
		return nil, ErrRLSContextMissing
	}
	return info, nil
}
