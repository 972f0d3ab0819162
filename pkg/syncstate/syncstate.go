// Package syncstate implements the sync state machine (C9): per-(tenant,
// provider) idle/syncing/failed transitions, eligibility and backoff.
package syncstate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/internal/telemetry"
	"github.com/aegiscore/vault/pkg/tenant"
)

// ErrAlreadySyncing signals the (tenant, provider) pair is mid-run and the
// caller's start attempt lost the race.
var ErrAlreadySyncing = errors.New("syncstate: sync already in progress")

// EligibleRef identifies a (tenant, provider) pair due to run.
type EligibleRef = db.EligibleSyncRef

// Machine is the C9 service.
type Machine struct {
	pool      *pgxpool.Pool
	adminPool *pgxpool.Pool
}

// New builds a sync state machine. adminPool must connect as a role granted
// BYPASSRLS — it backs only the cross-tenant candidate scan in ListEligible,
// never a per-tenant read or write (see oauthvault.New's equivalent note).
func New(pool, adminPool *pgxpool.Pool) *Machine {
	return &Machine{pool: pool, adminPool: adminPool}
}

// Start transitions idle/failed -> syncing. Returns ErrAlreadySyncing if the
// row is already mid-run under the lock (spec §4.9, §5 state-as-lock).
func (m *Machine) Start(ctx context.Context, tenantID uuid.UUID, provider string) error {
	return tenant.WithTenantConn(ctx, m.pool, tenantID, func(tx pgx.Tx) error {
		q := db.New(tx)
		if _, err := q.GetOrCreateSyncState(ctx, tenantID, provider); err != nil {
			return fmt.Errorf("resolving sync state: %w", err)
		}
		row, err := q.GetSyncStateForUpdate(ctx, tenantID, provider)
		if err != nil {
			return fmt.Errorf("locking sync state: %w", err)
		}
		if row.Status == "syncing" {
			return ErrAlreadySyncing
		}
		if err := q.SetSyncStatus(ctx, tenantID, provider, "syncing"); err != nil {
			return fmt.Errorf("marking sync started: %w", err)
		}
		telemetry.SyncTransitionsTotal.WithLabelValues(provider, row.Status, "syncing").Inc()
		return nil
	})
}

// Complete transitions syncing -> idle, resetting the failure counter and
// recording the delta token and next scheduled run.
func (m *Machine) Complete(ctx context.Context, tenantID uuid.UUID, provider string, deltaToken *string, isFull bool, nextRunAt time.Time) error {
	return tenant.WithTenantConn(ctx, m.pool, tenantID, func(tx pgx.Tx) error {
		err := db.New(tx).CompleteSync(ctx, db.CompleteSyncParams{
			UserID:     tenantID,
			Provider:   provider,
			DeltaToken: deltaToken,
			IsFull:     isFull,
			NextRunAt:  nextRunAt,
		})
		if err != nil {
			return fmt.Errorf("completing sync: %w", err)
		}
		telemetry.SyncTransitionsTotal.WithLabelValues(provider, "syncing", "idle").Inc()
		return nil
	})
}

// Fail transitions syncing -> failed once the incremented failure count
// reaches 5, and back to idle otherwise, applying the spec §4.9 backoff formula:
// min(5 * 2^consecutiveFailures, 24h) minutes.
func (m *Machine) Fail(ctx context.Context, tenantID uuid.UUID, provider string, prevFailures int, errMsg string) error {
	failures := prevFailures + 1
	backoff := Backoff(failures)
	status := "idle"
	if failures >= 5 {
		status = "failed"
	}

	return tenant.WithTenantConn(ctx, m.pool, tenantID, func(tx pgx.Tx) error {
		err := db.New(tx).FailSync(ctx, db.FailSyncParams{
			UserID:              tenantID,
			Provider:            provider,
			ConsecutiveFailures: failures,
			Status:              status,
			NextRunAt:           time.Now().Add(backoff),
			ErrorMessage:        errMsg,
		})
		if err != nil {
			return fmt.Errorf("recording sync failure: %w", err)
		}
		telemetry.SyncTransitionsTotal.WithLabelValues(provider, "syncing", status).Inc()
		return nil
	})
}

// Backoff returns min(5 * 2^n, 24h) minutes as a duration (spec §4.9).
func Backoff(consecutiveFailures int) time.Duration {
	minutes := 5 * math.Pow(2, float64(consecutiveFailures))
	if minutes > 24*60 {
		minutes = 24 * 60
	}
	return time.Duration(minutes) * time.Minute
}

// ListEligible returns (tenant, provider) pairs ready to run: not mid-sync,
// not in backoff, next_run_at due, and backed by a valid token (spec §4.9).
// This is a cross-tenant enumeration, so it runs against adminPool (a
// BYPASSRLS role) rather than pool — under RLS, a non-owner connection with
// no app.current_user_id set sees zero rows.
func (m *Machine) ListEligible(ctx context.Context) ([]EligibleRef, error) {
	return db.New(m.adminPool).ListEligibleSyncs(ctx)
}
