// Package oauthvault implements the OAuth Token Vault (C5): tenant DEK
// envelope encryption over third-party provider token bundles, with
// refresh serialized per (tenant, provider) via a row lock.
package oauthvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/internal/telemetry"
	"github.com/aegiscore/vault/pkg/crypto"
	"github.com/aegiscore/vault/pkg/kms"
	"github.com/aegiscore/vault/pkg/tenant"
)

// ErrTokenExpired is raised when a refresh was required but could not be
// completed and the caller asked for a usable access token.
var ErrTokenExpired = errors.New("oauthvault: token expired and refresh failed")

// ErrNotFound signals no token bundle exists (or it is invalid) for the pair.
var ErrNotFound = errors.New("oauthvault: no valid token for tenant/provider")

// TokenBundle is the provider credential set persisted in encrypted form.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
}

// Refresher exchanges a refresh token for a new bundle with the provider's
// token endpoint. Implementations wrap golang.org/x/oauth2 per provider.
type Refresher interface {
	Refresh(ctx context.Context, provider string, bundle TokenBundle) (TokenBundle, error)
}

// ExpiringRef identifies a (tenant, provider) pair eligible for refresh.
type ExpiringRef = db.ExpiringTokenRef

// Vault is the C5 service.
type Vault struct {
	pool      *pgxpool.Pool
	adminPool *pgxpool.Pool
	gw        *kms.Gateway
	refresher Refresher
	buffer    time.Duration
}

// New builds a Vault. buffer is the spec §4.5 refresh window: a token whose
// expiry falls within buffer of now is considered due for refresh. adminPool
// must connect as a role granted BYPASSRLS (or, with FORCE ROW LEVEL
// SECURITY in effect, as the table owner is no longer sufficient — see
// migrations/0002_row_level_security.up.sql) — it backs only the
// cross-tenant candidate scan in ListExpiringSoon, never a per-tenant read
// or write. adminPool may be the same pool as pool in a single-role
// deployment, but then ListExpiringSoon returns no rows under RLS.
func New(pool, adminPool *pgxpool.Pool, gw *kms.Gateway, refresher Refresher, buffer time.Duration) *Vault {
	return &Vault{pool: pool, adminPool: adminPool, gw: gw, refresher: refresher, buffer: buffer}
}

// Save encrypts the bundle with the tenant DEK and upserts it, resetting
// validity and any prior revoke metadata.
func (v *Vault) Save(ctx context.Context, tenantID uuid.UUID, provider string, bundle TokenBundle) error {
	dek, err := v.unwrapDEK(ctx, tenantID)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("oauthvault: marshaling bundle: %w", err)
	}

	ciphertext, err := crypto.EncryptForTenant(dek, plaintext)
	if err != nil {
		return fmt.Errorf("oauthvault: encrypting bundle: %w", err)
	}

	return tenant.WithTenantConn(ctx, v.pool, tenantID, func(tx pgx.Tx) error {
		_, err := db.New(tx).UpsertOAuthToken(ctx, tenantID, provider, ciphertext, bundle.ExpiresAt, bundle.Scopes)
		return err
	})
}

// Get returns the decrypted bundle, or ErrNotFound if absent or invalid.
// Touches last_used_at on success.
func (v *Vault) Get(ctx context.Context, tenantID uuid.UUID, provider string) (*TokenBundle, error) {
	var row db.OAuthToken
	err := tenant.WithTenantConn(ctx, v.pool, tenantID, func(tx pgx.Tx) error {
		var err error
		row, err = db.New(tx).GetOAuthToken(ctx, tenantID, provider)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("oauthvault: loading token: %w", err)
	}
	if !row.IsValid {
		return nil, ErrNotFound
	}

	bundle, err := v.decrypt(ctx, tenantID, row.EncryptedTokens)
	if err != nil {
		return nil, err
	}

	_ = tenant.WithTenantConn(ctx, v.pool, tenantID, func(tx pgx.Tx) error {
		return db.New(tx).TouchOAuthTokenLastUsed(ctx, tenantID, provider)
	})

	return bundle, nil
}

// Invalidate flips validity=false and records a reason; it never deletes.
func (v *Vault) Invalidate(ctx context.Context, tenantID uuid.UUID, provider, reason string) error {
	return tenant.WithTenantConn(ctx, v.pool, tenantID, func(tx pgx.Tx) error {
		return db.New(tx).InvalidateOAuthToken(ctx, tenantID, provider, reason)
	})
}

// RefreshIfNeeded refreshes the bundle when its expiry is within the
// configured buffer. The row lock from GetOAuthTokenForUpdate, held for the
// duration of the surrounding transaction, serializes concurrent refreshes
// for the same (tenant, provider) pair (spec §4.5 concurrency requirement).
func (v *Vault) RefreshIfNeeded(ctx context.Context, tenantID uuid.UUID, provider string) (*TokenBundle, error) {
	var fresh *TokenBundle
	var refreshErr error

	err := tenant.WithTenantConn(ctx, v.pool, tenantID, func(tx pgx.Tx) error {
		q := db.New(tx)
		row, err := q.GetOAuthTokenForUpdate(ctx, tenantID, provider)
		if err != nil {
			return err
		}
		if !row.IsValid {
			return ErrNotFound
		}

		if !row.ExpiresAt.Valid || time.Until(row.ExpiresAt.Time) > v.buffer {
			bundle, err := v.decrypt(ctx, tenantID, row.EncryptedTokens)
			if err != nil {
				return err
			}
			fresh = bundle
			return nil
		}

		current, err := v.decrypt(ctx, tenantID, row.EncryptedTokens)
		if err != nil {
			return err
		}

		rotated, err := v.refresher.Refresh(ctx, provider, *current)
		if err != nil {
			telemetry.TokenRefreshTotal.WithLabelValues(provider, "error").Inc()
			refreshErr = err
			return ErrTokenExpired
		}
		telemetry.TokenRefreshTotal.WithLabelValues(provider, "ok").Inc()

		dek, err := v.unwrapDEK(ctx, tenantID)
		if err != nil {
			return err
		}
		plaintext, err := json.Marshal(rotated)
		if err != nil {
			return fmt.Errorf("oauthvault: marshaling rotated bundle: %w", err)
		}
		ciphertext, err := crypto.EncryptForTenant(dek, plaintext)
		if err != nil {
			return fmt.Errorf("oauthvault: encrypting rotated bundle: %w", err)
		}
		if _, err := q.UpsertOAuthToken(ctx, tenantID, provider, ciphertext, rotated.ExpiresAt, rotated.Scopes); err != nil {
			return fmt.Errorf("oauthvault: persisting rotated bundle: %w", err)
		}

		fresh = &rotated
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if refreshErr != nil {
		// The refresh transaction was rolled back, so the invalidation is
		// committed in a transaction of its own.
		_ = v.Invalidate(ctx, tenantID, provider, "refresh failed: "+refreshErr.Error())
	}
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// ListExpiringSoon returns (tenant, provider) pairs due for refresh, reading
// only the clear-text expiry column. This is a cross-tenant enumeration, so
// it runs against adminPool (a BYPASSRLS role) rather than pool — under RLS,
// a non-owner connection with no app.current_user_id set sees zero rows.
func (v *Vault) ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]ExpiringRef, error) {
	return db.New(v.adminPool).ListExpiringSoon(ctx, buffer)
}

func (v *Vault) unwrapDEK(ctx context.Context, tenantID uuid.UUID) ([]byte, error) {
	dc := tenant.NewDEKCache(v.pool, v.gw)
	return dc.Get(ctx, tenantID)
}

func (v *Vault) decrypt(ctx context.Context, tenantID uuid.UUID, ciphertext []byte) (*TokenBundle, error) {
	dek, err := v.unwrapDEK(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptForTenant(dek, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("oauthvault: decrypting bundle: %w", err)
	}
	var bundle TokenBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("oauthvault: unmarshaling bundle: %w", err)
	}
	return &bundle, nil
}
