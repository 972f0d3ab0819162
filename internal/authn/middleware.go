package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/pkg/crypto"
	"github.com/aegiscore/vault/pkg/tenant"
)

// Middleware authenticates the caller and installs both an AuthContext and a
// resolved tenant.Info into the request context. Authentication precedence
// (spec §4.3):
//
//  1. Authorization: Bearer vlt_pat_...     — personal access token
//  2. Authorization: Bearer <session-jwt>  — self-issued, HMAC-signed
//  3. Authorization: Bearer <oidc-jwt>     — verified against the IdP directly
//  4. X-API-Key: <raw-key>                 — only consulted when no Bearer header is present
//
// Any failure — missing credential, invalid credential, or a valid
// credential resolving to an un-allow-listed email — is a 401/403 and the
// request never reaches a handler.
func Middleware(
	sessionMgr *SessionManager,
	oidcAuth *OIDCAuthenticator,
	apikeyAuth *APIKeyAuthenticator,
	patAuth *PATAuthenticator,
	pool *pgxpool.Pool,
	allowlist *Allowlist,
	logger *slog.Logger,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := authenticate(r, sessionMgr, oidcAuth, apikeyAuth, patAuth, pool, allowlist)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrNotAllowlisted) {
					status = http.StatusForbidden
				}
				logger.Warn("authn: request rejected", "error", err)
				respondErr(w, status, statusError(status), err.Error())
				return
			}

			ctx := NewContext(r.Context(), ac)
			ctx = tenant.NewContext(ctx, &tenant.Info{ID: ac.TenantID, Email: ac.Email})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(
	r *http.Request,
	sessionMgr *SessionManager,
	oidcAuth *OIDCAuthenticator,
	apikeyAuth *APIKeyAuthenticator,
	patAuth *PATAuthenticator,
	pool *pgxpool.Pool,
	allowlist *Allowlist,
) (*AuthContext, error) {
	ctx := r.Context()

	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") || strings.HasPrefix(authHeader, "bearer ") {
		rawToken := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(authHeader, "Bearer "), "bearer "))

		if strings.HasPrefix(rawToken, PATPrefix) {
			if patAuth == nil {
				return nil, fmt.Errorf("no personal access token authenticator configured")
			}
			result, err := patAuth.Authenticate(ctx, rawToken)
			if err != nil {
				return nil, err
			}
			return authContextForTenant(ctx, pool, allowlist, result.TenantID, MethodPAT, nil)
		}

		if sessionMgr != nil {
			if claims, err := sessionMgr.ValidateToken(rawToken); err == nil {
				tenantID, parseErr := parseTenantID(claims.TenantID)
				if parseErr != nil {
					return nil, fmt.Errorf("session token: %w", parseErr)
				}
				if !allowlist.Allowed(claims.Email) {
					return nil, ErrNotAllowlisted
				}
				return &AuthContext{
					TenantID:    tenantID,
					Email:       claims.Email,
					DisplayName: claims.DisplayName,
					Method:      MethodSession,
				}, nil
			}
		}

		if oidcAuth == nil {
			return nil, fmt.Errorf("invalid bearer token")
		}
		claims, err := oidcAuth.Authenticate(ctx, authHeader)
		if err != nil {
			return nil, fmt.Errorf("invalid bearer token: %w", err)
		}
		if !allowlist.Allowed(claims.Email) {
			return nil, ErrNotAllowlisted
		}

		q := db.New(pool)
		identity, err := q.GetIdentity(ctx, oidcAuth.Provider, crypto.DeterministicHash(claims.Subject))
		if err != nil {
			return nil, fmt.Errorf("resolving identity: %w", err)
		}
		t, err := q.GetTenant(ctx, identity.TenantID)
		if err != nil {
			return nil, fmt.Errorf("resolving tenant: %w", err)
		}
		return &AuthContext{
			TenantID:    t.ID,
			Email:       t.Email,
			DisplayName: claims.Name,
			Method:      MethodOIDC,
		}, nil
	}

	if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
		if apikeyAuth == nil {
			return nil, fmt.Errorf("no API key authenticator configured")
		}
		result, err := apikeyAuth.Authenticate(ctx, rawKey)
		if err != nil {
			return nil, err
		}
		return authContextForTenant(ctx, pool, allowlist, result.TenantID, MethodAPIKey, &result.APIKeyID)
	}

	return nil, fmt.Errorf("no credential presented")
}

// authContextForTenant loads the tenant's primary email for a credential
// (API key, PAT) that doesn't itself carry one, and applies the same
// allow-list check the session/OIDC paths apply — a revoked tenant's email
// must be rejected regardless of which credential type they present.
func authContextForTenant(ctx context.Context, pool *pgxpool.Pool, allowlist *Allowlist, tenantID uuid.UUID, method string, apiKeyID *uuid.UUID) (*AuthContext, error) {
	q := db.New(pool)
	t, err := q.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tenant not found")
		}
		return nil, fmt.Errorf("loading tenant: %w", err)
	}
	if !allowlist.Allowed(t.Email) {
		return nil, ErrNotAllowlisted
	}
	return &AuthContext{
		TenantID: t.ID,
		Email:    t.Email,
		Method:   method,
		APIKeyID: apiKeyID,
	}, nil
}

func parseTenantID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parsing tenant id %q: %w", raw, err)
	}
	return id, nil
}

func statusError(status int) string {
	switch status {
	case http.StatusForbidden:
		return "forbidden"
	default:
		return "unauthorized"
	}
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
