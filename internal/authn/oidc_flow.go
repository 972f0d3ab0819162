package authn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/pkg/crypto"
	"github.com/aegiscore/vault/pkg/tenant"
)

// ErrNotAllowlisted is returned when a credential is valid but its email is
// not on the configured allow-list (spec §4.3: "valid credentials for an
// un-whitelisted email → Forbidden").
var ErrNotAllowlisted = errors.New("authn: email is not allow-listed")

// OIDCFlowHandler handles the OAuth2 Authorization Code flow and the
// federated sign-in callback that resolves or provisions a tenant.
type OIDCFlowHandler struct {
	oauth2Cfg   *oauth2.Config
	oidcAuth    *OIDCAuthenticator
	sessionMgr  *SessionManager
	pool        *pgxpool.Pool
	kmsGateway  *tenant.Provisioner
	allowlist   *Allowlist
	redirectURL string
	redis       *redis.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// NewOIDCFlowHandler creates a handler for the full OIDC Authorization Code
// flow. rateLimiter may be nil to disable per-IP callback throttling.
func NewOIDCFlowHandler(
	oauth2Cfg *oauth2.Config,
	oidcAuth *OIDCAuthenticator,
	sm *SessionManager,
	pool *pgxpool.Pool,
	provisioner *tenant.Provisioner,
	allowlist *Allowlist,
	frontendRedirectURL string,
	rdb *redis.Client,
	rateLimiter *RateLimiter,
	logger *slog.Logger,
) *OIDCFlowHandler {
	return &OIDCFlowHandler{
		oauth2Cfg:   oauth2Cfg,
		oidcAuth:    oidcAuth,
		sessionMgr:  sm,
		pool:        pool,
		kmsGateway:  provisioner,
		allowlist:   allowlist,
		redirectURL: frontendRedirectURL,
		redis:       rdb,
		rateLimiter: rateLimiter,
		logger:      logger,
	}
}

// HandleLogin redirects the user to the OIDC identity provider.
func (h *OIDCFlowHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "internal", "failed to generate state")
		return
	}

	if err := h.redis.Set(r.Context(), "oidc_state:"+state, "1", 10*time.Minute).Err(); err != nil {
		h.logger.Error("oidc: storing state in redis", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to store state")
		return
	}

	url := h.oauth2Cfg.AuthCodeURL(state)
	http.Redirect(w, r, url, http.StatusFound)
}

// HandleCallback handles the IdP callback after authentication.
func (h *OIDCFlowHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	if h.rateLimiter != nil {
		result, err := h.rateLimiter.Check(ctx, ip)
		if err != nil {
			h.logger.Error("oidc: checking callback rate limit", "error", err)
		} else if !result.Allowed {
			respondErr(w, http.StatusTooManyRequests, "rate_limited", "too many failed sign-in attempts, try again later")
			return
		}
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "missing state parameter")
		return
	}

	result, err := h.redis.GetDel(ctx, "oidc_state:"+state).Result()
	if err != nil || result == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "invalid or expired state")
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		desc := r.URL.Query().Get("error_description")
		h.logger.Warn("oidc: IdP returned error", "error", errParam, "description", desc)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication failed: "+errParam)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "missing code parameter")
		return
	}

	oauth2Token, err := h.oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		h.logger.Error("oidc: code exchange failed", "error", err)
		h.recordFailure(ctx, ip)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "code exchange failed")
		return
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		h.recordFailure(ctx, ip)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "no id_token in response")
		return
	}

	claims, err := h.oidcAuth.Authenticate(ctx, "Bearer "+rawIDToken)
	if err != nil {
		h.logger.Error("oidc: token verification failed", "error", err)
		h.recordFailure(ctx, ip)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid id_token")
		return
	}

	if !h.allowlist.Allowed(claims.Email) {
		h.logger.Warn("oidc: email not allow-listed", "email", claims.Email)
		h.recordFailure(ctx, ip)
		respondErr(w, http.StatusForbidden, "forbidden", "this account is not permitted to sign in")
		return
	}

	info, err := h.findOrCreateTenant(ctx, claims)
	if err != nil {
		h.logger.Error("oidc: tenant resolution failed", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to resolve tenant")
		return
	}

	token, err := h.sessionMgr.IssueToken(SessionClaims{
		Subject:     claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		TenantID:    info.ID.String(),
		Method:      MethodOIDC,
	})
	if err != nil {
		h.logger.Error("oidc: issuing session token", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.Reset(ctx, ip); err != nil {
			h.logger.Warn("oidc: resetting callback rate limit", "error", err)
		}
	}

	redirectURL := fmt.Sprintf("%s?token=%s", h.redirectURL, token)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (h *OIDCFlowHandler) recordFailure(ctx context.Context, ip string) {
	if h.rateLimiter == nil {
		return
	}
	if err := h.rateLimiter.Record(ctx, ip); err != nil {
		h.logger.Warn("oidc: recording callback failure", "error", err)
	}
}

// clientIP extracts the caller's address, preferring X-Forwarded-For /
// X-Real-IP over RemoteAddr (same precedence as internal/audit's writer).
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// findOrCreateTenant resolves an OIDC subject to a tenant, upserting the
// Identity (hashing the subject deterministically) and creating the Tenant
// on first sign-in, generating a fresh DEK (spec §6).
func (h *OIDCFlowHandler) findOrCreateTenant(ctx context.Context, claims *OIDCClaims) (*tenant.Info, error) {
	q := db.New(h.pool)
	subjectHash := crypto.DeterministicHash(claims.Subject)

	identity, err := q.GetIdentity(ctx, h.oidcAuth.Provider, subjectHash)
	if err == nil {
		t, err := q.GetTenant(ctx, identity.TenantID)
		if err != nil {
			return nil, fmt.Errorf("loading tenant for identity: %w", err)
		}
		return &tenant.Info{ID: t.ID, Email: t.Email}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	// No identity yet. Reuse an existing tenant by email if one already
	// exists (e.g. the user previously signed in with a different IdP),
	// otherwise provision a brand new tenant with its own DEK.
	existing, err := q.GetTenantByEmail(ctx, claims.Email)
	var info *tenant.Info
	switch {
	case err == nil:
		info = &tenant.Info{ID: existing.ID, Email: existing.Email}
	case errors.Is(err, pgx.ErrNoRows):
		info, err = h.kmsGateway.ProvisionTenant(ctx, claims.Email, "UTC")
		if err != nil {
			return nil, fmt.Errorf("provisioning tenant: %w", err)
		}
	default:
		return nil, fmt.Errorf("looking up tenant by email: %w", err)
	}

	if _, err := q.CreateIdentity(ctx, info.ID, h.oidcAuth.Provider, subjectHash); err != nil {
		return nil, fmt.Errorf("linking identity: %w", err)
	}

	h.logger.Info("authn: linked new identity", "tenant_id", info.ID, "provider", h.oidcAuth.Provider)
	return info, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
