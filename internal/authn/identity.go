// Package authn implements Tenant Identity & Token Context (C3): it accepts
// a bearer credential, validates it, cross-checks the resolved email against
// an allow-list, and resolves it to a tenant UUID.
package authn

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Method names how the caller authenticated, carried for audit purposes.
const (
	MethodSession = "session"
	MethodOIDC    = "oidc"
	MethodAPIKey  = "api_key"
	MethodPAT     = "pat"
)

// AuthContext is produced by the auth boundary and MUST be present for every
// handler below it (spec §4.3). It is intentionally small: everything else
// (DEK, RLS connection) is derived from TenantID via pkg/tenant.
type AuthContext struct {
	TenantID    uuid.UUID
	Email       string
	DisplayName string
	Method      string
	APIKeyID    *uuid.UUID
}

type contextKey string

const authContextKey contextKey = "auth_context"

// NewContext attaches an AuthContext to ctx.
func NewContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext extracts the AuthContext, or nil if the auth boundary never ran.
func FromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKey).(*AuthContext)
	return ac
}

// Allowlist decides whether an authenticated email may create or access a
// tenant (spec §4.3, §6 "allow-listed identity"). An empty allow-list denies
// all access — "deny-all if empty in production" (spec §6).
type Allowlist struct {
	Emails  map[string]struct{}
	Domains map[string]struct{}
}

// NewAllowlist builds an Allowlist from configured emails and domains.
func NewAllowlist(emails, domains []string) *Allowlist {
	al := &Allowlist{Emails: map[string]struct{}{}, Domains: map[string]struct{}{}}
	for _, e := range emails {
		al.Emails[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	for _, d := range domains {
		al.Domains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return al
}

// Allowed reports whether email is permitted to authenticate.
func (al *Allowlist) Allowed(email string) bool {
	if al == nil || (len(al.Emails) == 0 && len(al.Domains) == 0) {
		return false
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if _, ok := al.Emails[email]; ok {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	_, ok := al.Domains[domain]
	return ok
}
