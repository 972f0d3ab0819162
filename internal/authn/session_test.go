package authn

import (
	"testing"
	"time"
)

func TestSessionRoundTrip(t *testing.T) {
	sm, err := NewSessionManager(GenerateDevSecret(), time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	claims := SessionClaims{
		Subject:     "oidc-subject-123",
		Email:       "user@example.com",
		DisplayName: "User Example",
		TenantID:    "3fa85f64-5717-4562-b3fc-2c963f66afa6",
		Method:      MethodOIDC,
	}

	token, err := sm.IssueToken(claims)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	got, err := sm.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if got.Email != claims.Email {
		t.Errorf("Email = %q, want %q", got.Email, claims.Email)
	}
	if got.TenantID != claims.TenantID {
		t.Errorf("TenantID = %q, want %q", got.TenantID, claims.TenantID)
	}
}

func TestSessionExpired(t *testing.T) {
	sm, err := NewSessionManager(GenerateDevSecret(), -time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	token, err := sm.IssueToken(SessionClaims{Subject: "s", Email: "e@example.com"})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := sm.ValidateToken(token); err == nil {
		t.Fatal("expected expired token to fail validation")
	}
}

func TestSessionShortSecretRejected(t *testing.T) {
	if _, err := NewSessionManager("too-short", time.Hour); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
}
