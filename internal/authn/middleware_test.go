package authn

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestMiddleware_NoCredential(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mw := Middleware(nil, nil, nil, nil, nil, NewAllowlist(nil, nil), logger)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["error"] != "unauthorized" {
		t.Errorf("error = %q, want %q", resp["error"], "unauthorized")
	}
}

func TestMiddleware_SessionTokenUnallowlistedEmail(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	sm, err := NewSessionManager(GenerateDevSecret(), 0)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	// maxAge of 0 sets Expiry to the issue time, leaving the token valid only
	// within the validation leeway; use a real window instead so the token is
	// valid when checked.
	sm, err = NewSessionManager(GenerateDevSecret(), 3600_000_000_000)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	token, err := sm.IssueToken(SessionClaims{
		Subject:  "sub",
		Email:    "not-allowed@example.com",
		TenantID: "3fa85f64-5717-4562-b3fc-2c963f66afa6",
		Method:   MethodSession,
	})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	mw := Middleware(sm, nil, nil, nil, nil, NewAllowlist([]string{"allowed@example.com"}, nil), logger)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestMiddleware_SessionTokenAllowed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	sm, err := NewSessionManager(GenerateDevSecret(), 3600_000_000_000)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	tenantID := "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	token, err := sm.IssueToken(SessionClaims{
		Subject:  "sub",
		Email:    "allowed@example.com",
		TenantID: tenantID,
		Method:   MethodSession,
	})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	mw := Middleware(sm, nil, nil, nil, nil, NewAllowlist([]string{"allowed@example.com"}, nil), logger)

	var gotAC *AuthContext
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAC = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotAC == nil {
		t.Fatal("expected auth context in request")
	}
	if gotAC.TenantID.String() != tenantID {
		t.Errorf("TenantID = %q, want %q", gotAC.TenantID.String(), tenantID)
	}
}
