package authn

import (
	"context"
	"testing"
)

func TestHashCredentialDeterministic(t *testing.T) {
	h1 := HashCredential("test-key-123")
	h2 := HashCredential("test-key-123")
	if string(h1) != string(h2) {
		t.Fatalf("same input produced different hashes")
	}

	h3 := HashCredential("different-key")
	if string(h1) == string(h3) {
		t.Fatal("different inputs produced the same hash")
	}

	if len(h1) != 32 {
		t.Fatalf("hash length = %d, want 32", len(h1))
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	ac := &AuthContext{Email: "user@example.com", Method: MethodSession}
	ctx := NewContext(context.Background(), ac)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("expected auth context, got nil")
	}
	if got.Email != "user@example.com" {
		t.Errorf("Email = %q, want %q", got.Email, "user@example.com")
	}
}

func TestAllowlistAllowed(t *testing.T) {
	al := NewAllowlist([]string{"alice@example.com"}, []string{"corp.example.com"})

	cases := []struct {
		email string
		want  bool
	}{
		{"alice@example.com", true},
		{"Alice@Example.com", true},
		{"bob@corp.example.com", true},
		{"bob@other.com", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := al.Allowed(tc.email); got != tc.want {
			t.Errorf("Allowed(%q) = %v, want %v", tc.email, got, tc.want)
		}
	}
}

func TestAllowlistEmptyDeniesAll(t *testing.T) {
	al := NewAllowlist(nil, nil)
	if al.Allowed("anyone@example.com") {
		t.Fatal("expected empty allow-list to deny everyone")
	}
}
