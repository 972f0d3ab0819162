package tenant

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := FromContext(ctx); got != nil {
		t.Fatalf("expected nil tenant, got %+v", got)
	}

	info := &Info{ID: uuid.New(), Email: "tenant@example.com"}
	ctx = NewContext(ctx, info)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("expected tenant info, got nil")
	}
	if got.Email != "tenant@example.com" {
		t.Errorf("email = %q, want %q", got.Email, "tenant@example.com")
	}
}

func TestRequireFromContextMissing(t *testing.T) {
	_, err := RequireFromContext(context.Background())
	if err != ErrRLSContextMissing {
		t.Fatalf("expected ErrRLSContextMissing, got %v", err)
	}
}

func TestRequireFromContextPresent(t *testing.T) {
	ctx := NewContext(context.Background(), &Info{ID: uuid.New()})
	info, err := RequireFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info == nil {
		t.Fatal("expected non-nil info")
	}
}
