package pii

import (
	"strings"
	"testing"
)

func TestMaskAndTrack_FullMode(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"ssn", "SSN is 123-45-6789 on file", "SSN is [SSN_1] on file"},
		{"email", "contact me at jane@example.com", "contact me at [EMAIL_1]"},
		{"card", "card 4111111111111111 charged", "card [CARD_1] charged"},
		{"phone", "call 555-123-4567 now", "call [PHONE_1] now"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewContext()
			got, items := c.MaskAndTrack(tc.in, ModeFull)
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
			if len(items) != 1 {
				t.Fatalf("expected 1 tracked item, got %d", len(items))
			}
		})
	}
}

func TestMaskAndTrack_ModeNoneIsNoop(t *testing.T) {
	c := NewContext()
	in := "SSN 123-45-6789 email jane@example.com"
	got, items := c.MaskAndTrack(in, ModeNone)
	if got != in {
		t.Fatalf("expected passthrough, got %q", got)
	}
	if items != nil {
		t.Fatalf("expected no tracked items, got %v", items)
	}
}

func TestMaskAndTrack_FinancialOnlySkipsContactInfo(t *testing.T) {
	c := NewContext()
	in := "ssn 123-45-6789, email jane@example.com"
	got, _ := c.MaskAndTrack(in, ModeFinancialOnly)
	if !strings.Contains(got, "[SSN_1]") {
		t.Fatalf("expected SSN masked, got %q", got)
	}
	if !strings.Contains(got, "jane@example.com") {
		t.Fatalf("expected email left unmasked in financial_only mode, got %q", got)
	}
}

func TestMaskAndTrack_CountersIncrementAcrossCalls(t *testing.T) {
	c := NewContext()
	c.MaskAndTrack("email a@example.com", ModeFull)
	c.MaskAndTrack("email b@example.com", ModeFull)

	stats := c.Stats()
	if stats["total"] != 2 {
		t.Fatalf("expected total=2, got %d", stats["total"])
	}
	if stats["email"] != 2 {
		t.Fatalf("expected email=2, got %d", stats["email"])
	}
}

func TestMaskAndTrack_IdempotentOverPlaceholders(t *testing.T) {
	c := NewContext()
	masked, _ := c.MaskAndTrack("email a@example.com", ModeFull)
	twice, items := c.MaskAndTrack(masked, ModeFull)
	if twice != masked {
		t.Fatalf("re-masking placeholder changed text: %q", twice)
	}
	if len(items) != 0 {
		t.Fatalf("expected no new items from re-masking placeholder, got %v", items)
	}
}

func TestResolve_ReturnsOriginalForPlaceholder(t *testing.T) {
	c := NewContext()
	masked, items := c.MaskAndTrack("email a@example.com", ModeFull)
	if len(items) != 1 {
		t.Fatalf("expected 1 item")
	}
	original, ok := c.Resolve(items[0].Placeholder)
	if !ok || original != "a@example.com" {
		t.Fatalf("Resolve(%q) = %q, %v", items[0].Placeholder, original, ok)
	}
	if masked != "[EMAIL_1]" {
		t.Fatalf("unexpected masked text: %q", masked)
	}
}

func TestResolve_UnknownPlaceholderMisses(t *testing.T) {
	c := NewContext()
	_, ok := c.Resolve("[EMAIL_99]")
	if ok {
		t.Fatal("expected miss for unknown placeholder")
	}
}
