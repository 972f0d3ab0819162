package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func testDEK(t *testing.T) []byte {
	t.Helper()
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		t.Fatalf("generating test dek: %v", err)
	}
	return dek
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dek := testDEK(t)
	plaintext := []byte("Hello **world** 你好")

	ciphertext, err := EncryptForTenant(dek, plaintext)
	if err != nil {
		t.Fatalf("EncryptForTenant: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatalf("ciphertext must not equal plaintext")
	}

	got, err := DecryptForTenant(dek, ciphertext)
	if err != nil {
		t.Fatalf("DecryptForTenant: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	dek := testDEK(t)
	other := testDEK(t)

	ciphertext, err := EncryptForTenant(dek, []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptForTenant: %v", err)
	}

	_, err = DecryptForTenant(other, ciphertext)
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	dek := testDEK(t)

	ciphertext, err := EncryptForTenant(dek, []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptForTenant: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = DecryptForTenant(dek, ciphertext)
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestDeterministicHashStable(t *testing.T) {
	a := DeterministicHash("subject-123")
	b := DeterministicHash("subject-123")
	c := DeterministicHash("subject-456")

	if !bytes.Equal(a, b) {
		t.Fatalf("hash of same input must be stable")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("hash of different input must differ")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32-byte hash, got %d", len(a))
	}
}
