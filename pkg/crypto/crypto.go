// Package crypto is the thin AEAD layer over a tenant DEK (C2). It never
// manages key material itself — the caller supplies an already-unwrapped
// 32-byte key for every call.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrDecryption signals tampered ciphertext or a key mismatch. Callers must
// never degrade this into an empty plaintext.
var ErrDecryption = errors.New("crypto: decryption failed")

// EncryptForTenant seals plaintext under dek with a fresh random nonce. The
// returned ciphertext carries its own nonce, so it self-describes decryption.
func EncryptForTenant(dek, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptForTenant opens a ciphertext produced by EncryptForTenant. Any
// tampering or wrong key returns ErrDecryption — never an empty value.
func DecryptForTenant(dek, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecryption)
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// DeterministicHash hashes s with SHA-256 for use in lookup columns (e.g. a
// hashed OIDC subject). It is non-reversible but correlatable across rows
// with the same input — never use it to protect a secret value itself.
func DeterministicHash(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func newGCM(dek []byte) (cipher.AEAD, error) {
	if len(dek) != 32 {
		return nil, fmt.Errorf("crypto: DEK must be 32 bytes, got %d", len(dek))
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
