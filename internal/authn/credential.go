package authn

import (
	"crypto/sha256"
	"crypto/subtle"
)

// HashCredential produces the deterministic lookup hash stored alongside an
// API key or personal access token. Raw secrets are never persisted.
func HashCredential(raw string) []byte {
	h := sha256.Sum256([]byte(raw))
	return h[:]
}

func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
