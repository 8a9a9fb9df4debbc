package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordHashIterations = 1000
	passwordHashKeyLength  = 64
)

// HashPassword derives a fixed-length hex digest from the password using
// PBKDF2-SHA256 keyed by the process-wide secret. Using the shared secret as
// the derivation key instead of a per-user random salt is a deliberate
// simplification for a small fixed operator set; deployments needing stronger
// guarantees should swap in a per-user salt and a memory-hard KDF.
func HashPassword(password, secret string) string {
	derived := pbkdf2.Key([]byte(password), []byte(secret), passwordHashIterations, passwordHashKeyLength, sha256.New)
	return hex.EncodeToString(derived)
}

// VerifyPassword recomputes the keyed digest and compares it against the
// stored hex value in constant time. Malformed stored input (non-hex, wrong
// length) is a verification failure, never an error.
func VerifyPassword(password, secret, storedHex string) bool {
	stored, err := hex.DecodeString(storedHex)
	if err != nil || len(stored) != passwordHashKeyLength {
		return false
	}
	derived := pbkdf2.Key([]byte(password), []byte(secret), passwordHashIterations, passwordHashKeyLength, sha256.New)
	if len(derived) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare(derived, stored) == 1
}
