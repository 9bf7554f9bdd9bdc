package crypto

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefixLen is how much of a plaintext key is stored for lookup
// narrowing, e.g. "uapk_abc123a".
const APIKeyPrefixLen = 12

// HashPassword hashes a password (or API key) with bcrypt.
func HashPassword(plain string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("crypto: password hash failed: %w", err)
	}
	return string(h), nil
}

// VerifyPassword reports whether plain matches hash in constant time.
func VerifyPassword(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// GenerateAPIKey returns a fresh plaintext API key: "uapk_" + 32 hex chars.
func GenerateAPIKey() string {
	return "uapk_" + RandomHex(16)
}

// APIKeyPrefix extracts the lookup prefix of a plaintext key.
func APIKeyPrefix(key string) string {
	if len(key) < APIKeyPrefixLen {
		return key
	}
	return key[:APIKeyPrefixLen]
}

// ValidAPIKeyShape reports whether key looks like a gateway API key before
// any store lookup is attempted.
func ValidAPIKeyShape(key string) bool {
	return strings.HasPrefix(key, "uapk_") && len(key) == 37
}
