package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// SecretPrefix is prepended to generated agent HMAC secrets.
	SecretPrefix = "ags_"
	// secretRandBytes is the number of random bytes in a secret (32 bytes = 64 hex chars).
	secretRandBytes = 32
	// maskedPrefixLen is how much of a secret listings may show.
	maskedPrefixLen = 8
)

// GenerateSecret creates a new random agent secret.
// Format: "ags_" + 64 hex chars = 68 char secret.
func GenerateSecret() (string, error) {
	b := make([]byte, secretRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(b), nil
}

// MaskSecret returns a short display prefix of a secret.
func MaskSecret(secret string) string {
	if len(secret) <= maskedPrefixLen {
		return secret[:len(secret)/2] + "..."
	}
	return secret[:maskedPrefixLen] + "..."
}

// HashToken returns the SHA-256 hex digest of a token string. Admin tokens
// are compared by hash so the raw value never sits in memory longer than a request.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
