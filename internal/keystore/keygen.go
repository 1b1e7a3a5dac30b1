package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// keyPrefix is the bearer-secret prefix every issued key carries.
const keyPrefix = "pg_"

// generateKey produces a fresh pg_-prefixed key: pg_ followed by 32+ random
// bytes hex-encoded, matching the teacher's randomToken shape but emitting
// hex instead of base64 so the whole value is usable unescaped in headers.
func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(b), nil
}
