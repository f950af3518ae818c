package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// TokenHash computes the SHA-256 hex digest stored in place of bearer tokens.
func TokenHash(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
