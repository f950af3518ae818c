package platform

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

const shortIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const shortIDLength = 12

// NewID returns a random UUID used for application records.
func NewID() string {
	return uuid.New().String()
}

// NewName returns prefix followed by a short random lowercase identifier,
// e.g. "tk_3kq9z0c1m2ab" for upload tickets or "sec_..." for secret refs.
func NewName(prefix string) string {
	b := make([]byte, shortIDLength)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	for i := range b {
		b[i] = shortIDAlphabet[b[i]%byte(len(shortIDAlphabet))]
	}
	return prefix + string(b)
}

// NewToken returns n random bytes hex encoded. Used for session identifiers.
func NewToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}
