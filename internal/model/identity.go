package model

import (
	"encoding/json"
	"time"
)

type Session struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// Identity is the caller on whose behalf an operation runs. Anonymous callers
// have an empty UserID and are keyed for quota purposes by ClientKey.
type Identity struct {
	UserID    string
	Tier      string
	ClientKey string
}

// Anonymous reports whether the identity has no authenticated user.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// QuotaKey is the key the quota tracker counts deployments under.
func (i Identity) QuotaKey() string {
	if i.UserID != "" {
		return "user:" + i.UserID
	}
	return "anon:" + i.ClientKey
}

// Secret holds resolved secret material. It never renders its value.
type Secret struct {
	Ref   string
	value []byte
}

func NewSecret(ref string, value []byte) Secret {
	return Secret{Ref: ref, value: value}
}

// Reveal returns the plaintext. Call only at the point of use.
func (s Secret) Reveal() []byte {
	return s.value
}

func (s Secret) String() string {
	return "[REDACTED]"
}

func (s Secret) GoString() string {
	return "model.Secret{Ref:" + s.Ref + ", value:[REDACTED]}"
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"ref": s.Ref, "value": "[REDACTED]"})
}

// SecretMeta describes a stored secret without its value.
type SecretMeta struct {
	Ref       string    `json:"secret_ref" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
