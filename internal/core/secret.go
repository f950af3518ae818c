package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/backtrue/mitenow-sub001/internal/crypto"
	"github.com/backtrue/mitenow-sub001/internal/model"
	"github.com/backtrue/mitenow-sub001/internal/platform"
)

// SecretService stores build secrets encrypted at rest and hands out opaque
// references. Plaintext leaves the service only through Resolve.
type SecretService struct {
	db  DB
	key []byte
}

func NewSecretService(db DB, key []byte) *SecretService {
	return &SecretService{db: db, key: key}
}

func (s *SecretService) Create(ctx context.Context, ownerID, name string, value []byte) (*model.SecretMeta, error) {
	if ownerID == "" {
		return nil, model.ForbiddenError("sign in to store secrets")
	}

	ciphertext, err := crypto.Encrypt(value, s.key)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret %s: %w", name, err)
	}

	meta := &model.SecretMeta{
		Ref:       platform.NewName("sec_"),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO secrets (id, owner_id, name, ciphertext, created_at) VALUES ($1, $2, $3, $4, $5)`,
		meta.Ref, ownerID, meta.Name, ciphertext, meta.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert secret %s: %w", name, err)
	}
	return meta, nil
}

// Authorize checks that ref exists and belongs to ownerID without decrypting
// it.
func (s *SecretService) Authorize(ctx context.Context, ref, ownerID string) error {
	var owner string
	err := s.db.QueryRow(ctx, `SELECT owner_id FROM secrets WHERE id = $1`, ref).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ValidationError(model.CodeSecretNotFound, "secret reference not found")
	}
	if err != nil {
		return fmt.Errorf("get secret %s: %w", ref, err)
	}
	if ownerID == "" || owner != ownerID {
		return model.ForbiddenError("secret belongs to another user")
	}
	return nil
}

// Resolve decrypts the secret behind ref. Call it only where the value is
// used.
func (s *SecretService) Resolve(ctx context.Context, ref string) (model.Secret, error) {
	var ciphertext string
	err := s.db.QueryRow(ctx, `SELECT ciphertext FROM secrets WHERE id = $1`, ref).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Secret{}, model.ValidationError(model.CodeSecretNotFound, "secret reference not found")
	}
	if err != nil {
		return model.Secret{}, fmt.Errorf("get secret %s: %w", ref, err)
	}

	value, err := crypto.Decrypt(ciphertext, s.key)
	if err != nil {
		return model.Secret{}, fmt.Errorf("decrypt secret %s: %w", ref, err)
	}
	return model.NewSecret(ref, value), nil
}
