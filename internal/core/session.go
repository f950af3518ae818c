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

// SessionService resolves bearer session tokens to caller identities. Only a
// hash of each token is stored.
type SessionService struct {
	db  DB
	ttl time.Duration
	now func() time.Time
}

func NewSessionService(db DB, ttl time.Duration) *SessionService {
	return &SessionService{db: db, ttl: ttl, now: time.Now}
}

// Create starts a session for userID and returns the bearer token. It is the
// entry point for the login flow.
func (s *SessionService) Create(ctx context.Context, userID string) (string, *model.Session, error) {
	token := platform.NewToken(32)
	now := s.now().UTC()
	sess := &model.Session{
		ID:        crypto.TokenHash(token),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert session for user %s: %w", userID, err)
	}
	return token, sess, nil
}

// Resolve returns the identity behind token. Unknown and expired sessions are
// unauthorized.
func (s *SessionService) Resolve(ctx context.Context, token string) (model.Identity, error) {
	var (
		userID    string
		tier      string
		expiresAt time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT s.user_id, u.tier, s.expires_at FROM sessions s
		 JOIN users u ON u.id = s.user_id WHERE s.id = $1`,
		crypto.TokenHash(token),
	).Scan(&userID, &tier, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Identity{}, model.UnauthorizedError("session not found")
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("resolve session: %w", err)
	}
	if !s.now().Before(expiresAt) {
		return model.Identity{}, model.UnauthorizedError("session expired")
	}
	return model.Identity{UserID: userID, Tier: tier}, nil
}

// Delete ends the session behind token.
func (s *SessionService) Delete(ctx context.Context, token string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, crypto.TokenHash(token)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions past their expiry and returns how many.
func (s *SessionService) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
