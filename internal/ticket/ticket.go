// Package ticket issues and consumes single-use upload tickets. The ticket
// state lives in Redis; the upload URL carries a signed token naming it.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/backtrue/mitenow-sub001/internal/model"
	"github.com/backtrue/mitenow-sub001/internal/platform"
)

// consumeScript: ARGV now, app_id. Flips an issued ticket to consumed exactly
// once; every later attempt observes "consumed".
var consumeScript = redis.NewScript(`
local t = redis.call('HMGET', KEYS[1], 'state', 'app_id', 'expires_at')
if not t[1] or t[2] ~= ARGV[2] then
  return 'not_found'
end
if t[1] == 'consumed' then
  return 'consumed'
end
if tonumber(t[3]) <= tonumber(ARGV[1]) then
  return 'expired'
end
redis.call('HSET', KEYS[1], 'state', 'consumed')
return 'ok'
`)

var (
	errTicketInvalid  = model.NewError(model.KindNotFound, model.CodeTicketInvalid, "upload ticket not found")
	errTicketExpired  = model.ConflictError(model.CodeTicketExpired, "upload ticket has expired")
	errTicketConsumed = model.ConflictError(model.CodeTicketConsumed, "upload ticket has already been used")
)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	client        redis.Cmdable
	signingKey    []byte
	publicBaseURL string
	ttl           time.Duration
	now           func() time.Time
}

func NewStore(client redis.Cmdable, signingKey, publicBaseURL string, ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		client:        client,
		signingKey:    []byte(signingKey),
		publicBaseURL: publicBaseURL,
		ttl:           ttl,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func ticketKey(id string) string {
	return "ticket:" + id
}

// Issue creates a ticket for appID that expires after the store TTL.
func (s *Store) Issue(ctx context.Context, appID string) (*model.UploadTicket, error) {
	id := platform.NewName("tk_")
	now := s.now()
	expiresAt := now.Add(s.ttl).Truncate(time.Second)

	// the record outlives the ticket so late uploads read as expired
	// rather than unknown
	if err := s.client.HSet(ctx, ticketKey(id),
		"state", "issued",
		"app_id", appID,
		"expires_at", expiresAt.UnixMilli(),
	).Err(); err != nil {
		return nil, fmt.Errorf("store upload ticket for %s: %w", appID, err)
	}
	if err := s.client.Expire(ctx, ticketKey(id), 2*s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("expire upload ticket for %s: %w", appID, err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   appID,
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}).SignedString(s.signingKey)
	if err != nil {
		return nil, fmt.Errorf("sign upload ticket for %s: %w", appID, err)
	}

	return &model.UploadTicket{
		AppID:     appID,
		UploadURL: platform.UploadURL(s.publicBaseURL, token),
		ExpiresAt: expiresAt.UTC(),
	}, nil
}

// Consume marks the ticket named by token as used and returns its
// application id. Only the first call for a ticket succeeds.
func (s *Store) Consume(ctx context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errTicketExpired
	default:
		return "", errTicketInvalid
	}
	if claims.ID == "" || claims.Subject == "" {
		return "", errTicketInvalid
	}

	res, err := consumeScript.Run(ctx, s.client, []string{ticketKey(claims.ID)},
		s.now().UnixMilli(), claims.Subject).Text()
	if err != nil {
		return "", fmt.Errorf("consume upload ticket for %s: %w", claims.Subject, err)
	}

	switch res {
	case "ok":
		return claims.Subject, nil
	case "consumed":
		return "", errTicketConsumed
	case "expired":
		return "", errTicketExpired
	default:
		return "", errTicketInvalid
	}
}
