package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/backtrue/mitenow-sub001/internal/api/response"
	"github.com/backtrue/mitenow-sub001/internal/model"
)

type contextKey string

const identityKey contextKey = "identity"

// SessionResolver turns a session token into the caller's identity.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (model.Identity, error)
}

// Auth attaches the caller's identity to the request. Requests without an
// Authorization header run as anonymous callers keyed by client address; a
// present but unusable credential is rejected.
func Auth(sessions SessionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := model.Identity{Tier: model.TierAnonymous, ClientKey: clientIP(r)}

			if r.Header.Get("Authorization") != "" {
				token := extractBearer(r)
				if token == "" {
					response.WriteServiceError(w, r, model.UnauthorizedError("expected a bearer session token"))
					return
				}
				resolved, err := sessions.Resolve(r.Context(), token)
				if err != nil {
					response.WriteServiceError(w, r, err)
					return
				}
				resolved.ClientKey = id.ClientKey
				id = resolved
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the identity Auth attached, or an anonymous identity
// with no client key.
func GetIdentity(ctx context.Context) model.Identity {
	if id, ok := ctx.Value(identityKey).(model.Identity); ok {
		return id
	}
	return model.Identity{Tier: model.TierAnonymous}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// clientIP reads RemoteAddr. RealIP only rewrites it for requests that came
// through a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
