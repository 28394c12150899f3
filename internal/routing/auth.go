package routing

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/agentsession/internal/dbclient"
	"github.com/ashureev/agentsession/internal/domain"
)

type contextKey int

const identityContextKey contextKey = iota

// requestIdentity is the {userId, sessionId, bearer} bound to a request
// after authenticate runs.
type requestIdentity struct {
	UserID    string
	SessionID string
	Bearer    string
}

func identityFromContext(ctx context.Context) (requestIdentity, bool) {
	id, ok := ctx.Value(identityContextKey).(requestIdentity)
	return id, ok
}

// authenticate validates the bearer token for every route it wraps,
// applies the per-user rate limit, and sets the X-RateLimit-* headers on
// every authenticated response (§4.6, §6).
func (s *Shell) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerFromHeader(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, domain.NewError(domain.KindUnauthorized, "missing bearer token"))
			return
		}

		identity, err := s.db.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, domain.WrapError(domain.KindTransientExternal, "token validation failed", err))
			return
		}
		if identity == nil {
			writeError(w, domain.NewError(domain.KindUnauthorized, "invalid or expired token"))
			return
		}

		allowed, remaining, resetAt := s.limiter.Allow(identity.UserID)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.max))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			writeError(w, domain.NewError(domain.KindRateLimited, "rate limit exceeded"))
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, requestIdentity{
			UserID:    identity.UserID,
			SessionID: identity.SessionID,
			Bearer:    token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerFromHeader(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// requireSessionMatch enforces that the authenticated token's sessionId
// equals the path's :id, the Forbidden case §4.6 describes.
func requireSessionMatch(identity requestIdentity, pathSessionID string) error {
	if identity.SessionID != pathSessionID {
		return domain.NewError(domain.KindForbidden, "token does not authorize this session")
	}
	return nil
}
