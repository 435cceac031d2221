package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
)

type contextKey string

const identityKey contextKey = "auth_identity"

// IdentityFromContext returns the identity attached by Gate.
func IdentityFromContext(ctx context.Context) (Payload, bool) {
	identity, ok := ctx.Value(identityKey).(Payload)
	return identity, ok
}

func WithIdentity(ctx context.Context, identity Payload) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// Gate is the HTTP face of the session resolver.
type Gate struct {
	sessions    *SessionResolver
	cookies     CookieConfig
	adminRoleID int64
}

func NewGate(sessions *SessionResolver, cookies CookieConfig, cfg Config) *Gate {
	cfg = cfg.WithDefaults()
	return &Gate{sessions: sessions, cookies: cookies, adminRoleID: cfg.AdminRoleID}
}

// RequireUser lets the request through with a resolved identity, or rejects it.
func (g *Gate) RequireUser(next http.Handler) http.Handler {
	return g.require(0, next)
}

// RequireAdmin additionally demands the configured admin role.
func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	return g.require(g.adminRoleID, next)
}

func (g *Gate) require(roleID int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := g.sessions.Resolve(r.Context(), accessTokenFrom(r), refreshTokenFrom(r))
		if !session.Authenticated() {
			writeSessionError(w, session.Err)
			return
		}

		if session.NewAccessToken != "" {
			g.cookies.setAccess(w, session.NewAccessToken)
		}

		if err := authorize(session.Identity, roleID); err != nil {
			writeSessionError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), session.Identity)))
	})
}

// authorize checks the role claim; roleID 0 accepts any authenticated identity.
func authorize(identity Payload, roleID int64) error {
	if roleID != 0 && identity.RoleID != roleID {
		return ErrInsufficientRole
	}
	return nil
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientRole):
		writeError(w, http.StatusForbidden, "access denied, admin only")
	case errors.Is(err, ErrTokenMissing):
		writeError(w, http.StatusUnauthorized, "access denied, token missing")
	case errors.Is(err, ErrTokenMalformed), errors.Is(err, ErrTokenExpired), errors.Is(err, ErrRefreshTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, ErrUnavailable):
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "authentication temporarily unavailable")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	}
}
