package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Session identifies an authenticated caller. Login itself happens upstream
// (the web tier writes the sessions table); this service only resolves
// tokens.
type Session struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
}

// ErrNoSession is returned for missing, unknown, or expired tokens.
var ErrNoSession = errors.New("no valid session")

// SessionStore resolves a session token to a session.
type SessionStore interface {
	GetSession(ctx context.Context, token string) (*Session, error)
}

// CookieName is the session cookie set by the web tier.
const CookieName = "ro_session"

type ctxKey struct{}

// FromContext returns the session injected by Middleware.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok
}

// WithSession returns a context carrying the session. Exposed for tests.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// Middleware authenticates requests via the session cookie or an
// Authorization: Bearer token and injects the session into the request
// context. Unauthenticated requests get a 401 JSON envelope.
func Middleware(store SessionStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				if c, err := r.Cookie(CookieName); err == nil {
					token = c.Value
				}
			}
			if token == "" {
				unauthenticated(w)
				return
			}

			sess, err := store.GetSession(r.Context(), token)
			if err != nil {
				if !errors.Is(err, ErrNoSession) {
					logger.Error("session lookup failed", zap.Error(err))
				}
				unauthenticated(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func unauthenticated(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "unauthenticated",
	})
}
