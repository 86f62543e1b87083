package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/karatsubalabs/gitbounties/internal/auth"
	"github.com/karatsubalabs/gitbounties/pkg/logger"
)

// DefaultSessionCookie is the cookie that carries the session token for
// browser clients.
const DefaultSessionCookie = "gitbounties_session"

// GetUsername extracts the authenticated GitHub username from the request context.
func GetUsername(ctx context.Context) string {
	return logger.UsernameFromContext(ctx)
}

// WithUsername returns a context carrying an authenticated username.
func WithUsername(ctx context.Context, username string) context.Context {
	return logger.ContextWithUsername(ctx, username)
}

// AuthMiddleware authenticates requests with a session token taken from the
// Authorization header or the session cookie.
type AuthMiddleware struct {
	authService *auth.Service
	cookieName  string
	logger      *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authService *auth.Service, cookieName string, logger *slog.Logger) *AuthMiddleware {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		authService: authService,
		cookieName:  cookieName,
		logger:      logger,
	}
}

// Authenticate is a middleware that validates session tokens.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			if c, err := r.Cookie(m.cookieName); err == nil {
				token = c.Value
			}
		}
		if token == "" {
			writeUnauthorized(w, "Missing authentication")
			return
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			m.logger.Debug("session validation failed", "error", err)
			if errors.Is(err, auth.ErrExpiredToken) {
				writeUnauthorized(w, "Token has expired")
				return
			}
			writeUnauthorized(w, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUsername(r.Context(), claims.Username)))
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"code":"UNAUTHORIZED","message":"` + escapeJSON(message) + `"}`))
}

func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
