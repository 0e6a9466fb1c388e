package middleware

import (
	"context"
	"net/http"

	"github.com/johnnydxm/dwayauth"
)

// SessionHeader is the default header carrying the session token.
const SessionHeader = "X-Session-Token"

type sessionContextKey struct{}

// SessionFromContext returns the validation injected by RequireSession.
func SessionFromContext(ctx context.Context) (*dwayauth.SessionValidation, bool) {
	v, ok := ctx.Value(sessionContextKey{}).(*dwayauth.SessionValidation)
	return v, ok
}

// RequireSession validates the session token in header against the client
// context attached by ClientContext. A session revoked for drift is
// rejected like any other invalid session.
func RequireSession(engine *dwayauth.Engine, header string) func(http.Handler) http.Handler {
	if header == "" {
		header = SessionHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(header)
			if engine == nil || token == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			v, err := engine.ValidateSession(r.Context(), token, dwayauth.RequestContext{})
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, v)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRecentMFA must run after Guard. It answers 403 when the session's
// last MFA verification is older than the configured step-up window.
func RequireRecentMFA(engine *dwayauth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if engine == nil || !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if err := engine.RequireRecentMFA(r.Context(), claims.SessionID); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
