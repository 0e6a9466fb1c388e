package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/johnnydxm/dwayauth"
)

// FingerprintHeader is the default header carrying the device fingerprint.
const FingerprintHeader = "X-Device-Fingerprint"

type claimsContextKey struct{}

// ClaimsFromContext returns the access claims injected by Guard.
func ClaimsFromContext(ctx context.Context) (*dwayauth.AccessClaims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(*dwayauth.AccessClaims)
	return c, ok
}

// ClientContext attaches a dwayauth.RequestContext built from the request.
// The IP comes from RemoteAddr; put a trusted proxy handler in front when
// the service sits behind a load balancer.
func ClientContext(fingerprintHeader string) func(http.Handler) http.Handler {
	if fingerprintHeader == "" {
		fingerprintHeader = FingerprintHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := dwayauth.RequestContext{
				IP:                remoteIP(r.RemoteAddr),
				UserAgent:         r.UserAgent(),
				DeviceFingerprint: r.Header.Get(fingerprintHeader),
			}
			next.ServeHTTP(w, r.WithContext(dwayauth.WithRequestContext(r.Context(), rc)))
		})
	}
}

// Guard rejects requests without a valid bearer access token.
func Guard(engine *dwayauth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := engine.ValidateAccess(r.Context(), token)
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeError maps an engine error to a bare status response.
func writeError(w http.ResponseWriter, err error) {
	var e *dwayauth.Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds())))
	}
	switch dwayauth.KindOf(err) {
	case dwayauth.KindServiceUnavailable:
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	case dwayauth.KindStepUpRequired:
		http.Error(w, "step-up required", http.StatusForbidden)
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
