package dwayauth

import (
	"context"
	"strings"

	"github.com/johnnydxm/dwayauth/session"
)

// RequestContext describes the client behind one call: its IP address, its
// User-Agent header and an optional device fingerprint computed by the
// caller. Every field feeds risk scoring, session drift detection and audit.
type RequestContext struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx. HTTP middleware typically does this
// once per request so downstream calls can pass an empty RequestContext.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext attached to ctx, if any.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	if ctx == nil {
		return RequestContext{}, false
	}
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

// resolve fills empty fields of rc from ctx and trims whitespace.
func (rc RequestContext) resolve(ctx context.Context) RequestContext {
	if fromCtx, ok := RequestContextFrom(ctx); ok {
		if rc.IP == "" {
			rc.IP = fromCtx.IP
		}
		if rc.UserAgent == "" {
			rc.UserAgent = fromCtx.UserAgent
		}
		if rc.DeviceFingerprint == "" {
			rc.DeviceFingerprint = fromCtx.DeviceFingerprint
		}
	}
	rc.IP = strings.TrimSpace(rc.IP)
	rc.UserAgent = strings.TrimSpace(rc.UserAgent)
	rc.DeviceFingerprint = strings.TrimSpace(rc.DeviceFingerprint)
	return rc
}

func (rc RequestContext) session() session.Context {
	return session.Context{
		IP:                rc.IP,
		UserAgent:         rc.UserAgent,
		DeviceFingerprint: rc.DeviceFingerprint,
	}
}
