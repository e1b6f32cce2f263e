package api

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"net/http"
	"strings"

	"github.com/abdoulaahmad/transcrypt2/ident"
)

type contextKey int

const callerKey contextKey = iota

// AuthMiddleware resolves the bearer token to the caller's address and
// stores it on the request context. Repeated failures from one client IP
// are throttled with exponential backoff.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.extractClientIP(r)
		if blocked, retryAfter := a.authLimiter.check(ip); blocked {
			a.audit.log(AuditAuthRateLimited, r)
			writeRateLimited(w, retryAfter)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		caller, ok := a.tokens[sha256.Sum256([]byte(token))]
		if !ok {
			a.authLimiter.recordFailure(ip)
			a.audit.log(AuditAuthFailure, r)
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		a.authLimiter.recordSuccess(ip)

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// CallerFromContext returns the authenticated caller set by AuthMiddleware.
func CallerFromContext(ctx context.Context) (ident.Address, bool) {
	addr, ok := ctx.Value(callerKey).(ident.Address)
	return addr, ok
}

func callerAttr(r *http.Request) slog.Attr {
	caller, _ := CallerFromContext(r.Context())
	return slog.String("caller", caller.String())
}

// requestIsSecure reports whether the request arrived over TLS, directly or
// through a proxy that says so.
func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
