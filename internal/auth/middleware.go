// Package auth provides the coordinator's HTTP-layer authentication:
// join-token-gated node registration, bearer node tokens, and a static
// admin API key. There is no session or OIDC surface in this system — every
// caller is either a node agent or an operator holding the admin key.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	fabricauth "github.com/wisbric/nightowl/pkg/auth"
)

type ctxKey int

const nodeIDCtxKey ctxKey = iota

// NodeIDFromContext returns the node id a NodeBearer middleware verified for
// this request, if any.
func NodeIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(nodeIDCtxKey).(string)
	return id, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// JoinToken requires the X-Node-Join-Token header to match expected,
// compared in constant time. Used only on POST /nodes/register.
func JoinToken(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Node-Join-Token")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "missing or invalid join token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NodeBearer verifies the request's bearer node token against tokens, and,
// when the route carries a {id} path parameter, that the token was issued
// for that exact node. The verified node id is stashed in the context.
func NodeBearer(tokens *fabricauth.NodeTokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			pathNodeID := chi.URLParam(r, "id")
			nodeID, err := tokens.Verify(token, pathNodeID)
			if err != nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), nodeIDCtxKey, nodeID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminKey requires the X-API-Key header to match expected, comparing in
// constant time and rate-limiting repeated failures per client IP when
// limiter is non-nil.
func AdminKey(expected string, limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if limiter != nil {
				res, err := limiter.Check(r.Context(), ip)
				if err == nil && !res.Allowed {
					respondErr(w, http.StatusTooManyRequests, "rate_limited", "too many failed admin auth attempts")
					return
				}
			}

			got := r.Header.Get("X-API-Key")
			if got == "" || !hmac.Equal([]byte(got), []byte(expected)) {
				if limiter != nil {
					_ = limiter.Record(r.Context(), ip)
				}
				respondErr(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin API key")
				return
			}
			if limiter != nil {
				_ = limiter.Reset(r.Context(), ip)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}

func respondErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + jsonEscape(message) + `"}`))
}

func jsonEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
