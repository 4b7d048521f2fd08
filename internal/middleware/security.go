// Package middleware provides the HTTP middleware chain shared by the
// relay's REST and WebSocket listener: request correlation IDs, structured
// request logging, CORS, response security headers, and request body caps.
// Rate limiting is not here: the policy chain owns every limit the relay
// enforces, and the api package applies it per-endpoint.
package middleware

import (
	"net"
	"net/http"
	"strings"
)

// SecurityHeaders sets conservative response headers on every request. The
// relay serves JSON to software agents, never HTML, so a restrictive CSP
// costs nothing.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

// CORS returns middleware that answers preflight requests and sets
// Access-Control headers for the configured origins. "*" allows every
// origin but suppresses Allow-Credentials, since the relay's bearer tokens
// travel in the Authorization header, not cookies.
func CORS(origins []string) func(http.Handler) http.Handler {
	wildcard := len(origins) == 1 && origins[0] == "*"
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if wildcard || allowed[origin] {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-Admin-Key")
				h.Set("Access-Control-Max-Age", "86400")
				if !wildcard {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodySize caps every request body at n bytes. The largest legitimate
// body the relay accepts is a 64 KiB envelope plus its JSON wrapper, so n
// can be far below a general-purpose API's limit.
func MaxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the request's client IP with any port stripped. It
// trusts r.RemoteAddr as normalized by chi's RealIP middleware and does not
// re-parse X-Forwarded-For itself, which would trust arbitrary
// client-supplied headers.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
