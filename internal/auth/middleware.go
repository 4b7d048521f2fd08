// Package auth: middleware.go provides the HTTP middleware that resolves a
// Bearer token to the agent address it belongs to and injects that address
// into the request context for downstream handlers.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

// contextKeyAddress is the context key for the authenticated agent address.
const contextKeyAddress contextKey = "agent_address"

// AddressFromContext retrieves the authenticated agent address from the
// request context. Returns the empty string if the request is
// unauthenticated.
func AddressFromContext(ctx context.Context) string {
	v, _ := ctx.Value(contextKeyAddress).(string)
	return v
}

// WithAddress returns ctx carrying address as the authenticated principal.
// Exported for handler tests; RequireAuth uses it on the real request path.
func WithAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, contextKeyAddress, address)
}

// RequireAuth returns middleware that validates the Bearer token and
// injects the resolved agent address into the request context. Requests
// without a valid token receive a 401 with the relay's {error, detail}
// shape.
func RequireAuth(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Authorization header with Bearer token is required")
				return
			}

			address, err := svc.ValidateSession(r.Context(), token)
			if err != nil {
				if authErr, ok := err.(*AuthError); ok {
					writeAuthError(w, authErr.Status, authErr.Code, authErr.Message)
					return
				}
				writeAuthError(w, http.StatusInternalServerError, "internal_error", "failed to validate bearer token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAddress(r.Context(), address)))
		})
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeAuthError writes a JSON error response matching the relay's
// {error, detail} envelope. This duplicates apiutil.WriteError's shape
// rather than importing the api package, which would create a circular
// dependency since api imports auth.
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  code,
		"detail": message,
	})
}
