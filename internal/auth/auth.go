// Package auth implements bearer-token issuance and validation for
// registered agents. Tokens are opaque, relay-issued random strings handed
// back at registration and stored as issued: webhook deliveries are
// HMAC-signed with the literal token the agent holds, so the relay must be
// able to recompute with exactly that value. Tokens never appear in logs
// or JSON responses outside the one-time registration reply.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/envelope"
)

// tokenBytes is the amount of random entropy backing a bearer token before
// hex encoding, matching the registration token size named in the data
// model (32+ random bytes).
const tokenBytes = 32

// AuthError is a classified authentication failure carrying the HTTP status
// and stable error code the caller should surface.
type AuthError struct {
	Code    string
	Message string
	Status  int
}

func (e *AuthError) Error() string { return e.Message }

func errMissingOrBadToken() *AuthError {
	return &AuthError{Code: "unauthorized", Message: "invalid or expired bearer token", Status: 401}
}

// Service validates bearer tokens against registered agents and mints new
// tokens at registration time.
type Service struct {
	db     *database.DB
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(db *database.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// IssueToken generates a new random bearer token. Callers persist it on
// the agent row and return it to the agent at registration.
func IssueToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating bearer token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// ValidateSession resolves a bearer token to the address of the agent it
// belongs to, or returns an *AuthError if the token is missing, malformed,
// or does not match any active agent.
func (s *Service) ValidateSession(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errMissingOrBadToken()
	}

	agent, err := s.db.GetAgentByToken(ctx, s.db.Pool, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return "", errMissingOrBadToken()
		}
		return "", err
	}

	// The indexed lookup already matched exactly; re-compare in constant
	// time before trusting the row.
	if subtle.ConstantTimeCompare([]byte(agent.Token), []byte(token)) != 1 {
		return "", errMissingOrBadToken()
	}
	if agent.Status != "active" {
		return "", &AuthError{Code: "forbidden", Message: "agent is not active", Status: 403}
	}

	return agent.Address, nil
}

// validateAgentName checks the `name` portion of a `name::domain` address
// against the registration grammar, before it is combined with a domain and
// validated again as a full address by envelope.ValidAddress.
func validateAgentName(name string) error {
	if name == "" {
		return errors.New("agent name must not be empty")
	}
	if !envelope.ValidAddress(name + "::placeholder.invalid") {
		return errors.New("agent name must be 1-64 characters of [a-z0-9_-], starting and ending with [a-z0-9]")
	}
	return nil
}
