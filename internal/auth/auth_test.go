package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateAgentName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "alice", false},
		{"valid with numbers", "alice123", false},
		{"valid with underscores", "alice_bob", false},
		{"valid with hyphens", "alice-bob", false},
		{"single char", "a", false},
		{"empty", "", true},
		{"has spaces", "alice bob", true},
		{"has special chars", "alice@bob", true},
		{"uppercase", "Alice", true},
		{"leading hyphen", "-alice", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateAgentName(tc.input)
			if (err != nil) != tc.wantErr {
				t.Errorf("validateAgentName(%q) error = %v, wantErr = %v", tc.input, err, tc.wantErr)
			}
		})
	}
}

func TestIssueToken(t *testing.T) {
	tok, err := IssueToken()
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	// 32 random bytes, hex encoded.
	if len(tok) != 64 {
		t.Fatalf("token length = %d, want 64", len(tok))
	}

	other, err := IssueToken()
	if err != nil {
		t.Fatalf("IssueToken() second call error = %v", err)
	}
	if other == tok {
		t.Error("two issued tokens must not collide")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid bearer", "Bearer abc123", "abc123"},
		{"case insensitive", "bearer abc123", "abc123"},
		{"BEARER", "BEARER abc123", "abc123"},
		{"with spaces in token", "Bearer  abc123 ", "abc123"},
		{"empty", "", ""},
		{"no bearer prefix", "Token abc123", ""},
		{"bearer only", "Bearer", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got := extractBearerToken(req)
			if got != tc.want {
				t.Errorf("extractBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}

func TestAddressFromContext(t *testing.T) {
	ctx := WithAddress(context.Background(), "agent::example.com")
	if got := AddressFromContext(ctx); got != "agent::example.com" {
		t.Errorf("AddressFromContext = %q, want %q", got, "agent::example.com")
	}

	if got := AddressFromContext(context.Background()); got != "" {
		t.Errorf("AddressFromContext(empty) = %q, want empty", got)
	}
}

func TestWriteAuthError(t *testing.T) {
	w := httptest.NewRecorder()
	writeAuthError(w, http.StatusUnauthorized, "unauthorized", "test message")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestAuthError_Error(t *testing.T) {
	err := &AuthError{Code: "test", Message: "test message", Status: 401}
	if got := err.Error(); got != "test message" {
		t.Errorf("Error() = %q, want %q", got, "test message")
	}
}
