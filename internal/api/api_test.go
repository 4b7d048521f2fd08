package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alexedwards/argon2id"

	"github.com/uamrelay/relay/internal/config"
	"github.com/uamrelay/relay/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(adminKey string) *Server {
	cfg := &config.Config{}
	cfg.Relay.Domain = "relay.test"
	cfg.Relay.HTTPURL = "https://relay.test"
	cfg.Relay.WSURL = "wss://relay.test/ws"
	cfg.Admin.Key = adminKey
	return &Server{Config: cfg, Logger: testLogger()}
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) (kind, detail string) {
	t.Helper()
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return body.Error, body.Detail
}

func TestRequireAdminKeyUnconfigured(t *testing.T) {
	s := testServer("")
	handler := s.requireAdminKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a configured admin key")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRequireAdminKeyWrongOrMissing(t *testing.T) {
	s := testServer("super-secret")
	handler := s.requireAdminKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run with a bad admin key")
	}))

	for _, key := range []string{"", "wrong", "super-secret-but-longer"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/health", nil)
		if key != "" {
			req.Header.Set(AdminKeyHeader, key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, rec.Code)
		}
		if kind, _ := decodeErrorBody(t, rec); kind != "unauthorized" {
			t.Errorf("key %q: error kind = %q, want unauthorized", key, kind)
		}
	}
}

func TestRequireAdminKeyCorrect(t *testing.T) {
	s := testServer("super-secret")
	called := false
	handler := s.requireAdminKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/health", nil)
	req.Header.Set(AdminKeyHeader, "super-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called || rec.Code != http.StatusOK {
		t.Errorf("called = %v, status = %d; want handler to run with 200", called, rec.Code)
	}
}

func TestRequireAdminKeyHashedConfig(t *testing.T) {
	hash, err := argon2id.CreateHash("super-secret", argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("creating admin key hash: %v", err)
	}
	s := testServer(hash)

	called := false
	handler := s.requireAdminKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/health", nil)
	req.Header.Set(AdminKeyHeader, "super-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !called || rec.Code != http.StatusOK {
		t.Errorf("hashed config: called = %v, status = %d; want handler to run with 200", called, rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/health", nil)
	req.Header.Set(AdminKeyHeader, "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("hashed config with wrong key: status = %d, want 401", rec.Code)
	}
}

func TestRejectionWire(t *testing.T) {
	tests := []struct {
		reason     string
		wantStatus int
		wantKind   string
	}{
		{"sender_mismatch", http.StatusForbidden, "forbidden"},
		{"unknown_sender", http.StatusForbidden, "forbidden"},
		{"signature_verification", http.StatusBadRequest, "signature_verification"},
		{"invalid_envelope", http.StatusBadRequest, "invalid_envelope"},
		{"duplicate_message_id", http.StatusConflict, "conflict"},
		{"sender_rate_limited", http.StatusTooManyRequests, "rate_limited"},
		{"recipient_rate_limited", http.StatusTooManyRequests, "rate_limited"},
		{"sender_blocked", http.StatusForbidden, "forbidden"},
		{"sender_reputation_blocked", http.StatusForbidden, "forbidden"},
		{"something_else", http.StatusBadRequest, "something_else"},
	}
	for _, tc := range tests {
		status, kind := rejectionWire(tc.reason)
		if status != tc.wantStatus || kind != tc.wantKind {
			t.Errorf("rejectionWire(%q) = (%d, %q), want (%d, %q)",
				tc.reason, status, kind, tc.wantStatus, tc.wantKind)
		}
	}
}

func TestHandleSendRejectsMalformedEnvelope(t *testing.T) {
	s := testServer("")

	body := bytes.NewBufferString(`{"envelope": {"version": 1}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/send", body)
	rec := httptest.NewRecorder()
	s.handleSend(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if kind, _ := decodeErrorBody(t, rec); kind != "invalid_envelope" {
		t.Errorf("error kind = %q, want invalid_envelope", kind)
	}
}

func TestHandleSendRejectsOversizedEnvelope(t *testing.T) {
	s := testServer("")

	huge := strings.Repeat("a", 70*1024)
	id, _ := models.NewMessageID()
	payload := fmt.Sprintf(`{"envelope": {"version":1,"message_id":%q,"from":"a::x.test","to":"b::x.test","type":"message","nonce":"n","timestamp":"t","payload":%q,"signature":"s"}}`, id, huge)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/send", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	s.handleSend(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if kind, _ := decodeErrorBody(t, rec); kind != "envelope_too_large" {
		t.Errorf("error kind = %q, want envelope_too_large", kind)
	}
}

func TestHandleRegisterRejectsBadInput(t *testing.T) {
	s := testServer("")

	tests := []struct {
		name     string
		body     string
		wantKind string
	}{
		{"not json", `{{{`, "invalid_body"},
		{"missing name", `{"public_key": "x"}`, "invalid_body"},
		{"missing key", `{"agent_name": "alice"}`, "invalid_body"},
		{"uppercase name", `{"agent_name": "Alice", "public_key": "x"}`, "invalid_address"},
		{"name with spaces", `{"agent_name": "al ice", "public_key": "x"}`, "invalid_address"},
		{"bad key encoding", `{"agent_name": "alice", "public_key": "@@@"}`, "invalid_body"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/register", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			s.handleRegister(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if kind, _ := decodeErrorBody(t, rec); kind != tc.wantKind {
				t.Errorf("error kind = %q, want %q", kind, tc.wantKind)
			}
		})
	}
}

func TestListScope(t *testing.T) {
	if scope, ok := listScope(""); !ok || scope != models.ScopeAgent {
		t.Errorf("listScope(\"\") = (%v, %v), want agent default", scope, ok)
	}
	if scope, ok := listScope("relay"); !ok || scope != models.ScopeRelay {
		t.Errorf("listScope(relay) = (%v, %v), want relay", scope, ok)
	}
	if _, ok := listScope("bogus"); ok {
		t.Error("listScope(bogus) accepted")
	}
}
