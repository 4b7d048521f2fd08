package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/uamrelay/relay/internal/auth"
	"github.com/uamrelay/relay/internal/config"
	"github.com/uamrelay/relay/internal/policy"
)

func rateLimitedServer(perIP, perDomainVerify int) *Server {
	limiter := policy.NewMemoryLimiter()
	chain := policy.NewChain(nil, limiter, nil, nil, 100, perIP, 0)

	cfg := &config.Config{}
	cfg.Relay.Domain = "relay.test"
	cfg.Domain.RateLimit = perDomainVerify
	return &Server{Config: cfg, Chain: chain, Logger: testLogger()}
}

func TestRegistrationRateLimitPerIP(t *testing.T) {
	s := rateLimitedServer(5, 10)
	handler := s.registrationRateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/register", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 5; i++ {
		if code := send("198.51.100.7:1234"); code != http.StatusCreated {
			t.Fatalf("request %d: status = %d, want 201", i+1, code)
		}
	}
	if code := send("198.51.100.7:1234"); code != http.StatusTooManyRequests {
		t.Errorf("sixth request: status = %d, want 429", code)
	}

	// A different client IP has its own window.
	if code := send("198.51.100.8:1234"); code != http.StatusCreated {
		t.Errorf("other IP: status = %d, want 201", code)
	}
}

func TestRegistrationRateLimitSetsRetryAfter(t *testing.T) {
	s := rateLimitedServer(1, 10)
	handler := s.registrationRateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/register", nil)
	req.RemoteAddr = "203.0.113.5:9"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
	if kind, _ := decodeErrorBody(t, rec); kind != "rate_limited" {
		t.Errorf("error kind = %q, want rate_limited", kind)
	}
}

func TestDomainVerifyRateLimitPerAgent(t *testing.T) {
	s := rateLimitedServer(5, 2)
	handler := s.domainVerifyRateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(address string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/verify-domain", nil)
		req = req.WithContext(auth.WithAddress(req.Context(), address))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if send("alice::relay.test") != http.StatusOK || send("alice::relay.test") != http.StatusOK {
		t.Fatal("first two verification attempts should pass")
	}
	if code := send("alice::relay.test"); code != http.StatusTooManyRequests {
		t.Errorf("third attempt: status = %d, want 429", code)
	}
	if code := send("bob::relay.test"); code != http.StatusOK {
		t.Errorf("other agent: status = %d, want 200", code)
	}
}
