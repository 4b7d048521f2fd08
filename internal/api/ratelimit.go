package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/uamrelay/relay/internal/auth"
	"github.com/uamrelay/relay/internal/middleware"
	"github.com/uamrelay/relay/internal/policy"
)

// registrationRateLimit gates POST /register by client IP through the
// policy chain's per-IP registration window (default 5/minute).
func (s *Server) registrationRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := s.Chain.EvaluateRegistration(r.Context(), middleware.ClientIP(r))
		if err != nil {
			s.Logger.Error("registration rate limit check failed", "error", err.Error())
			next.ServeHTTP(w, r)
			return
		}
		if decision.Outcome != policy.Allow {
			writeRateLimited(w, decision)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// demoRateLimit bounds demo-session creation per client IP with the same
// window registration uses; demo sessions are strictly cheaper than real
// registrations but mint relay-held keys, so they get no more slack.
func (s *Server) demoRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := s.Chain.Limiter.Allow(r.Context(), "demo-ip:"+middleware.ClientIP(r), s.Chain.PerIPRegistrationPerMin, time.Minute)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			retry, _ := s.Chain.Limiter.RetryAfter(r.Context(), "demo-ip:"+middleware.ClientIP(r), time.Minute)
			writeRateLimited(w, policy.Decision{Outcome: policy.RateLimited, Reason: "demo_session_rate_limited", RetryAfter: retry})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// domainVerifyRateLimit bounds how often one agent can trigger outbound DNS
// and HTTPS lookups via POST /verify-domain. The window is an hour: domain
// records change slowly and each check costs the relay outbound requests.
func (s *Server) domainVerifyRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := auth.AddressFromContext(r.Context())
		key := "verify-domain:" + address
		ok, err := s.Chain.Limiter.Allow(r.Context(), key, s.Config.Domain.RateLimit, time.Hour)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			retry, _ := s.Chain.Limiter.RetryAfter(r.Context(), key, time.Hour)
			writeRateLimited(w, policy.Decision{Outcome: policy.RateLimited, Reason: "domain_verification_rate_limited", RetryAfter: retry})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeRateLimited sends the 429 response for a rate-limit decision,
// naming the limit that triggered and how long to back off.
func writeRateLimited(w http.ResponseWriter, decision policy.Decision) {
	retryAfter := decision.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
	writeError(w, http.StatusTooManyRequests, "rate_limited", decision.Reason)
}
