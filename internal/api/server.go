// Package api implements the relay's HTTP surface using the chi router: the
// /api/v1 REST endpoints, the /ws push channel, the admin namespace, and
// the liveness/metrics endpoints. Handlers translate between the wire's
// {error, detail} shape and the typed results the routing core, policy
// chain, and persistence layer return.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/uamrelay/relay/internal/auth"
	"github.com/uamrelay/relay/internal/config"
	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/domainverify"
	"github.com/uamrelay/relay/internal/events"
	"github.com/uamrelay/relay/internal/federation"
	"github.com/uamrelay/relay/internal/gateway"
	"github.com/uamrelay/relay/internal/middleware"
	"github.com/uamrelay/relay/internal/policy"
	"github.com/uamrelay/relay/internal/routing"
	"github.com/uamrelay/relay/internal/session"
)

// maxRequestBody caps request bodies: a 64 KiB envelope plus generous JSON
// wrapper overhead.
const maxRequestBody = 128 * 1024

// Server is the relay's HTTP server. It owns the router and holds
// references to every service a handler touches.
type Server struct {
	Router *chi.Mux

	DB           *database.DB
	Config       *config.Config
	Auth         *auth.Service
	Gateway      *gateway.Manager
	Routing      *routing.Core
	Chain        *policy.Chain
	Reputation   *policy.ReputationManager
	RelayRep     *policy.RelayReputationManager
	DomainVerify *domainverify.Service
	Federation   *federation.Service
	Sessions     *session.Manager
	Bus          *events.Bus

	Version string
	Logger  *slog.Logger

	server *http.Server
}

// Deps bundles the constructor dependencies for NewServer. Federation is
// nil when federation is disabled by configuration; Bus is nil when NATS is
// not configured.
type Deps struct {
	DB           *database.DB
	Config       *config.Config
	Auth         *auth.Service
	Gateway      *gateway.Manager
	Routing      *routing.Core
	Chain        *policy.Chain
	Reputation   *policy.ReputationManager
	RelayRep     *policy.RelayReputationManager
	DomainVerify *domainverify.Service
	Federation   *federation.Service
	Sessions     *session.Manager
	Bus          *events.Bus
	Version      string
	Logger       *slog.Logger
}

// NewServer creates the API server with all routes and middleware
// registered.
func NewServer(d Deps) *Server {
	s := &Server{
		Router:       chi.NewRouter(),
		DB:           d.DB,
		Config:       d.Config,
		Auth:         d.Auth,
		Gateway:      d.Gateway,
		Routing:      d.Routing,
		Chain:        d.Chain,
		Reputation:   d.Reputation,
		RelayRep:     d.RelayRep,
		DomainVerify: d.DomainVerify,
		Federation:   d.Federation,
		Sessions:     d.Sessions,
		Bus:          d.Bus,
		Version:      d.Version,
		Logger:       d.Logger,
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// registerMiddleware adds the global middleware chain to the router.
func (s *Server) registerMiddleware() {
	s.Router.Use(chimw.RealIP)
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RequestLogger(s.Logger))
	s.Router.Use(chimw.Recoverer)
	s.Router.Use(middleware.SecurityHeaders)
	s.Router.Use(middleware.CORS(s.Config.HTTP.CORSOrigins))
	s.Router.Use(chimw.Compress(5))
	s.Router.Use(middleware.MaxBodySize(maxRequestBody))
}

// registerRoutes mounts every endpoint on the router.
func (s *Server) registerRoutes() {
	s.Router.Get("/health", s.handleHealth)
	s.Router.Get("/metrics", s.handleMetrics)
	s.Router.Get("/ws", s.handleWS)

	if s.Federation != nil {
		s.Router.Get("/.well-known/uam-relay.json", s.Federation.HandleWellKnown)
	}

	s.Router.Route("/api/v1", func(r chi.Router) {
		// Public endpoints.
		r.With(s.registrationRateLimit).Post("/register", s.handleRegister)
		r.Get("/agents/{address}/public-key", s.handleGetPublicKey)

		if s.Federation != nil {
			r.Post("/federation/deliver", s.Federation.HandleDeliver)
		} else {
			r.Post("/federation/deliver", stubHandler("federation is disabled on this relay"))
		}

		// Ephemeral demo-widget sessions: relay-held keys, no registration.
		if s.Sessions != nil {
			r.With(s.demoRateLimit).Post("/demo/sessions", s.handleCreateDemoSession)
			r.Get("/demo/sessions/{sessionID}/messages", s.handleDemoMessages)
			r.Delete("/demo/sessions/{sessionID}", s.handleEndDemoSession)
		}

		// Bearer-authenticated endpoints.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(s.Auth))

			r.Post("/send", s.handleSend)
			r.Get("/inbox/{address}", s.handleInbox)
			r.Get("/messages/thread/{threadID}", s.handleThread)
			r.Post("/messages/{messageID}/receipt", s.handleReceipt)
			r.Get("/agents/{address}/presence", s.handlePresence)
			r.With(s.domainVerifyRateLimit).Post("/verify-domain", s.handleVerifyDomain)

			r.Route("/agents/{address}/webhook", func(r chi.Router) {
				r.Put("/", s.handleSetWebhook)
				r.Get("/", s.handleGetWebhook)
				r.Delete("/", s.handleDeleteWebhook)
				r.Get("/deliveries", s.handleWebhookDeliveries)
			})
		})

		// Admin namespace, shared-secret guarded.
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdminKey)

			r.Get("/health", s.handleAdminHealth)
			r.Get("/audit-log", s.handleAdminAuditLog)

			r.Get("/blocklist", s.handleAdminListBlocklist)
			r.Post("/blocklist", s.handleAdminAddBlocklist)
			r.Delete("/blocklist/{id}", s.handleAdminRemoveBlocklist)

			r.Get("/allowlist", s.handleAdminListAllowlist)
			r.Post("/allowlist", s.handleAdminAddAllowlist)
			r.Delete("/allowlist/{id}", s.handleAdminRemoveAllowlist)

			r.Get("/reputation/{address}", s.handleAdminGetReputation)
			r.Put("/reputation/{address}", s.handleAdminSetReputation)
			r.Get("/relays/{domain}/reputation", s.handleAdminGetRelayReputation)

			r.Get("/agents/{address}", s.handleAdminGetAgent)
			r.Post("/agents/{address}/suspend", s.handleAdminSuspendAgent)
			r.Post("/agents/{address}/unsuspend", s.handleAdminUnsuspendAgent)
		})
	})
}

// Start begins listening on the configured address and blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.Config.HTTP.Listen,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: the /ws endpoint holds its connection open for
		// the lifetime of the agent's session.
		IdleTimeout: 120 * time.Second,
	}

	s.Logger.Info("http server starting", slog.String("listen", s.Config.HTTP.Listen))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("http server shutting down")
	return s.server.Shutdown(ctx)
}

// stubHandler responds 501 for endpoints that are configured off.
func stubHandler(detail string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotImplemented, "not_implemented", detail)
	}
}
