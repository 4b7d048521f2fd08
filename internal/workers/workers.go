// Package workers supervises every long-running background loop the relay
// runs alongside its HTTP/WebSocket listener: the gateway heartbeat sweep,
// the message expiry sweeper, the webhook delivery worker, the domain
// reverification poller, and the outbound federation retry worker. All of
// them share the same run-until-cancelled shape, so they are supervised
// together under a single errgroup.Group.
package workers

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/uamrelay/relay/internal/domainverify"
	"github.com/uamrelay/relay/internal/federation"
	"github.com/uamrelay/relay/internal/gateway"
	"github.com/uamrelay/relay/internal/routing"
	"github.com/uamrelay/relay/internal/webhook"
)

// Supervisor owns every background loop and runs them under one cancellable
// group, so that any one loop's unexpected return tears the rest down too.
type Supervisor struct {
	gw               *gateway.Manager
	routingCore      *routing.Core
	webhookWorker    *webhook.Worker
	domainverifySvc  *domainverify.Service
	federationWorker *federation.Worker
	logger           *slog.Logger
}

// Config bundles the services whose background loops the Supervisor runs.
// FederationWorker is nil when federation is disabled by configuration.
type Config struct {
	Gateway          *gateway.Manager
	RoutingCore      *routing.Core
	WebhookWorker    *webhook.Worker
	DomainVerify     *domainverify.Service
	FederationWorker *federation.Worker
	Logger           *slog.Logger
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		gw:               cfg.Gateway,
		routingCore:      cfg.RoutingCore,
		webhookWorker:    cfg.WebhookWorker,
		domainverifySvc:  cfg.DomainVerify,
		federationWorker: cfg.FederationWorker,
		logger:           cfg.Logger,
	}
}

// Run starts every background loop and blocks until one of them returns an
// error or ctx is cancelled, at which point it cancels the rest and waits
// for them to unwind before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.gw.RunHeartbeat(ctx)
	})
	g.Go(func() error {
		return s.routingCore.RunSweeper(ctx)
	})
	g.Go(func() error {
		return s.webhookWorker.Run(ctx)
	})
	g.Go(func() error {
		return s.domainverifySvc.RunReverifier(ctx)
	})
	if s.federationWorker != nil {
		g.Go(func() error {
			return s.federationWorker.Run(ctx)
		})
	}

	s.logger.Info("workers: background loops started")
	err := g.Wait()
	s.logger.Info("workers: background loops stopped")
	return err
}
