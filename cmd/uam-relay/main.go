// Package main is the relay's CLI entrypoint. The serve command loads
// configuration, connects to PostgreSQL (and optionally NATS and Redis),
// runs pending migrations, loads or generates the relay's own Ed25519
// keypair, wires the routing core, policy chain, and background workers,
// and starts the combined REST + WebSocket listener with graceful shutdown
// on SIGINT/SIGTERM. migrate and version are the other subcommands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/uamrelay/relay/internal/api"
	"github.com/uamrelay/relay/internal/auth"
	"github.com/uamrelay/relay/internal/config"
	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/domainverify"
	"github.com/uamrelay/relay/internal/events"
	"github.com/uamrelay/relay/internal/federation"
	"github.com/uamrelay/relay/internal/gateway"
	"github.com/uamrelay/relay/internal/policy"
	"github.com/uamrelay/relay/internal/routing"
	"github.com/uamrelay/relay/internal/session"
	"github.com/uamrelay/relay/internal/webhook"
	"github.com/uamrelay/relay/internal/workers"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("uam-relay - federated agent-messaging relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  uam-relay <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the relay")
	fmt.Println("  migrate   Run database migrations (up | down | status)")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  uam-relay.toml (or set UAM_CONFIG_PATH)")
	fmt.Println("  Env keys:     DATABASE_URL, UAM_RELAY_DOMAIN, UAM_ADMIN_API_KEY, ...")
}

func configPath() string {
	if p := os.Getenv("UAM_CONFIG_PATH"); p != "" {
		return p
	}
	return "uam-relay.toml"
}

// setupLogger builds the root slog.Logger from the configured level and
// format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// runServe starts the full relay.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting relay",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath), slog.String("domain", cfg.Relay.Domain))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database and schema.
	db, err := database.New(rootCtx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MinConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// The relay's own signing identity.
	relayPriv, relayPub, err := federation.LoadOrGenerateKeyPair(cfg.Relay.KeyPath)
	if err != nil {
		return fmt.Errorf("loading relay keypair: %w", err)
	}

	// Optional NATS wake-up bus; without it the workers run purely on
	// their poll tickers.
	var bus *events.Bus
	if cfg.NATS.URL != "" {
		bus, err = events.New(cfg.NATS.URL, logger)
		if err != nil {
			logger.Warn("nats unavailable, workers will poll without nudges", slog.String("error", err.Error()))
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	// Optional Redis-backed rate limiting; in-memory sliding windows
	// otherwise.
	var limiter policy.Limiter
	if cfg.Cache.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(rootCtx).Err(); err != nil {
			logger.Warn("redis unavailable, falling back to in-memory rate limiting", slog.String("error", err.Error()))
			client.Close()
			memLimiter := policy.NewMemoryLimiter()
			defer memLimiter.Close()
			limiter = memLimiter
		} else {
			defer client.Close()
			limiter = policy.NewRedisLimiter(client)
		}
	} else {
		memLimiter := policy.NewMemoryLimiter()
		defer memLimiter.Close()
		limiter = memLimiter
	}

	// Policy chain.
	lists := policy.NewLists(db)
	if err := lists.Reload(rootCtx); err != nil {
		return fmt.Errorf("loading block/allow lists: %w", err)
	}
	reputation := policy.NewReputationManager(db, logger, cfg.Reputation.DefaultScore, cfg.Reputation.DNSVerifiedScore)
	relayRep := policy.NewRelayReputationManager(db, logger, cfg.Reputation.DefaultScore)
	chain := policy.NewChain(lists, limiter, reputation, relayRep,
		cfg.RateLimit.PerRecipientPerMinute, cfg.RateLimit.PerIPRegistrationPerMin, cfg.Federation.DefaultRateLimit)

	// Connection manager; disconnects persist the agent's last-seen stamp.
	gw := gateway.New(logger, func(ctx context.Context, address string) {
		touchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.TouchLastSeen(touchCtx, db.Pool, address); err != nil {
			logger.Error("touching last seen on disconnect", slog.String("address", address), slog.String("error", err.Error()))
		}
	})

	// Routing core.
	core := routing.New(db, gw, chain, reputation, cfg.Relay.Domain, logger)
	if bus != nil {
		core.SetBus(bus)
	}

	// Workers.
	deliveryTimeout, _ := cfg.Webhook.DeliveryTimeoutParsed()
	webhookWorker := webhook.NewWorker(db, reputation, logger,
		deliveryTimeout, time.Duration(cfg.Webhook.CircuitCooldownSeconds)*time.Second)

	domainVerifySvc := domainverify.NewService(db, reputation, logger, cfg.Domain.TTLHours, 10*time.Second)

	var fedSvc *federation.Service
	var fedWorker *federation.Worker
	if cfg.Federation.Enabled {
		maxAge, _ := cfg.Federation.TimestampMaxAgeParsed()
		discoveryTimeout, _ := cfg.Federation.DiscoveryTimeoutParsed()
		fedSvc = federation.New(federation.Config{
			DB:               db,
			Chain:            chain,
			RoutingCore:      core,
			Logger:           logger,
			PrivateKey:       relayPriv,
			PublicKey:        relayPub,
			Domain:           cfg.Relay.Domain,
			FederationURL:    cfg.Relay.HTTPURL + "/api/v1/federation/deliver",
			MaxHops:          cfg.Federation.MaxHops,
			TimestampMaxAge:  maxAge,
			DiscoveryTimeout: discoveryTimeout,
		})
		fedWorker = federation.NewWorker(fedSvc)
	}

	// Wake-up subscriptions: a handler that just enqueued work nudges the
	// matching poller instead of waiting out its tick.
	if bus != nil {
		if _, err := bus.Subscribe(events.SubjectWebhookEnqueued, "webhook-worker", webhookWorker.Wake); err != nil {
			logger.Warn("subscribing webhook wake-ups", slog.String("error", err.Error()))
		}
		if fedWorker != nil {
			if _, err := bus.Subscribe(events.SubjectFederationEnqueued, "federation-worker", fedWorker.Wake); err != nil {
				logger.Warn("subscribing federation wake-ups", slog.String("error", err.Error()))
			}
		}
	}

	// HTTP surface.
	server := api.NewServer(api.Deps{
		DB:           db,
		Config:       cfg,
		Auth:         auth.NewService(db, logger),
		Gateway:      gw,
		Routing:      core,
		Chain:        chain,
		Reputation:   reputation,
		RelayRep:     relayRep,
		DomainVerify: domainVerifySvc,
		Federation:   fedSvc,
		Sessions:     session.NewManager(cfg.Relay.Domain, 0, 0),
		Bus:          bus,
		Version:      version,
		Logger:       logger,
	})

	supervisor := workers.New(workers.Config{
		Gateway:          gw,
		RoutingCore:      core,
		WebhookWorker:    webhookWorker,
		DomainVerify:     domainVerifySvc,
		FederationWorker: fedWorker,
		Logger:           logger,
	})

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return supervisor.Run(ctx)
	})
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("relay started",
		slog.String("listen", cfg.HTTP.Listen),
		slog.Bool("federation", cfg.Federation.Enabled),
	)

	err = g.Wait()
	logger.Info("relay stopped")
	return err
}

// runMigrate handles the migrate subcommand: up (default), down, status.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) > 2 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		version, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("version: %d, dirty: %v\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action %q (want up, down, or status)", action)
	}
}

func runVersion() {
	fmt.Printf("uam-relay %s (commit %s, built %s)\n", version, commit, buildDate)
}
