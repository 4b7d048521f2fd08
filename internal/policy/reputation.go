package policy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/models"
)

// Score deltas applied on specific events, per the Open Question decision
// recorded in the design notes: delivery succeeds, a send is rejected by
// policy, an authenticated sender's signature fails verification, a
// webhook's circuit breaker opens, or domain verification succeeds/degrades.
const (
	DeltaDelivered             = 1
	DeltaRejectedByPolicy      = -2
	DeltaSignatureFailure      = -5
	DeltaWebhookCircuitOpened  = -3
	DeltaDomainVerifyDowngrade = -10
)

// ReputationManager keeps an in-memory read-through cache of per-address
// reputation scores synchronized with the store, and applies the fixed
// score-delta events.
type ReputationManager struct {
	db     *database.DB
	logger *slog.Logger

	defaultScore     int
	dnsVerifiedScore int

	mu    sync.RWMutex
	cache map[string]*models.Reputation
}

// NewReputationManager creates a ReputationManager. defaultScore is the
// starting score for newly seen agents; dnsVerifiedScore is the baseline a
// successful domain verification sets outright.
func NewReputationManager(db *database.DB, logger *slog.Logger, defaultScore, dnsVerifiedScore int) *ReputationManager {
	return &ReputationManager{
		db:               db,
		logger:           logger,
		defaultScore:     defaultScore,
		dnsVerifiedScore: dnsVerifiedScore,
		cache:            make(map[string]*models.Reputation),
	}
}

// Get returns address's current reputation, consulting the cache first and
// falling back to the store (which itself falls back to a transient default
// for unseen addresses).
func (m *ReputationManager) Get(ctx context.Context, address string) (*models.Reputation, error) {
	m.mu.RLock()
	cached, ok := m.cache[address]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	rep, err := m.db.GetReputation(ctx, m.db.Pool, address, m.defaultScore)
	if err != nil {
		return nil, err
	}
	m.store(rep)
	return rep, nil
}

// Tier returns address's current ReputationTier.
func (m *ReputationManager) Tier(ctx context.Context, address string) (models.ReputationTier, error) {
	rep, err := m.Get(ctx, address)
	if err != nil {
		return "", err
	}
	return models.TierForScore(rep.Score), nil
}

func (m *ReputationManager) store(rep *models.Reputation) {
	m.mu.Lock()
	m.cache[rep.Address] = rep
	m.mu.Unlock()
}

func (m *ReputationManager) invalidate(address string) {
	m.mu.Lock()
	delete(m.cache, address)
	m.mu.Unlock()
}

// Adjust applies delta to address's score and invalidates the cached entry
// so the next Get re-reads the authoritative row from the store. reason is
// logged alongside the tier transition, if any.
func (m *ReputationManager) Adjust(ctx context.Context, address string, delta int, reason string) error {
	before, _ := m.Get(ctx, address)
	if err := m.db.AdjustReputation(ctx, m.db.Pool, address, delta, m.defaultScore); err != nil {
		return err
	}
	m.invalidate(address)
	m.logTransition(ctx, address, before, reason)
	return nil
}

// RecordRejection records a policy rejection against address, applying the
// configured penalty and bumping the rejected-message counter.
func (m *ReputationManager) RecordRejection(ctx context.Context, address string, penalty int, reason string) error {
	before, _ := m.Get(ctx, address)
	if err := m.db.RecordRejection(ctx, m.db.Pool, address, penalty, m.defaultScore); err != nil {
		return err
	}
	m.invalidate(address)
	m.logTransition(ctx, address, before, reason)
	return nil
}

// IncrementMessagesSent bumps address's sent counter without affecting score.
func (m *ReputationManager) IncrementMessagesSent(ctx context.Context, address string) error {
	if err := m.db.IncrementMessagesSent(ctx, m.db.Pool, address, m.defaultScore); err != nil {
		return err
	}
	m.invalidate(address)
	return nil
}

// SetVerifiedBaseline sets address's score outright to the DNS-verified
// baseline (not a delta), called on successful domain verification.
func (m *ReputationManager) SetVerifiedBaseline(ctx context.Context, address string) error {
	before, _ := m.Get(ctx, address)
	beforeScore := m.defaultScore
	if before != nil {
		beforeScore = before.Score
	}
	delta := m.dnsVerifiedScore - beforeScore
	if err := m.db.AdjustReputation(ctx, m.db.Pool, address, delta, m.defaultScore); err != nil {
		return err
	}
	m.invalidate(address)
	m.logTransition(ctx, address, before, "domain_verification_success")
	return nil
}

func (m *ReputationManager) logTransition(ctx context.Context, address string, before *models.Reputation, reason string) {
	after, err := m.Get(ctx, address)
	if err != nil {
		return
	}
	beforeTier := models.TierForScore(m.defaultScore)
	if before != nil {
		beforeTier = models.TierForScore(before.Score)
	}
	afterTier := models.TierForScore(after.Score)
	if beforeTier != afterTier {
		m.logger.Info("policy: reputation tier transition",
			slog.String("address", address),
			slog.String("reason", reason),
			slog.String("from_tier", string(beforeTier)),
			slog.String("to_tier", string(afterTier)),
			slog.Int("score", after.Score))
	}
}

// RelayReputationManager mirrors ReputationManager for peer relay domains,
// gating federation ingress instead of per-address sends.
type RelayReputationManager struct {
	db               *database.DB
	logger           *slog.Logger
	defaultScore     int

	mu    sync.RWMutex
	cache map[string]*models.RelayReputation
}

// NewRelayReputationManager creates a RelayReputationManager.
func NewRelayReputationManager(db *database.DB, logger *slog.Logger, defaultScore int) *RelayReputationManager {
	return &RelayReputationManager{
		db:           db,
		logger:       logger,
		defaultScore: defaultScore,
		cache:        make(map[string]*models.RelayReputation),
	}
}

// Get returns domain's current relay reputation.
func (m *RelayReputationManager) Get(ctx context.Context, domain string) (*models.RelayReputation, error) {
	m.mu.RLock()
	cached, ok := m.cache[domain]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}
	rep, err := m.db.GetRelayReputation(ctx, m.db.Pool, domain, m.defaultScore)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[domain] = rep
	m.mu.Unlock()
	return rep, nil
}

// Tier returns domain's current RelayReputationTier.
func (m *RelayReputationManager) Tier(ctx context.Context, domain string) (models.RelayReputationTier, error) {
	rep, err := m.Get(ctx, domain)
	if err != nil {
		return "", err
	}
	return models.RelayTierForScore(rep.Score), nil
}

// Adjust applies delta to domain's score and invalidates the cache.
func (m *RelayReputationManager) Adjust(ctx context.Context, domain string, delta int) error {
	if err := m.db.AdjustRelayReputation(ctx, m.db.Pool, domain, delta, m.defaultScore); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, domain)
	m.mu.Unlock()
	return nil
}

// RecordRejection records a policy rejection against a peer relay.
func (m *RelayReputationManager) RecordRejection(ctx context.Context, domain string, penalty int) error {
	if err := m.db.RecordRelayRejection(ctx, m.db.Pool, domain, penalty, m.defaultScore); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, domain)
	m.mu.Unlock()
	return nil
}
