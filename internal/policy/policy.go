package policy

import (
	"context"
	"time"

	"github.com/uamrelay/relay/internal/models"
)

// Outcome is the result of evaluating one policy check.
type Outcome string

const (
	Allow        Outcome = "allow"
	Blocked      Outcome = "blocked"
	RateLimited  Outcome = "rate_limited"
	Unreputable  Outcome = "blocked_by_reputation"
)

// Decision is the verdict of running an envelope through the full chain.
type Decision struct {
	Outcome    Outcome
	Reason     string
	RetryAfter time.Duration
}

func allow() Decision { return Decision{Outcome: Allow} }

// RelayFederationDefaultLimit is the per-peer-relay federation ingress limit
// for a relay at the full reputation tier; lower tiers scale down
// from it the same way SendLimitForTier scales agent sender limits.
const RelayFederationDefaultLimit = 1000

// Chain runs the three-stage policy check (block/allow lookup, sliding
// window rate limits, reputation) in order, short-circuiting on the first
// rejection.
type Chain struct {
	Lists             *Lists
	Limiter           Limiter
	Reputation        *ReputationManager
	RelayReputation   *RelayReputationManager

	PerRecipientPerMinute   int
	PerIPRegistrationPerMin int
	RelayFederationLimit    int
}

// NewChain wires a Chain from its component parts and the static limits that
// don't derive from reputation tier. relayFederationLimit of 0 falls back to
// RelayFederationDefaultLimit.
func NewChain(lists *Lists, limiter Limiter, reputation *ReputationManager, relayReputation *RelayReputationManager, perRecipientPerMinute, perIPRegistrationPerMin, relayFederationLimit int) *Chain {
	if relayFederationLimit <= 0 {
		relayFederationLimit = RelayFederationDefaultLimit
	}
	return &Chain{
		Lists:                   lists,
		Limiter:                 limiter,
		Reputation:              reputation,
		RelayReputation:         relayReputation,
		PerRecipientPerMinute:   perRecipientPerMinute,
		PerIPRegistrationPerMin: perIPRegistrationPerMin,
		RelayFederationLimit:    relayFederationLimit,
	}
}

// EvaluateSend runs the chain for an outbound envelope from sender to
// recipient. Callers should run this after signature verification, since
// reputation deltas for signature failures are applied separately.
func (c *Chain) EvaluateSend(ctx context.Context, sender, recipient string) (Decision, error) {
	if c.Lists.Blocked(sender) {
		return Decision{Outcome: Blocked, Reason: "sender_blocked"}, nil
	}
	if c.Lists.Blocked(recipient) {
		return Decision{Outcome: Blocked, Reason: "recipient_blocked"}, nil
	}

	tier, err := c.Reputation.Tier(ctx, sender)
	if err != nil {
		return Decision{}, err
	}
	if tier == models.TierBlocked {
		return Decision{Outcome: Unreputable, Reason: "sender_reputation_blocked"}, nil
	}

	senderLimit := models.SendLimitForTier(tier)
	ok, err := c.Limiter.Allow(ctx, "sender:"+sender, senderLimit, time.Minute)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		retry, _ := c.Limiter.RetryAfter(ctx, "sender:"+sender, time.Minute)
		return Decision{Outcome: RateLimited, Reason: "sender_rate_limited", RetryAfter: retry}, nil
	}

	ok, err = c.Limiter.Allow(ctx, "recipient:"+recipient, c.PerRecipientPerMinute, time.Minute)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		retry, _ := c.Limiter.RetryAfter(ctx, "recipient:"+recipient, time.Minute)
		return Decision{Outcome: RateLimited, Reason: "recipient_rate_limited", RetryAfter: retry}, nil
	}

	return allow(), nil
}

// EvaluateRegistration rate-limits agent registration by client IP.
func (c *Chain) EvaluateRegistration(ctx context.Context, clientIP string) (Decision, error) {
	ok, err := c.Limiter.Allow(ctx, "register-ip:"+clientIP, c.PerIPRegistrationPerMin, time.Minute)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		retry, _ := c.Limiter.RetryAfter(ctx, "register-ip:"+clientIP, time.Minute)
		return Decision{Outcome: RateLimited, Reason: "registration_rate_limited", RetryAfter: retry}, nil
	}
	return allow(), nil
}

// EvaluateFederationIngress gates an inbound federated envelope from
// peerDomain before it enters the routing core.
func (c *Chain) EvaluateFederationIngress(ctx context.Context, peerDomain string) (Decision, error) {
	if c.Lists.RelayBlocked(peerDomain) {
		return Decision{Outcome: Blocked, Reason: "peer_relay_blocked"}, nil
	}

	tier, err := c.RelayReputation.Tier(ctx, peerDomain)
	if err != nil {
		return Decision{}, err
	}
	if tier == models.RelayTierBlocked {
		return Decision{Outcome: Unreputable, Reason: "peer_relay_reputation_blocked"}, nil
	}

	limit := relaySendLimitForTier(tier, c.RelayFederationLimit)
	ok, err := c.Limiter.Allow(ctx, "peer-relay:"+peerDomain, limit, time.Minute)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		retry, _ := c.Limiter.RetryAfter(ctx, "peer-relay:"+peerDomain, time.Minute)
		return Decision{Outcome: RateLimited, Reason: "peer_relay_rate_limited", RetryAfter: retry}, nil
	}
	return allow(), nil
}

// relaySendLimitForTier scales the configured full-tier federation ingress
// limit down the same proportions as SendLimitForTier scales the 60/minute
// agent default, so "normal" peer relays get half the full rate and
// "throttled" peers get a sixth of it.
func relaySendLimitForTier(t models.RelayReputationTier, fullLimit int) int {
	switch t {
	case models.RelayTierFull:
		return fullLimit
	case models.RelayTierNormal:
		return fullLimit / 2
	case models.RelayTierThrottled:
		return fullLimit / 6
	default:
		return 0
	}
}
