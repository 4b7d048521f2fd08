// Package models defines the persisted and in-memory entity types shared
// across the relay: agents, messages, trust and policy records, and the
// federation/audit trail. Types carry JSON tags for wire serialization and
// match the PostgreSQL schema in internal/database/migrations exactly.
package models

import (
	"encoding/json"
	"time"
)

// AgentStatus is the lifecycle state of a registered Agent.
type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentSuspended   AgentStatus = "suspended"
	AgentDeactivated AgentStatus = "deactivated"
)

// Agent is the registered identity: address, Ed25519 public key, and the
// opaque bearer token issued at registration. The token is stored as
// issued because webhook deliveries are HMAC-signed with the literal token
// the agent holds; it is never serialized to JSON.
type Agent struct {
	ID            ULID        `json:"id"`
	Address       string      `json:"address"`
	Domain        string      `json:"domain"`
	PublicKey     string      `json:"public_key"`
	Token         string      `json:"-"`
	WebhookURL    *string     `json:"webhook_url,omitempty"`
	WebhookMeta   json.RawMessage `json:"-"`
	Status        AgentStatus `json:"status"`
	Tier          int         `json:"tier"`
	LastSeenAt    *time.Time  `json:"last_seen_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	DeletedAt     *time.Time  `json:"-"`
}

// MessageStatus is the lifecycle state of a queued Message.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageDelivered MessageStatus = "delivered"
	MessageExpired   MessageStatus = "expired"
)

// Message is a queued envelope awaiting delivery or already delivered.
// MessageID is a UUIDv7, monotonic within a sender.
type Message struct {
	MessageID   MessageID     `json:"message_id"`
	FromAddress string        `json:"from_address"`
	ToAddress   string        `json:"to_address"`
	Envelope    json.RawMessage `json:"envelope"`
	ThreadID    *string       `json:"thread_id,omitempty"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	DeletedAt   *time.Time    `json:"-"`
}

// SeenMessageID is a replay-prevention record. Its presence in the store
// means the (message_id) has already been accepted once.
type SeenMessageID struct {
	MessageID MessageID `json:"message_id"`
	From      string    `json:"from_address"`
	SeenAt    time.Time `json:"seen_at"`
}

// HandshakeStatus is the lifecycle state of a Handshake.
type HandshakeStatus string

const (
	HandshakePending  HandshakeStatus = "pending"
	HandshakeApproved HandshakeStatus = "approved"
	HandshakeDenied   HandshakeStatus = "denied"
	HandshakeExpired  HandshakeStatus = "expired"
)

// Handshake is a pending first-contact request carrying the sender's
// contact card.
type Handshake struct {
	ID          ULID            `json:"id"`
	From        string          `json:"from_address"`
	To          string          `json:"to_address"`
	ContactCard json.RawMessage `json:"contact_card"`
	Status      HandshakeStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// TrustState is the monotonic trust ladder for a Contact record.
type TrustState string

const (
	TrustUnknown     TrustState = "unknown"
	TrustProvisional TrustState = "provisional"
	TrustPinned      TrustState = "pinned"
	TrustVerified    TrustState = "verified"
)

// trustRank gives each TrustState a monotonic ordinal so callers can check
// that an upgrade never downgrades trust.
var trustRank = map[TrustState]int{
	TrustUnknown:     0,
	TrustProvisional: 1,
	TrustPinned:      2,
	TrustVerified:    3,
}

// Upgrades reports whether moving from s to next is a monotonic upgrade
// (or a no-op), per the Contact invariant in the data model.
func (s TrustState) Upgrades(next TrustState) bool {
	return trustRank[next] >= trustRank[s]
}

// Contact is the recipient-side trust record for a known peer address.
type Contact struct {
	ID          ULID            `json:"id"`
	Owner       string          `json:"owner"`
	Address     string          `json:"address"`
	Trust       TrustState      `json:"trust"`
	ContactCard json.RawMessage `json:"contact_card,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ReputationTier is the derived send-limit bucket for a reputation score.
type ReputationTier string

const (
	TierFull      ReputationTier = "full"
	TierReduced   ReputationTier = "reduced"
	TierThrottled ReputationTier = "throttled"
	TierBlocked   ReputationTier = "blocked"
)

// Reputation tier thresholds.
const (
	ReputationTierFullMin      = 80
	ReputationTierReducedMin   = 50
	ReputationTierThrottledMin = 20
)

// TierForScore returns the ReputationTier for a clamped 0-100 score.
func TierForScore(score int) ReputationTier {
	switch {
	case score >= ReputationTierFullMin:
		return TierFull
	case score >= ReputationTierReducedMin:
		return TierReduced
	case score >= ReputationTierThrottledMin:
		return TierThrottled
	default:
		return TierBlocked
	}
}

// SendLimitForTier returns the per-minute send limit for a ReputationTier.
func SendLimitForTier(t ReputationTier) int {
	switch t {
	case TierFull:
		return 60
	case TierReduced:
		return 30
	case TierThrottled:
		return 10
	default:
		return 0
	}
}

// Reputation is a per-address score with sent/rejected counters.
type Reputation struct {
	Address          string    `json:"address"`
	Score            int       `json:"score"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesRejected int64     `json:"messages_rejected"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RelayReputationTier mirrors ReputationTier but for peer relays, which use
// "normal" rather than "reduced" as the second tier's name.
type RelayReputationTier string

const (
	RelayTierFull      RelayReputationTier = "full"
	RelayTierNormal    RelayReputationTier = "normal"
	RelayTierThrottled RelayReputationTier = "throttled"
	RelayTierBlocked   RelayReputationTier = "blocked"
)

// RelayReputation is the same shape as Reputation, keyed by peer relay domain.
type RelayReputation struct {
	Domain           string    `json:"domain"`
	Score            int       `json:"score"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesRejected int64     `json:"messages_rejected"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RelayTierForScore maps a relay reputation score to its tier.
func RelayTierForScore(score int) RelayReputationTier {
	switch {
	case score >= ReputationTierFullMin:
		return RelayTierFull
	case score >= ReputationTierReducedMin:
		return RelayTierNormal
	case score >= ReputationTierThrottledMin:
		return RelayTierThrottled
	default:
		return RelayTierBlocked
	}
}

// ListScope distinguishes agent-level patterns from relay-level bare domains.
type ListScope string

const (
	ScopeAgent ListScope = "agent"
	ScopeRelay ListScope = "relay"
)

// BlocklistEntry is a block pattern: either `exact::address` or `*::domain`
// for agent scope, or a bare domain for relay scope.
type BlocklistEntry struct {
	ID        ULID      `json:"id"`
	Scope     ListScope `json:"scope"`
	Pattern   string    `json:"pattern"`
	Reason    *string   `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AllowlistEntry mirrors BlocklistEntry for explicit allow rules.
type AllowlistEntry struct {
	ID        ULID      `json:"id"`
	Scope     ListScope `json:"scope"`
	Pattern   string    `json:"pattern"`
	Reason    *string   `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VerificationMethod is how a DomainVerification was established.
type VerificationMethod string

const (
	VerifyDNS   VerificationMethod = "dns"
	VerifyHTTPS VerificationMethod = "https"
)

// VerificationStatus is the current state of a DomainVerification record.
type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "verified"
	VerificationExpired  VerificationStatus = "expired"
)

// DomainVerification records a successful ownership proof upgrading an
// agent's key from Tier 1 (relay-authoritative) to Tier 2 (DNS-attested).
type DomainVerification struct {
	ID         ULID               `json:"id"`
	Agent      string             `json:"agent"`
	Domain     string             `json:"domain"`
	PublicKey  string             `json:"public_key"`
	Method     VerificationMethod `json:"method"`
	VerifiedAt time.Time          `json:"verified_at"`
	LastChecked time.Time         `json:"last_checked"`
	TTLHours   int                `json:"ttl_hours"`
	Status     VerificationStatus `json:"status"`
}

// WebhookDeliveryStatus is the lifecycle state of a WebhookDelivery row.
type WebhookDeliveryStatus string

const (
	WebhookPending    WebhookDeliveryStatus = "pending"
	WebhookInProgress WebhookDeliveryStatus = "in_progress"
	WebhookSucceeded  WebhookDeliveryStatus = "succeeded"
	WebhookFailed     WebhookDeliveryStatus = "failed"
)

// WebhookDelivery tracks one outbound HTTP POST attempt sequence for a
// message delivered to an agent's webhook URL.
type WebhookDelivery struct {
	ID            ULID                  `json:"id"`
	Agent         string                `json:"agent"`
	MessageID     MessageID             `json:"message_id"`
	Envelope      json.RawMessage       `json:"envelope"`
	Status        WebhookDeliveryStatus `json:"status"`
	AttemptCount  int                   `json:"attempt_count"`
	LastStatusCode *int                 `json:"last_status_code,omitempty"`
	LastError     *string               `json:"last_error,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
}

// FederationQueueStatus is the lifecycle state of a pending cross-relay
// delivery.
type FederationQueueStatus string

const (
	FederationQueuePending    FederationQueueStatus = "pending"
	FederationQueueDelivered  FederationQueueStatus = "delivered"
	FederationQueueDeadLetter FederationQueueStatus = "dead_letter"
)

// FederationQueueEntry is a pending outbound relay-to-relay delivery.
type FederationQueueEntry struct {
	ID           ULID                  `json:"id"`
	PeerDomain   string                `json:"peer_domain"`
	Envelope     json.RawMessage       `json:"envelope"`
	HopCount     int                   `json:"hop_count"`
	Status       FederationQueueStatus `json:"status"`
	AttemptCount int                   `json:"attempt_count"`
	NextAttemptAt time.Time            `json:"next_attempt_at"`
	LastError    *string               `json:"last_error,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

// FederationLog is an audit trail row for an inbound or outbound federation
// delivery attempt.
type FederationLog struct {
	ID         ULID      `json:"id"`
	Direction  string    `json:"direction"` // "inbound" | "outbound"
	PeerDomain string    `json:"peer_domain"`
	MessageID  *MessageID `json:"message_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     *string   `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// KnownRelay is a discovered or configured peer relay's registry entry.
type KnownRelay struct {
	Domain          string    `json:"domain"`
	FederationURL   string    `json:"federation_url"`
	PublicKey       string    `json:"public_key"`
	DiscoveredAt    time.Time `json:"discovered_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	DiscoveryExpiry time.Time `json:"discovery_expiry"`
}

// AuditLog is an append-only record of an administrative or system action.
// No update or delete operations exist for this entity.
type AuditLog struct {
	ID        ULID            `json:"id"`
	Action    string          `json:"action"`
	EntityKind string         `json:"entity_kind"`
	EntityID  string          `json:"entity_id"`
	Actor     string          `json:"actor"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NameReservation is a short-lived hold on an agent name during interactive
// registration, preventing two concurrent registrations of the same name.
type NameReservation struct {
	AgentName string    `json:"agent_name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EphemeralSession is an in-memory-only demo-widget session with its own
// relay-held keypair. Never persisted; TTL- and capacity-bounded.
type EphemeralSession struct {
	ID          string
	Address     string
	PublicKey   string
	PrivateKey  []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}
