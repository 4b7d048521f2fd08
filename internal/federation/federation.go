package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/uamrelay/relay/internal/crypto"
	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/envelope"
	"github.com/uamrelay/relay/internal/models"
	"github.com/uamrelay/relay/internal/policy"
	"github.com/uamrelay/relay/internal/routing"
)

// SignatureHeader carries the relay's Ed25519 signature over the
// canonicalized request body.
const SignatureHeader = "X-UAM-Relay-Signature"

// deliverRequest is the body POSTed to a peer's federation endpoint and
// received at /federation/deliver. The sending relay's domain is carried in
// the body (not just inferred from the connection) so the receiver can look
// up or discover that relay's public key before verifying the signature.
type deliverRequest struct {
	Envelope     json.RawMessage `json:"envelope"`
	HopCount     int             `json:"hop_count"`
	SenderDomain string          `json:"sender_domain"`
	Timestamp    string          `json:"timestamp"`
}

func (r deliverRequest) signableFields() map[string]interface{} {
	return map[string]interface{}{
		"envelope":      r.Envelope,
		"hop_count":     r.HopCount,
		"sender_domain": r.SenderDomain,
		"timestamp":     r.Timestamp,
	}
}

// Service bundles peer discovery, outbound signing, and the inbound
// /federation/deliver handler. The retry worker that drains
// FederationQueueEntry rows lives in worker.go; Service is shared between
// the HTTP handler and the worker.
type Service struct {
	db          *database.DB
	chain       *policy.Chain
	routingCore *routing.Core
	logger      *slog.Logger

	privateKey    ed25519.PrivateKey
	publicKey     ed25519.PublicKey
	domain        string
	federationURL string

	maxHops         int
	timestampMaxAge time.Duration

	cache           *TTLCache[*models.KnownRelay]
	discoveryClient *http.Client
	deliveryClient  *http.Client
}

// Config bundles the construction-time dependencies and tunables for
// Service.
type Config struct {
	DB              *database.DB
	Chain           *policy.Chain
	RoutingCore     *routing.Core
	Logger          *slog.Logger
	PrivateKey      ed25519.PrivateKey
	PublicKey       ed25519.PublicKey
	Domain          string
	FederationURL   string
	MaxHops         int
	TimestampMaxAge time.Duration
	DiscoveryTimeout time.Duration
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 3
	}
	if cfg.TimestampMaxAge <= 0 {
		cfg.TimestampMaxAge = 300 * time.Second
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 10 * time.Second
	}
	return &Service{
		db:              cfg.DB,
		chain:           cfg.Chain,
		routingCore:     cfg.RoutingCore,
		logger:          cfg.Logger,
		privateKey:      cfg.PrivateKey,
		publicKey:       cfg.PublicKey,
		domain:          cfg.Domain,
		federationURL:   cfg.FederationURL,
		maxHops:         cfg.MaxHops,
		timestampMaxAge: cfg.TimestampMaxAge,
		cache:           NewTTLCache[*models.KnownRelay](discoveryCacheTTL, 1000),
		discoveryClient: newDiscoveryClient(cfg.DiscoveryTimeout),
		deliveryClient:  newDiscoveryClient(cfg.DiscoveryTimeout),
	}
}

// sign produces the deliverRequest's canonical signature using this relay's
// own Ed25519 key, distinct from any agent's key.
func (s *Service) sign(req deliverRequest) (string, error) {
	return crypto.Sign(s.privateKey, req.signableFields())
}

// verify checks req's signature under peerKey.
func verify(req deliverRequest, signature string, peerKey ed25519.PublicKey) error {
	return crypto.Verify(peerKey, req.signableFields(), signature)
}

// HandleDeliver handles POST /federation/deliver: the inbound federation
// endpoint. It verifies the sending peer's signature and freshness, runs
// the ingress policy gate as if the peer were a locally-authenticated
// sender, then hands the envelope to the routing core.
func (s *Service) HandleDeliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}
	var req deliverRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if req.SenderDomain == "" {
		writeErr(w, http.StatusBadRequest, "invalid_body", "sender_domain is required")
		return
	}

	if req.HopCount >= s.maxHops {
		s.logFederation(ctx, "inbound", req.SenderDomain, nil, "hop_limit_exceeded", "")
		writeErr(w, http.StatusBadRequest, "hop_limit_exceeded", "federation hop limit exceeded")
		return
	}

	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil || time.Since(ts) > s.timestampMaxAge || time.Until(ts) > 30*time.Second {
		s.logFederation(ctx, "inbound", req.SenderDomain, nil, "stale_timestamp", "")
		writeErr(w, http.StatusBadRequest, "stale_timestamp", "request timestamp outside the replay window")
		return
	}

	peer, err := s.Discover(ctx, req.SenderDomain)
	if err != nil {
		s.logFederation(ctx, "inbound", req.SenderDomain, nil, "unknown_peer", err.Error())
		writeErr(w, http.StatusForbidden, "unknown_peer", "could not discover sending relay")
		return
	}

	peerPub, err := crypto.DeserializeVerifyKey(peer.PublicKey)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", "invalid stored peer key")
		return
	}
	signature := r.Header.Get(SignatureHeader)
	if signature == "" || verify(req, signature, peerPub) != nil {
		s.logFederation(ctx, "inbound", req.SenderDomain, nil, "signature_verification_failure", "")
		writeErr(w, http.StatusForbidden, "signature_verification_failure", "invalid relay signature")
		return
	}

	decision, err := s.chain.EvaluateFederationIngress(ctx, req.SenderDomain)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", "policy evaluation failed")
		return
	}
	if decision.Outcome != policy.Allow {
		s.logFederation(ctx, "inbound", req.SenderDomain, nil, decision.Reason, "")
		writeErr(w, http.StatusForbidden, decision.Reason, "rejected by peer relay policy")
		return
	}

	e, err := envelope.FromWire(req.Envelope)
	if err != nil {
		s.logFederation(ctx, "inbound", req.SenderDomain, nil, "invalid_envelope", err.Error())
		writeErr(w, http.StatusBadRequest, "invalid_envelope", "malformed envelope")
		return
	}

	result, err := s.routingCore.AcceptFederated(ctx, e)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", "failed to route federated envelope")
		return
	}
	if result.Status == routing.StatusRejected {
		s.logFederation(ctx, "inbound", req.SenderDomain, &e.MessageID, result.Reason, "")
		writeErr(w, http.StatusBadRequest, result.Reason, "envelope rejected")
		return
	}

	s.logFederation(ctx, "inbound", req.SenderDomain, &e.MessageID, string(result.Status), "")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": string(result.Status)})
}

func (s *Service) logFederation(ctx context.Context, direction, peerDomain string, messageID *models.MessageID, outcome, detail string) {
	f := &models.FederationLog{Direction: direction, PeerDomain: peerDomain, MessageID: messageID, Outcome: outcome}
	if detail != "" {
		f.Detail = &detail
	}
	if err := s.db.RecordFederationLog(ctx, s.db.Pool, f); err != nil {
		s.logger.Error("federation: recording log entry", slog.String("error", err.Error()))
	}
}

func writeErr(w http.ResponseWriter, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "detail": detail})
}
