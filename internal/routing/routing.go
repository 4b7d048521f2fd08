// Package routing implements the routing core: the Accept -> Filtered
// -> Deduped -> Push-or-Queue state machine every inbound envelope passes
// through, plus the inbox drain run on reconnect and the background expiry
// sweeper.
package routing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uamrelay/relay/internal/crypto"
	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/envelope"
	"github.com/uamrelay/relay/internal/events"
	"github.com/uamrelay/relay/internal/gateway"
	"github.com/uamrelay/relay/internal/models"
	"github.com/uamrelay/relay/internal/policy"
)

// Status is the terminal outcome of routing one inbound envelope.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusQueued    Status = "queued"
	StatusFederated Status = "federated"
	StatusRejected  Status = "rejected"
)

// Result carries the routing outcome and, for rejections, the reason used
// to pick the wire error kind at the HTTP/WS boundary.
type Result struct {
	Status Status
	Reason string
}

// Core ties the persistence layer, connection manager, and policy chain
// together to route one envelope at a time.
type Core struct {
	db          *database.DB
	gw          *gateway.Manager
	chain       *policy.Chain
	reputation  *policy.ReputationManager
	relayDomain string
	logger      *slog.Logger
	bus         *events.Bus

	defaultMessageTTL time.Duration
	retentionWindow   time.Duration
}

// New creates a Core.
func New(db *database.DB, gw *gateway.Manager, chain *policy.Chain, reputation *policy.ReputationManager, relayDomain string, logger *slog.Logger) *Core {
	return &Core{
		db:                db,
		gw:                gw,
		chain:             chain,
		reputation:        reputation,
		relayDomain:       relayDomain,
		logger:            logger,
		defaultMessageTTL: 14 * 24 * time.Hour,
		retentionWindow:   90 * 24 * time.Hour,
	}
}

// SetBus attaches the wake-up bus used to nudge the webhook and federation
// retry workers immediately after enqueueing new work. Optional: when nil
// (or never set), both workers still make progress on their own poll
// ticker, only slightly slower.
func (c *Core) SetBus(bus *events.Bus) {
	c.bus = bus
}

func domainOf(address string) string {
	_, domain, ok := strings.Cut(address, "::")
	if !ok {
		return ""
	}
	return domain
}

func decodePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := crypto.B64Decode(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding agent public key: %w", err)
	}
	return ed25519.PublicKey(raw), nil
}

// Accept runs the full accepted -> filtered -> deduped -> push-or-queue state
// machine for one inbound envelope. authenticatedAddress is the address the
// caller's bearer token or WebSocket session resolved to; it must match
// e.From.
func (c *Core) Accept(ctx context.Context, e envelope.Envelope, authenticatedAddress string) (Result, error) {
	if e.From != authenticatedAddress {
		return Result{Status: StatusRejected, Reason: "sender_mismatch"}, nil
	}

	sender, err := c.db.GetAgentByAddress(ctx, c.db.Pool, e.From)
	if err != nil {
		if err == database.ErrNotFound {
			return Result{Status: StatusRejected, Reason: "unknown_sender"}, nil
		}
		return Result{}, err
	}

	senderPub, err := decodePublicKey(sender.PublicKey)
	if err != nil {
		return Result{}, err
	}

	if err := envelope.VerifyInbound(e, senderPub, authenticatedAddress, time.Now()); err != nil {
		if errors.Is(err, envelope.ErrInvalidEnvelope) {
			return Result{Status: StatusRejected, Reason: "invalid_envelope"}, nil
		}
		_ = c.reputation.Adjust(ctx, e.From, policy.DeltaSignatureFailure, "signature_verification_failure")
		return Result{Status: StatusRejected, Reason: "signature_verification"}, nil
	}

	decision, err := c.chain.EvaluateSend(ctx, e.From, e.To)
	if err != nil {
		return Result{}, err
	}
	if decision.Outcome != policy.Allow {
		_ = c.reputation.RecordRejection(ctx, e.From, -policy.DeltaRejectedByPolicy, decision.Reason)
		return Result{Status: StatusRejected, Reason: decision.Reason}, nil
	}

	first, err := c.db.RecordMessageID(ctx, c.db.Pool, e.MessageID, e.From)
	if err != nil {
		return Result{}, err
	}
	if !first {
		return Result{Status: StatusRejected, Reason: "duplicate_message_id"}, nil
	}

	_ = c.reputation.IncrementMessagesSent(ctx, e.From)

	wire, err := e.ToWire()
	if err != nil {
		return Result{}, err
	}

	c.trackHandshake(ctx, e, wire)

	if domainOf(e.To) != c.relayDomain {
		entry := &models.FederationQueueEntry{PeerDomain: domainOf(e.To), Envelope: wire, HopCount: 0}
		if err := c.db.EnqueueFederationDelivery(ctx, c.db.Pool, entry); err != nil {
			return Result{}, err
		}
		if c.bus != nil {
			c.bus.Nudge(events.SubjectFederationEnqueued)
		}
		return Result{Status: StatusFederated}, nil
	}

	result, err := c.deliverLocal(ctx, e, wire)
	if err != nil {
		return Result{}, err
	}
	if result.Status == StatusDelivered {
		_ = c.reputation.Adjust(ctx, e.From, policy.DeltaDelivered, "delivered")
	}
	return result, nil
}

// AcceptFederated runs the inbound-federation counterpart of Accept: the
// envelope arrives already signature-verified and policy-gated by the
// federation package against the sending peer relay's reputation, so this
// skips the local-sender lookup and EvaluateSend call and goes straight to
// dedup and push-or-queue. e.To must be local to this relay; federation
// hands off only envelopes it has already confirmed are addressed here.
func (c *Core) AcceptFederated(ctx context.Context, e envelope.Envelope) (Result, error) {
	if domainOf(e.To) != c.relayDomain {
		return Result{Status: StatusRejected, Reason: "recipient_not_local"}, nil
	}

	first, err := c.db.RecordMessageID(ctx, c.db.Pool, e.MessageID, e.From)
	if err != nil {
		return Result{}, err
	}
	if !first {
		return Result{Status: StatusRejected, Reason: "duplicate_message_id"}, nil
	}

	wire, err := e.ToWire()
	if err != nil {
		return Result{}, err
	}

	c.trackHandshake(ctx, e, wire)
	return c.deliverLocal(ctx, e, wire)
}

// trackHandshake maintains the handshake and contact-trust records as
// first-contact envelopes pass through. The relay cannot read the embedded
// contact card (it travels encrypted in the payload), so the stored blob is
// the opaque wire envelope. Failures are logged, never fatal: the trust
// ledger trails the message flow, it does not gate it.
func (c *Core) trackHandshake(ctx context.Context, e envelope.Envelope, wire []byte) {
	switch e.Type {
	case envelope.TypeHandshakeReq:
		h := &models.Handshake{From: e.From, To: e.To, ContactCard: wire}
		if err := c.db.CreateHandshake(ctx, c.db.Pool, h); err != nil {
			c.logger.Error("routing: recording handshake request", slog.String("error", err.Error()))
		}

	case envelope.TypeHandshakeAccept, envelope.TypeHandshakeDeny:
		// The response travels recipient -> original requester, so the
		// pending row is keyed (e.To -> e.From).
		pending, err := c.db.GetPendingHandshakeBetween(ctx, c.db.Pool, e.To, e.From)
		if err != nil {
			if err != database.ErrNotFound {
				c.logger.Error("routing: looking up pending handshake", slog.String("error", err.Error()))
			}
			return
		}

		status := models.HandshakeApproved
		if e.Type == envelope.TypeHandshakeDeny {
			status = models.HandshakeDenied
		}
		if err := c.db.ResolveHandshake(ctx, c.db.Pool, pending.ID, status); err != nil {
			c.logger.Error("routing: resolving handshake", slog.String("error", err.Error()))
			return
		}

		if status == models.HandshakeApproved {
			c.upgradeContact(ctx, e.From, e.To, pending.ContactCard)
			c.upgradeContact(ctx, e.To, e.From, nil)
		}
	}
}

// upgradeContact moves owner's trust record for address to provisional if
// that is a forward step on the trust ladder. Pinned and verified records
// are left alone.
func (c *Core) upgradeContact(ctx context.Context, owner, address string, card []byte) {
	existing, err := c.db.GetContact(ctx, c.db.Pool, owner, address)
	if err != nil && err != database.ErrNotFound {
		c.logger.Error("routing: reading contact record", slog.String("error", err.Error()))
		return
	}
	if existing != nil && !existing.Trust.Upgrades(models.TrustProvisional) {
		return
	}
	if err := c.db.UpsertContactTrust(ctx, c.db.Pool, owner, address, models.TrustProvisional, card); err != nil {
		c.logger.Error("routing: upgrading contact trust", slog.String("error", err.Error()))
	}
}

// deliverLocal pushes e to an online recipient or, failing that, enqueues
// it for offline delivery and a webhook attempt. Shared by Accept (local
// senders) and AcceptFederated (inbound federation) once both have cleared
// their respective policy gates and the dedup check.
func (c *Core) deliverLocal(ctx context.Context, e envelope.Envelope, wire []byte) (Result, error) {
	if c.gw.IsOnline(e.To) {
		if c.gw.Send(ctx, e.To, rawJSON(wire)) {
			if err := c.db.MarkDelivered(ctx, c.db.Pool, []models.MessageID{e.MessageID}); err != nil {
				c.logger.Error("routing: marking pushed message delivered", slog.String("error", err.Error()))
			}
			c.sendDeliveryReceipt(ctx, e)
			return Result{Status: StatusDelivered}, nil
		}
	}

	msg := &models.Message{
		MessageID:   e.MessageID,
		FromAddress: e.From,
		ToAddress:   e.To,
		Envelope:    wire,
		ThreadID:    e.ThreadID,
	}
	expires := time.Now().Add(c.defaultMessageTTL)
	msg.ExpiresAt = &expires
	if err := c.db.StoreMessage(ctx, c.db.Pool, msg); err != nil {
		return Result{}, err
	}

	if recipient, err := c.db.GetAgentByAddress(ctx, c.db.Pool, e.To); err == nil && recipient.WebhookURL != nil {
		delivery := &models.WebhookDelivery{Agent: e.To, MessageID: e.MessageID, Envelope: wire}
		if err := c.db.EnqueueWebhookDelivery(ctx, c.db.Pool, delivery); err != nil {
			c.logger.Error("routing: enqueueing webhook delivery", slog.String("error", err.Error()))
		} else if c.bus != nil {
			c.bus.Nudge(events.SubjectWebhookEnqueued)
		}
	}

	return Result{Status: StatusQueued}, nil
}

// sendDeliveryReceipt pushes an unsigned {"type":"ack","message_id":...,
// "delivered":true} frame back to the original sender for any pushed message
// that is not itself a receipt, fire-and-forget. It does not build a signed
// receipt.delivered envelope, and it sends nothing when the sender is not
// connected at that moment.
func (c *Core) sendDeliveryReceipt(ctx context.Context, e envelope.Envelope) {
	if strings.HasPrefix(string(e.Type), "receipt.") {
		return
	}
	if !c.gw.IsOnline(e.From) {
		return
	}
	receipt := map[string]interface{}{
		"type":       "ack",
		"message_id": e.MessageID.String(),
		"delivered":  true,
	}
	c.gw.Send(ctx, e.From, receipt)
}

// DrainInbox pushes every queued, non-expired message for address in
// ascending message_id order, called when address comes online. Pushed
// messages are batch-marked delivered in one transaction; non-receipt
// messages trigger a fire-and-forget delivery ack (see sendDeliveryReceipt)
// back to their senders.
func (c *Core) DrainInbox(ctx context.Context, address string) error {
	inbox, err := c.db.GetInbox(ctx, c.db.Pool, address)
	if err != nil {
		return err
	}
	if len(inbox) == 0 {
		return nil
	}

	var delivered []models.MessageID
	for _, m := range inbox {
		if !c.gw.Send(ctx, address, rawJSON(m.Envelope)) {
			break
		}
		delivered = append(delivered, m.MessageID)
	}
	if len(delivered) == 0 {
		return nil
	}

	if err := c.db.MarkDelivered(ctx, c.db.Pool, delivered); err != nil {
		return err
	}

	deliveredSet := make(map[models.MessageID]bool, len(delivered))
	for _, id := range delivered {
		deliveredSet[id] = true
	}
	for _, m := range inbox {
		if !deliveredSet[m.MessageID] {
			continue
		}
		var e envelope.Envelope
		if parsed, err := envelope.FromWire(m.Envelope); err == nil {
			e = parsed
			c.sendDeliveryReceipt(ctx, e)
		}
	}
	return nil
}

// Collect is the REST counterpart of DrainInbox: it reads every queued,
// non-expired message for address in ascending message_id order, marks them
// all delivered in one transaction, and returns the raw envelopes for the
// HTTP response body. Delivery acks (see sendDeliveryReceipt) go back to
// each original sender the same fire-and-forget way the WebSocket drain
// sends them.
func (c *Core) Collect(ctx context.Context, address string) ([][]byte, error) {
	inbox, err := c.db.GetInbox(ctx, c.db.Pool, address)
	if err != nil {
		return nil, err
	}
	if len(inbox) == 0 {
		return nil, nil
	}

	ids := make([]models.MessageID, 0, len(inbox))
	envelopes := make([][]byte, 0, len(inbox))
	for _, m := range inbox {
		ids = append(ids, m.MessageID)
		envelopes = append(envelopes, m.Envelope)
	}
	if err := c.db.MarkDelivered(ctx, c.db.Pool, ids); err != nil {
		return nil, err
	}

	for _, m := range inbox {
		if e, err := envelope.FromWire(m.Envelope); err == nil {
			c.sendDeliveryReceipt(ctx, e)
		}
	}
	return envelopes, nil
}

// rawJSON marshals pre-serialized JSON bytes as a json.RawMessage so
// callers embedding it in a larger frame don't double-encode it.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }
