package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/uamrelay/relay/internal/api/apiutil"
	"github.com/uamrelay/relay/internal/auth"
	"github.com/uamrelay/relay/internal/crypto"
	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/domainverify"
	"github.com/uamrelay/relay/internal/envelope"
	"github.com/uamrelay/relay/internal/models"
	"github.com/uamrelay/relay/internal/presence"
	"github.com/uamrelay/relay/internal/webhook"
)

// reservationTTL holds an agent name between the reservation insert and the
// registration commit, so two concurrent registrations of the same name
// cannot both succeed.
const reservationTTL = 48 * time.Hour

type registerRequest struct {
	AgentName  string  `json:"agent_name"`
	PublicKey  string  `json:"public_key"`
	WebhookURL *string `json:"webhook_url,omitempty"`
}

// handleRegister handles POST /api/v1/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "agent_name", req.AgentName) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "public_key", req.PublicKey) {
		return
	}

	address := req.AgentName + "::" + s.Config.Relay.Domain
	if !envelope.ValidAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid_address", "agent_name must be 1-64 characters of [a-z0-9_-], starting and ending with [a-z0-9]")
		return
	}

	if _, err := crypto.DeserializeVerifyKey(req.PublicKey); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "public_key must be a url-safe base64 Ed25519 public key")
		return
	}

	if req.WebhookURL != nil {
		if err := webhook.ValidateURL(r.Context(), *req.WebhookURL); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
	}

	if existing, err := s.DB.GetAgentByAddress(r.Context(), s.DB.Pool, address); err == nil {
		detail := "address is already registered"
		if existing.PublicKey != req.PublicKey {
			detail = "address is already registered with a different key"
		}
		writeError(w, http.StatusConflict, "conflict", detail)
		return
	} else if !errors.Is(err, database.ErrNotFound) {
		apiutil.InternalError(w, s.Logger, "looking up existing agent", err)
		return
	}

	token, err := auth.IssueToken()
	if err != nil {
		apiutil.InternalError(w, s.Logger, "issuing bearer token", err)
		return
	}

	agent := &models.Agent{
		Address:    address,
		Domain:     s.Config.Relay.Domain,
		PublicKey:  req.PublicKey,
		Token:      token,
		WebhookURL: req.WebhookURL,
		Status:     models.AgentActive,
		Tier:       1,
	}

	if err := s.registerAgentTx(r.Context(), agent); err != nil {
		if errors.Is(err, database.ErrConflict) {
			writeError(w, http.StatusConflict, "conflict", "address is already registered")
			return
		}
		apiutil.InternalError(w, s.Logger, "registering agent", err)
		return
	}

	s.audit(r.Context(), "agent.register", "agent", address, "system", nil)

	writeJSON(w, http.StatusCreated, map[string]any{
		"address": address,
		"token":   token,
		"relay":   s.Config.Relay.HTTPURL,
		"ws_url":  s.Config.Relay.WSURL,
	})
}

// registerAgentTx reserves the agent name and creates the agent row in one
// transaction, so a concurrent registration of the same name hits the
// reservation's unique constraint rather than racing the agent insert.
func (s *Server) registerAgentTx(ctx context.Context, agent *models.Agent) error {
	name, _, _ := strings.Cut(agent.Address, "::")
	return s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.DB.ReserveName(ctx, tx, name, agent.Domain, reservationTTL); err != nil {
			return err
		}
		if err := s.DB.CreateAgent(ctx, tx, agent); err != nil {
			return err
		}
		return s.DB.ReleaseNameReservation(ctx, tx, name, agent.Domain)
	})
}

// handleGetPublicKey handles GET /api/v1/agents/{address}/public-key. No
// auth: public keys are public. The response carries the key-provenance
// tier so callers can weigh how much the key attestation is worth.
func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !envelope.ValidAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid_address", "malformed agent address")
		return
	}

	agent, err := s.DB.GetAgentByAddress(r.Context(), s.DB.Pool, address)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown agent")
			return
		}
		apiutil.InternalError(w, s.Logger, "looking up agent", err)
		return
	}

	resp := map[string]any{
		"address":    agent.Address,
		"public_key": agent.PublicKey,
		"tier":       agent.Tier,
	}
	if pub, err := crypto.DeserializeVerifyKey(agent.PublicKey); err == nil {
		resp["fingerprint"] = crypto.PublicKeyFingerprint(pub)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePresence handles GET /api/v1/agents/{address}/presence.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !envelope.ValidAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid_address", "malformed agent address")
		return
	}

	status, err := presence.Lookup(r.Context(), s.DB, s.Gateway, address)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown agent")
			return
		}
		apiutil.InternalError(w, s.Logger, "looking up presence", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type verifyDomainRequest struct {
	Domain string `json:"domain"`
}

// handleVerifyDomain handles POST /api/v1/verify-domain: runs the DNS TXT /
// well-known ownership proof for the authenticated agent and, on success,
// reports the tier upgrade.
func (s *Server) handleVerifyDomain(w http.ResponseWriter, r *http.Request) {
	address := auth.AddressFromContext(r.Context())

	var req verifyDomainRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "domain", req.Domain) {
		return
	}

	agent, err := s.DB.GetAgentByAddress(r.Context(), s.DB.Pool, address)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "looking up agent", err)
		return
	}

	record, err := s.DomainVerify.VerifyDomain(r.Context(), address, req.Domain, agent.PublicKey)
	if err != nil {
		if errors.Is(err, domainverify.ErrNotVerified) {
			writeError(w, http.StatusBadRequest, "verification_failed", "no matching key found via DNS TXT or .well-known")
			return
		}
		apiutil.InternalError(w, s.Logger, "verifying domain", err)
		return
	}

	s.audit(r.Context(), "domain.verify", "domain_verification", req.Domain, address, map[string]any{"method": record.Method})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "verified",
		"tier":   2,
		"method": record.Method,
		"domain": req.Domain,
	})
}

type webhookRequest struct {
	WebhookURL string `json:"webhook_url"`
}

// requireSelf enforces that the {address} path parameter names the
// authenticated agent. Returns the address, or "" after writing a 403.
func (s *Server) requireSelf(w http.ResponseWriter, r *http.Request) string {
	address := chi.URLParam(r, "address")
	if address != auth.AddressFromContext(r.Context()) {
		writeError(w, http.StatusForbidden, "forbidden", "this resource belongs to another agent")
		return ""
	}
	return address
}

// handleSetWebhook handles PUT /api/v1/agents/{address}/webhook.
func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	address := s.requireSelf(w, r)
	if address == "" {
		return
	}

	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "webhook_url", req.WebhookURL) {
		return
	}
	if err := webhook.ValidateURL(r.Context(), req.WebhookURL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	if err := s.DB.UpdateAgentWebhook(r.Context(), s.DB.Pool, address, &req.WebhookURL); err != nil {
		apiutil.InternalError(w, s.Logger, "updating webhook url", err)
		return
	}
	s.audit(r.Context(), "agent.webhook.set", "agent", address, address, nil)
	writeJSON(w, http.StatusOK, map[string]any{"webhook_url": req.WebhookURL})
}

// handleGetWebhook handles GET /api/v1/agents/{address}/webhook.
func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	address := s.requireSelf(w, r)
	if address == "" {
		return
	}

	agent, err := s.DB.GetAgentByAddress(r.Context(), s.DB.Pool, address)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "looking up agent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhook_url": agent.WebhookURL})
}

// handleDeleteWebhook handles DELETE /api/v1/agents/{address}/webhook.
func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	address := s.requireSelf(w, r)
	if address == "" {
		return
	}

	if err := s.DB.UpdateAgentWebhook(r.Context(), s.DB.Pool, address, nil); err != nil {
		apiutil.InternalError(w, s.Logger, "clearing webhook url", err)
		return
	}
	s.audit(r.Context(), "agent.webhook.clear", "agent", address, address, nil)
	apiutil.WriteNoContent(w)
}

// handleWebhookDeliveries handles GET
// /api/v1/agents/{address}/webhook/deliveries: the per-agent delivery audit
// trail, most recent first.
func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	address := s.requireSelf(w, r)
	if address == "" {
		return
	}

	deliveries, err := s.DB.ListWebhookDeliveriesForAgent(r.Context(), s.DB.Pool, address, 50)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "listing webhook deliveries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

// audit records an admin or system action in the append-only audit log.
// Failures are logged, never surfaced: auditing must not fail the mutation
// it describes.
func (s *Server) audit(ctx context.Context, action, entityKind, entityID, actor string, details map[string]any) {
	entry := &models.AuditLog{
		Action:     action,
		EntityKind: entityKind,
		EntityID:   entityID,
		Actor:      actor,
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			entry.Details = raw
		}
	}
	if err := s.DB.RecordAuditLog(ctx, s.DB.Pool, entry); err != nil {
		s.Logger.Error("recording audit log", slog.String("action", action), slog.String("error", err.Error()))
	}
}
