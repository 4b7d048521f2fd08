package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/go-chi/chi/v5"

	"github.com/uamrelay/relay/internal/api/apiutil"
	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/envelope"
	"github.com/uamrelay/relay/internal/models"
)

// AdminKeyHeader carries the shared secret guarding the admin namespace.
const AdminKeyHeader = "X-Admin-Key"

// requireAdminKey guards the /admin namespace. An unconfigured key yields
// 503 for every request; a missing or wrong key yields 401. The configured
// value is either the shared secret itself or an argon2id hash of it in
// PHC format, so operators can keep the plaintext out of their environment.
// Both paths compare in constant time regardless of input length.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		configured := s.Config.Admin.Key
		if configured == "" {
			writeError(w, http.StatusServiceUnavailable, "admin_unconfigured", "admin API key is not configured on this relay")
			return
		}

		presented := r.Header.Get(AdminKeyHeader)
		if !adminKeyMatches(configured, presented) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func adminKeyMatches(configured, presented string) bool {
	if strings.HasPrefix(configured, "$argon2id$") {
		match, err := argon2id.ComparePasswordAndHash(presented, configured)
		return err == nil && match
	}
	want := sha256.Sum256([]byte(configured))
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// --- Blocklist / allowlist ---

type listEntryRequest struct {
	Pattern string  `json:"pattern"`
	Scope   string  `json:"scope,omitempty"` // "agent" (default) or "relay"
	Reason  *string `json:"reason,omitempty"`
}

func listScope(raw string) (models.ListScope, bool) {
	switch raw {
	case "", string(models.ScopeAgent):
		return models.ScopeAgent, true
	case string(models.ScopeRelay):
		return models.ScopeRelay, true
	default:
		return "", false
	}
}

func (s *Server) handleAdminListBlocklist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.DB.ListBlocklist(r.Context(), s.DB.Pool)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "listing blocklist", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAdminAddBlocklist(w http.ResponseWriter, r *http.Request) {
	var req listEntryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "pattern", req.Pattern) {
		return
	}
	scope, ok := listScope(req.Scope)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_body", "scope must be agent or relay")
		return
	}

	entry := &models.BlocklistEntry{ID: models.NewULID(), Scope: scope, Pattern: req.Pattern, Reason: req.Reason}
	if err := s.Chain.Lists.AddBlock(r.Context(), entry); err != nil {
		apiutil.InternalError(w, s.Logger, "adding blocklist entry", err)
		return
	}
	s.audit(r.Context(), "blocklist.add", "blocklist_entry", entry.ID.String(), "admin", map[string]any{"pattern": req.Pattern, "scope": scope})
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleAdminRemoveBlocklist(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseULID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed entry id")
		return
	}
	if err := s.Chain.Lists.RemoveBlock(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such blocklist entry")
			return
		}
		apiutil.InternalError(w, s.Logger, "removing blocklist entry", err)
		return
	}
	s.audit(r.Context(), "blocklist.remove", "blocklist_entry", id.String(), "admin", nil)
	apiutil.WriteNoContent(w)
}

func (s *Server) handleAdminListAllowlist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.DB.ListAllowlist(r.Context(), s.DB.Pool)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "listing allowlist", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAdminAddAllowlist(w http.ResponseWriter, r *http.Request) {
	var req listEntryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "pattern", req.Pattern) {
		return
	}
	scope, ok := listScope(req.Scope)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_body", "scope must be agent or relay")
		return
	}

	entry := &models.AllowlistEntry{ID: models.NewULID(), Scope: scope, Pattern: req.Pattern, Reason: req.Reason}
	if err := s.Chain.Lists.AddAllow(r.Context(), entry); err != nil {
		apiutil.InternalError(w, s.Logger, "adding allowlist entry", err)
		return
	}
	s.audit(r.Context(), "allowlist.add", "allowlist_entry", entry.ID.String(), "admin", map[string]any{"pattern": req.Pattern, "scope": scope})
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleAdminRemoveAllowlist(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseULID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed entry id")
		return
	}
	if err := s.Chain.Lists.RemoveAllow(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such allowlist entry")
			return
		}
		apiutil.InternalError(w, s.Logger, "removing allowlist entry", err)
		return
	}
	s.audit(r.Context(), "allowlist.remove", "allowlist_entry", id.String(), "admin", nil)
	apiutil.WriteNoContent(w)
}

// --- Reputation ---

func (s *Server) handleAdminGetReputation(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	rep, err := s.Reputation.Get(r.Context(), address)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "reading reputation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reputation": rep,
		"tier":       models.TierForScore(rep.Score),
	})
}

type setReputationRequest struct {
	Score int `json:"score"`
}

func (s *Server) handleAdminSetReputation(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	var req setReputationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Score < 0 || req.Score > 100 {
		writeError(w, http.StatusBadRequest, "invalid_body", "score must be within [0, 100]")
		return
	}

	current, err := s.Reputation.Get(r.Context(), address)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "reading reputation", err)
		return
	}
	if err := s.Reputation.Adjust(r.Context(), address, req.Score-current.Score, "admin_set"); err != nil {
		apiutil.InternalError(w, s.Logger, "setting reputation", err)
		return
	}

	s.audit(r.Context(), "reputation.set", "reputation", address, "admin", map[string]any{"from": current.Score, "to": req.Score})
	writeJSON(w, http.StatusOK, map[string]any{
		"address": address,
		"score":   req.Score,
		"tier":    models.TierForScore(req.Score),
	})
}

func (s *Server) handleAdminGetRelayReputation(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	rep, err := s.RelayRep.Get(r.Context(), domain)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "reading relay reputation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reputation": rep,
		"tier":       models.RelayTierForScore(rep.Score),
	})
}

// --- Agents ---

func (s *Server) handleAdminGetAgent(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !envelope.ValidAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid_address", "malformed agent address")
		return
	}

	agent, err := s.DB.GetAgentByAddressWithDeleted(r.Context(), s.DB.Pool, address)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown agent")
			return
		}
		apiutil.InternalError(w, s.Logger, "looking up agent", err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAdminSuspendAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentStatus(w, r, models.AgentSuspended, "agent.suspend")
}

func (s *Server) handleAdminUnsuspendAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentStatus(w, r, models.AgentActive, "agent.unsuspend")
}

func (s *Server) setAgentStatus(w http.ResponseWriter, r *http.Request, status models.AgentStatus, action string) {
	address := chi.URLParam(r, "address")
	if err := s.DB.UpdateAgentStatus(r.Context(), s.DB.Pool, address, status); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown agent")
			return
		}
		apiutil.InternalError(w, s.Logger, "updating agent status", err)
		return
	}
	s.audit(r.Context(), action, "agent", address, "admin", nil)
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "status": status})
}

// --- Audit log ---

func (s *Server) handleAdminAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.DB.ListRecentAuditLog(r.Context(), s.DB.Pool, limit)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "listing audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
