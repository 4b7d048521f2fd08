package api

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/uamrelay/relay/internal/api/apiutil"
	"github.com/uamrelay/relay/internal/auth"
	"github.com/uamrelay/relay/internal/crypto"
	"github.com/uamrelay/relay/internal/envelope"
	"github.com/uamrelay/relay/internal/routing"
	"github.com/uamrelay/relay/internal/session"
)

type sendRequest struct {
	Envelope json.RawMessage `json:"envelope"`
}

// handleSend handles POST /api/v1/send: parses and routes one envelope on
// behalf of the authenticated sender.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sender := auth.AddressFromContext(r.Context())

	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Envelope) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_envelope", "envelope is required")
		return
	}

	e, err := envelope.FromWire(req.Envelope)
	if err != nil {
		s.writeEnvelopeError(w, err)
		return
	}

	result, err := s.Routing.Accept(r.Context(), e, sender)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "routing envelope", err)
		return
	}
	if result.Status == routing.StatusRejected {
		relayMetrics.MessagesRejected.Add(1)
		writeRejection(w, result)
		return
	}

	recordRoutingMetric(result.Status)
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": e.MessageID.String(),
		"delivered":  result.Status == routing.StatusDelivered,
	})
}

// writeEnvelopeError maps envelope parse failures to their stable wire
// kinds.
func (s *Server) writeEnvelopeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, envelope.ErrEnvelopeTooLarge):
		writeError(w, http.StatusBadRequest, "envelope_too_large", "serialized envelope exceeds the 64 KiB cap")
	case errors.Is(err, envelope.ErrSignatureMismatch):
		writeError(w, http.StatusBadRequest, "signature_verification", "envelope signature did not verify")
	default:
		writeError(w, http.StatusBadRequest, "invalid_envelope", err.Error())
	}
}

// handleInbox handles GET /api/v1/inbox/{address}: drains the caller's own
// queued messages and marks them delivered.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if address != auth.AddressFromContext(r.Context()) {
		writeError(w, http.StatusForbidden, "forbidden", "inbox belongs to another agent")
		return
	}

	envelopes, err := s.Routing.Collect(r.Context(), address)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "draining inbox", err)
		return
	}

	messages := make([]json.RawMessage, 0, len(envelopes))
	for _, raw := range envelopes {
		messages = append(messages, json.RawMessage(raw))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"count":    len(messages),
	})
}

// handleThread handles GET /api/v1/messages/thread/{threadID}: returns
// every stored message sharing the thread id, readable only by a
// participant (the sender or recipient of at least one message in it). The
// thread id is an opaque, sender-generated grouping key; the relay does not
// validate membership beyond participation.
func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	caller := auth.AddressFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "thread id is required")
		return
	}

	msgs, err := s.DB.GetThread(r.Context(), s.DB.Pool, threadID)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "reading thread", err)
		return
	}
	if len(msgs) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no messages in this thread")
		return
	}

	participant := false
	for _, m := range msgs {
		if m.FromAddress == caller || m.ToAddress == caller {
			participant = true
			break
		}
	}
	if !participant {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant in this thread")
		return
	}

	envelopes := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		envelopes = append(envelopes, json.RawMessage(m.Envelope))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  envelopes,
		"count":     len(envelopes),
	})
}

// handleReceipt handles POST /api/v1/messages/{messageID}/receipt: routes a
// receipt envelope (receipt.read and friends) back toward the original
// sender. The path id names the message the receipt refers to; when the
// envelope carries a reply_to, the two must agree.
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	sender := auth.AddressFromContext(r.Context())
	messageID := chi.URLParam(r, "messageID")

	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := envelope.FromWire(req.Envelope)
	if err != nil {
		s.writeEnvelopeError(w, err)
		return
	}

	if !strings.HasPrefix(string(e.Type), "receipt.") {
		writeError(w, http.StatusBadRequest, "invalid_envelope", "envelope type must be a receipt")
		return
	}
	if e.ReplyTo != nil && *e.ReplyTo != messageID {
		writeError(w, http.StatusBadRequest, "invalid_envelope", "reply_to does not match the message id in the path")
		return
	}

	result, err := s.Routing.Accept(r.Context(), e, sender)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "routing receipt", err)
		return
	}
	if result.Status == routing.StatusRejected {
		writeRejection(w, result)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": e.MessageID.String(),
		"delivered":  result.Status == routing.StatusDelivered,
	})
}

// --- Ephemeral demo sessions ---

// handleCreateDemoSession handles POST /api/v1/demo/sessions: mints an
// ephemeral relay-held keypair and throwaway address for the demo widget.
func (s *Server) handleCreateDemoSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Create()
	if err != nil {
		apiutil.InternalError(w, s.Logger, "creating demo session", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"address":    sess.Address,
		"public_key": sess.PublicKey,
		"expires_at": sess.ExpiresAt,
	})
}

// handleDemoMessages handles GET /api/v1/demo/sessions/{sessionID}/messages:
// drains the demo address's queued envelopes and decrypts them with the
// relay-held session key. This is the only path where the relay decrypts a
// payload, and the only place decryption_error can surface.
func (s *Server) handleDemoMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown or expired demo session")
		return
	}

	envelopes, err := s.Routing.Collect(r.Context(), sess.Address)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "draining demo inbox", err)
		return
	}

	priv := session.PrivateKey(sess)
	recipientPub := priv.Public().(ed25519.PublicKey)

	type demoMessage struct {
		From      string          `json:"from"`
		Type      string          `json:"type"`
		Plaintext string          `json:"plaintext,omitempty"`
		Error     string          `json:"error,omitempty"`
		Envelope  json.RawMessage `json:"envelope"`
	}

	out := make([]demoMessage, 0, len(envelopes))
	for _, raw := range envelopes {
		e, err := envelope.FromWire(raw)
		if err != nil {
			continue
		}
		msg := demoMessage{From: e.From, Type: string(e.Type), Envelope: json.RawMessage(raw)}

		senderPub, lookupErr := s.senderPublicKey(r, e.From)
		if lookupErr != nil {
			msg.Error = "decryption_error"
		} else if plain, openErr := envelope.Open(e, priv, recipientPub, senderPub); openErr != nil {
			msg.Error = "decryption_error"
		} else {
			msg.Plaintext = string(plain)
		}
		out = append(out, msg)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": out,
		"count":    len(out),
	})
}

// senderPublicKey resolves a local sender's registered verify key for the
// demo decrypt path.
func (s *Server) senderPublicKey(r *http.Request, address string) (ed25519.PublicKey, error) {
	agent, err := s.DB.GetAgentByAddress(r.Context(), s.DB.Pool, address)
	if err != nil {
		return nil, err
	}
	return crypto.DeserializeVerifyKey(agent.PublicKey)
}

// handleEndDemoSession handles DELETE /api/v1/demo/sessions/{sessionID}.
func (s *Server) handleEndDemoSession(w http.ResponseWriter, r *http.Request) {
	s.Sessions.Remove(chi.URLParam(r, "sessionID"))
	apiutil.WriteNoContent(w)
}
