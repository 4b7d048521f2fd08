package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/uamrelay/relay/internal/envelope"
	"github.com/uamrelay/relay/internal/routing"
)

// inboundFrame is the tagged-variant type for frames an agent sends over
// the WebSocket: a pong, or an envelope (recognized by the absence of a
// known control type).
type inboundFrame struct {
	Type string `json:"type"`
}

// handleWS handles GET /ws?token=...: authenticates the agent, installs the
// connection as its push handle (last-writer-wins), drains any queued
// messages, then reads frames until the agent disconnects or is replaced.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	address, err := s.Auth.ValidateSession(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.Logger.Warn("ws: accept failed", slog.String("address", address), slog.String("error", err.Error()))
		return
	}

	s.Gateway.Connect(address, conn)
	relayMetrics.WSConnectionsTotal.Add(1)
	relayMetrics.WSConnectionsCurr.Add(1)
	defer relayMetrics.WSConnectionsCurr.Add(-1)

	ctx := r.Context()

	// Drain the offline queue now that the agent is reachable. Runs inline
	// so queued messages arrive before anything sent live afterward,
	// preserving per-sender order.
	if err := s.Routing.DrainInbox(ctx, address); err != nil {
		s.Logger.Error("ws: draining inbox on connect", slog.String("address", address), slog.String("error", err.Error()))
	}

	s.readLoop(ctx, conn, address)
	s.Gateway.Disconnect(context.Background(), address, conn)
}

// readLoop consumes frames from the agent until the connection dies.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, address string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendWSError(ctx, address, "invalid_envelope", "frame is not valid JSON")
			continue
		}

		switch frame.Type {
		case "pong":
			s.Gateway.Pong(address)
		case "ping", "ack":
			// Control frames the relay itself emits; ignore echoes.
		default:
			// Everything else is an outbound envelope: its type tag is one
			// of the envelope enumeration (message, receipt.read, ...).
			s.handleWSEnvelope(ctx, address, data)
		}
	}
}

// handleWSEnvelope routes one envelope received over the socket and answers
// with an ack or error frame.
func (s *Server) handleWSEnvelope(ctx context.Context, address string, data []byte) {
	e, err := envelope.FromWire(data)
	if err != nil {
		kind := "invalid_envelope"
		if err == envelope.ErrEnvelopeTooLarge {
			kind = "envelope_too_large"
		}
		s.sendWSError(ctx, address, kind, err.Error())
		return
	}

	routeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	result, err := s.Routing.Accept(routeCtx, e, address)
	cancel()
	if err != nil {
		s.sendWSError(ctx, address, "internal_error", "failed to route envelope")
		return
	}
	if result.Status == routing.StatusRejected {
		relayMetrics.MessagesRejected.Add(1)
		_, kind := rejectionWire(result.Reason)
		s.sendWSError(ctx, address, kind, result.Reason)
		return
	}

	recordRoutingMetric(result.Status)
	s.Gateway.Send(ctx, address, map[string]any{
		"type":       "ack",
		"message_id": e.MessageID.String(),
		"delivered":  result.Status == routing.StatusDelivered,
	})
}

// sendWSError pushes the standard {error, detail} frame to the agent,
// best-effort.
func (s *Server) sendWSError(ctx context.Context, address, kind, detail string) {
	s.Gateway.Send(ctx, address, map[string]string{
		"error":  kind,
		"detail": detail,
	})
}
