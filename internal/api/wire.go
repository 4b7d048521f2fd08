package api

import (
	"net/http"

	"github.com/uamrelay/relay/internal/api/apiutil"
	"github.com/uamrelay/relay/internal/routing"
)

// Thin aliases over apiutil so handler bodies stay terse.
var (
	writeJSON  = apiutil.WriteJSONRaw
	writeError = apiutil.WriteError
	decodeJSON = apiutil.DecodeJSON
)

// rejectionWire maps a routing rejection reason to the HTTP status and
// stable wire error kind it surfaces as.
func rejectionWire(reason string) (int, string) {
	switch reason {
	case "sender_mismatch", "unknown_sender":
		return http.StatusForbidden, "forbidden"
	case "signature_verification":
		return http.StatusBadRequest, "signature_verification"
	case "invalid_envelope":
		return http.StatusBadRequest, "invalid_envelope"
	case "duplicate_message_id":
		return http.StatusConflict, "conflict"
	case "sender_rate_limited", "recipient_rate_limited", "registration_rate_limited", "peer_relay_rate_limited":
		return http.StatusTooManyRequests, "rate_limited"
	case "sender_blocked", "recipient_blocked", "sender_reputation_blocked",
		"peer_relay_blocked", "peer_relay_reputation_blocked", "recipient_not_local":
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusBadRequest, reason
	}
}

// writeRejection writes the {error, detail} response for a rejected
// envelope, with the routing reason as detail.
func writeRejection(w http.ResponseWriter, result routing.Result) {
	status, kind := rejectionWire(result.Reason)
	writeError(w, status, kind, result.Reason)
}
