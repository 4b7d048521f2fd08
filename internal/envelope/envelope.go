// Package envelope implements the relay's wire format: the signed,
// end-to-end encrypted Envelope that carries every message, handshake,
// receipt, and session frame, and the self-signed ContactCard identity
// document. The relay builds, parses, and verifies these shapes but never
// decrypts their payloads outside the ephemeral demo path.
package envelope

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/uamrelay/relay/internal/crypto"
	"github.com/uamrelay/relay/internal/models"
)

// MaxWireSize is the size cap on the serialized envelope wire form.
const MaxWireSize = 64 * 1024

// MaxSkew is the acceptable clock skew for an envelope's timestamp.
const MaxSkew = 5 * time.Minute

// Type is the fixed enumeration of envelope kinds.
type Type string

const (
	TypeMessage         Type = "message"
	TypeHandshakeReq    Type = "handshake.request"
	TypeHandshakeAccept Type = "handshake.accept"
	TypeHandshakeDeny   Type = "handshake.deny"
	TypeReceiptDelivered Type = "receipt.delivered"
	TypeReceiptRead     Type = "receipt.read"
	TypeReceiptFailed   Type = "receipt.failed"
	TypeSessionRequest  Type = "session.request"
	TypeSessionAccept   Type = "session.accept"
	TypeSessionDecline  Type = "session.decline"
	TypeSessionEnd      Type = "session.end"
)

var validTypes = map[Type]bool{
	TypeMessage: true, TypeHandshakeReq: true, TypeHandshakeAccept: true,
	TypeHandshakeDeny: true, TypeReceiptDelivered: true, TypeReceiptRead: true,
	TypeReceiptFailed: true, TypeSessionRequest: true, TypeSessionAccept: true,
	TypeSessionDecline: true, TypeSessionEnd: true,
}

// IsValid reports whether t is one of the fixed enumeration values.
func (t Type) IsValid() bool { return validTypes[t] }

// UsesSealedBox reports whether envelopes of this type are encrypted with
// SealedBox (sender may be unknown to the recipient) rather than Box.
func (t Type) UsesSealedBox() bool { return t == TypeHandshakeReq }

// Errors mapped to the stable wire error identifiers.
var (
	ErrInvalidEnvelope    = errors.New("invalid_envelope")
	ErrEnvelopeTooLarge   = errors.New("envelope_too_large")
	ErrSignatureMismatch  = crypto.SignatureVerificationError
)

// addressRegex matches the `name::domain` address grammar.
var addressRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}[a-z0-9]::[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$|^[a-z0-9]::[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

// ValidAddress reports whether addr matches the address grammar and the
// 128-character total length cap.
func ValidAddress(addr string) bool {
	if len(addr) > 128 {
		return false
	}
	return addressRegex.MatchString(addr)
}

// Envelope is the signed wire unit of transport. Payload is always
// ciphertext; the relay never decrypts it outside the demo path.
type Envelope struct {
	Version   int             `json:"version"`
	MessageID models.MessageID `json:"message_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      Type            `json:"type"`
	Nonce     string          `json:"nonce"`
	Timestamp string          `json:"timestamp"`
	ThreadID  *string         `json:"thread_id,omitempty"`
	ReplyTo   *string         `json:"reply_to,omitempty"`
	MediaType *string         `json:"media_type,omitempty"`
	Payload   string          `json:"payload"`
	Signature string          `json:"signature"`
}

// CurrentVersion is the protocol version this relay builds and expects.
const CurrentVersion = 1

// signableFields returns the map of fields signed/verified under canonical
// JSON, explicitly excluding "signature".
func (e Envelope) signableFields() map[string]interface{} {
	f := map[string]interface{}{
		"version":    e.Version,
		"message_id": e.MessageID.String(),
		"from":       e.From,
		"to":         e.To,
		"type":       string(e.Type),
		"nonce":      e.Nonce,
		"timestamp":  e.Timestamp,
		"payload":    e.Payload,
	}
	if e.ThreadID != nil {
		f["thread_id"] = *e.ThreadID
	}
	if e.ReplyTo != nil {
		f["reply_to"] = *e.ReplyTo
	}
	if e.MediaType != nil {
		f["media_type"] = *e.MediaType
	}
	return f
}

// Sign computes and sets e.Signature over e's canonical bytes using priv.
func (e *Envelope) Sign(priv ed25519.PrivateKey) error {
	sig, err := crypto.Sign(priv, e.signableFields())
	if err != nil {
		return fmt.Errorf("signing envelope: %w", err)
	}
	e.Signature = sig
	return nil
}

// Verify checks the envelope's signature against pub. It does not check
// size, field presence, or skew; callers use VerifyInbound for the full
// acceptance gate.
func (e Envelope) Verify(pub ed25519.PublicKey) error {
	return crypto.Verify(pub, e.signableFields(), e.Signature)
}

// ToWire serializes the envelope to its JSON wire form.
func (e Envelope) ToWire() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling envelope: %v", ErrInvalidEnvelope, err)
	}
	if len(b) > MaxWireSize {
		return nil, ErrEnvelopeTooLarge
	}
	return b, nil
}

// FromWire parses the JSON wire form into an Envelope, enforcing the size
// cap and required-field presence.
func FromWire(data []byte) (Envelope, error) {
	if len(data) > MaxWireSize {
		return Envelope{}, ErrEnvelopeTooLarge
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.validateFields(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// validateFields enforces presence and shape of required fields.
func (e Envelope) validateFields() error {
	switch {
	case e.Version == 0:
		return fmt.Errorf("%w: missing version", ErrInvalidEnvelope)
	case e.MessageID.IsZero():
		return fmt.Errorf("%w: missing message_id", ErrInvalidEnvelope)
	case !ValidAddress(e.From):
		return fmt.Errorf("%w: invalid from address", ErrInvalidEnvelope)
	case !ValidAddress(e.To):
		return fmt.Errorf("%w: invalid to address", ErrInvalidEnvelope)
	case !e.Type.IsValid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	case e.Nonce == "":
		return fmt.Errorf("%w: missing nonce", ErrInvalidEnvelope)
	case e.Timestamp == "":
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	case e.Payload == "":
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	case e.Signature == "":
		return fmt.Errorf("%w: missing signature", ErrInvalidEnvelope)
	}
	return nil
}

// CheckSkew reports whether the envelope's timestamp is within MaxSkew of
// now.
func (e Envelope) CheckSkew(now time.Time) error {
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp format: %v", ErrInvalidEnvelope, err)
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > MaxSkew {
		return fmt.Errorf("%w: timestamp outside acceptable skew", ErrInvalidEnvelope)
	}
	return nil
}

// NowStamp formats t in the millisecond-precision ISO-8601 UTC form the
// wire format uses for timestamps.
func NowStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
