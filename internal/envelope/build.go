package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/uamrelay/relay/internal/crypto"
	"github.com/uamrelay/relay/internal/models"
)

// BuildParams carries everything needed to construct and seal an outbound
// envelope.
type BuildParams struct {
	From        string
	To          string
	Type        Type
	Plaintext   []byte
	ThreadID    *string
	ReplyTo     *string
	MediaType   *string
	SenderPriv  ed25519.PrivateKey
	RecipientPub ed25519.PublicKey
	Now         time.Time
}

// Build constructs, encrypts, and signs a new Envelope. It selects
// SealedBox for handshake.request and authenticated Box for every other
// type.
func Build(p BuildParams) (Envelope, error) {
	id, err := models.NewMessageID()
	if err != nil {
		return Envelope{}, fmt.Errorf("generating message id: %w", err)
	}

	nonceBytes := make([]byte, 24)
	var payloadB64 string

	if p.Type.UsesSealedBox() {
		sealed, err := crypto.SealedBoxEncrypt(p.Plaintext, p.RecipientPub)
		if err != nil {
			return Envelope{}, err
		}
		payloadB64 = crypto.B64Encode(sealed)
		if _, err := rand.Read(nonceBytes); err != nil {
			return Envelope{}, fmt.Errorf("generating nonce: %w", err)
		}
	} else {
		nonce, ciphertext, err := crypto.Encrypt(p.Plaintext, p.SenderPriv, p.RecipientPub)
		if err != nil {
			return Envelope{}, err
		}
		nonceBytes = nonce
		payloadB64 = crypto.B64Encode(ciphertext)
	}

	e := Envelope{
		Version:   CurrentVersion,
		MessageID: id,
		From:      p.From,
		To:        p.To,
		Type:      p.Type,
		Nonce:     crypto.B64Encode(nonceBytes),
		Timestamp: NowStamp(p.Now),
		ThreadID:  p.ThreadID,
		ReplyTo:   p.ReplyTo,
		MediaType: p.MediaType,
		Payload:   payloadB64,
	}
	if err := e.Sign(p.SenderPriv); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// VerifyInbound runs the relay's full acceptance gate against an already
// parsed-and-field-validated envelope: timestamp skew, signature under the
// sender's registered key, and from-address match against the
// authenticated principal.
func VerifyInbound(e Envelope, senderPub ed25519.PublicKey, authenticatedAddress string, now time.Time) error {
	if err := e.CheckSkew(now); err != nil {
		return err
	}
	if err := e.Verify(senderPub); err != nil {
		return ErrSignatureMismatch
	}
	if e.From != authenticatedAddress {
		return fmt.Errorf("from address %q does not match authenticated principal %q", e.From, authenticatedAddress)
	}
	return nil
}

// Open decrypts an envelope's payload given the relevant keys. Handshake
// requests use SealedBox (only the recipient's keypair is needed); every
// other type uses authenticated Box.
func Open(e Envelope, recipientPriv ed25519.PrivateKey, recipientPub ed25519.PublicKey, senderPub ed25519.PublicKey) ([]byte, error) {
	payload, err := crypto.B64Decode(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", ErrInvalidEnvelope, err)
	}
	if e.Type.UsesSealedBox() {
		return crypto.SealedBoxDecrypt(payload, recipientPub, recipientPriv)
	}
	nonce, err := crypto.B64Decode(e.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding nonce: %v", ErrInvalidEnvelope, err)
	}
	return crypto.Decrypt(nonce, payload, recipientPriv, senderPub)
}
