package envelope

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/uamrelay/relay/internal/crypto"
)

// CardVersion is the current contact card format version.
const CardVersion = 1

// ContactCard is a self-signed TOFU identity document: an agent's address,
// display metadata, and public key, signed by that same key. Verification
// needs only the embedded key; there is no external lookup.
type ContactCard struct {
	Version           int      `json:"version"`
	Address           string   `json:"address"`
	DisplayName       string   `json:"display_name"`
	RelayEndpoint     string   `json:"relay_endpoint"`
	PublicKey         string   `json:"public_key"`
	Description       *string  `json:"description,omitempty"`
	System            *bool    `json:"system,omitempty"`
	ConnectionEndpoint *string `json:"connection_endpoint,omitempty"`
	VerifiedDomain    *string  `json:"verified_domain,omitempty"`
	PayloadFormats    []string `json:"payload_formats,omitempty"`
	Fingerprint       string   `json:"fingerprint"`
	Signature         string   `json:"signature"`
}

func (c ContactCard) signableFields() map[string]interface{} {
	f := map[string]interface{}{
		"version":        c.Version,
		"address":        c.Address,
		"display_name":   c.DisplayName,
		"relay_endpoint": c.RelayEndpoint,
		"public_key":     c.PublicKey,
	}
	if c.Description != nil {
		f["description"] = *c.Description
	}
	if c.System != nil {
		f["system"] = *c.System
	}
	if c.ConnectionEndpoint != nil {
		f["connection_endpoint"] = *c.ConnectionEndpoint
	}
	if c.VerifiedDomain != nil {
		f["verified_domain"] = *c.VerifiedDomain
	}
	if len(c.PayloadFormats) > 0 {
		f["payload_formats"] = c.PayloadFormats
	}
	return f
}

// NewContactCard builds, fingerprints, and signs a contact card for the
// given address and keypair.
func NewContactCard(address, displayName, relayEndpoint string, pub ed25519.PublicKey, priv ed25519.PrivateKey) (ContactCard, error) {
	c := ContactCard{
		Version:       CardVersion,
		Address:       address,
		DisplayName:   displayName,
		RelayEndpoint: relayEndpoint,
		PublicKey:     crypto.SerializeVerifyKey(pub),
		Fingerprint:   crypto.PublicKeyFingerprint(pub),
	}
	sig, err := crypto.Sign(priv, c.signableFields())
	if err != nil {
		return ContactCard{}, fmt.Errorf("signing contact card: %w", err)
	}
	c.Signature = sig
	return c, nil
}

// Verify checks the card's signature using its own embedded public key,
// no external lookup is performed.
func (c ContactCard) Verify() error {
	pub, err := crypto.DeserializeVerifyKey(c.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: decoding embedded public key: %v", ErrInvalidEnvelope, err)
	}
	if err := crypto.Verify(pub, c.signableFields(), c.Signature); err != nil {
		return ErrSignatureMismatch
	}
	wantFp := crypto.PublicKeyFingerprint(pub)
	if c.Fingerprint != wantFp {
		return fmt.Errorf("%w: fingerprint does not match embedded public key", ErrInvalidEnvelope)
	}
	return nil
}

// ToJSON serializes the card to its canonical JSON wire form (ordinary
// JSON encoding, not the signing canonicalization).
func (c ContactCard) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// ContactCardFromJSON parses a contact card from its wire form.
func ContactCardFromJSON(data []byte) (ContactCard, error) {
	var c ContactCard
	if err := json.Unmarshal(data, &c); err != nil {
		return ContactCard{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return c, nil
}
