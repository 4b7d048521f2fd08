package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// Sign signs the canonical bytes of fields with priv and returns the
// URL-safe base64 signature. Callers build fields from the signable
// subset of the struct being signed (excluding "signature" itself).
func Sign(priv ed25519.PrivateKey, fields map[string]interface{}) (string, error) {
	canonical, err := Canonicalize(fields)
	if err != nil {
		return "", fmt.Errorf("canonicalizing fields for signing: %w", err)
	}
	sig := ed25519.Sign(priv, canonical)
	return B64Encode(sig), nil
}

// Verify checks that signature is a valid Ed25519 signature over the
// canonical bytes of fields under pub. It returns SignatureVerificationError
// (wrapped) when the signature does not verify.
func Verify(pub ed25519.PublicKey, fields map[string]interface{}, signature string) error {
	sig, err := B64Decode(signature)
	if err != nil {
		return fmt.Errorf("%w: decoding signature: %v", SignatureVerificationError, err)
	}
	canonical, err := Canonicalize(fields)
	if err != nil {
		return fmt.Errorf("canonicalizing fields for verification: %w", err)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, canonical, sig) {
		return SignatureVerificationError
	}
	return nil
}
