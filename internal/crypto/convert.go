package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

// Curve25519PublicKey converts an Ed25519 verify key to its Curve25519
// (X25519) Montgomery-form public key, the same birational map libsodium
// performs for crypto_sign_ed25519_pk_to_curve25519. This is what lets a
// contact card's single Ed25519 key also serve as the Box/SealedBox
// encryption key.
func Curve25519PublicKey(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("curve25519 conversion: bad ed25519 public key length %d", len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("curve25519 conversion: invalid ed25519 point: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// Curve25519PrivateKey converts an Ed25519 signing key to its Curve25519
// (X25519) scalar, following RFC 8032 section 5.1.5: hash the 32-byte seed
// with SHA-512 and clamp the low half, exactly as crypto_sign_ed25519_sk_to_curve25519.
func Curve25519PrivateKey(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("curve25519 conversion: bad ed25519 private key length %d", len(priv))
	}
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	out := make([]byte, 32)
	copy(out, h[:32])
	return out, nil
}
