package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeyPair holds an Ed25519 signing key and its corresponding public key.
type KeyPair struct {
	PublicKey ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new random Ed25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating ed25519 keypair: %w", err)
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// SerializeSigningKey encodes the 32-byte Ed25519 seed as URL-safe base64.
// Only the seed is stored; the public half is always derivable from it.
func SerializeSigningKey(priv ed25519.PrivateKey) string {
	return B64Encode(priv.Seed())
}

// DeserializeSigningKey reconstructs a full Ed25519 private key from its
// serialized 32-byte seed.
func DeserializeSigningKey(encoded string) (ed25519.PrivateKey, error) {
	seed, err := B64Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed has length %d, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// SerializeVerifyKey encodes a 32-byte Ed25519 public key as URL-safe base64.
func SerializeVerifyKey(pub ed25519.PublicKey) string {
	return B64Encode(pub)
}

// DeserializeVerifyKey decodes a URL-safe base64 Ed25519 public key.
func DeserializeVerifyKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := B64Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding verify key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verify key has length %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// PublicKeyFingerprint returns the hex-encoded SHA-256 digest of the raw
// 32-byte public key, used as a short identifier in contact cards and logs.
func PublicKeyFingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}
