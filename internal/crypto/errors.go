// Package crypto wraps the Ed25519 signing, Curve25519 key exchange, and
// NaCl Box/SealedBox encryption primitives used throughout the relay. It
// never hand-rolls cryptographic algorithms; every operation delegates to
// the Go standard library, golang.org/x/crypto, or filippo.io/edwards25519
// (for the Ed25519-to-Curve25519 public key conversion).
package crypto

import "errors"

// EncryptionError is returned when a Box or SealedBox encryption operation
// fails.
var EncryptionError = errors.New("encryption_error")

// DecryptionError is returned when a Box or SealedBox decryption operation
// fails: wrong keys, tampered ciphertext, or malformed input.
var DecryptionError = errors.New("decryption_error")

// SignatureVerificationError is returned when an Ed25519 signature does not
// verify against the supplied canonical bytes and public key.
var SignatureVerificationError = errors.New("signature_verification")
