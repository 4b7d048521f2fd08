package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// nonceSize is the XSalsa20-Poly1305 nonce length NaCl Box and SealedBox use.
const nonceSize = 24

// Encrypt performs an authenticated two-party Box encryption: plaintext is
// sealed so that only the holder of recvPub's Ed25519 counterpart can open
// it, and the recipient can verify it came from the holder of sendPriv.
// Used for every envelope type except handshake.request.
func Encrypt(plaintext []byte, senderPriv ed25519.PrivateKey, recipientPub ed25519.PublicKey) (nonce, ciphertext []byte, err error) {
	sendSK, err := Curve25519PrivateKey(senderPriv)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", EncryptionError, err)
	}
	recvPK, err := Curve25519PublicKey(recipientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", EncryptionError, err)
	}

	var sendSKArr, recvPKArr [32]byte
	copy(sendSKArr[:], sendSK)
	copy(recvPKArr[:], recvPK)

	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: generating nonce: %v", EncryptionError, err)
	}
	var nonceArr [24]byte
	copy(nonceArr[:], nonce)

	ciphertext = box.Seal(nil, plaintext, &nonceArr, &recvPKArr, &sendSKArr)
	return nonce, ciphertext, nil
}

// Decrypt reverses Encrypt. Swapping either key, or tampering with nonce or
// ciphertext, yields DecryptionError.
func Decrypt(nonce, ciphertext []byte, recipientPriv ed25519.PrivateKey, senderPub ed25519.PublicKey) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", DecryptionError, len(nonce))
	}
	recvSK, err := Curve25519PrivateKey(recipientPriv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", DecryptionError, err)
	}
	sendPK, err := Curve25519PublicKey(senderPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", DecryptionError, err)
	}

	var recvSKArr, sendPKArr, nonceArr [32]byte
	copy(recvSKArr[:], recvSK)
	copy(sendPKArr[:], sendPK)
	var n24 [24]byte
	copy(n24[:], nonce)
	_ = nonceArr

	plaintext, ok := box.Open(nil, ciphertext, &n24, &sendPKArr, &recvSKArr)
	if !ok {
		return nil, DecryptionError
	}
	return plaintext, nil
}

// sealedBoxNonce derives the deterministic nonce libsodium's crypto_box_seal
// uses: BLAKE2b-192 over the ephemeral public key followed by the
// recipient's public key.
func sealedBoxNonce(ephPub, recipientPub [32]byte) [24]byte {
	h, _ := blake2b.New(24, nil)
	h.Write(ephPub[:])
	h.Write(recipientPub[:])
	var nonce [24]byte
	copy(nonce[:], h.Sum(nil))
	return nonce
}

// SealedBoxEncrypt anonymously encrypts plaintext to recipientPub: an
// ephemeral Curve25519 keypair is generated, used once, and its public half
// is prefixed to the ciphertext so the recipient can open it without the
// sender ever revealing a long-term identity. Used for handshake.request,
// where the sender may not yet be known to the recipient.
func SealedBoxEncrypt(plaintext []byte, recipientPub ed25519.PublicKey) ([]byte, error) {
	recvPK, err := Curve25519PublicKey(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", EncryptionError, err)
	}
	var recvPKArr [32]byte
	copy(recvPKArr[:], recvPK)

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating ephemeral keypair: %v", EncryptionError, err)
	}

	nonce := sealedBoxNonce(*ephPub, recvPKArr)
	sealed := box.Seal(nil, plaintext, &nonce, &recvPKArr, ephPriv)

	out := make([]byte, 0, 32+len(sealed))
	out = append(out, ephPub[:]...)
	out = append(out, sealed...)
	return out, nil
}

// SealedBoxDecrypt opens a SealedBoxEncrypt payload using the recipient's
// Ed25519 keypair (converted to Curve25519 internally).
func SealedBoxDecrypt(payload []byte, recipientPub ed25519.PublicKey, recipientPriv ed25519.PrivateKey) ([]byte, error) {
	if len(payload) < 32 {
		return nil, fmt.Errorf("%w: sealed box payload too short", DecryptionError)
	}
	var ephPub [32]byte
	copy(ephPub[:], payload[:32])
	sealed := payload[32:]

	recvPK, err := Curve25519PublicKey(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", DecryptionError, err)
	}
	recvSK, err := Curve25519PrivateKey(recipientPriv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", DecryptionError, err)
	}
	var recvPKArr, recvSKArr [32]byte
	copy(recvPKArr[:], recvPK)
	copy(recvSKArr[:], recvSK)

	nonce := sealedBoxNonce(ephPub, recvPKArr)
	plaintext, ok := box.Open(nil, sealed, &nonce, &ephPub, &recvSKArr)
	if !ok {
		return nil, DecryptionError
	}
	return plaintext, nil
}
