package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	plaintext := []byte("hello relay")
	nonce, ciphertext, err := Encrypt(plaintext, sender.PrivateKey, recipient.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(nonce, ciphertext, recipient.PrivateKey, sender.PublicKey)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()

	nonce, ciphertext, err := Encrypt([]byte("secret"), sender.PrivateKey, recipient.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(nonce, ciphertext, other.PrivateKey, sender.PublicKey); err == nil {
		t.Error("Decrypt with wrong recipient key should fail")
	}
	if _, err := Decrypt(nonce, ciphertext, recipient.PrivateKey, other.PublicKey); err == nil {
		t.Error("Decrypt with wrong sender key should fail")
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()

	nonce, ciphertext, err := Encrypt([]byte("secret"), sender.PrivateKey, recipient.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ciphertext[0] ^= 0xFF

	if _, err := Decrypt(nonce, ciphertext, recipient.PrivateKey, sender.PublicKey); err == nil {
		t.Error("Decrypt of tampered ciphertext should fail")
	}
}

func TestSealedBoxRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	plaintext := []byte("first contact")
	sealed, err := SealedBoxEncrypt(plaintext, recipient.PublicKey)
	if err != nil {
		t.Fatalf("SealedBoxEncrypt: %v", err)
	}

	got, err := SealedBoxDecrypt(sealed, recipient.PublicKey, recipient.PrivateKey)
	if err != nil {
		t.Fatalf("SealedBoxDecrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("SealedBoxDecrypt = %q, want %q", got, plaintext)
	}
}

func TestSealedBoxDecryptWrongKeyFails(t *testing.T) {
	recipient, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()

	sealed, err := SealedBoxEncrypt([]byte("secret"), recipient.PublicKey)
	if err != nil {
		t.Fatalf("SealedBoxEncrypt: %v", err)
	}
	if _, err := SealedBoxDecrypt(sealed, other.PublicKey, other.PrivateKey); err == nil {
		t.Error("SealedBoxDecrypt with wrong key should fail")
	}
}
