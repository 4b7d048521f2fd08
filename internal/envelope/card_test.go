package envelope

import (
	"testing"

	"github.com/uamrelay/relay/internal/crypto"
)

func TestContactCardVerify(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	card, err := NewContactCard("alice::example.com", "Alice", "wss://example.com/ws", kp.PublicKey, kp.PrivateKey)
	if err != nil {
		t.Fatalf("NewContactCard: %v", err)
	}
	if err := card.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}

	wire, err := card.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	parsed, err := ContactCardFromJSON(wire)
	if err != nil {
		t.Fatalf("ContactCardFromJSON: %v", err)
	}
	if err := parsed.Verify(); err != nil {
		t.Errorf("Verify round-tripped card: %v", err)
	}
}

func TestContactCardTamperedFieldFailsVerify(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	card, _ := NewContactCard("alice::example.com", "Alice", "wss://example.com/ws", kp.PublicKey, kp.PrivateKey)
	card.DisplayName = "Mallory"
	if err := card.Verify(); err == nil {
		t.Error("expected verification failure after tampering with display_name")
	}
}

func TestContactCardWrongFingerprintFailsVerify(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	other, _ := crypto.GenerateKeyPair()
	card, _ := NewContactCard("alice::example.com", "Alice", "wss://example.com/ws", kp.PublicKey, kp.PrivateKey)
	card.Fingerprint = crypto.PublicKeyFingerprint(other.PublicKey)
	if err := card.Verify(); err == nil {
		t.Error("expected verification failure for mismatched fingerprint")
	}
}
