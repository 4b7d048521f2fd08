package envelope

import (
	"testing"
	"time"

	"github.com/uamrelay/relay/internal/crypto"
)

func TestWireRoundTrip(t *testing.T) {
	sender, _ := crypto.GenerateKeyPair()
	recipient, _ := crypto.GenerateKeyPair()

	e, err := Build(BuildParams{
		From:         "alice::example.com",
		To:           "bob::example.com",
		Type:         TypeMessage,
		Plaintext:    []byte("hi bob"),
		SenderPriv:   sender.PrivateKey,
		RecipientPub: recipient.PublicKey,
		Now:          time.Now(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	wire, err := e.ToWire()
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	parsed, err := FromWire(wire)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	wire2, err := parsed.ToWire()
	if err != nil {
		t.Fatalf("ToWire (second): %v", err)
	}
	if string(wire) != string(wire2) {
		t.Errorf("to_wire -> from_wire -> to_wire is not a fixed point")
	}

	if err := VerifyInbound(parsed, sender.PublicKey, "alice::example.com", time.Now()); err != nil {
		t.Errorf("VerifyInbound: %v", err)
	}

	plaintext, err := Open(parsed, recipient.PrivateKey, recipient.PublicKey, sender.PublicKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plaintext) != "hi bob" {
		t.Errorf("Open = %q, want %q", plaintext, "hi bob")
	}
}

func TestVerifyInboundSignatureMismatch(t *testing.T) {
	sender, _ := crypto.GenerateKeyPair()
	other, _ := crypto.GenerateKeyPair()
	recipient, _ := crypto.GenerateKeyPair()

	e, err := Build(BuildParams{
		From: "alice::example.com", To: "bob::example.com", Type: TypeMessage,
		Plaintext: []byte("hi"), SenderPriv: sender.PrivateKey, RecipientPub: recipient.PublicKey,
		Now: time.Now(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := VerifyInbound(e, other.PublicKey, "alice::example.com", time.Now()); err == nil {
		t.Error("expected signature_verification error with wrong public key")
	}

	// Replace the first character: it carries six full bits of the first
	// signature byte, whereas the last character's low bits are ignored by
	// the lenient decoder and replacing it can leave the bytes unchanged.
	first := "A"
	if e.Signature[0] == 'A' {
		first = "B"
	}
	e.Signature = first + e.Signature[1:]
	if err := VerifyInbound(e, sender.PublicKey, "alice::example.com", time.Now()); err == nil {
		t.Error("expected signature_verification error after signature tamper")
	}
}

func TestVerifyInboundFromMismatch(t *testing.T) {
	sender, _ := crypto.GenerateKeyPair()
	recipient, _ := crypto.GenerateKeyPair()
	e, _ := Build(BuildParams{
		From: "alice::example.com", To: "bob::example.com", Type: TypeMessage,
		Plaintext: []byte("hi"), SenderPriv: sender.PrivateKey, RecipientPub: recipient.PublicKey,
		Now: time.Now(),
	})
	if err := VerifyInbound(e, sender.PublicKey, "mallory::example.com", time.Now()); err == nil {
		t.Error("expected from-address mismatch to fail verification")
	}
}

func TestEnvelopeTooLarge(t *testing.T) {
	huge := make([]byte, MaxWireSize+1)
	if _, err := FromWire(huge); err != ErrEnvelopeTooLarge {
		t.Errorf("FromWire(huge) error = %v, want %v", err, ErrEnvelopeTooLarge)
	}
}

func TestValidAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"alice::example.com", true},
		{"ab::example.com", true},
		{"a::example.com", true},
		{"alice_bob-2::sub.example.com", true},
		{"Alice::example.com", false},
		{"alice", false},
		{"alice::", false},
		{"::example.com", false},
		{"alice bob::example.com", false},
	}
	for _, tc := range tests {
		if got := ValidAddress(tc.addr); got != tc.want {
			t.Errorf("ValidAddress(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestCheckSkew(t *testing.T) {
	e := Envelope{Timestamp: NowStamp(time.Now().Add(-10 * time.Minute))}
	if err := e.CheckSkew(time.Now()); err == nil {
		t.Error("expected skew error for timestamp 10m in the past")
	}
	e2 := Envelope{Timestamp: NowStamp(time.Now())}
	if err := e2.CheckSkew(time.Now()); err != nil {
		t.Errorf("CheckSkew for fresh timestamp: %v", err)
	}
}
