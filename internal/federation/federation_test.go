package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/uamrelay/relay/internal/crypto"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return pub, priv
}

func testDeliverRequest(t *testing.T) deliverRequest {
	t.Helper()
	envelope, err := json.Marshal(map[string]any{"version": 1, "type": "message"})
	if err != nil {
		t.Fatal(err)
	}
	return deliverRequest{
		Envelope:     envelope,
		HopCount:     1,
		SenderDomain: "relay-a.test",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
}

func TestDeliverRequestSignVerify(t *testing.T) {
	pub, priv := testKeyPair(t)
	svc := &Service{privateKey: priv, publicKey: pub}

	req := testDeliverRequest(t)
	sig, err := svc.sign(req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := verify(req, sig, pub); err != nil {
		t.Errorf("verify of freshly signed request failed: %v", err)
	}
}

func TestDeliverRequestVerifyRejectsTamper(t *testing.T) {
	pub, priv := testKeyPair(t)
	svc := &Service{privateKey: priv, publicKey: pub}

	req := testDeliverRequest(t)
	sig, err := svc.sign(req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := req
	tampered.HopCount = 2
	if err := verify(tampered, sig, pub); err == nil {
		t.Error("verify accepted a request with a mutated hop count")
	}

	tampered = req
	tampered.SenderDomain = "evil.test"
	if err := verify(tampered, sig, pub); err == nil {
		t.Error("verify accepted a request with a mutated sender domain")
	}
}

func TestDeliverRequestVerifyRejectsWrongKey(t *testing.T) {
	_, priv := testKeyPair(t)
	otherPub, _ := testKeyPair(t)
	svc := &Service{privateKey: priv}

	req := testDeliverRequest(t)
	sig, err := svc.sign(req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := verify(req, sig, otherPub); err == nil {
		t.Error("verify accepted a signature under the wrong peer key")
	}
}

func TestSignableFieldsExcludeNothingSigned(t *testing.T) {
	// The signature covers every field of the deliver request; adding a
	// field without extending signableFields would silently unsign it.
	req := testDeliverRequest(t)
	fields := req.signableFields()
	for _, key := range []string{"envelope", "hop_count", "sender_domain", "timestamp"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("signableFields missing %q", key)
		}
	}
	if len(fields) != 4 {
		t.Errorf("signableFields has %d entries, want 4", len(fields))
	}
}

func TestRelayKeySerializationRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)

	encoded := crypto.SerializeSigningKey(priv)
	decoded, err := crypto.DeserializeSigningKey(encoded)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !decoded.Equal(priv) {
		t.Error("signing key did not round-trip")
	}
	if !decoded.Public().(ed25519.PublicKey).Equal(pub) {
		t.Error("public key does not match after round-trip")
	}
}

func TestFederationRetryScheduleShape(t *testing.T) {
	if len(RetrySchedule) != 5 {
		t.Fatalf("schedule length = %d, want 5", len(RetrySchedule))
	}
	if RetrySchedule[0] != 0 {
		t.Errorf("first delay = %v, want immediate", RetrySchedule[0])
	}
	for i := 1; i < len(RetrySchedule); i++ {
		if RetrySchedule[i] <= RetrySchedule[i-1] {
			t.Errorf("schedule not increasing at index %d", i)
		}
	}
}
