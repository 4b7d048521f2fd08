package models

import (
	"encoding/json"
	"testing"
)

func TestNewMessageID_Monotonic(t *testing.T) {
	ids := make([]MessageID, 50)
	for i := range ids {
		id, err := NewMessageID()
		if err != nil {
			t.Fatalf("NewMessageID() error: %v", err)
		}
		ids[i] = id
	}
	for i := 1; i < len(ids); i++ {
		if ids[i].String() < ids[i-1].String() {
			t.Fatalf("message ids not monotonic: %s before %s", ids[i], ids[i-1])
		}
	}
}

func TestMessageID_JSONRoundtrip(t *testing.T) {
	original, err := NewMessageID()
	if err != nil {
		t.Fatalf("NewMessageID() error: %v", err)
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var parsed MessageID
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if parsed.String() != original.String() {
		t.Fatalf("roundtrip: got %s, want %s", parsed, original)
	}
}

func TestMessageID_ScanValue(t *testing.T) {
	original, _ := NewMessageID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	var scanned MessageID
	if err := scanned.Scan(val); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if scanned.String() != original.String() {
		t.Fatalf("Scan/Value roundtrip: got %s, want %s", scanned, original)
	}
}

func TestParseMessageID_Invalid(t *testing.T) {
	if _, err := ParseMessageID("not-a-uuid"); err == nil {
		t.Error("expected error for invalid message id")
	}
}
