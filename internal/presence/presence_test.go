package presence

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatus_JSONOnline(t *testing.T) {
	s := Status{Address: "alice::example.com", Online: true}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded Status
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.Address != s.Address {
		t.Errorf("address = %q, want %q", decoded.Address, s.Address)
	}
	if !decoded.Online {
		t.Error("online = false, want true")
	}
	if decoded.LastSeenAt != nil {
		t.Errorf("last_seen_at = %v, want nil when online", decoded.LastSeenAt)
	}
}

func TestStatus_JSONOfflineOmitsLastSeenWhenNil(t *testing.T) {
	s := Status{Address: "bob::example.com", Online: false}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if string(data) == "" {
		t.Fatal("expected non-empty JSON")
	}

	var decoded Status
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.Online {
		t.Error("online = true, want false")
	}
}

func TestStatus_JSONOfflineWithLastSeen(t *testing.T) {
	seen := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	s := Status{Address: "carol::example.com", Online: false, LastSeenAt: &seen}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded Status
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.LastSeenAt == nil || !decoded.LastSeenAt.Equal(seen) {
		t.Errorf("last_seen_at = %v, want %v", decoded.LastSeenAt, seen)
	}
}
