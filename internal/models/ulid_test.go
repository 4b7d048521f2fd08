package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewULIDProperties(t *testing.T) {
	id := NewULID()
	if id.IsZero() {
		t.Fatal("NewULID returned the zero ULID")
	}
	if len(id.String()) != 26 {
		t.Fatalf("ULID string length = %d, want 26", len(id.String()))
	}

	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		s := NewULID().String()
		if seen[s] {
			t.Fatalf("duplicate ULID generated: %s", s)
		}
		seen[s] = true
	}
}

func TestULIDMonotonicWithinProcess(t *testing.T) {
	// Entity keys sort by creation time; the shared monotonic reader must
	// keep same-millisecond ULIDs ordered too.
	prev := NewULID()
	for i := 0; i < 100; i++ {
		next := NewULID()
		if next.String() <= prev.String() {
			t.Fatalf("ULIDs not strictly increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestULIDWithTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	id := NewULIDWithTime(ts)
	diff := id.Time().Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	if diff > time.Millisecond {
		t.Errorf("ULID time = %v, want within 1ms of %v", id.Time(), ts)
	}
}

func TestULIDParseAndJSON(t *testing.T) {
	id := NewULID()

	parsed, err := ParseULID(id.String())
	if err != nil {
		t.Fatalf("ParseULID(%q): %v", id, err)
	}
	if parsed != id {
		t.Errorf("ParseULID round-trip = %s, want %s", parsed, id)
	}
	if _, err := ParseULID("not-a-ulid"); err == nil {
		t.Error("ParseULID accepted garbage")
	}

	encoded, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ULID
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != id {
		t.Errorf("JSON round-trip = %s, want %s", decoded, id)
	}
}

func TestULIDSQLValue(t *testing.T) {
	id := NewULID()
	v, err := id.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var scanned ULID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scanned != id {
		t.Errorf("SQL round-trip = %s, want %s", scanned, id)
	}

	var zero ULID
	if err := zero.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !zero.IsZero() {
		t.Error("Scan(nil) should yield the zero ULID")
	}
}
