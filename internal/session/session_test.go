package session

import (
	"strings"
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	m := NewManager("relay.test", time.Minute, 10)

	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasSuffix(s.Address, "::relay.test") {
		t.Errorf("address = %q, want ::relay.test suffix", s.Address)
	}
	if !strings.HasPrefix(s.Address, "demo-") {
		t.Errorf("address = %q, want demo- prefix", s.Address)
	}
	if s.PublicKey == "" || len(s.PrivateKey) == 0 {
		t.Error("session missing keypair")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Address != s.Address {
		t.Errorf("Get returned address %q, want %q", got.Address, s.Address)
	}
}

func TestGetUnknown(t *testing.T) {
	m := NewManager("relay.test", time.Minute, 10)
	if _, err := m.Get("nope"); err != ErrNotFound {
		t.Errorf("Get(unknown) = %v, want ErrNotFound", err)
	}
}

func TestExpiryRemovesOnLookup(t *testing.T) {
	m := NewManager("relay.test", time.Millisecond, 10)
	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := m.Get(s.ID); err != ErrNotFound {
		t.Errorf("Get(expired) = %v, want ErrNotFound", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len after expired lookup = %d, want 0", m.Len())
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	m := NewManager("relay.test", time.Minute, 3)

	var ids []string
	for i := 0; i < 4; i++ {
		s, err := m.Create()
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		ids = append(ids, s.ID)
	}

	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}
	if _, err := m.Get(ids[0]); err != ErrNotFound {
		t.Errorf("oldest session survived eviction")
	}
	for _, id := range ids[1:] {
		if _, err := m.Get(id); err != nil {
			t.Errorf("session %s evicted, want kept", id)
		}
	}
}

func TestRemove(t *testing.T) {
	m := NewManager("relay.test", time.Minute, 10)
	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.Remove(s.ID)
	if _, err := m.Get(s.ID); err != ErrNotFound {
		t.Error("session still present after Remove")
	}
	m.Remove(s.ID) // no-op on repeat
}
