// Package session holds the relay's ephemeral demo-widget sessions: the one
// deliberately narrow exception to the no-key-custody rule. Each session
// gets a relay-held Ed25519 keypair and a throwaway local address so a
// browser widget with no key storage of its own can receive and read
// envelopes. Sessions are never persisted; the store is TTL-bounded and
// capacity-bounded with oldest-first eviction.
package session

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/uamrelay/relay/internal/crypto"
	"github.com/uamrelay/relay/internal/models"
)

// ErrNotFound is returned when a session id is unknown or already expired.
var ErrNotFound = errors.New("ephemeral session not found")

// DefaultTTL bounds how long a demo session lives without being recreated.
const DefaultTTL = 30 * time.Minute

// DefaultCapacity bounds how many demo sessions exist at once; creating one
// past the cap evicts the oldest.
const DefaultCapacity = 500

// Manager is the in-memory ephemeral session store.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*models.EphemeralSession
	order    []string // session ids, oldest first

	domain   string
	ttl      time.Duration
	capacity int
}

// NewManager creates a Manager minting sessions under domain. Zero ttl or
// capacity fall back to the package defaults.
func NewManager(domain string, ttl time.Duration, capacity int) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		sessions: make(map[string]*models.EphemeralSession),
		domain:   domain,
		ttl:      ttl,
		capacity: capacity,
	}
}

// Create mints a new session with a fresh relay-held keypair and an address
// of the form demo-<id>::<domain>. Evicts expired sessions first, then the
// oldest live one if the store is still at capacity.
func (m *Manager) Create() (*models.EphemeralSession, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating session keypair: %w", err)
	}

	id := strings.ToLower(ulid.Make().String())
	now := time.Now()
	s := &models.EphemeralSession{
		ID:         id,
		Address:    "demo-" + id + "::" + m.domain,
		PublicKey:  crypto.SerializeVerifyKey(kp.PublicKey),
		PrivateKey: kp.PrivateKey,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictExpiredLocked(now)
	for len(m.sessions) >= m.capacity && len(m.order) > 0 {
		m.removeLocked(m.order[0])
	}

	m.sessions[id] = s
	m.order = append(m.order, id)
	return s, nil
}

// Get returns the session with id, or ErrNotFound if it is unknown or its
// TTL has elapsed (expired sessions are removed on lookup).
func (m *Manager) Get(id string) (*models.EphemeralSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(s.ExpiresAt) {
		m.removeLocked(id)
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove deletes the session with id. Removing an unknown id is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

// Len reports the number of live (possibly expired-but-unswept) sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// PrivateKey returns the relay-held signing key for the session, typed for
// the envelope-opening call sites.
func PrivateKey(s *models.EphemeralSession) ed25519.PrivateKey {
	return ed25519.PrivateKey(s.PrivateKey)
}

func (m *Manager) evictExpiredLocked(now time.Time) {
	kept := m.order[:0]
	for _, id := range m.order {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		if now.After(s.ExpiresAt) {
			delete(m.sessions, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (m *Manager) removeLocked(id string) {
	if _, ok := m.sessions[id]; !ok {
		return
	}
	delete(m.sessions, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
