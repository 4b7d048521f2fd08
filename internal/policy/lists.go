package policy

import (
	"context"
	"strings"
	"sync"

	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/models"
)

// Lists holds the block and allow lists in memory for O(1) lookup, mirroring
// the store so every admin mutation refreshes both. Two sets per list: exact
// address matches, and bare domains taken from a `*::domain` pattern or a
// relay-scope bare-domain entry.
type Lists struct {
	db *database.DB

	mu             sync.RWMutex
	blockAddresses map[string]bool
	blockDomains   map[string]bool
	allowAddresses map[string]bool
	allowDomains   map[string]bool
}

// NewLists creates an empty Lists. Call Reload to populate it from the store.
func NewLists(db *database.DB) *Lists {
	return &Lists{
		db:             db,
		blockAddresses: make(map[string]bool),
		blockDomains:   make(map[string]bool),
		allowAddresses: make(map[string]bool),
		allowDomains:   make(map[string]bool),
	}
}

// Reload re-reads the blocklist and allowlist from the store and replaces
// the in-memory sets. Call at startup and after any admin mutation.
func (l *Lists) Reload(ctx context.Context) error {
	blocked, err := l.db.ListBlocklist(ctx, l.db.Pool)
	if err != nil {
		return err
	}
	allowed, err := l.db.ListAllowlist(ctx, l.db.Pool)
	if err != nil {
		return err
	}

	blockAddr, blockDom := splitPatterns(blocked)
	allowAddr, allowDom := splitAllowPatterns(allowed)

	l.mu.Lock()
	l.blockAddresses = blockAddr
	l.blockDomains = blockDom
	l.allowAddresses = allowAddr
	l.allowDomains = allowDom
	l.mu.Unlock()
	return nil
}

func splitPatterns(entries []*models.BlocklistEntry) (addresses, domains map[string]bool) {
	addresses = make(map[string]bool)
	domains = make(map[string]bool)
	for _, e := range entries {
		addDomainOrAddress(e.Pattern, addresses, domains)
	}
	return
}

func splitAllowPatterns(entries []*models.AllowlistEntry) (addresses, domains map[string]bool) {
	addresses = make(map[string]bool)
	domains = make(map[string]bool)
	for _, e := range entries {
		addDomainOrAddress(e.Pattern, addresses, domains)
	}
	return
}

func addDomainOrAddress(pattern string, addresses, domains map[string]bool) {
	if dom, ok := strings.CutPrefix(pattern, "*::"); ok {
		domains[dom] = true
		return
	}
	if !strings.Contains(pattern, "::") {
		// Relay-scope entries hold a bare domain.
		domains[pattern] = true
		return
	}
	addresses[pattern] = true
}

// domainOf returns the domain half of a `name::domain` address.
func domainOf(address string) string {
	_, domain, ok := strings.Cut(address, "::")
	if !ok {
		return ""
	}
	return domain
}

// Allowed reports whether address is explicitly allowlisted, which
// overrides a matching block rule (explicit allow wins).
func (l *Lists) Allowed(address string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.allowAddresses[address] {
		return true
	}
	return l.allowDomains[domainOf(address)]
}

// Blocked reports whether address matches a block rule and is not
// overridden by an allow rule.
func (l *Lists) Blocked(address string) bool {
	if l.Allowed(address) {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.blockAddresses[address] {
		return true
	}
	return l.blockDomains[domainOf(address)]
}

// RelayAllowed and RelayBlocked mirror Allowed/Blocked for relay-scoped bare
// domain patterns, used at federation ingress to gate an entire peer relay.
func (l *Lists) RelayAllowed(domain string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowDomains[domain]
}

func (l *Lists) RelayBlocked(domain string) bool {
	if l.RelayAllowed(domain) {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blockDomains[domain]
}

// AddBlock inserts a block rule in the store and refreshes memory.
func (l *Lists) AddBlock(ctx context.Context, entry *models.BlocklistEntry) error {
	if err := l.db.AddBlocklistEntry(ctx, l.db.Pool, entry); err != nil {
		return err
	}
	return l.Reload(ctx)
}

// RemoveBlock deletes a block rule by id and refreshes memory.
func (l *Lists) RemoveBlock(ctx context.Context, id models.ULID) error {
	if err := l.db.RemoveBlocklistEntry(ctx, l.db.Pool, id); err != nil {
		return err
	}
	return l.Reload(ctx)
}

// AddAllow inserts an allow rule in the store and refreshes memory.
func (l *Lists) AddAllow(ctx context.Context, entry *models.AllowlistEntry) error {
	if err := l.db.AddAllowlistEntry(ctx, l.db.Pool, entry); err != nil {
		return err
	}
	return l.Reload(ctx)
}

// RemoveAllow deletes an allow rule by id and refreshes memory.
func (l *Lists) RemoveAllow(ctx context.Context, id models.ULID) error {
	if err := l.db.RemoveAllowlistEntry(ctx, l.db.Pool, id); err != nil {
		return err
	}
	return l.Reload(ctx)
}
