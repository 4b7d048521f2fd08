package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/uamrelay/relay/internal/crypto"
	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/models"
	"github.com/uamrelay/relay/internal/webhook"
)

// wellKnownRelay is the shape served (and fetched) at
// /.well-known/uam-relay.json.
type wellKnownRelay struct {
	Domain        string `json:"domain"`
	FederationURL string `json:"federation_url"`
	PublicKey     string `json:"public_key"`
}

// discoveryCacheTTL is how long a discovered peer's endpoint and key are
// trusted before a fresh HTTPS lookup is required.
const discoveryCacheTTL = 24 * time.Hour

// Discover resolves domain's federation endpoint and public key, consulting
// the in-memory TTL cache, then the persisted known_relays row while its
// discovery_expiry has not passed, before falling back to an HTTPS fetch of
// /.well-known/uam-relay.json.
func (s *Service) Discover(ctx context.Context, domain string) (*models.KnownRelay, error) {
	if cached, ok := s.cache.Get(domain); ok {
		return cached, nil
	}

	known, err := s.db.GetKnownRelay(ctx, s.db.Pool, domain)
	if err != nil && err != database.ErrNotFound {
		return nil, err
	}
	if err == nil && time.Now().Before(known.DiscoveryExpiry) {
		s.cache.Set(domain, known)
		return known, nil
	}

	known, err = s.fetchWellKnown(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("discovering federation endpoint for %s: %w", domain, err)
	}
	if err := s.db.UpsertKnownRelay(ctx, s.db.Pool, known); err != nil {
		s.logger.Warn("federation: persisting discovered relay", slog.String("domain", domain), slog.String("error", err.Error()))
	}
	s.cache.Set(domain, known)
	return known, nil
}

func (s *Service) fetchWellKnown(ctx context.Context, domain string) (*models.KnownRelay, error) {
	url := "https://" + domain + "/.well-known/uam-relay.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.discoveryClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	var doc wellKnownRelay
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", url, err)
	}
	if doc.Domain == "" || doc.FederationURL == "" || doc.PublicKey == "" {
		return nil, fmt.Errorf("%s: incomplete discovery document", url)
	}

	now := time.Now().UTC()
	return &models.KnownRelay{
		Domain:          doc.Domain,
		FederationURL:   doc.FederationURL,
		PublicKey:       doc.PublicKey,
		DiscoveredAt:    now,
		LastSeenAt:      now,
		DiscoveryExpiry: now.Add(discoveryCacheTTL),
	}, nil
}

// HandleWellKnown serves this relay's own discovery document at
// GET /.well-known/uam-relay.json.
func (s *Service) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	doc := wellKnownRelay{
		Domain:        s.domain,
		FederationURL: s.federationURL,
		PublicKey:     crypto.SerializeVerifyKey(s.publicKey),
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	json.NewEncoder(w).Encode(doc)
}

// newDiscoveryClient builds the SSRF-safe client used for peer discovery
// and delivery, sharing internal/webhook's transport defenses rather than
// hand-rolling a second SSRF guard for the same class of outbound request.
func newDiscoveryClient(timeout time.Duration) *http.Client {
	return webhook.SafeHTTPClient(timeout)
}
