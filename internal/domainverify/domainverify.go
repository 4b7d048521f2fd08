// Package domainverify proves an agent controls the domain
// half of its `name::domain` address, either via a DNS TXT record at
// `_uam.{domain}` or, failing that, an HTTPS `.well-known/uam.json` document.
// A successful proof upgrades the agent's key provenance from Tier 1
// (relay-authoritative) to Tier 2 (DNS-attested) and raises its reputation to
// the verified baseline. The HTTPS fallback request goes through
// internal/webhook's SSRF-safe client.
package domainverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/models"
	"github.com/uamrelay/relay/internal/policy"
	"github.com/uamrelay/relay/internal/webhook"
)

// ErrNotVerified is returned when neither the DNS TXT record nor the
// well-known document attests the agent's public key for its domain.
var ErrNotVerified = errors.New("domain ownership could not be verified")

// recordPrefix is the TXT record grammar's version tag:
// "v=uam1; key=ed25519:<b64>; relay=<url>".
const recordPrefix = "v=uam1"

// Service runs domain ownership checks and the hourly reverification sweep.
type Service struct {
	db         *database.DB
	reputation *policy.ReputationManager
	logger     *slog.Logger
	httpClient *http.Client

	ttlHours   int
	pollPeriod time.Duration
}

// NewService creates a Service. ttlHours is stored on every successful
// verification and governs how long it stands before the reverifier
// rechecks it (default 24h).
func NewService(db *database.DB, reputation *policy.ReputationManager, logger *slog.Logger, ttlHours int, fetchTimeout time.Duration) *Service {
	if ttlHours <= 0 {
		ttlHours = 24
	}
	return &Service{
		db:         db,
		reputation: reputation,
		logger:     logger,
		httpClient: webhook.SafeHTTPClient(fetchTimeout),
		ttlHours:   ttlHours,
		pollPeriod: time.Hour,
	}
}

// wellKnownDoc mirrors the shape of .well-known/uam.json: {"v":"uam1",
// "agents":{"<name>":{"key":"ed25519:<b64>"}}}.
type wellKnownDoc struct {
	V      string `json:"v"`
	Agents map[string]struct {
		Key string `json:"key"`
	} `json:"agents"`
}

// VerifyDomain attempts to prove that agentAddress (shaped `name::domain`)
// controls domain and holds agentPublicKey, trying DNS first and falling
// back to HTTPS. On success it persists a DomainVerification record and
// raises the agent's reputation to the verified baseline.
func (s *Service) VerifyDomain(ctx context.Context, agentAddress, domain, agentPublicKey string) (*models.DomainVerification, error) {
	name := agentName(agentAddress)

	method, err := s.proveDNS(ctx, domain, agentPublicKey)
	if err != nil {
		method, err = s.proveHTTPS(ctx, domain, name, agentPublicKey)
		if err != nil {
			return nil, ErrNotVerified
		}
	}

	d := &models.DomainVerification{
		Agent:     agentAddress,
		Domain:    domain,
		PublicKey: agentPublicKey,
		Method:    method,
		TTLHours:  s.ttlHours,
	}
	if err := s.db.UpsertDomainVerification(ctx, s.db.Pool, d); err != nil {
		return nil, fmt.Errorf("persisting domain verification: %w", err)
	}
	if err := s.db.UpdateAgentTier(ctx, s.db.Pool, agentAddress, 2); err != nil {
		return nil, fmt.Errorf("upgrading agent tier: %w", err)
	}
	if err := s.reputation.SetVerifiedBaseline(ctx, agentAddress); err != nil {
		s.logger.Warn("domainverify: raising reputation baseline", slog.String("error", err.Error()))
	}
	return d, nil
}

// proveDNS looks up the _uam.{domain} TXT record and checks whether any
// record advertises agentPublicKey.
func (s *Service) proveDNS(ctx context.Context, domain, agentPublicKey string) (models.VerificationMethod, error) {
	records, err := net.DefaultResolver.LookupTXT(ctx, "_uam."+domain)
	if err != nil {
		return "", fmt.Errorf("TXT lookup for _uam.%s: %w", domain, err)
	}
	for _, rec := range records {
		key, ok := parseTXTRecord(rec)
		if ok && keysMatch(key, agentPublicKey) {
			return models.VerifyDNS, nil
		}
	}
	return "", fmt.Errorf("no matching key in TXT records for %s", domain)
}

// parseTXTRecord extracts the ed25519 key from a "v=uam1; key=ed25519:<b64>;
// relay=<url>" TXT record. The relay field is informational only here; the
// relay URL an agent actually uses is whatever it registered with.
func parseTXTRecord(rec string) (string, bool) {
	if !strings.HasPrefix(strings.TrimSpace(rec), recordPrefix) {
		return "", false
	}
	for _, field := range strings.Split(rec, ";") {
		field = strings.TrimSpace(field)
		if k, found := strings.CutPrefix(field, "key="); found {
			return strings.TrimPrefix(k, "ed25519:"), true
		}
	}
	return "", false
}

// proveHTTPS fetches https://{domain}/.well-known/uam.json and checks
// whether the document lists agentName with agentPublicKey.
func (s *Service) proveHTTPS(ctx context.Context, domain, agentName, agentPublicKey string) (models.VerificationMethod, error) {
	url := "https://" + domain + "/.well-known/uam.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", url, err)
	}
	var doc wellKnownDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("decoding %s: %w", url, err)
	}
	entry, ok := doc.Agents[agentName]
	if !ok {
		return "", fmt.Errorf("agent %q not listed in %s", agentName, url)
	}
	if !keysMatch(strings.TrimPrefix(entry.Key, "ed25519:"), agentPublicKey) {
		return "", fmt.Errorf("key mismatch for agent %q in %s", agentName, url)
	}
	return models.VerifyHTTPS, nil
}

func keysMatch(claimed, registered string) bool {
	return claimed != "" && claimed == registered
}

func agentName(address string) string {
	name, _, _ := strings.Cut(address, "::")
	return name
}

// RunReverifier polls ListDueForRecheck on an hourly tick and re-proves each
// record, touching it on success or expiring it (and demoting the agent's
// tier and reputation) on failure. Runs until ctx is cancelled.
func (s *Service) RunReverifier(ctx context.Context) error {
	ticker := time.NewTicker(s.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.recheckDue(ctx)
		}
	}
}

func (s *Service) recheckDue(ctx context.Context) {
	due, err := s.db.ListDueForRecheck(ctx, s.db.Pool)
	if err != nil {
		s.logger.Error("domainverify: listing due recheck rows", slog.String("error", err.Error()))
		return
	}
	for _, d := range due {
		s.recheckOne(ctx, d)
	}
}

func (s *Service) recheckOne(ctx context.Context, d *models.DomainVerification) {
	name := agentName(d.Agent)
	_, err := s.proveDNS(ctx, d.Domain, d.PublicKey)
	if err != nil {
		_, err = s.proveHTTPS(ctx, d.Domain, name, d.PublicKey)
	}
	if err == nil {
		if tErr := s.db.TouchDomainVerification(ctx, s.db.Pool, d.ID); tErr != nil {
			s.logger.Error("domainverify: touching verification", slog.String("error", tErr.Error()))
		}
		return
	}

	s.logger.Warn("domainverify: reverification failed, downgrading",
		slog.String("agent", d.Agent), slog.String("domain", d.Domain), slog.String("error", err.Error()))
	if eErr := s.db.ExpireDomainVerification(ctx, s.db.Pool, d.ID); eErr != nil {
		s.logger.Error("domainverify: expiring verification", slog.String("error", eErr.Error()))
		return
	}
	if tErr := s.db.UpdateAgentTier(ctx, s.db.Pool, d.Agent, 1); tErr != nil {
		s.logger.Error("domainverify: downgrading agent tier", slog.String("error", tErr.Error()))
	}
	if rErr := s.reputation.RecordRejection(ctx, d.Agent, -policy.DeltaDomainVerifyDowngrade, "domain_reverify_failed"); rErr != nil {
		s.logger.Error("domainverify: adjusting reputation", slog.String("error", rErr.Error()))
	}
}
