package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/uamrelay/relay/internal/models"
)

const knownRelayColumns = `domain, federation_url, public_key, discovered_at, last_seen_at, discovery_expiry`

func scanKnownRelay(row pgx.Row) (*models.KnownRelay, error) {
	var k models.KnownRelay
	err := row.Scan(&k.Domain, &k.FederationURL, &k.PublicKey, &k.DiscoveredAt, &k.LastSeenAt, &k.DiscoveryExpiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// UpsertKnownRelay records or refreshes a discovered peer relay.
func (db *DB) UpsertKnownRelay(ctx context.Context, q Querier, k *models.KnownRelay) error {
	now := time.Now().UTC()
	if k.DiscoveredAt.IsZero() {
		k.DiscoveredAt = now
	}
	k.LastSeenAt = now
	_, err := q.Exec(ctx, `INSERT INTO known_relays (`+knownRelayColumns+`) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (domain) DO UPDATE SET federation_url = $2, public_key = $3, last_seen_at = $5, discovery_expiry = $6`,
		k.Domain, k.FederationURL, k.PublicKey, k.DiscoveredAt, k.LastSeenAt, k.DiscoveryExpiry)
	return err
}

// GetKnownRelay returns a previously discovered peer relay record.
func (db *DB) GetKnownRelay(ctx context.Context, q Querier, domain string) (*models.KnownRelay, error) {
	row := q.QueryRow(ctx, `SELECT `+knownRelayColumns+` FROM known_relays WHERE domain = $1`, domain)
	return scanKnownRelay(row)
}

const federationQueueColumns = `id, peer_domain, envelope, hop_count, status, attempt_count, next_attempt_at, last_error, created_at`

func scanFederationQueueEntry(row pgx.Row) (*models.FederationQueueEntry, error) {
	var f models.FederationQueueEntry
	err := row.Scan(&f.ID, &f.PeerDomain, &f.Envelope, &f.HopCount, &f.Status, &f.AttemptCount,
		&f.NextAttemptAt, &f.LastError, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// EnqueueFederationDelivery inserts a pending outbound relay-to-relay
// delivery.
func (db *DB) EnqueueFederationDelivery(ctx context.Context, q Querier, f *models.FederationQueueEntry) error {
	f.ID = models.NewULID()
	f.CreatedAt = time.Now().UTC()
	if f.NextAttemptAt.IsZero() {
		f.NextAttemptAt = f.CreatedAt
	}
	if f.Status == "" {
		f.Status = models.FederationQueuePending
	}
	_, err := q.Exec(ctx, `INSERT INTO federation_queue_entries (`+federationQueueColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		f.ID, f.PeerDomain, f.Envelope, f.HopCount, f.Status, f.AttemptCount, f.NextAttemptAt, f.LastError, f.CreatedAt)
	return err
}

// ClaimDueFederationDeliveries atomically claims due, pending deliveries for
// the retry consumer, skipping rows already locked by another worker.
func (db *DB) ClaimDueFederationDeliveries(ctx context.Context, limit int) ([]*models.FederationQueueEntry, error) {
	var out []*models.FederationQueueEntry
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+federationQueueColumns+` FROM federation_queue_entries
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			f, err := scanFederationQueueEntry(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, f)
		}
		rows.Close()
		return rows.Err()
	})
	return out, err
}

// RescheduleFederationDelivery bumps a delivery's attempt count and next
// attempt time per the dead-letter schedule [0,30,300,1800,7200]s, or marks
// it dead_letter once the schedule is exhausted.
func (db *DB) RescheduleFederationDelivery(ctx context.Context, q Querier, id models.ULID, nextAttemptAt *time.Time, lastError string, deadLetter bool) error {
	if deadLetter {
		_, err := q.Exec(ctx, `UPDATE federation_queue_entries SET status = 'dead_letter',
			attempt_count = attempt_count + 1, last_error = $2 WHERE id = $1`, id, lastError)
		return err
	}
	_, err := q.Exec(ctx, `UPDATE federation_queue_entries SET attempt_count = attempt_count + 1,
		next_attempt_at = $2, last_error = $3 WHERE id = $1`, id, *nextAttemptAt, lastError)
	return err
}

// MarkFederationDelivered removes a delivery from the queue once the peer
// relay accepts it.
func (db *DB) MarkFederationDelivered(ctx context.Context, q Querier, id models.ULID) error {
	_, err := q.Exec(ctx, `UPDATE federation_queue_entries SET status = 'delivered' WHERE id = $1`, id)
	return err
}

const federationLogColumns = `id, direction, peer_domain, message_id, outcome, detail, created_at`

// RecordFederationLog appends an audit-trail row for an inbound or outbound
// federation delivery attempt. This table is append-only.
func (db *DB) RecordFederationLog(ctx context.Context, q Querier, f *models.FederationLog) error {
	f.ID = models.NewULID()
	f.CreatedAt = time.Now().UTC()
	_, err := q.Exec(ctx, `INSERT INTO federation_logs (`+federationLogColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		f.ID, f.Direction, f.PeerDomain, f.MessageID, f.Outcome, f.Detail, f.CreatedAt)
	return err
}

// ListFederationLogForPeer returns recent federation log rows for domain,
// newest first.
func (db *DB) ListFederationLogForPeer(ctx context.Context, q Querier, domain string, limit int) ([]*models.FederationLog, error) {
	rows, err := q.Query(ctx, `SELECT `+federationLogColumns+` FROM federation_logs
		WHERE peer_domain = $1 ORDER BY created_at DESC LIMIT $2`, domain, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.FederationLog
	for rows.Next() {
		var f models.FederationLog
		if err := rows.Scan(&f.ID, &f.Direction, &f.PeerDomain, &f.MessageID, &f.Outcome, &f.Detail, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// discoveryCacheEntry mirrors the federation_discovery_cache row shape; it
// has no models type of its own. internal/federation's TTLCache is filled
// from known_relays, not from this table.
type discoveryCacheEntry struct {
	Domain        string
	FederationURL string
	PublicKey     string
	ExpiresAt     time.Time
}

// UpsertDiscoveryCache persists a resolved peer relay's federation endpoint
// so a restart does not force re-discovery for every agent still inside the
// cache TTL.
func (db *DB) UpsertDiscoveryCache(ctx context.Context, q Querier, domain, federationURL, publicKey string, expiresAt time.Time) error {
	_, err := q.Exec(ctx, `INSERT INTO federation_discovery_cache (domain, federation_url, public_key, cached_at, expires_at)
		VALUES ($1,$2,$3,now(),$4)
		ON CONFLICT (domain) DO UPDATE SET federation_url = $2, public_key = $3, cached_at = now(), expires_at = $4`,
		domain, federationURL, publicKey, expiresAt)
	return err
}

// GetDiscoveryCache returns a persisted, unexpired discovery-cache row.
// Peer discovery in internal/federation does not call it; it reads
// known_relays instead.
func (db *DB) GetDiscoveryCache(ctx context.Context, q Querier, domain string) (*discoveryCacheEntry, error) {
	row := q.QueryRow(ctx, `SELECT domain, federation_url, public_key, expires_at FROM federation_discovery_cache
		WHERE domain = $1 AND expires_at > now()`, domain)
	var e discoveryCacheEntry
	err := row.Scan(&e.Domain, &e.FederationURL, &e.PublicKey, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
