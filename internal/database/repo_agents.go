package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/uamrelay/relay/internal/models"
)

// ErrNotFound is returned by single-row lookups that match no live row.
var ErrNotFound = errors.New("not_found")

// ErrConflict is returned when a unique constraint (e.g. duplicate
// registration under a different key) would be violated.
var ErrConflict = errors.New("conflict")

const agentColumns = `id, address, domain, public_key, token, webhook_url, webhook_meta, status, tier, last_seen_at, created_at, updated_at, deleted_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Address, &a.Domain, &a.PublicKey, &a.Token, &a.WebhookURL, &a.WebhookMeta,
		&a.Status, &a.Tier, &a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAgent inserts a new Agent row. Returns ErrConflict if the address
// is already registered.
func (db *DB) CreateAgent(ctx context.Context, q Querier, a *models.Agent) error {
	a.ID = models.NewULID()
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = models.AgentActive
	}
	if a.Tier == 0 {
		a.Tier = 1
	}
	_, err := q.Exec(ctx, `INSERT INTO agents (`+agentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.Address, a.Domain, a.PublicKey, a.Token, a.WebhookURL, a.WebhookMeta,
		a.Status, a.Tier, a.LastSeenAt, a.CreatedAt, a.UpdatedAt, a.DeletedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

// GetAgentByAddress returns the live (not soft-deleted) agent for address.
func (db *DB) GetAgentByAddress(ctx context.Context, q Querier, address string) (*models.Agent, error) {
	row := q.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE address = $1 AND deleted_at IS NULL`, address)
	return scanAgent(row)
}

// GetAgentByAddressWithDeleted returns the agent regardless of soft-delete
// state, for admin introspection.
func (db *DB) GetAgentByAddressWithDeleted(ctx context.Context, q Querier, address string) (*models.Agent, error) {
	row := q.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE address = $1`, address)
	return scanAgent(row)
}

// GetAgentByToken returns the live agent holding the presented bearer
// token, matched exactly against the indexed token column.
func (db *DB) GetAgentByToken(ctx context.Context, q Querier, token string) (*models.Agent, error) {
	row := q.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE token = $1 AND deleted_at IS NULL`, token)
	return scanAgent(row)
}

// UpdateAgentWebhook sets (or clears, with nil) the agent's webhook URL.
func (db *DB) UpdateAgentWebhook(ctx context.Context, q Querier, address string, webhookURL *string) error {
	tag, err := q.Exec(ctx, `UPDATE agents SET webhook_url = $2, updated_at = now()
		WHERE address = $1 AND deleted_at IS NULL`, address, webhookURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentWebhookMeta merges circuit-breaker and delivery-tracking state
// into the agent's opaque webhook metadata blob.
func (db *DB) UpdateAgentWebhookMeta(ctx context.Context, q Querier, address string, meta []byte) error {
	tag, err := q.Exec(ctx, `UPDATE agents SET webhook_meta = $2, updated_at = now()
		WHERE address = $1 AND deleted_at IS NULL`, address, meta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentStatus transitions an agent's lifecycle status.
func (db *DB) UpdateAgentStatus(ctx context.Context, q Querier, address string, status models.AgentStatus) error {
	tag, err := q.Exec(ctx, `UPDATE agents SET status = $2, updated_at = now()
		WHERE address = $1 AND deleted_at IS NULL`, address, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentTier sets the key-provenance tier (1 or 2) for address.
func (db *DB) UpdateAgentTier(ctx context.Context, q Querier, address string, tier int) error {
	tag, err := q.Exec(ctx, `UPDATE agents SET tier = $2, updated_at = now()
		WHERE address = $1 AND deleted_at IS NULL`, address, tier)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen updates an agent's last-seen timestamp, called on disconnect
// the gateway records on every disconnect.
func (db *DB) TouchLastSeen(ctx context.Context, q Querier, address string) error {
	_, err := q.Exec(ctx, `UPDATE agents SET last_seen_at = now() WHERE address = $1 AND deleted_at IS NULL`, address)
	return err
}

// SoftDeleteAgent marks an agent deactivated and soft-deleted.
func (db *DB) SoftDeleteAgent(ctx context.Context, q Querier, address string) error {
	tag, err := q.Exec(ctx, `UPDATE agents SET status = 'deactivated', deleted_at = now(), updated_at = now()
		WHERE address = $1 AND deleted_at IS NULL`, address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReserveName best-effort inserts a short-lived name reservation, cleaning
// up expired rows first so two concurrent registrations of the same name
// cannot both succeed. Returns ErrConflict if the name is currently held.
func (db *DB) ReserveName(ctx context.Context, q Querier, agentName, domain string, ttl time.Duration) error {
	if _, err := q.Exec(ctx, `DELETE FROM name_reservations WHERE expires_at < now()`); err != nil {
		return fmt.Errorf("pruning expired name reservations: %w", err)
	}
	_, err := q.Exec(ctx, `INSERT INTO name_reservations (agent_name, domain, expires_at)
		VALUES ($1, $2, $3)`, agentName, domain, time.Now().Add(ttl))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

// ReleaseNameReservation removes a name reservation once registration
// completes (or is abandoned).
func (db *DB) ReleaseNameReservation(ctx context.Context, q Querier, agentName, domain string) error {
	_, err := q.Exec(ctx, `DELETE FROM name_reservations WHERE agent_name = $1 AND domain = $2`, agentName, domain)
	return err
}
