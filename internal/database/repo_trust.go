package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/uamrelay/relay/internal/models"
)

const handshakeColumns = `id, from_address, to_address, contact_card, status, created_at, resolved_at`

func scanHandshake(row pgx.Row) (*models.Handshake, error) {
	var h models.Handshake
	err := row.Scan(&h.ID, &h.From, &h.To, &h.ContactCard, &h.Status, &h.CreatedAt, &h.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateHandshake inserts a pending first-contact request.
func (db *DB) CreateHandshake(ctx context.Context, q Querier, h *models.Handshake) error {
	h.ID = models.NewULID()
	h.CreatedAt = time.Now().UTC()
	if h.Status == "" {
		h.Status = models.HandshakePending
	}
	_, err := q.Exec(ctx, `INSERT INTO handshakes (`+handshakeColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		h.ID, h.From, h.To, h.ContactCard, h.Status, h.CreatedAt, h.ResolvedAt)
	return err
}

// GetHandshake fetches a handshake by id.
func (db *DB) GetHandshake(ctx context.Context, q Querier, id models.ULID) (*models.Handshake, error) {
	row := q.QueryRow(ctx, `SELECT `+handshakeColumns+` FROM handshakes WHERE id = $1`, id)
	return scanHandshake(row)
}

// GetPendingHandshakeBetween returns the most recent pending handshake
// from -> to, used to resolve an accept/deny envelope travelling the
// opposite direction.
func (db *DB) GetPendingHandshakeBetween(ctx context.Context, q Querier, from, to string) (*models.Handshake, error) {
	row := q.QueryRow(ctx, `SELECT `+handshakeColumns+` FROM handshakes
		WHERE from_address = $1 AND to_address = $2 AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`, from, to)
	return scanHandshake(row)
}

// ResolveHandshake transitions a pending handshake to approved or denied.
func (db *DB) ResolveHandshake(ctx context.Context, q Querier, id models.ULID, status models.HandshakeStatus) error {
	tag, err := q.Exec(ctx, `UPDATE handshakes SET status = $2, resolved_at = now()
		WHERE id = $1 AND status = 'pending'`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireStaleHandshakes transitions pending handshakes older than ttl to
// expired.
func (db *DB) ExpireStaleHandshakes(ctx context.Context, q Querier, ttl time.Duration) (int64, error) {
	tag, err := q.Exec(ctx, `UPDATE handshakes SET status = 'expired', resolved_at = now()
		WHERE status = 'pending' AND created_at < $1`, time.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const contactColumns = `id, owner, address, trust, contact_card, created_at, updated_at`

func scanContact(row pgx.Row) (*models.Contact, error) {
	var c models.Contact
	err := row.Scan(&c.ID, &c.Owner, &c.Address, &c.Trust, &c.ContactCard, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContact returns owner's trust record for address, if any.
func (db *DB) GetContact(ctx context.Context, q Querier, owner, address string) (*models.Contact, error) {
	row := q.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE owner = $1 AND address = $2`, owner, address)
	return scanContact(row)
}

// UpsertContactTrust inserts or upgrades owner's trust record for address.
// Per the Contact invariant, trust only moves forward on the ladder
// (unknown -> provisional -> pinned -> verified); callers must use
// models.TrustState.Upgrades to decide whether to call this.
func (db *DB) UpsertContactTrust(ctx context.Context, q Querier, owner, address string, trust models.TrustState, card []byte) error {
	_, err := q.Exec(ctx, `INSERT INTO contacts (id, owner, address, trust, contact_card, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
		ON CONFLICT (owner, address) DO UPDATE SET trust = $4, contact_card = COALESCE($5, contacts.contact_card), updated_at = now()`,
		models.NewULID(), owner, address, trust, card)
	return err
}

// RemoveContact deletes a contact record, the one way trust may move
// backward (explicit removal).
func (db *DB) RemoveContact(ctx context.Context, q Querier, owner, address string) error {
	_, err := q.Exec(ctx, `DELETE FROM contacts WHERE owner = $1 AND address = $2`, owner, address)
	return err
}
