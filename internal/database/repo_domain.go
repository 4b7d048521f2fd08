package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/uamrelay/relay/internal/models"
)

const domainVerificationColumns = `id, agent, domain, public_key, method, verified_at, last_checked, ttl_hours, status`

func scanDomainVerification(row pgx.Row) (*models.DomainVerification, error) {
	var d models.DomainVerification
	err := row.Scan(&d.ID, &d.Agent, &d.Domain, &d.PublicKey, &d.Method, &d.VerifiedAt, &d.LastChecked, &d.TTLHours, &d.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertDomainVerification records a successful ownership proof, replacing
// any prior verified record for the same (agent, domain) pair; the partial
// unique index enforces at most one verified row per pair.
func (db *DB) UpsertDomainVerification(ctx context.Context, q Querier, d *models.DomainVerification) error {
	d.ID = models.NewULID()
	now := time.Now().UTC()
	d.VerifiedAt, d.LastChecked = now, now
	if d.Status == "" {
		d.Status = models.VerificationVerified
	}
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE domain_verifications SET status = 'expired'
			WHERE agent = $1 AND domain = $2 AND status = 'verified'`, d.Agent, d.Domain); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO domain_verifications (`+domainVerificationColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			d.ID, d.Agent, d.Domain, d.PublicKey, d.Method, d.VerifiedAt, d.LastChecked, d.TTLHours, d.Status)
		return err
	})
	return err
}

// GetActiveDomainVerification returns the current verified record for
// (agent, domain), if any.
func (db *DB) GetActiveDomainVerification(ctx context.Context, q Querier, agent, domain string) (*models.DomainVerification, error) {
	row := q.QueryRow(ctx, `SELECT `+domainVerificationColumns+` FROM domain_verifications
		WHERE agent = $1 AND domain = $2 AND status = 'verified'`, agent, domain)
	return scanDomainVerification(row)
}

// ListDueForRecheck returns verified records whose last_checked is older
// than their ttl_hours, for the hourly re-verifier in C9.
func (db *DB) ListDueForRecheck(ctx context.Context, q Querier) ([]*models.DomainVerification, error) {
	rows, err := q.Query(ctx, `SELECT `+domainVerificationColumns+` FROM domain_verifications
		WHERE status = 'verified' AND last_checked < now() - (ttl_hours || ' hours')::interval`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DomainVerification
	for rows.Next() {
		d, err := scanDomainVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TouchDomainVerification bumps last_checked after a successful recheck.
func (db *DB) TouchDomainVerification(ctx context.Context, q Querier, id models.ULID) error {
	_, err := q.Exec(ctx, `UPDATE domain_verifications SET last_checked = now() WHERE id = $1`, id)
	return err
}

// ExpireDomainVerification marks a record expired when a recheck fails. It
// does not touch the agent row; the caller demotes the agent's key back to
// Tier 1 provenance separately.
func (db *DB) ExpireDomainVerification(ctx context.Context, q Querier, id models.ULID) error {
	_, err := q.Exec(ctx, `UPDATE domain_verifications SET status = 'expired' WHERE id = $1`, id)
	return err
}
