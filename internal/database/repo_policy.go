package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/uamrelay/relay/internal/models"
)

const reputationColumns = `address, score, messages_sent, messages_rejected, created_at, updated_at`

func scanReputation(row pgx.Row) (*models.Reputation, error) {
	var r models.Reputation
	err := row.Scan(&r.Address, &r.Score, &r.MessagesSent, &r.MessagesRejected, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetReputation returns address's reputation row, or a transient default
// (not persisted) carrying defaultScore when no row exists yet.
func (db *DB) GetReputation(ctx context.Context, q Querier, address string, defaultScore int) (*models.Reputation, error) {
	row := q.QueryRow(ctx, `SELECT `+reputationColumns+` FROM reputations WHERE address = $1`, address)
	rep, err := scanReputation(row)
	if errors.Is(err, ErrNotFound) {
		now := time.Now().UTC()
		return &models.Reputation{Address: address, Score: defaultScore, CreatedAt: now, UpdatedAt: now}, nil
	}
	return rep, err
}

// AdjustReputation applies delta to address's score, clamped to [0,100],
// creating the row with defaultScore as the base if absent. Every call site
// must log the event that drove delta, per the Open Question decision
// recorded for score deltas.
func (db *DB) AdjustReputation(ctx context.Context, q Querier, address string, delta, defaultScore int) error {
	_, err := q.Exec(ctx, `INSERT INTO reputations (address, score, created_at, updated_at)
		VALUES ($1, LEAST(100, GREATEST(0, $2 + $3)), now(), now())
		ON CONFLICT (address) DO UPDATE SET
			score = LEAST(100, GREATEST(0, reputations.score + $3)),
			updated_at = now()`,
		address, defaultScore, delta)
	return err
}

// RecordRejection increments address's rejected-message counter and applies
// the associated score penalty.
func (db *DB) RecordRejection(ctx context.Context, q Querier, address string, penalty, defaultScore int) error {
	_, err := q.Exec(ctx, `INSERT INTO reputations (address, score, messages_rejected, created_at, updated_at)
		VALUES ($1, GREATEST(0, $2 - $3), 1, now(), now())
		ON CONFLICT (address) DO UPDATE SET
			score = GREATEST(0, reputations.score - $3),
			messages_rejected = reputations.messages_rejected + 1,
			updated_at = now()`,
		address, defaultScore, penalty)
	return err
}

// IncrementMessagesSent bumps the send counter used for per-tier rate
// accounting.
func (db *DB) IncrementMessagesSent(ctx context.Context, q Querier, address string, defaultScore int) error {
	_, err := q.Exec(ctx, `INSERT INTO reputations (address, score, messages_sent, created_at, updated_at)
		VALUES ($1, $2, 1, now(), now())
		ON CONFLICT (address) DO UPDATE SET
			messages_sent = reputations.messages_sent + 1,
			updated_at = now()`,
		address, defaultScore)
	return err
}

const relayReputationColumns = `domain, score, messages_sent, messages_rejected, created_at, updated_at`

func scanRelayReputation(row pgx.Row) (*models.RelayReputation, error) {
	var r models.RelayReputation
	err := row.Scan(&r.Domain, &r.Score, &r.MessagesSent, &r.MessagesRejected, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRelayReputation returns the peer relay's reputation, or a transient
// default carrying defaultScore when no row exists yet.
func (db *DB) GetRelayReputation(ctx context.Context, q Querier, domain string, defaultScore int) (*models.RelayReputation, error) {
	row := q.QueryRow(ctx, `SELECT `+relayReputationColumns+` FROM relay_reputations WHERE domain = $1`, domain)
	rep, err := scanRelayReputation(row)
	if errors.Is(err, ErrNotFound) {
		now := time.Now().UTC()
		return &models.RelayReputation{Domain: domain, Score: defaultScore, CreatedAt: now, UpdatedAt: now}, nil
	}
	return rep, err
}

// AdjustRelayReputation applies delta to a peer relay's score.
func (db *DB) AdjustRelayReputation(ctx context.Context, q Querier, domain string, delta, defaultScore int) error {
	_, err := q.Exec(ctx, `INSERT INTO relay_reputations (domain, score, created_at, updated_at)
		VALUES ($1, LEAST(100, GREATEST(0, $2 + $3)), now(), now())
		ON CONFLICT (domain) DO UPDATE SET
			score = LEAST(100, GREATEST(0, relay_reputations.score + $3)),
			updated_at = now()`,
		domain, defaultScore, delta)
	return err
}

// RecordRelayRejection increments a peer relay's rejected-message counter,
// called whenever an inbound federated envelope fails policy.
func (db *DB) RecordRelayRejection(ctx context.Context, q Querier, domain string, penalty, defaultScore int) error {
	_, err := q.Exec(ctx, `INSERT INTO relay_reputations (domain, score, messages_rejected, created_at, updated_at)
		VALUES ($1, GREATEST(0, $2 - $3), 1, now(), now())
		ON CONFLICT (domain) DO UPDATE SET
			score = GREATEST(0, relay_reputations.score - $3),
			messages_rejected = relay_reputations.messages_rejected + 1,
			updated_at = now()`,
		domain, defaultScore, penalty)
	return err
}

const blocklistColumns = `id, scope, pattern, reason, created_at`

func scanBlocklistEntry(row pgx.Row) (*models.BlocklistEntry, error) {
	var b models.BlocklistEntry
	err := row.Scan(&b.ID, &b.Scope, &b.Pattern, &b.Reason, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AddBlocklistEntry inserts a block rule. Returns ErrConflict if the
// (scope, pattern) pair already exists.
func (db *DB) AddBlocklistEntry(ctx context.Context, q Querier, b *models.BlocklistEntry) error {
	b.ID = models.NewULID()
	b.CreatedAt = time.Now().UTC()
	_, err := q.Exec(ctx, `INSERT INTO blocklist_entries (`+blocklistColumns+`) VALUES ($1,$2,$3,$4,$5)`,
		b.ID, b.Scope, b.Pattern, b.Reason, b.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// RemoveBlocklistEntry deletes a block rule by id.
func (db *DB) RemoveBlocklistEntry(ctx context.Context, q Querier, id models.ULID) error {
	tag, err := q.Exec(ctx, `DELETE FROM blocklist_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBlocklist returns every block rule, agent-scoped and relay-scoped, for
// C5's policy chain to match against a candidate address and domain.
func (db *DB) ListBlocklist(ctx context.Context, q Querier) ([]*models.BlocklistEntry, error) {
	rows, err := q.Query(ctx, `SELECT `+blocklistColumns+` FROM blocklist_entries ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.BlocklistEntry
	for rows.Next() {
		b, err := scanBlocklistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const allowlistColumns = `id, scope, pattern, reason, created_at`

func scanAllowlistEntry(row pgx.Row) (*models.AllowlistEntry, error) {
	var a models.AllowlistEntry
	err := row.Scan(&a.ID, &a.Scope, &a.Pattern, &a.Reason, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AddAllowlistEntry inserts an explicit allow rule exempting matches from
// blocklist and rate-limit checks. Returns ErrConflict if the (scope,
// pattern) pair already exists.
func (db *DB) AddAllowlistEntry(ctx context.Context, q Querier, a *models.AllowlistEntry) error {
	a.ID = models.NewULID()
	a.CreatedAt = time.Now().UTC()
	_, err := q.Exec(ctx, `INSERT INTO allowlist_entries (`+allowlistColumns+`) VALUES ($1,$2,$3,$4,$5)`,
		a.ID, a.Scope, a.Pattern, a.Reason, a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// RemoveAllowlistEntry deletes an allowlist rule by id.
func (db *DB) RemoveAllowlistEntry(ctx context.Context, q Querier, id models.ULID) error {
	tag, err := q.Exec(ctx, `DELETE FROM allowlist_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAllowlist returns every allow rule for C5's policy chain.
func (db *DB) ListAllowlist(ctx context.Context, q Querier) ([]*models.AllowlistEntry, error) {
	rows, err := q.Query(ctx, `SELECT `+allowlistColumns+` FROM allowlist_entries ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AllowlistEntry
	for rows.Next() {
		a, err := scanAllowlistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
