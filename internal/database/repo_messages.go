package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/uamrelay/relay/internal/models"
)

const messageColumns = `message_id, from_address, to_address, envelope, thread_id, expires_at, status, created_at, delivered_at, deleted_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.MessageID, &m.FromAddress, &m.ToAddress, &m.Envelope, &m.ThreadID, &m.ExpiresAt,
		&m.Status, &m.CreatedAt, &m.DeliveredAt, &m.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// StoreMessage inserts a queued message row (the offline path in C6).
func (db *DB) StoreMessage(ctx context.Context, q Querier, m *models.Message) error {
	m.CreatedAt = time.Now().UTC()
	if m.Status == "" {
		m.Status = models.MessageQueued
	}
	_, err := q.Exec(ctx, `INSERT INTO messages (`+messageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.MessageID, m.FromAddress, m.ToAddress, m.Envelope, m.ThreadID, m.ExpiresAt,
		m.Status, m.CreatedAt, m.DeliveredAt, m.DeletedAt)
	return err
}

// RecordMessageID is the replay-prevention dedup gate: it relies on the unique
// constraint on seen_message_ids.message_id rather than a throw-to-test-
// uniqueness pattern. It returns true the first time a message_id is seen,
// false on every subsequent call.
func (db *DB) RecordMessageID(ctx context.Context, q Querier, messageID models.MessageID, from string) (bool, error) {
	_, err := q.Exec(ctx, `INSERT INTO seen_message_ids (message_id, from_address) VALUES ($1, $2)`, messageID, from)
	if err == nil {
		return true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}
	return false, err
}

// GetInbox returns all queued, non-expired, non-deleted messages for
// address in ascending insertion order (oldest first), the order C6
// preserves when draining to a single recipient.
func (db *DB) GetInbox(ctx context.Context, q Querier, address string) ([]*models.Message, error) {
	rows, err := q.Query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE to_address = $1 AND status = 'queued' AND deleted_at IS NULL
		AND (expires_at IS NULL OR expires_at > now())
		ORDER BY message_id ASC`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetThread returns all non-deleted messages sharing threadID, ordered by
// message id.
func (db *DB) GetThread(ctx context.Context, q Querier, threadID string) ([]*models.Message, error) {
	rows, err := q.Query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE thread_id = $1 AND deleted_at IS NULL ORDER BY message_id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkDelivered batch-transitions the given message ids to delivered in a
// single statement, satisfying the inbox-drain invariant: once committed, a
// subsequent GetInbox call returns none of them.
func (db *DB) MarkDelivered(ctx context.Context, q Querier, ids []models.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]interface{}, len(ids))
	for i, id := range ids {
		raw[i] = id
	}
	_, err := q.Exec(ctx, `UPDATE messages SET status = 'delivered', delivered_at = now()
		WHERE message_id = ANY($1::uuid[])`, toUUIDArray(raw))
	return err
}

func toUUIDArray(ids []interface{}) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.(models.MessageID).String()
	}
	return out
}

// ExpireOverdueMessages marks queued messages whose expires_at has passed
// as expired. Returns the number of rows affected, for sweeper logging.
func (db *DB) ExpireOverdueMessages(ctx context.Context, q Querier) (int64, error) {
	tag, err := q.Exec(ctx, `UPDATE messages SET status = 'expired'
		WHERE status = 'queued' AND deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeOldMessages hard-deletes delivered/expired rows older than the
// retention window (default 90 days).
func (db *DB) PurgeOldMessages(ctx context.Context, q Querier, retention time.Duration) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM messages
		WHERE status IN ('delivered', 'expired') AND created_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneSeenMessageIDs garbage-collects replay-prevention records older than
// the 7-day window.
func (db *DB) PruneSeenMessageIDs(ctx context.Context, q Querier, olderThan time.Duration) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM seen_message_ids WHERE seen_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
