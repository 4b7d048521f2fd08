package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/uamrelay/relay/internal/models"
)

const webhookDeliveryColumns = `id, agent, message_id, envelope, status, attempt_count, last_status_code, last_error, next_attempt_at, created_at, completed_at`

func scanWebhookDelivery(row pgx.Row) (*models.WebhookDelivery, error) {
	var w models.WebhookDelivery
	var nextAttemptAt time.Time
	err := row.Scan(&w.ID, &w.Agent, &w.MessageID, &w.Envelope, &w.Status, &w.AttemptCount,
		&w.LastStatusCode, &w.LastError, &nextAttemptAt, &w.CreatedAt, &w.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// EnqueueWebhookDelivery inserts a pending delivery row for a message bound
// for an agent's webhook URL.
func (db *DB) EnqueueWebhookDelivery(ctx context.Context, q Querier, w *models.WebhookDelivery) error {
	w.ID = models.NewULID()
	w.CreatedAt = time.Now().UTC()
	if w.Status == "" {
		w.Status = models.WebhookPending
	}
	_, err := q.Exec(ctx, `INSERT INTO webhook_deliveries (`+webhookDeliveryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		w.ID, w.Agent, w.MessageID, w.Envelope, w.Status, w.AttemptCount,
		w.LastStatusCode, w.LastError, w.CreatedAt, w.CreatedAt, w.CompletedAt)
	return err
}

// ClaimDueWebhookDeliveries atomically claims up to limit pending/due
// deliveries, marking them in_progress so concurrent worker pool members
// never double-send the same attempt.
func (db *DB) ClaimDueWebhookDeliveries(ctx context.Context, limit int) ([]*models.WebhookDelivery, error) {
	var out []*models.WebhookDelivery
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return err
		}
		var ids []models.ULID
		for rows.Next() {
			w, err := scanWebhookDelivery(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, w)
			ids = append(ids, w.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.Exec(ctx, `UPDATE webhook_deliveries SET status = 'in_progress' WHERE id = $1`, id); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// RecordWebhookAttempt updates a delivery after one HTTP attempt. On
// success it marks the row completed; on failure it reschedules
// next_attempt_at per the backoff schedule, or marks it failed (dead
// letter) once attempts are exhausted.
func (db *DB) RecordWebhookAttempt(ctx context.Context, q Querier, id models.ULID, statusCode *int, attemptErr *string, nextAttemptAt *time.Time, exhausted bool) error {
	switch {
	case nextAttemptAt == nil && !exhausted:
		_, err := q.Exec(ctx, `UPDATE webhook_deliveries SET status = 'succeeded', attempt_count = attempt_count + 1,
			last_status_code = $2, last_error = NULL, completed_at = now() WHERE id = $1`, id, statusCode)
		return err
	case exhausted:
		_, err := q.Exec(ctx, `UPDATE webhook_deliveries SET status = 'failed', attempt_count = attempt_count + 1,
			last_status_code = $2, last_error = $3, completed_at = now() WHERE id = $1`, id, statusCode, attemptErr)
		return err
	default:
		_, err := q.Exec(ctx, `UPDATE webhook_deliveries SET status = 'pending', attempt_count = attempt_count + 1,
			last_status_code = $2, last_error = $3, next_attempt_at = $4 WHERE id = $1`,
			id, statusCode, attemptErr, *nextAttemptAt)
		return err
	}
}

// ListWebhookDeliveriesForAgent returns an agent's delivery history, newest
// first, for the admin/status surface.
func (db *DB) ListWebhookDeliveriesForAgent(ctx context.Context, q Querier, agent string, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := q.Query(ctx, `SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries
		WHERE agent = $1 ORDER BY created_at DESC LIMIT $2`, agent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WebhookDelivery
	for rows.Next() {
		w, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
