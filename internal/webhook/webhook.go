// Package webhook implements webhook delivery: a worker pool drains
// pending WebhookDelivery rows, re-validates the target URL against SSRF
// before every attempt, POSTs the envelope with an HMAC signature header,
// and retries with backoff before opening a per-agent circuit breaker.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/models"
	"github.com/uamrelay/relay/internal/policy"
)

// RetrySchedule is the fixed backoff sequence applied to failed attempts,
// indexed by AttemptCount after the failing attempt (0-indexed).
var RetrySchedule = []time.Duration{0, 30 * time.Second, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour}

// SignatureHeader carries the HMAC-SHA256 of the POSTed envelope body.
const SignatureHeader = "X-UAM-Signature"

// SignBody computes the X-UAM-Signature header value: HMAC-SHA256 over the
// raw body, keyed by the recipient agent's bearer token. The receiving
// endpoint holds that token from registration and verifies with it
// directly.
func SignBody(token string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// circuitState is the per-agent circuit-breaker state persisted in the
// agent's opaque webhook_meta blob.
type circuitState struct {
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	ConsecutiveFail int        `json:"consecutive_fail"`
}

// Worker drains due webhook deliveries and executes them.
type Worker struct {
	db         *database.DB
	client     *http.Client
	reputation *policy.ReputationManager
	logger     *slog.Logger

	pollInterval    time.Duration
	batchSize       int
	circuitCooldown time.Duration

	wake chan struct{}
}

// NewWorker creates a Worker. deliveryTimeout bounds each HTTP attempt;
// circuitCooldown is how long a tripped circuit breaker stays open.
func NewWorker(db *database.DB, reputation *policy.ReputationManager, logger *slog.Logger, deliveryTimeout, circuitCooldown time.Duration) *Worker {
	return &Worker{
		db:              db,
		client:          SafeHTTPClient(deliveryTimeout),
		reputation:      reputation,
		logger:          logger,
		pollInterval:    2 * time.Second,
		batchSize:       20,
		circuitCooldown: circuitCooldown,
		wake:            make(chan struct{}, 1),
	}
}

// Wake nudges the worker to drain immediately rather than waiting out its
// poll interval. Safe to call from any goroutine; non-blocking.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls for due deliveries and executes them until ctx is cancelled.
// It also drains immediately whenever Wake is called, typically in
// response to an internal/events nudge from the handler that just enqueued
// a delivery.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.drainOnce(ctx)
		case <-w.wake:
			w.drainOnce(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	deliveries, err := w.db.ClaimDueWebhookDeliveries(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("webhook: claiming due deliveries", slog.String("error", err.Error()))
		return
	}
	for _, d := range deliveries {
		w.attempt(ctx, d)
	}
}

func (w *Worker) attempt(ctx context.Context, d *models.WebhookDelivery) {
	agent, err := w.db.GetAgentByAddress(ctx, w.db.Pool, d.Agent)
	if err != nil || agent.WebhookURL == nil {
		w.finish(ctx, d, nil, "recipient has no webhook configured", true)
		return
	}

	state := loadCircuitState(agent.WebhookMeta)
	if state.OpenedAt != nil && time.Since(*state.OpenedAt) < w.circuitCooldown {
		w.reschedule(ctx, d, "circuit_open", false)
		return
	}

	if err := ValidateURL(ctx, *agent.WebhookURL); err != nil {
		w.finish(ctx, d, nil, err.Error(), true)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *agent.WebhookURL, bytes.NewReader(d.Envelope))
	if err != nil {
		w.finish(ctx, d, nil, err.Error(), true)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignBody(agent.Token, d.Envelope))

	resp, err := w.client.Do(req)
	if err != nil {
		w.recordFailureAndMaybeTripCircuit(ctx, agent, state)
		w.rescheduleWithStatus(ctx, d, 0, err.Error())
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.clearCircuit(ctx, agent, state)
		w.finish(ctx, d, &resp.StatusCode, "", false)
	case resp.StatusCode >= 500:
		w.recordFailureAndMaybeTripCircuit(ctx, agent, state)
		w.rescheduleWithStatus(ctx, d, resp.StatusCode, fmt.Sprintf("server error %d", resp.StatusCode))
	default:
		// 4xx fails fast, no retry.
		w.finish(ctx, d, &resp.StatusCode, fmt.Sprintf("client error %d", resp.StatusCode), true)
	}
}

func (w *Worker) recordFailureAndMaybeTripCircuit(ctx context.Context, agent *models.Agent, state circuitState) {
	state.ConsecutiveFail++
	if state.ConsecutiveFail >= 3 && state.OpenedAt == nil {
		now := time.Now().UTC()
		state.OpenedAt = &now
		w.logger.Warn("webhook: circuit opened", slog.String("agent", agent.Address))
		if w.reputation != nil {
			if err := w.reputation.Adjust(ctx, agent.Address, policy.DeltaWebhookCircuitOpened, "webhook_circuit_opened"); err != nil {
				w.logger.Error("webhook: adjusting reputation on circuit open", slog.String("error", err.Error()))
			}
		}
	}
	w.saveCircuitState(ctx, agent.Address, state)
}

func (w *Worker) clearCircuit(ctx context.Context, agent *models.Agent, state circuitState) {
	if state.OpenedAt == nil && state.ConsecutiveFail == 0 {
		return
	}
	w.saveCircuitState(ctx, agent.Address, circuitState{})
}

func (w *Worker) saveCircuitState(ctx context.Context, address string, state circuitState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := w.db.UpdateAgentWebhookMeta(ctx, w.db.Pool, address, data); err != nil {
		w.logger.Error("webhook: saving circuit state", slog.String("error", err.Error()))
	}
}

func loadCircuitState(meta json.RawMessage) circuitState {
	var s circuitState
	if len(meta) == 0 {
		return s
	}
	_ = json.Unmarshal(meta, &s)
	return s
}

// reschedule re-enters a delivery into the pending queue after the
// circuit-breaker cooldown, used when the circuit is open rather than after
// a real attempt.
func (w *Worker) reschedule(ctx context.Context, d *models.WebhookDelivery, reason string, _ bool) {
	next := time.Now().Add(w.circuitCooldown)
	if err := w.db.RecordWebhookAttempt(ctx, w.db.Pool, d.ID, nil, strPtr(reason), &next, false); err != nil {
		w.logger.Error("webhook: rescheduling delivery", slog.String("error", err.Error()))
	}
}

func (w *Worker) rescheduleWithStatus(ctx context.Context, d *models.WebhookDelivery, statusCode int, reason string) {
	attempt := d.AttemptCount
	exhausted := attempt+1 >= len(RetrySchedule)
	delay := RetrySchedule[len(RetrySchedule)-1]
	if attempt+1 < len(RetrySchedule) {
		delay = RetrySchedule[attempt+1]
	}
	next := time.Now().Add(delay)
	// statusCode 0 means the attempt got no HTTP response (network error).
	var sc *int
	if statusCode != 0 {
		sc = &statusCode
	}
	if exhausted {
		if err := w.db.RecordWebhookAttempt(ctx, w.db.Pool, d.ID, sc, strPtr(reason), nil, true); err != nil {
			w.logger.Error("webhook: recording failed attempt", slog.String("error", err.Error()))
		}
		return
	}
	if err := w.db.RecordWebhookAttempt(ctx, w.db.Pool, d.ID, sc, strPtr(reason), &next, false); err != nil {
		w.logger.Error("webhook: recording failed attempt", slog.String("error", err.Error()))
	}
}

// finish records a terminal outcome: either delivered (exhausted=false,
// reason empty) or permanently failed / dead-lettered (exhausted=true).
// It never schedules a retry; reschedule/rescheduleWithStatus handle that.
func (w *Worker) finish(ctx context.Context, d *models.WebhookDelivery, statusCode *int, reason string, exhausted bool) {
	if err := w.db.RecordWebhookAttempt(ctx, w.db.Pool, d.ID, statusCode, strPtr(reason), nil, exhausted); err != nil {
		w.logger.Error("webhook: recording attempt", slog.String("error", err.Error()))
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
