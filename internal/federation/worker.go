package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/uamrelay/relay/internal/models"
)

// RetrySchedule is the fixed backoff sequence applied to failed outbound
// federation deliveries, mirroring internal/webhook's schedule, before an
// entry is moved to dead_letter.
var RetrySchedule = []time.Duration{0, 30 * time.Second, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour}

// Worker drains due FederationQueueEntry rows and delivers them to the
// resolved peer relay, signing each request with this relay's own key.
type Worker struct {
	svc *Service

	pollInterval time.Duration
	batchSize    int

	wake chan struct{}
}

// NewWorker creates the outbound federation retry worker sharing svc's
// discovery cache, signing key, and HTTP client.
func NewWorker(svc *Service) *Worker {
	return &Worker{
		svc:          svc,
		pollInterval: 2 * time.Second,
		batchSize:    20,
		wake:         make(chan struct{}, 1),
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

// Run polls for due outbound deliveries and executes them until ctx is
// cancelled. It also drains immediately whenever Wake is called.
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
	entries, err := w.svc.db.ClaimDueFederationDeliveries(ctx, w.batchSize)
	if err != nil {
		w.svc.logger.Error("federation: claiming due deliveries", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		w.attempt(ctx, e)
	}
}

func (w *Worker) attempt(ctx context.Context, entry *models.FederationQueueEntry) {
	peer, err := w.svc.Discover(ctx, entry.PeerDomain)
	if err != nil {
		w.fail(ctx, entry, fmt.Sprintf("discovery failed: %v", err))
		return
	}

	req := deliverRequest{
		Envelope:     entry.Envelope,
		HopCount:     entry.HopCount + 1,
		SenderDomain: w.svc.domain,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if req.HopCount >= w.svc.maxHops {
		w.deadLetter(ctx, entry, "hop_limit_exceeded")
		return
	}

	signature, err := w.svc.sign(req)
	if err != nil {
		w.fail(ctx, entry, fmt.Sprintf("signing request: %v", err))
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		w.fail(ctx, entry, fmt.Sprintf("encoding request: %v", err))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.FederationURL, bytes.NewReader(body))
	if err != nil {
		w.fail(ctx, entry, fmt.Sprintf("building request: %v", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(SignatureHeader, signature)

	resp, err := w.svc.deliveryClient.Do(httpReq)
	if err != nil {
		w.fail(ctx, entry, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := w.svc.db.MarkFederationDelivered(ctx, w.svc.db.Pool, entry.ID); err != nil {
			w.svc.logger.Error("federation: marking delivered", slog.String("error", err.Error()))
		}
		w.log(ctx, entry.PeerDomain, entry, "delivered", "")
		return
	}

	w.fail(ctx, entry, fmt.Sprintf("peer returned status %d", resp.StatusCode))
}

// fail reschedules entry per RetrySchedule, or dead-letters it once the
// schedule is exhausted.
func (w *Worker) fail(ctx context.Context, entry *models.FederationQueueEntry, reason string) {
	if entry.AttemptCount+1 >= len(RetrySchedule) {
		w.deadLetter(ctx, entry, reason)
		return
	}
	delay := RetrySchedule[entry.AttemptCount+1]
	next := time.Now().Add(delay)
	if err := w.svc.db.RescheduleFederationDelivery(ctx, w.svc.db.Pool, entry.ID, &next, reason, false); err != nil {
		w.svc.logger.Error("federation: rescheduling delivery", slog.String("error", err.Error()))
	}
	w.log(ctx, entry.PeerDomain, entry, "retry_scheduled", reason)
}

func (w *Worker) deadLetter(ctx context.Context, entry *models.FederationQueueEntry, reason string) {
	if err := w.svc.db.RescheduleFederationDelivery(ctx, w.svc.db.Pool, entry.ID, nil, reason, true); err != nil {
		w.svc.logger.Error("federation: dead-lettering delivery", slog.String("error", err.Error()))
	}
	w.svc.logger.Warn("federation: delivery dead-lettered", slog.String("domain", entry.PeerDomain), slog.String("reason", reason))
	w.log(ctx, entry.PeerDomain, entry, "dead_letter", reason)
}

func (w *Worker) log(ctx context.Context, peerDomain string, entry *models.FederationQueueEntry, outcome, detail string) {
	f := &models.FederationLog{Direction: "outbound", PeerDomain: peerDomain, Outcome: outcome}
	if detail != "" {
		f.Detail = &detail
	}
	if err := w.svc.db.RecordFederationLog(ctx, w.svc.db.Pool, f); err != nil {
		w.svc.logger.Error("federation: recording log entry", slog.String("error", err.Error()))
	}
}
