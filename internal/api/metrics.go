// Package api: metrics.go exposes a Prometheus text-exposition /metrics
// endpoint from hand-rolled atomic counters, avoiding a client-library
// dependency for the handful of gauges the relay cares about.
package api

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/uamrelay/relay/internal/routing"
)

// Metrics tracks process-lifetime counters for the /metrics endpoint.
type Metrics struct {
	MessagesDelivered  atomic.Int64
	MessagesQueued     atomic.Int64
	MessagesFederated  atomic.Int64
	MessagesRejected   atomic.Int64
	WSConnectionsTotal atomic.Int64
	WSConnectionsCurr  atomic.Int64
	StartTime          time.Time
}

// relayMetrics is the process-wide instance; handlers record into it
// directly.
var relayMetrics = &Metrics{StartTime: time.Now()}

// recordRoutingMetric bumps the counter matching a successful routing
// outcome.
func recordRoutingMetric(status routing.Status) {
	switch status {
	case routing.StatusDelivered:
		relayMetrics.MessagesDelivered.Add(1)
	case routing.StatusQueued:
		relayMetrics.MessagesQueued.Add(1)
	case routing.StatusFederated:
		relayMetrics.MessagesFederated.Add(1)
	}
}

// handleMetrics handles GET /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := relayMetrics
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	// Live gauges from the store; failures leave the gauge at zero rather
	// than failing the scrape.
	var agentCount, queuedCount, pendingWebhooks, pendingFederation int64
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM agents WHERE deleted_at IS NULL`).Scan(&agentCount)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM messages WHERE status = 'queued' AND deleted_at IS NULL`).Scan(&queuedCount)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM webhook_deliveries WHERE status IN ('pending', 'in_progress')`).Scan(&pendingWebhooks)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM federation_queue_entries WHERE status = 'pending'`).Scan(&pendingFederation)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeCounter(w, "uam_relay_messages_delivered_total", "Messages pushed to an online recipient.", m.MessagesDelivered.Load())
	writeCounter(w, "uam_relay_messages_queued_total", "Messages stored for offline pickup.", m.MessagesQueued.Load())
	writeCounter(w, "uam_relay_messages_federated_total", "Messages enqueued for a remote relay.", m.MessagesFederated.Load())
	writeCounter(w, "uam_relay_messages_rejected_total", "Envelopes rejected by verification or policy.", m.MessagesRejected.Load())
	writeCounter(w, "uam_relay_websocket_connections_total", "WebSocket connections opened since start.", m.WSConnectionsTotal.Load())

	writeGauge(w, "uam_relay_websocket_connections_current", "Currently open WebSocket connections.", float64(m.WSConnectionsCurr.Load()))
	writeGauge(w, "uam_relay_online_agents", "Agents with a live push handle.", float64(s.Gateway.Count()))
	writeGauge(w, "uam_relay_agents_total", "Registered, non-deleted agents.", float64(agentCount))
	writeGauge(w, "uam_relay_messages_queued", "Messages currently queued for offline pickup.", float64(queuedCount))
	writeGauge(w, "uam_relay_webhook_deliveries_pending", "Webhook deliveries awaiting an attempt.", float64(pendingWebhooks))
	writeGauge(w, "uam_relay_federation_queue_pending", "Outbound federation deliveries awaiting an attempt.", float64(pendingFederation))
	writeGauge(w, "uam_relay_goroutines", "Current number of goroutines.", float64(runtime.NumGoroutine()))
	writeGauge(w, "uam_relay_memory_alloc_bytes", "Current heap allocation.", float64(mem.Alloc))
	writeGauge(w, "uam_relay_uptime_seconds", "Time since process start.", time.Since(m.StartTime).Seconds())
}

func writeCounter(w http.ResponseWriter, name, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, value)
}

func writeGauge(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n\n", name, help, name, name, value)
}
