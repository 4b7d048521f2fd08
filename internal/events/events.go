// Package events is a thin NATS JetStream wake-up bus. The relay's
// correctness-critical retry logic (webhook delivery, federation delivery,
// the expiry sweeper) is entirely poll-based against Postgres, using
// FOR UPDATE SKIP LOCKED claims that are already safe under concurrent
// workers and process restarts; this bus does not carry delivery state and
// is never the system of record for anything. It exists only to let a
// handler that just enqueued work nudge the relevant poller to wake
// immediately instead of waiting out its ticker.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects carrying wake-up nudges. Each is a hint, not a command: every
// consumer re-polls its own table on receipt rather than trusting the
// message payload.
const (
	SubjectWebhookEnqueued    = "uam.webhook.enqueued"
	SubjectFederationEnqueued = "uam.federation.enqueued"
	SubjectSweepTick          = "uam.sweep.tick"
)

// streamName is the single JetStream stream backing every wake-up subject.
const streamName = "UAM_WAKEUPS"

// Bus wraps a NATS connection and JetStream context.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New connects to natsURL and ensures the wake-up stream exists.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("uam-relay"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("events: disconnected from nats", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("events: reconnected to nats", slog.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("events: nats async error", slog.String("subject", subject), slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquiring jetstream context: %w", err)
	}

	b := &Bus{conn: conn, js: js, logger: logger}
	if err := b.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStream() error {
	_, err := b.js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("checking wake-up stream: %w", err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"uam.>"},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    5 * time.Minute,
		Storage:   nats.MemoryStorage,
	})
	if err != nil {
		return fmt.Errorf("creating wake-up stream: %w", err)
	}
	return nil
}

// Nudge publishes an empty message on subject, best-effort. Publish
// failures are logged, not returned: a missed nudge only costs the
// receiving poller one tick interval, never correctness.
func (b *Bus) Nudge(subject string) {
	if _, err := b.js.Publish(subject, nil); err != nil {
		b.logger.Warn("events: nudge failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Subscribe starts a durable, manually-acked consumer on subject that calls
// wake whenever a nudge arrives. wake should be non-blocking (typically
// signalling a channel the poller's select already watches); it is run
// inline on the NATS client's dispatch goroutine.
func (b *Bus) Subscribe(subject, durableName string, wake func()) (*nats.Subscription, error) {
	return b.js.Subscribe(subject, func(msg *nats.Msg) {
		wake()
		if err := msg.Ack(); err != nil {
			b.logger.Warn("events: acking nudge", slog.String("subject", subject), slog.String("error", err.Error()))
		}
	}, nats.Durable(durableName), nats.ManualAck(), nats.AckWait(10*time.Second), nats.MaxDeliver(1))
}

// HealthCheck reports whether the underlying NATS connection is up.
func (b *Bus) HealthCheck(_ context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("events: not connected to nats")
	}
	return nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("events: draining nats connection", slog.String("error", err.Error()))
	}
}
