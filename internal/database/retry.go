package database

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// retryBaseDelay, retryMaxDelay, and retryMaxAttempts implement the
// worker-originated retry policy: exponential backoff starting
// at 100ms, doubling to a 2s cap, up to 3 retries.
const (
	retryBaseDelay   = 100 * time.Millisecond
	retryMaxDelay    = 2 * time.Second
	retryMaxAttempts = 3
)

// IsTransient reports whether err is a connection reset, deadlock, "database
// is locked", or server-closed condition that a retry can reasonably
// recover from. Constraint violations and programming errors are not
// transient and must surface immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P01", // admin_shutdown
			"57P02", // crash_shutdown
			"57P03": // cannot_connect_now
			return true
		}
		return false
	}

	if errors.Is(err, pgx.ErrTxClosed) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range []string{
		"connection reset", "connection refused", "broken pipe",
		"database is locked", "server closed the connection",
		"too many connections", "i/o timeout",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// isUniqueViolation reports whether err is a Postgres unique_violation,
// letting callers turn a conflicting insert into ErrConflict instead of
// propagating the raw driver error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Retry wraps fn, a worker-originated call, with the bounded exponential
// backoff policy. Non-transient errors (constraint violations,
// programming errors) surface on the first attempt. Request-scoped callers
// must not use this: they propagate the error so the HTTP client retries.
func Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= retryMaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
		if attempt == retryMaxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return lastErr
}
