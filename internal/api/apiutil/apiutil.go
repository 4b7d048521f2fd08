// Package apiutil provides shared JSON response helpers for the relay's
// REST API: the {error, detail} wire error shape, typed relay errors, and
// the transaction helper request handlers use for multi-row writes.
package apiutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrorResponse is the standard error envelope returned by the API and over
// WebSocket frames: {"error": <kind>, "detail": <string>}.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// SuccessResponse is the standard success envelope returned by the API.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// WriteJSON writes a JSON response with the given status code and data wrapped
// in the standard success envelope {"data": ...}.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(SuccessResponse{Data: data})
}

// WriteJSONRaw writes a JSON response with the given status code without
// wrapping in the success envelope. Useful for responses that define their own
// structure.
func WriteJSONRaw(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response with the given status code using
// the wire error shape {"error": kind, "detail": detail}, where kind is one
// of the relay's stable error identifiers (invalid_address, unauthorized,
// not_found, rate_limited, ...).
func WriteError(w http.ResponseWriter, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: kind, Detail: detail})
}

// WriteNoContent writes a 204 No Content response with no body.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// DecodeJSON reads JSON from the request body into dst. On failure it writes a
// 400 error response and returns false so the caller can return early.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return false
	}
	return true
}

// InternalError logs the error and writes a generic 500 response. The msg
// parameter is used both as the log message and the user-facing message.
func InternalError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	WriteError(w, http.StatusInternalServerError, "internal_error", msg)
}

// RelayError is a sentinel wrapping one of the stable wire error kinds with
// the HTTP status it maps to, so handlers can classify domain errors with
// errors.As instead of re-deriving a status code at each call site.
type RelayError struct {
	Kind   string
	Status int
	Detail string
}

func (e *RelayError) Error() string { return e.Kind + ": " + e.Detail }

// NewRelayError constructs a RelayError for the given kind/status/detail.
func NewRelayError(kind string, status int, detail string) *RelayError {
	return &RelayError{Kind: kind, Status: status, Detail: detail}
}

// WriteRelayError writes err using its own kind/status/detail if it is a
// *RelayError, otherwise falls back to a generic 500 internal_error.
func WriteRelayError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var re *RelayError
	if ok := asRelayError(err, &re); ok {
		WriteError(w, re.Status, re.Kind, re.Detail)
		return
	}
	InternalError(w, logger, "unhandled error", err)
}

func asRelayError(err error, target **RelayError) bool {
	for err != nil {
		if re, ok := err.(*RelayError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// WithTx runs fn inside a database transaction. It begins a transaction, calls
// fn, and commits if fn returns nil. If fn returns an error or panics, the
// transaction is rolled back. Post-commit work (event publishing, writing the
// HTTP response) should happen after WithTx returns nil.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
