// Package presence answers online/offline status queries for agents. The
// relay has no separate presence store: an agent's live status is exactly
// whether internal/gateway's connection manager currently holds a push
// handle for it, and its last-seen timestamp is the agents table's
// last_seen_at column, touched on disconnect. This package is a thin,
// read-only facade over those two sources for the admin and health
// surfaces, rather than a duplicate tracking layer.
package presence

import (
	"context"
	"time"

	"github.com/uamrelay/relay/internal/database"
	"github.com/uamrelay/relay/internal/gateway"
)

// Status is the online/offline state of one agent at query time.
type Status struct {
	Address    string     `json:"address"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// Lookup reports address's current presence, using gw for the live
// connection check and falling back to the persisted last-seen timestamp
// when offline.
func Lookup(ctx context.Context, db *database.DB, gw *gateway.Manager, address string) (*Status, error) {
	if gw.IsOnline(address) {
		return &Status{Address: address, Online: true}, nil
	}

	agent, err := db.GetAgentByAddress(ctx, db.Pool, address)
	if err != nil {
		return nil, err
	}
	return &Status{Address: address, Online: false, LastSeenAt: agent.LastSeenAt}, nil
}
