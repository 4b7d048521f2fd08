// Package gateway is the relay's connection manager: it holds the
// address -> push-handle map for every online agent, enforces last-writer-
// wins on reconnect, and runs the heartbeat sweep that detects dead
// connections. Built atop github.com/coder/websocket. The map mutex is held
// only across the map mutation itself, never across a network write;
// per-connection mutexes serialize frames on each socket.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// PingInterval is how often the heartbeat sweep pings every tracked
// connection.
const PingInterval = 30 * time.Second

// PongTimeout is the grace period after a ping before a non-responding
// connection is dropped.
const PongTimeout = 15 * time.Second

// conn is one tracked WebSocket session.
type conn struct {
	ws       *websocket.Conn
	lastPong time.Time
	mu       sync.Mutex
}

// Manager tracks the online address -> push-handle mapping and pushes
// frames to connected agents. All exported methods are safe for concurrent
// use.
type Manager struct {
	mu      sync.RWMutex
	conns   map[string]*conn
	logger  *slog.Logger
	onClose func(ctx context.Context, address string)
}

// New creates a Manager. onClose, if non-nil, is called (with a short-lived
// context) whenever an address's connection is torn down, whether by
// last-writer-wins, heartbeat timeout, or explicit Disconnect. Callers use
// it to persist the agent's last-seen timestamp.
func New(logger *slog.Logger, onClose func(ctx context.Context, address string)) *Manager {
	return &Manager{
		conns:   make(map[string]*conn),
		logger:  logger,
		onClose: onClose,
	}
}

// Connect installs ws as address's push handle. If address already has a
// live connection, it is closed with normal-closure status 1000 and reason
// "new connection" before the new one is installed (last-writer-wins).
func (m *Manager) Connect(address string, ws *websocket.Conn) {
	m.mu.Lock()
	prev := m.conns[address]
	m.conns[address] = &conn{ws: ws, lastPong: time.Now()}
	m.mu.Unlock()

	if prev != nil {
		_ = prev.ws.Close(websocket.StatusNormalClosure, "new connection")
	}
}

// Disconnect removes address's connection, if it is the one passed in ws.
// Doing the identity check under lock prevents a stale disconnect call
// (from an already-replaced connection's read loop) from removing a newer
// live connection.
func (m *Manager) Disconnect(ctx context.Context, address string, ws *websocket.Conn) {
	m.mu.Lock()
	cur, ok := m.conns[address]
	if ok && cur.ws == ws {
		delete(m.conns, address)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		if m.onClose != nil {
			m.onClose(ctx, address)
		}
	}
}

// IsOnline reports whether address currently has a live connection.
func (m *Manager) IsOnline(address string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[address]
	return ok
}

// Send attempts to push a JSON frame to address. On any failure it tears
// down the connection and returns false; the caller must then fall back to
// persisting the message to the offline queue.
func (m *Manager) Send(ctx context.Context, address string, frame interface{}) bool {
	m.mu.RLock()
	c, ok := m.conns[address]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Error("gateway: marshaling push frame", slog.String("error", err.Error()))
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c.mu.Lock()
	err = c.ws.Write(writeCtx, websocket.MessageText, data)
	c.mu.Unlock()
	if err != nil {
		m.logger.Warn("gateway: push failed, disconnecting", slog.String("address", address), slog.String("error", err.Error()))
		m.Disconnect(context.Background(), address, c.ws)
		return false
	}
	return true
}

// Pong records a pong received from address, keeping its connection alive
// past the next heartbeat sweep.
func (m *Manager) Pong(address string) {
	m.mu.RLock()
	c, ok := m.conns[address]
	m.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// RunHeartbeat sweeps every ping interval, pinging every tracked connection
// and dropping any whose last pong is older than ping interval + pong
// timeout. It blocks until ctx is cancelled, matching the shape of the
// other supervised background loops under the process errgroup.
func (m *Manager) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	type target struct {
		address string
		c       *conn
	}
	m.mu.RLock()
	targets := make([]target, 0, len(m.conns))
	for addr, c := range m.conns {
		targets = append(targets, target{addr, c})
	}
	m.mu.RUnlock()

	deadline := PingInterval + PongTimeout
	pingFrame, _ := json.Marshal(map[string]string{"type": "ping"})

	for _, t := range targets {
		t.c.mu.Lock()
		lastPong := t.c.lastPong
		t.c.mu.Unlock()

		if time.Since(lastPong) > deadline {
			m.Disconnect(ctx, t.address, t.c.ws)
			continue
		}

		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		t.c.mu.Lock()
		err := t.c.ws.Write(writeCtx, websocket.MessageText, pingFrame)
		t.c.mu.Unlock()
		cancel()
		if err != nil {
			m.Disconnect(ctx, t.address, t.c.ws)
		}
	}
}

// Count returns the number of currently online addresses, for metrics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
