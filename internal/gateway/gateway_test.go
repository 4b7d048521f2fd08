package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// dialPair spins up a tiny HTTP server that upgrades every request to a
// WebSocket and hands the server-side *websocket.Conn to onAccept. It
// returns the client-side connection and a cleanup func.
func dialPair(t *testing.T, onAccept func(*websocket.Conn)) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		onAccept(c)
	}))

	client, _, err := websocket.Dial(context.Background(), "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return client, func() {
		client.Close(websocket.StatusNormalClosure, "")
		srv.Close()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestConnectThenSendDelivers(t *testing.T) {
	accepted := make(chan *websocket.Conn, 1)
	client, cleanup := dialPair(t, func(c *websocket.Conn) { accepted <- c })
	defer cleanup()

	server := <-accepted
	m := New(discardLogger(), nil)
	m.Connect("alice::example.com", server)

	if !m.IsOnline("alice::example.com") {
		t.Fatal("expected alice to be online")
	}

	ok := m.Send(context.Background(), "alice::example.com", map[string]string{"type": "ping"})
	if !ok {
		t.Fatal("expected Send to succeed")
	}

	_, data, err := client.Read(context.Background())
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var frame map[string]string
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame["type"] != "ping" {
		t.Errorf("frame type = %q, want ping", frame["type"])
	}
}

func TestSendToUnknownAddressFails(t *testing.T) {
	m := New(discardLogger(), nil)
	if m.Send(context.Background(), "nobody::example.com", map[string]string{"type": "ping"}) {
		t.Fatal("expected Send to an unknown address to fail")
	}
}

func TestLastWriterWinsClosesPriorConnection(t *testing.T) {
	var closed []*websocket.Conn
	accept := func(c *websocket.Conn) { closed = append(closed, c) }

	firstClient, cleanup1 := dialPair(t, accept)
	defer cleanup1()
	secondClient, cleanup2 := dialPair(t, accept)
	defer cleanup2()

	m := New(discardLogger(), nil)
	m.Connect("bob::example.com", closed[0])
	m.Connect("bob::example.com", closed[1])

	// The first server-side connection should now be closed; reading from
	// the first client should observe the closure.
	_, _, err := firstClient.Read(context.Background())
	if err == nil {
		t.Fatal("expected first client connection to be closed")
	}

	if !m.IsOnline("bob::example.com") {
		t.Fatal("expected bob to still be online via the second connection")
	}

	ok := m.Send(context.Background(), "bob::example.com", map[string]string{"type": "ping"})
	if !ok {
		t.Fatal("expected Send over the surviving connection to succeed")
	}
	_, _, err = secondClient.Read(context.Background())
	if err != nil {
		t.Fatalf("second client read: %v", err)
	}
}

func TestDisconnectCallsOnClose(t *testing.T) {
	accepted := make(chan *websocket.Conn, 1)
	_, cleanup := dialPair(t, func(c *websocket.Conn) { accepted <- c })
	defer cleanup()
	server := <-accepted

	var closedAddr string
	done := make(chan struct{})
	m := New(discardLogger(), func(ctx context.Context, address string) {
		closedAddr = address
		close(done)
	})
	m.Connect("carol::example.com", server)
	m.Disconnect(context.Background(), "carol::example.com", server)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onClose was not called")
	}
	if closedAddr != "carol::example.com" {
		t.Errorf("onClose address = %q, want carol::example.com", closedAddr)
	}
	if m.IsOnline("carol::example.com") {
		t.Fatal("expected carol to be offline after Disconnect")
	}
}
