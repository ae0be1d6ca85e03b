package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/tmorrell/go-chatfeed/internal/stats"
	"github.com/tmorrell/go-chatfeed/internal/testutil"
)

type fakeCreds struct {
	mu    sync.Mutex
	valid bool
}

func (c *fakeCreds) UserId() string { return "user-1" }
func (c *fakeCreds) Token() string  { return "test-token" }
func (c *fakeCreds) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}
func (c *fakeCreds) setValid(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = v
}

// testBroker is a minimal in-process broker double: it upgrades inbound
// connections and hands them to the test.
type testBroker struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
}

func newTestBroker(t *testing.T) *testBroker {
	b := &testBroker{
		t:      t,
		connCh: make(chan *websocket.Conn, 4),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"), "expected bearer token on handshake")

		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error("upgrade failed:", err)
			return
		}
		b.connCh <- conn
	}))
	t.Cleanup(b.srv.Close)

	return b
}

func (b *testBroker) wsURL() string {
	return strings.Replace(b.srv.URL, "http://", "ws://", 1)
}

func (b *testBroker) acceptConn() *websocket.Conn {
	b.t.Helper()

	select {
	case conn := <-b.connCh:
		b.t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		b.t.Fatal("timeout: broker accepted no connection")
		return nil
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, desc string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for " + desc)
	}
}

func newTestConnectionManager(t *testing.T, brokerURL string, creds *fakeCreds, interval time.Duration) *ConnectionManager {
	t.Helper()

	cm := NewConnectionManager(testutil.TestLogger(t), brokerURL, creds, stats.NopStats{}, interval)
	t.Cleanup(cm.Disconnect)

	return cm
}

func TestConnect(t *testing.T) {
	broker := newTestBroker(t)
	cm := newTestConnectionManager(t, broker.wsURL(), &fakeCreds{valid: true}, time.Minute)

	connected := make(chan struct{}, 1)
	cm.OnConnected(func() { connected <- struct{}{} })

	assert.NoError(t, cm.Connect(), "expected Connect to return immediately without error")
	waitSignal(t, connected, "connected callback")
	broker.acceptConn()

	assert.Equal(t, StateConnected, cm.State(), "expected connected state after handshake")

	// Connect while connected is a no-op.
	assert.NoError(t, cm.Connect())
}

func TestConnect_dialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	cm := newTestConnectionManager(t, strings.Replace(srv.URL, "http://", "ws://", 1), &fakeCreds{valid: true}, time.Minute)

	failed := make(chan struct{}, 1)
	cm.OnError(func(err error) {
		assert.Error(t, err, "expected dial error on callback")
		failed <- struct{}{}
	})

	assert.NoError(t, cm.Connect(), "expected Connect itself to be non-blocking")
	waitSignal(t, failed, "error callback")
	assert.Equal(t, StateError, cm.State(), "expected error state after failed dial")
}

func TestEventDelivery(t *testing.T) {
	broker := newTestBroker(t)
	cm := newTestConnectionManager(t, broker.wsURL(), &fakeCreds{valid: true}, time.Minute)

	events := make(chan *ServerEvent, 4)
	cm.OnEvent(func(evt *ServerEvent) { events <- evt })

	connected := make(chan struct{}, 1)
	cm.OnConnected(func() { connected <- struct{}{} })

	assert.NoError(t, cm.Connect())
	waitSignal(t, connected, "connected callback")
	conn := broker.acceptConn()

	// A malformed envelope must not break the read loop.
	assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not-json")))
	assert.NoError(t, conn.WriteJSON(&ServerEvent{Topic: "presence.u1", Data: []byte(`{"user_id":"u1"}`)}))

	select {
	case evt := <-events:
		assert.Equal(t, "presence.u1", evt.Topic, "expected valid event delivered after malformed one")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event delivery")
	}
}

func TestServerDrop(t *testing.T) {
	broker := newTestBroker(t)
	cm := newTestConnectionManager(t, broker.wsURL(), &fakeCreds{valid: true}, time.Minute)

	connected := make(chan struct{}, 1)
	dropped := make(chan struct{}, 1)
	cm.OnConnected(func() { connected <- struct{}{} })
	cm.OnDisconnected(func(err error) { dropped <- struct{}{} })

	assert.NoError(t, cm.Connect())
	waitSignal(t, connected, "connected callback")
	conn := broker.acceptConn()

	conn.Close()
	waitSignal(t, dropped, "disconnected callback")
	assert.Equal(t, StateDisconnected, cm.State(), "expected disconnected state after broker drop")
}

func TestLivenessReconnect(t *testing.T) {
	broker := newTestBroker(t)
	cm := newTestConnectionManager(t, broker.wsURL(), &fakeCreds{valid: true}, 25*time.Millisecond)

	connected := make(chan struct{}, 4)
	cm.OnConnected(func() { connected <- struct{}{} })

	assert.NoError(t, cm.Connect())
	waitSignal(t, connected, "first connect")
	conn := broker.acceptConn()

	// Drop the transport; the liveness poll should establish a fresh session.
	conn.Close()
	waitSignal(t, connected, "reconnect")
	broker.acceptConn()

	assert.Equal(t, StateConnected, cm.State(), "expected connected state after reconnect cycle")
}

func TestCredentialExpiry(t *testing.T) {
	broker := newTestBroker(t)
	creds := &fakeCreds{valid: true}
	cm := newTestConnectionManager(t, broker.wsURL(), creds, 25*time.Millisecond)

	connected := make(chan struct{}, 4)
	fatal := make(chan error, 1)
	cm.OnConnected(func() { connected <- struct{}{} })
	cm.OnError(func(err error) { fatal <- err })

	assert.NoError(t, cm.Connect())
	waitSignal(t, connected, "first connect")
	conn := broker.acceptConn()

	creds.setValid(false)
	conn.Close()

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrCredentialExpired, "expected credential expiry surfaced once")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for credential error")
	}
	assert.Equal(t, StateError, cm.State(), "expected error state while credential invalid")

	select {
	case <-connected:
		t.Fatal("expected no reconnect while credential invalid")
	case <-time.After(100 * time.Millisecond):
	}

	// A fresh credential resumes the cycle.
	creds.setValid(true)
	waitSignal(t, connected, "reconnect after credential refresh")
	broker.acceptConn()
}

func TestDisconnect(t *testing.T) {
	broker := newTestBroker(t)
	cm := newTestConnectionManager(t, broker.wsURL(), &fakeCreds{valid: true}, 25*time.Millisecond)

	connected := make(chan struct{}, 1)
	dropped := make(chan struct{}, 1)
	cm.OnConnected(func() { connected <- struct{}{} })
	cm.OnDisconnected(func(err error) { dropped <- struct{}{} })

	assert.NoError(t, cm.Connect())
	waitSignal(t, connected, "connected callback")
	broker.acceptConn()

	cm.Disconnect()
	cm.Disconnect() // idempotent

	assert.Equal(t, StateDisconnected, cm.State(), "expected disconnected state after explicit disconnect")
	assert.ErrorIs(t, cm.Connect(), ErrManagerClosed, "expected closed manager to refuse new connects")

	// No further callback may fire after Disconnect returns.
	select {
	case <-dropped:
		t.Fatal("expected no disconnected callback after explicit disconnect")
	case <-connected:
		t.Fatal("expected no connected callback after explicit disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSend_notConnected(t *testing.T) {
	cm := newTestConnectionManager(t, "ws://localhost:0", &fakeCreds{valid: true}, time.Minute)

	err := cm.Send(&ClientCommand{Subscribe: &Subscribe{Topic: "presence.u1"}})
	assert.ErrorIs(t, err, ErrNotConnected, "expected send on idle manager to fail")
}
