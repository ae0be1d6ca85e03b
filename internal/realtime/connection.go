package realtime

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"
	"github.com/tmorrell/go-chatfeed/internal/auth"
	"github.com/tmorrell/go-chatfeed/internal/stats"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

var (
	// ErrCredentialExpired is fatal: the liveness cycle stops dialing until
	// the credential source reports valid again.
	ErrCredentialExpired = errors.New("session credential expired")
	ErrNotConnected      = errors.New("not connected")
	ErrManagerClosed     = errors.New("connection manager closed")
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// ConnectionManager owns the lifecycle of the one websocket session to the
// broker. Reconnection is a fixed-interval liveness poll that tears down
// and recreates the transport handle rather than reusing a stale one; at
// most one dial is in flight at a time.
type ConnectionManager struct {
	log              *log.Logger
	brokerURL        string
	creds            auth.CredentialSource
	statsd           stats.StatsProvider
	dialer           *websocket.Dialer
	livenessInterval time.Duration

	onConnected    func()
	onDisconnected func(err error)
	onError        func(err error)
	onEvent        func(evt *ServerEvent)

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	dialing       bool
	generation    int
	closed        bool
	everConnected bool

	writeMu      sync.Mutex
	livenessOnce sync.Once
	stopOnce     sync.Once
	stopLiveness chan struct{}
}

func NewConnectionManager(logger *log.Logger, brokerURL string, creds auth.CredentialSource, statsd stats.StatsProvider, livenessInterval time.Duration) *ConnectionManager {
	return &ConnectionManager{
		log:              logger,
		brokerURL:        brokerURL,
		creds:            creds,
		statsd:           statsd,
		dialer:           &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		livenessInterval: livenessInterval,
		state:            StateDisconnected,
		stopLiveness:     make(chan struct{}),
	}
}

// Callback registration. Handlers must be set before Connect; they are
// invoked from the manager's goroutines and never after Disconnect returns
// the manager to its terminal state.

func (cm *ConnectionManager) OnConnected(h func()) {
	cm.mu.Lock()
	cm.onConnected = h
	cm.mu.Unlock()
}

func (cm *ConnectionManager) OnDisconnected(h func(err error)) {
	cm.mu.Lock()
	cm.onDisconnected = h
	cm.mu.Unlock()
}

func (cm *ConnectionManager) OnError(h func(err error)) {
	cm.mu.Lock()
	cm.onError = h
	cm.mu.Unlock()
}

func (cm *ConnectionManager) OnEvent(h func(evt *ServerEvent)) {
	cm.mu.Lock()
	cm.onEvent = h
	cm.mu.Unlock()
}

func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return cm.state
}

// Connect starts a dial and returns immediately; the outcome is observed
// via the lifecycle callbacks. Calling Connect while connected or while a
// dial is in flight is a no-op.
func (cm *ConnectionManager) Connect() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrManagerClosed
	}
	if cm.state == StateConnected || cm.dialing {
		cm.mu.Unlock()
		return nil
	}

	cm.dialing = true
	if cm.everConnected {
		cm.state = StateReconnecting
	} else {
		cm.state = StateConnecting
	}
	gen := cm.generation
	cm.mu.Unlock()

	cm.livenessOnce.Do(func() {
		go cm.livenessLoop()
	})

	go cm.dial(gen)

	return nil
}

// Disconnect tears the session down for good (logout path). Idempotent; no
// callback fires after it returns.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.closed = true
	cm.generation++
	conn := cm.conn
	cm.conn = nil
	cm.state = StateDisconnected
	cm.mu.Unlock()

	cm.stopOnce.Do(func() {
		close(cm.stopLiveness)
	})

	if conn != nil {
		conn.Close()
	}
}

// Send writes a command to the broker. A command without an id gets a
// generated one.
func (cm *ConnectionManager) Send(cmd *ClientCommand) error {
	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if cmd.Id == "" {
		id, err := shortid.Generate()
		if err == nil {
			cmd.Id = id
		}
	}

	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(cmd)
}

func (cm *ConnectionManager) dial(gen int) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cm.creds.Token())

	conn, resp, err := cm.dialer.Dial(cm.brokerURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	cm.mu.Lock()
	cm.dialing = false

	if cm.closed || gen != cm.generation {
		cm.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		cm.state = StateError
		onError := cm.onError
		cm.mu.Unlock()

		cm.log.Println("broker dial:", err)
		if onError != nil {
			onError(err)
		}
		return
	}

	cm.conn = conn
	cm.state = StateConnected
	reconnected := cm.everConnected
	cm.everConnected = true
	onConnected := cm.onConnected
	cm.mu.Unlock()

	cm.statsd.Incr(stats.ConnectsMetric)
	if reconnected {
		cm.statsd.Incr(stats.ReconnectsMetric)
	}

	if onConnected != nil {
		onConnected()
	}

	go cm.readLoop(conn, gen)
}

func (cm *ConnectionManager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			cm.handleDrop(gen, err)
			return
		}

		var evt ServerEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			cm.log.Println("dropping malformed envelope:", err)
			cm.statsd.Incr(stats.MalformedPayloadsMetric)
			continue
		}

		cm.statsd.Incr(stats.EventsReceivedMetric)

		cm.mu.Lock()
		stale := cm.closed || gen != cm.generation
		onEvent := cm.onEvent
		cm.mu.Unlock()

		if stale {
			return
		}
		if onEvent != nil {
			onEvent(&evt)
		}
	}
}

func (cm *ConnectionManager) handleDrop(gen int, err error) {
	cm.mu.Lock()
	if cm.closed || gen != cm.generation {
		cm.mu.Unlock()
		return
	}

	cm.conn = nil
	cm.state = StateDisconnected
	onDisconnected := cm.onDisconnected
	cm.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
		websocket.CloseNormalClosure) {
		cm.log.Printf("ws: read: %v", err)
	}

	if onDisconnected != nil {
		onDisconnected(err)
	}
}

// livenessLoop polls the connection at a fixed interval. A down connection
// with a valid credential gets a fresh teardown-and-dial cycle; an expired
// credential halts dialing until the credential source recovers.
func (cm *ConnectionManager) livenessLoop() {
	ticker := time.NewTicker(cm.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopLiveness:
			return
		case <-ticker.C:
			cm.checkLiveness()
		}
	}
}

func (cm *ConnectionManager) checkLiveness() {
	cm.mu.Lock()
	if cm.closed || cm.state == StateConnected || cm.dialing {
		cm.mu.Unlock()
		return
	}

	if !cm.creds.Valid() {
		wasError := cm.state == StateError
		cm.state = StateError
		onError := cm.onError
		cm.mu.Unlock()

		if !wasError && onError != nil {
			onError(ErrCredentialExpired)
		}
		return
	}

	// Replace any stale handle rather than reusing it.
	cm.generation++
	gen := cm.generation
	if cm.conn != nil {
		cm.conn.Close()
		cm.conn = nil
	}
	cm.dialing = true
	cm.state = StateReconnecting
	cm.mu.Unlock()

	go cm.dial(gen)
}
