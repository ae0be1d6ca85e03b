package realtime

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/tmorrell/go-chatfeed/internal/stats"
)

// EventHandler receives the raw payload of every event on a subscribed
// topic. Handlers must parse defensively: a malformed payload is logged
// and dropped, never propagated.
type EventHandler func(data json.RawMessage)

// CommandSender is the slice of the connection manager the subscription
// manager needs.
type CommandSender interface {
	Send(cmd *ClientCommand) error
	State() State
}

// Subscription is a disposable handle to one logical channel binding.
type Subscription struct {
	topic string
	mgr   *SubscriptionManager
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Dispose tears down the binding. Disposing a handle that was already
// replaced or removed is a no-op.
func (s *Subscription) Dispose() {
	s.mgr.unsubscribe(s)
}

type subEntry struct {
	handler EventHandler
	sub     *Subscription
}

// SubscriptionManager binds logical topics to the active connection.
// Subscriptions do not survive a transport restart; ResubscribeAll is
// invoked from the connection manager's connected callback to re-establish
// every binding against the new handle. At most one live subscription
// exists per topic.
type SubscriptionManager struct {
	log    *log.Logger
	conn   CommandSender
	statsd stats.StatsProvider

	mu   sync.Mutex
	subs map[string]*subEntry
}

func NewSubscriptionManager(logger *log.Logger, conn CommandSender, statsd stats.StatsProvider) *SubscriptionManager {
	return &SubscriptionManager{
		log:    logger,
		conn:   conn,
		statsd: statsd,
		subs:   make(map[string]*subEntry),
	}
}

// Subscribe attaches a handler to a topic. Only valid while the connection
// is established. Subscribing to an already-bound topic disposes the
// previous binding first, so a reconnect race can never deliver one event
// to two overlapping handlers.
func (m *SubscriptionManager) Subscribe(topic string, handler EventHandler) (*Subscription, error) {
	if m.conn.State() != StateConnected {
		return nil, ErrNotConnected
	}

	m.mu.Lock()
	if _, ok := m.subs[topic]; ok {
		delete(m.subs, topic)
		m.statsd.Decr(stats.ActiveSubscriptionsMetric)
		m.log.Printf("replacing existing subscription for topic %q", topic)
	}

	sub := &Subscription{topic: topic, mgr: m}
	m.subs[topic] = &subEntry{handler: handler, sub: sub}
	m.mu.Unlock()

	if err := m.conn.Send(&ClientCommand{Subscribe: &Subscribe{Topic: topic}}); err != nil {
		m.mu.Lock()
		if entry, ok := m.subs[topic]; ok && entry.sub == sub {
			delete(m.subs, topic)
		}
		m.mu.Unlock()
		return nil, err
	}

	m.statsd.Incr(stats.ActiveSubscriptionsMetric)

	return sub, nil
}

// ResubscribeAll re-creates every registered binding against the current
// transport handle. Invoked only from the connection manager's connected
// callback.
func (m *SubscriptionManager) ResubscribeAll() {
	m.mu.Lock()
	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	m.mu.Unlock()

	for _, topic := range topics {
		if err := m.conn.Send(&ClientCommand{Subscribe: &Subscribe{Topic: topic}}); err != nil {
			m.log.Printf("resubscribe %q: %v", topic, err)
		}
	}
}

// Dispatch routes an inbound event to the handler bound to its topic. A
// panicking handler is contained here; the channel keeps delivering
// subsequent events.
func (m *SubscriptionManager) Dispatch(evt *ServerEvent) {
	m.mu.Lock()
	entry, ok := m.subs[evt.Topic]
	m.mu.Unlock()

	if !ok {
		m.log.Printf("no subscription for topic %q, dropping event", evt.Topic)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Printf("handler for topic %q panicked: %v", evt.Topic, r)
		}
	}()

	entry.handler(evt.Data)
}

// DisposeAll tears down every binding (logout path).
func (m *SubscriptionManager) DisposeAll() {
	m.mu.Lock()
	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	m.subs = make(map[string]*subEntry)
	m.mu.Unlock()

	for _, topic := range topics {
		m.sendUnsubscribe(topic)
		m.statsd.Decr(stats.ActiveSubscriptionsMetric)
	}
}

// Topics returns the currently registered topics.
func (m *SubscriptionManager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}

	return topics
}

func (m *SubscriptionManager) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	entry, ok := m.subs[sub.topic]
	if !ok || entry.sub != sub {
		m.mu.Unlock()
		return
	}
	delete(m.subs, sub.topic)
	m.mu.Unlock()

	m.sendUnsubscribe(sub.topic)
	m.statsd.Decr(stats.ActiveSubscriptionsMetric)
}

// sendUnsubscribe is best effort: a dead connection already invalidated
// the server-side binding.
func (m *SubscriptionManager) sendUnsubscribe(topic string) {
	if err := m.conn.Send(&ClientCommand{Unsubscribe: &Unsubscribe{Topic: topic}}); err != nil {
		m.log.Printf("unsubscribe %q: %v", topic, err)
	}
}
