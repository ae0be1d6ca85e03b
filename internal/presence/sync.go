package presence

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/tmorrell/go-chatfeed/internal/stats"
	"github.com/tmorrell/go-chatfeed/internal/types"
)

const changeBufferSize = 16

// Change is the UI-facing signal emitted for every presence event, whether
// or not any conversation was affected. A toast layer may react to events
// for users outside the conversation list.
type Change struct {
	Presence                 types.Presence
	HasAffectedConversations bool
}

// ConversationProjector is implemented by the conversation store.
type ConversationProjector interface {
	ApplyPresence(p types.Presence) int
}

// Synchronizer fans presence events out onto the conversation list and
// broadcasts a change signal to registered listeners. Events for the same
// user are applied in delivery order; last-delivered-wins, no timestamp
// reconciliation.
type Synchronizer struct {
	log    *log.Logger
	store  ConversationProjector
	statsd stats.StatsProvider

	mu        sync.Mutex
	listeners []chan Change
}

func NewSynchronizer(logger *log.Logger, store ConversationProjector, statsd stats.StatsProvider) *Synchronizer {
	return &Synchronizer{
		log:    logger,
		store:  store,
		statsd: statsd,
	}
}

// Listen registers a new change listener. The returned channel is buffered;
// a listener that falls behind misses signals rather than stalling the
// event handler.
func (s *Synchronizer) Listen() <-chan Change {
	ch := make(chan Change, changeBufferSize)

	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()

	return ch
}

// HandleEvent consumes a raw presence payload from the broker. Malformed
// payloads are logged and dropped.
func (s *Synchronizer) HandleEvent(data json.RawMessage) {
	var p types.Presence
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Println("dropping malformed presence payload:", err)
		s.statsd.Incr(stats.MalformedPayloadsMetric)
		return
	}

	if p.UserId == "" {
		s.log.Println("dropping presence payload without user id")
		s.statsd.Incr(stats.MalformedPayloadsMetric)
		return
	}

	s.Apply(p)
}

// Apply projects a presence update and emits one change signal.
func (s *Synchronizer) Apply(p types.Presence) {
	affected := s.store.ApplyPresence(p)
	s.statsd.Incr(stats.PresenceUpdatesMetric)

	change := Change{
		Presence:                 p,
		HasAffectedConversations: affected > 0,
	}

	s.mu.Lock()
	listeners := append([]chan Change(nil), s.listeners...)
	s.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- change:
		default:
			s.log.Printf("presence listener full, dropping change for user %q", p.UserId)
		}
	}
}
