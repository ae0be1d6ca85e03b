package store

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/tmorrell/go-chatfeed/internal/stats"
	"github.com/tmorrell/go-chatfeed/internal/types"
)

// ConversationAPI is the slice of the REST client the conversation store
// consumes.
type ConversationAPI interface {
	ListConversations(ctx context.Context) ([]types.Conversation, error)
	MarkConversationRead(ctx context.Context, conversationId string) error
}

// ConversationStore is the authoritative client-side cache of the
// conversation list. It merges REST snapshots with push-driven updates and
// keeps the list sorted by UpdatedAt descending at all times. Readers only
// ever see full copies, never a half-applied mutation.
type ConversationStore struct {
	log    *log.Logger
	api    ConversationAPI
	statsd stats.StatsProvider
	selfId string

	mu            sync.RWMutex
	conversations []types.Conversation
	byParticipant map[string]string
	loading       bool
	err           error
}

func NewConversationStore(logger *log.Logger, api ConversationAPI, statsd stats.StatsProvider, selfId string) *ConversationStore {
	return &ConversationStore{
		log:           logger,
		api:           api,
		statsd:        statsd,
		selfId:        selfId,
		byParticipant: make(map[string]string),
	}
}

// FetchSnapshot replaces the entire list from the REST API. The API serves
// conversations oldest-first, so the fetched order is reversed before
// sorting. On failure the previous contents are kept and Err reports the
// failure.
func (s *ConversationStore) FetchSnapshot(ctx context.Context) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	s.err = nil
	s.mu.Unlock()

	list, err := s.api.ListConversations(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false

	if err != nil {
		s.log.Println("fetch conversation snapshot:", err)
		s.err = err
		return err
	}

	next := make([]types.Conversation, len(list))
	for i := range list {
		next[len(list)-1-i] = list[i]
	}
	sortConversations(next)

	s.conversations = next
	s.rebuildParticipantIndex()
	s.statsd.Incr(stats.SnapshotFetchesMetric)

	return nil
}

// OnMessageReceived merges an inbound message into its conversation. The
// unread counter is only bumped when the conversation is not currently open.
// A message for a conversation id not known locally is dropped, not queued;
// it reappears with the next full snapshot.
func (s *ConversationStore) OnMessageReceived(msg types.Message, isConversationOpen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(msg.ConversationId)
	if i < 0 {
		s.log.Printf("dropping message %q for unknown conversation %q", msg.Id, msg.ConversationId)
		s.statsd.Incr(stats.UnknownConversationsMetric)
		return
	}

	s.conversations[i].LastMessage = &msg
	s.conversations[i].UpdatedAt = msg.Timestamp
	if !isConversationOpen {
		s.conversations[i].UnreadCount++
	}

	sortConversations(s.conversations)
}

// OnConversationCreated inserts a conversation pushed by the broker. A
// duplicate id is a no-op: the REST snapshot and the push path may race.
func (s *ConversationStore) OnConversationCreated(conv types.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(conv.Id) >= 0 {
		return
	}

	s.conversations = append(s.conversations, conv)
	sortConversations(s.conversations)

	for _, p := range conv.Participants {
		if p.UserId != s.selfId {
			s.byParticipant[p.UserId] = conv.Id
		}
	}
}

// MarkAsRead zeroes the unread counter and syncs the read receipt to the
// API. Idempotent; a miss is a silent no-op since the conversation may not
// have been merged yet. A REST failure is recorded but the local counter
// stays at zero.
func (s *ConversationStore) MarkAsRead(ctx context.Context, conversationId string) error {
	s.mu.Lock()
	i := s.indexOf(conversationId)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	s.conversations[i].UnreadCount = 0
	s.mu.Unlock()

	if err := s.api.MarkConversationRead(ctx, conversationId); err != nil {
		s.log.Printf("mark conversation %q read: %v", conversationId, err)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return err
	}

	return nil
}

// ApplyPresence projects a presence update onto every conversation listing
// the user. Both presence fields are written together under the store lock.
// Returns the number of affected conversations; zero is valid.
func (s *ConversationStore) ApplyPresence(p types.Presence) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int
	for i := range s.conversations {
		participant, ok := s.conversations[i].Participant(p.UserId)
		if !ok {
			continue
		}

		participant.IsOnline = p.IsOnline
		participant.LastOnlineAt = p.LastOnlineAt
		affected++
	}

	return affected
}

// Snapshot returns a copy of the conversation list, most recent first.
func (s *ConversationStore) Snapshot() []types.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make([]types.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		snapshot[i] = cloneConversation(c)
	}

	return snapshot
}

// ConversationIdForParticipant resolves a conversation by the other
// participant's user id in O(1).
func (s *ConversationStore) ConversationIdForParticipant(userId string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byParticipant[userId]
	return id, ok
}

func (s *ConversationStore) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loading
}

func (s *ConversationStore) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.err
}

// indexOf must be called with the lock held.
func (s *ConversationStore) indexOf(conversationId string) int {
	for i := range s.conversations {
		if s.conversations[i].Id == conversationId {
			return i
		}
	}

	return -1
}

// rebuildParticipantIndex must be called with the lock held.
func (s *ConversationStore) rebuildParticipantIndex() {
	s.byParticipant = make(map[string]string, len(s.conversations))
	for _, c := range s.conversations {
		for _, p := range c.Participants {
			if p.UserId != s.selfId {
				s.byParticipant[p.UserId] = c.Id
			}
		}
	}
}

func sortConversations(conversations []types.Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
}

func cloneConversation(c types.Conversation) types.Conversation {
	clone := c
	clone.Participants = append([]types.Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		msg := *c.LastMessage
		clone.LastMessage = &msg
	}

	return clone
}
