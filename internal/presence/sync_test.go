package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tmorrell/go-chatfeed/internal/stats"
	"github.com/tmorrell/go-chatfeed/internal/store"
	"github.com/tmorrell/go-chatfeed/internal/testutil"
	"github.com/tmorrell/go-chatfeed/internal/types"
)

// The synchronizer is tested against the real conversation store so the
// fan-out invariant covers the projection path end to end.
func newStoreWithConversations(t *testing.T, conversations ...types.Conversation) *store.ConversationStore {
	t.Helper()

	s := store.NewConversationStore(testutil.TestLogger(t), &store.MockConversationAPI{}, stats.NopStats{}, "self")
	for _, c := range conversations {
		s.OnConversationCreated(c)
	}

	return s
}

func TestApplyFanOut(t *testing.T) {
	now := time.Now()
	cs := newStoreWithConversations(t,
		types.Conversation{Id: "c1", UpdatedAt: now, Participants: []types.Participant{{UserId: "self"}, {UserId: "u"}}},
		types.Conversation{Id: "c2", UpdatedAt: now, Participants: []types.Participant{{UserId: "self"}, {UserId: "other"}}},
		types.Conversation{Id: "c3", UpdatedAt: now, Participants: []types.Participant{{UserId: "self"}, {UserId: "u"}}},
	)

	sync := NewSynchronizer(testutil.TestLogger(t), cs, stats.NopStats{})
	ch := sync.Listen()

	lastOnline := now.Add(-time.Minute)
	sync.Apply(types.Presence{UserId: "u", IsOnline: true, LastOnlineAt: &lastOnline})

	var seen int
	for _, c := range cs.Snapshot() {
		p, ok := c.Participant("u")
		switch c.Id {
		case "c1", "c3":
			assert.True(t, ok, "expected user in conversation %s", c.Id)
			assert.True(t, p.IsOnline, "expected presence applied in conversation %s", c.Id)
			assert.Equal(t, lastOnline.Unix(), p.LastOnlineAt.Unix(), "expected last online applied in conversation %s", c.Id)
			seen++
		case "c2":
			assert.False(t, ok, "expected user absent from conversation c2")
			other, _ := c.Participant("other")
			assert.False(t, other.IsOnline, "expected c2 participants untouched")
		}
	}
	assert.Equal(t, 2, seen, "expected presence applied in exactly two conversations")

	select {
	case change := <-ch:
		assert.True(t, change.HasAffectedConversations, "expected change to report affected conversations")
		assert.Equal(t, "u", change.Presence.UserId)
	default:
		t.Error("expected a change signal to be emitted")
	}
}

func TestApplyNoMatches(t *testing.T) {
	cs := newStoreWithConversations(t,
		types.Conversation{Id: "c1", Participants: []types.Participant{{UserId: "self"}, {UserId: "u"}}},
	)

	sync := NewSynchronizer(testutil.TestLogger(t), cs, stats.NopStats{})
	ch := sync.Listen()

	sync.Apply(types.Presence{UserId: "stranger", IsOnline: true})

	select {
	case change := <-ch:
		assert.False(t, change.HasAffectedConversations, "expected no-match event to report no affected conversations")
		assert.Equal(t, "stranger", change.Presence.UserId, "expected raw event carried on the signal")
	default:
		t.Error("expected a change signal even for a no-match event")
	}
}

func TestHandleEvent(t *testing.T) {
	tcases := []struct {
		name    string
		payload string
		applied bool
	}{
		{
			name:    "valid payload",
			payload: `{"user_id":"u","is_online":true}`,
			applied: true,
		},
		{
			name:    "malformed json",
			payload: `{"user_id":`,
			applied: false,
		},
		{
			name:    "missing user id",
			payload: `{"is_online":true}`,
			applied: false,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cs := newStoreWithConversations(t,
				types.Conversation{Id: "c1", Participants: []types.Participant{{UserId: "self"}, {UserId: "u"}}},
			)
			sync := NewSynchronizer(testutil.TestLogger(t), cs, stats.NopStats{})

			sync.HandleEvent(json.RawMessage(tc.payload))

			p, _ := cs.Snapshot()[0].Participant("u")
			assert.Equal(t, tc.applied, p.IsOnline, "expected applied=%v for payload %s", tc.applied, tc.payload)
		})
	}
}

func TestListenerDoesNotStallApply(t *testing.T) {
	cs := newStoreWithConversations(t)
	sync := NewSynchronizer(testutil.TestLogger(t), cs, stats.NopStats{})
	sync.Listen() // never drained

	// More events than the listener buffer holds; Apply must not block.
	for i := 0; i < changeBufferSize*2; i++ {
		sync.Apply(types.Presence{UserId: "u", IsOnline: i%2 == 0})
	}
}
