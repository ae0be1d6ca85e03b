package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/tmorrell/go-chatfeed/internal/auth"
	"github.com/tmorrell/go-chatfeed/internal/presence"
	"github.com/tmorrell/go-chatfeed/internal/realtime"
	"github.com/tmorrell/go-chatfeed/internal/stats"
	"github.com/tmorrell/go-chatfeed/internal/store"
	"github.com/tmorrell/go-chatfeed/internal/types"
)

// Feed wires the realtime layer to the stores: it binds the per-user
// topics on every connect, routes inbound events to defensive typed
// handlers, and tracks which conversation the UI currently has open so
// unread counters stay correct.
type Feed struct {
	log           *log.Logger
	creds         auth.CredentialSource
	conn          *realtime.ConnectionManager
	subs          *realtime.SubscriptionManager
	conversations *store.ConversationStore
	notifications *store.NotificationStore
	presenceSync  *presence.Synchronizer
	statsd        stats.StatsProvider

	mu                 sync.Mutex
	openConversationId string
	signedOut          bool
}

func New(logger *log.Logger, creds auth.CredentialSource, conn *realtime.ConnectionManager,
	subs *realtime.SubscriptionManager, conversations *store.ConversationStore,
	notifications *store.NotificationStore, presenceSync *presence.Synchronizer,
	statsd stats.StatsProvider) *Feed {

	f := &Feed{
		log:           logger,
		creds:         creds,
		conn:          conn,
		subs:          subs,
		conversations: conversations,
		notifications: notifications,
		presenceSync:  presenceSync,
		statsd:        statsd,
	}

	conn.OnConnected(f.handleConnected)
	conn.OnDisconnected(func(err error) {
		f.log.Println("broker connection dropped:", err)
	})
	conn.OnError(f.handleConnectionError)
	conn.OnEvent(subs.Dispatch)

	return f
}

// Start fetches the initial snapshots and begins the connection cycle. A
// failed snapshot fetch is not fatal: the stores record the error and the
// fetch is retried after the first successful connect.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.conversations.FetchSnapshot(ctx); err != nil {
		f.log.Println("initial conversation snapshot:", err)
	}
	if err := f.notifications.FetchSnapshot(ctx, false); err != nil {
		f.log.Println("initial notification snapshot:", err)
	}

	return f.conn.Connect()
}

// Stop tears everything down (logout path).
func (f *Feed) Stop() {
	f.subs.DisposeAll()
	f.conn.Disconnect()
}

// OpenConversation marks a conversation as the one currently on screen;
// its messages no longer count as unread and the pending counter is
// cleared.
func (f *Feed) OpenConversation(ctx context.Context, conversationId string) error {
	f.mu.Lock()
	f.openConversationId = conversationId
	f.mu.Unlock()

	return f.conversations.MarkAsRead(ctx, conversationId)
}

func (f *Feed) CloseConversation() {
	f.mu.Lock()
	f.openConversationId = ""
	f.mu.Unlock()
}

func (f *Feed) Conversations() *store.ConversationStore {
	return f.conversations
}

func (f *Feed) Notifications() *store.NotificationStore {
	return f.notifications
}

// PresenceChanges returns a channel of UI-facing presence signals.
func (f *Feed) PresenceChanges() <-chan presence.Change {
	return f.presenceSync.Listen()
}

// SignedOut reports whether the session credential expired.
func (f *Feed) SignedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.signedOut
}

func (f *Feed) handleConnected() {
	// Re-establish previously-registered bindings against the new handle,
	// then make sure the per-user topics exist.
	f.subs.ResubscribeAll()

	bound := make(map[string]struct{})
	for _, topic := range f.subs.Topics() {
		bound[topic] = struct{}{}
	}

	userId := f.creds.UserId()
	f.ensureSubscribed(bound, realtime.PresenceTopic(userId), f.presenceSync.HandleEvent)
	f.ensureSubscribed(bound, realtime.NotificationsTopic(userId), f.handleNotificationEvent)
	f.ensureSubscribed(bound, realtime.ConversationsTopic(userId), f.handleConversationCreated)

	for _, c := range f.conversations.Snapshot() {
		f.ensureSubscribed(bound, realtime.ConversationTopic(c.Id), f.handleMessageEvent)
	}

	f.mu.Lock()
	f.signedOut = false
	f.mu.Unlock()

	// Events that arrived while the transport was down are gone; reconcile
	// with a fresh snapshot.
	go func() {
		ctx := context.Background()
		if err := f.conversations.FetchSnapshot(ctx); err != nil {
			return
		}
		f.notifications.FetchSnapshot(ctx, false)

		bound := make(map[string]struct{})
		for _, topic := range f.subs.Topics() {
			bound[topic] = struct{}{}
		}
		for _, c := range f.conversations.Snapshot() {
			f.ensureSubscribed(bound, realtime.ConversationTopic(c.Id), f.handleMessageEvent)
		}
	}()
}

func (f *Feed) handleConnectionError(err error) {
	if errors.Is(err, realtime.ErrCredentialExpired) {
		f.log.Println("session credential expired, signed out")
		f.mu.Lock()
		f.signedOut = true
		f.mu.Unlock()
		return
	}

	f.log.Println("broker connection error:", err)
}

func (f *Feed) ensureSubscribed(bound map[string]struct{}, topic string, handler realtime.EventHandler) {
	if _, ok := bound[topic]; ok {
		return
	}

	if _, err := f.subs.Subscribe(topic, handler); err != nil {
		f.log.Printf("subscribe %q: %v", topic, err)
		return
	}
	bound[topic] = struct{}{}
}

func (f *Feed) handleMessageEvent(data json.RawMessage) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Println("dropping malformed message payload:", err)
		f.statsd.Incr(stats.MalformedPayloadsMetric)
		return
	}
	if msg.ConversationId == "" {
		f.log.Println("dropping message payload without conversation id")
		f.statsd.Incr(stats.MalformedPayloadsMetric)
		return
	}

	f.mu.Lock()
	open := f.openConversationId == msg.ConversationId
	f.mu.Unlock()

	f.conversations.OnMessageReceived(msg, open)
}

func (f *Feed) handleConversationCreated(data json.RawMessage) {
	var conv types.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		f.log.Println("dropping malformed conversation payload:", err)
		f.statsd.Incr(stats.MalformedPayloadsMetric)
		return
	}
	if conv.Id == "" {
		f.log.Println("dropping conversation payload without id")
		f.statsd.Incr(stats.MalformedPayloadsMetric)
		return
	}

	f.conversations.OnConversationCreated(conv)

	if _, err := f.subs.Subscribe(realtime.ConversationTopic(conv.Id), f.handleMessageEvent); err != nil {
		f.log.Printf("subscribe new conversation %q: %v", conv.Id, err)
	}
}

func (f *Feed) handleNotificationEvent(data json.RawMessage) {
	var evt types.NotificationEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		f.log.Println("dropping malformed notification payload:", err)
		f.statsd.Incr(stats.MalformedPayloadsMetric)
		return
	}
	if evt.Id == "" {
		f.log.Println("dropping notification payload without id")
		f.statsd.Incr(stats.MalformedPayloadsMetric)
		return
	}

	f.notifications.OnNotificationReceived(evt)
}
