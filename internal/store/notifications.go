package store

import (
	"context"
	"log"
	"sync"

	"github.com/tmorrell/go-chatfeed/internal/stats"
	"github.com/tmorrell/go-chatfeed/internal/types"
)

const defaultNotificationPageSize = 50

// NotificationAPI is the slice of the REST client the notification store
// consumes.
type NotificationAPI interface {
	ListNotifications(ctx context.Context, page, pageSize int) ([]types.NotificationEvent, error)
	MarkNotificationRead(ctx context.Context, notificationId string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// NotificationStore caches the flat notification feed, newest first. Entries
// are unique by id and the unread counter is always recomputed from the
// list, never adjusted independently.
type NotificationStore struct {
	log    *log.Logger
	api    NotificationAPI
	statsd stats.StatsProvider

	mu            sync.RWMutex
	notifications []types.NotificationEvent
	unreadCount   int
	loading       bool
	err           error
}

func NewNotificationStore(logger *log.Logger, api NotificationAPI, statsd stats.StatsProvider) *NotificationStore {
	return &NotificationStore{
		log:    logger,
		api:    api,
		statsd: statsd,
	}
}

// FetchSnapshot fills the feed from the REST API. Unless forced, an already
// populated store is left alone so push-merged state is not clobbered.
func (s *NotificationStore) FetchSnapshot(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.loading || (len(s.notifications) > 0 && !force) {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	s.err = nil
	s.mu.Unlock()

	list, err := s.api.ListNotifications(ctx, 1, defaultNotificationPageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false

	if err != nil {
		s.log.Println("fetch notification snapshot:", err)
		s.err = err
		return err
	}

	s.notifications = list
	s.syncUnreadCount()
	s.statsd.Incr(stats.SnapshotFetchesMetric)

	return nil
}

// OnNotificationReceived prepends a pushed notification. Delivery is
// at-least-once, so an id already present is rejected as a duplicate.
// Returns whether the event was added.
func (s *NotificationStore) OnNotificationReceived(evt types.NotificationEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].Id == evt.Id {
			s.log.Printf("dropping duplicate notification %q", evt.Id)
			s.statsd.Incr(stats.DuplicateNotificationsMetric)
			return false
		}
	}

	s.notifications = append([]types.NotificationEvent{evt}, s.notifications...)
	s.syncUnreadCount()

	return true
}

// MarkAsRead flags one notification as read and syncs the change to the
// API. Idempotent; a miss is a silent no-op.
func (s *NotificationStore) MarkAsRead(ctx context.Context, notificationId string) error {
	s.mu.Lock()
	var found bool
	for i := range s.notifications {
		if s.notifications[i].Id == notificationId {
			s.notifications[i].IsRead = true
			found = true
			break
		}
	}
	s.syncUnreadCount()
	s.mu.Unlock()

	if !found {
		return nil
	}

	if err := s.api.MarkNotificationRead(ctx, notificationId); err != nil {
		s.log.Printf("mark notification %q read: %v", notificationId, err)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return err
	}

	return nil
}

// MarkAllAsRead flags every notification as read and syncs the change to
// the API.
func (s *NotificationStore) MarkAllAsRead(ctx context.Context) error {
	s.mu.Lock()
	for i := range s.notifications {
		s.notifications[i].IsRead = true
	}
	s.syncUnreadCount()
	s.mu.Unlock()

	if err := s.api.MarkAllNotificationsRead(ctx); err != nil {
		s.log.Println("mark all notifications read:", err)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return err
	}

	return nil
}

// Snapshot returns a copy of the notification feed, newest first.
func (s *NotificationStore) Snapshot() []types.NotificationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]types.NotificationEvent(nil), s.notifications...)
}

func (s *NotificationStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.unreadCount
}

func (s *NotificationStore) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loading
}

func (s *NotificationStore) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.err
}

// syncUnreadCount recomputes the unread counter from the list. It is the
// only place the counter is written and must be called with the lock held
// after every mutation.
func (s *NotificationStore) syncUnreadCount() {
	var unread int
	for i := range s.notifications {
		if !s.notifications[i].IsRead {
			unread++
		}
	}

	s.unreadCount = unread
}
