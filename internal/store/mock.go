package store

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/tmorrell/go-chatfeed/internal/types"
)

type MockConversationAPI struct {
	mock.Mock
}

func (m *MockConversationAPI) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	args := m.Called(ctx)
	if conversations, ok := args.Get(0).([]types.Conversation); ok {
		return conversations, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockConversationAPI) MarkConversationRead(ctx context.Context, conversationId string) error {
	args := m.Called(ctx, conversationId)
	return args.Error(0)
}

type MockNotificationAPI struct {
	mock.Mock
}

func (m *MockNotificationAPI) ListNotifications(ctx context.Context, page, pageSize int) ([]types.NotificationEvent, error) {
	args := m.Called(ctx, page, pageSize)
	if notifications, ok := args.Get(0).([]types.NotificationEvent); ok {
		return notifications, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockNotificationAPI) MarkNotificationRead(ctx context.Context, notificationId string) error {
	args := m.Called(ctx, notificationId)
	return args.Error(0)
}
func (m *MockNotificationAPI) MarkAllNotificationsRead(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
