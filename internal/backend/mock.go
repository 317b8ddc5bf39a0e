package backend

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/coursehub/realtime/internal/types"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Notifications(ctx context.Context, limit int) (NotificationPage, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).(NotificationPage), args.Error(1)
}

func (m *MockClient) MarkNotificationRead(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockClient) MarkAllNotificationsRead(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) RealtimeToken(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockClient) GroupInfo(ctx context.Context, groupId string) (GroupInfo, error) {
	args := m.Called(ctx, groupId)
	return args.Get(0).(GroupInfo), args.Error(1)
}

func (m *MockClient) UpdateGroupSettings(ctx context.Context, groupId string, settings types.GroupSettings) (GroupInfo, error) {
	args := m.Called(ctx, groupId, settings)
	return args.Get(0).(GroupInfo), args.Error(1)
}

func (m *MockClient) SaveMessage(ctx context.Context, msg types.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
