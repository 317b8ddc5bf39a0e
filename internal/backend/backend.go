package backend

import (
	"context"

	"github.com/coursehub/realtime/internal/types"
)

// NotificationPage is the bootstrap payload for the notification feed.
// UnreadCount is authoritative at fetch time; the client maintains it
// locally afterwards.
type NotificationPage struct {
	Items       []types.Notification `json:"items"`
	UnreadCount int                  `json:"unread_count"`
}

// GroupInfo carries a chat group's publish gate plus its owner, the
// only participant allowed to publish in broadcast-only mode.
type GroupInfo struct {
	GroupId  string              `json:"group_id"`
	OwnerId  string              `json:"owner_id"`
	Settings types.GroupSettings `json:"settings"`
}

// Client is the REST boundary to the durable backend. The realtime
// core consumes it for bootstrap reads, optimistic-write reconciliation
// and transport token issuance; it never persists anything itself.
type Client interface {
	Notifications(ctx context.Context, limit int) (NotificationPage, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	RealtimeToken(ctx context.Context) (string, error)
	GroupInfo(ctx context.Context, groupId string) (GroupInfo, error)
	UpdateGroupSettings(ctx context.Context, groupId string, settings types.GroupSettings) (GroupInfo, error)
	SaveMessage(ctx context.Context, msg types.ChatMessage) error
}
