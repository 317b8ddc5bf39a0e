package types

import (
	"fmt"
	"strings"
	"time"
)

const (
	ChatChannelPrefix          = "chat"
	NotificationsChannelPrefix = "notifications"
)

type User struct {
	Id        string `json:"id"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Role      string `json:"role,omitempty"`
}

func (u User) DisplayName() string {
	return strings.TrimSpace(u.Firstname + " " + u.Lastname)
}

type ChatMessage struct {
	Id          string    `json:"id"`
	ChannelName string    `json:"channel_name"`
	SenderId    string    `json:"sender_id"`
	Content     string    `json:"content"`
	SentAt      time.Time `json:"sent_at"`
}

type Notification struct {
	Id        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Type      string    `json:"type,omitempty"`
	Priority  string    `json:"priority,omitempty"`
	GroupKey  string    `json:"group_key,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

type PresenceMember struct {
	MemberId  string    `json:"member_id"`
	EnteredAt time.Time `json:"entered_at"`
}

type TypingSignal struct {
	UserId      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// GroupSettings is the per-group publish gate. The authoritative copy
// lives on the backend; clients hold a cached copy per channel which is
// replaced wholesale on every settings_updated event.
type GroupSettings struct {
	IsActive      bool `json:"is_active"`
	BroadcastOnly bool `json:"broadcast_only"`
}

// ChatChannel derives the transport channel name for a chat group.
func ChatChannel(groupId string) string {
	return ChatChannelPrefix + ":" + groupId
}

// NotificationsChannel derives the transport channel name for a user's
// personal notification feed.
func NotificationsChannel(userId string) string {
	return NotificationsChannelPrefix + ":" + userId
}

// ParseChannel splits a channel name into its kind and resource id.
func ParseChannel(name string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(name, ":")
	if !ok || kind == "" || id == "" {
		return "", "", fmt.Errorf("malformed channel name %q", name)
	}

	switch kind {
	case ChatChannelPrefix, NotificationsChannelPrefix:
		return kind, id, nil
	default:
		return "", "", fmt.Errorf("unknown channel kind %q", kind)
	}
}
