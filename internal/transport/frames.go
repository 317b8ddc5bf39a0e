package transport

import (
	"encoding/json"
	"time"

	"github.com/coursehub/realtime/internal/types"
)

// Event names carried on chat and personal channels. These are a stable
// contract shared with the backend and must not change without a
// migration plan.
const (
	EventMessage         = "message"
	EventTypingStart     = "typing_start"
	EventTypingStop      = "typing_stop"
	EventSettingsUpdated = "settings_updated"
	EventNewNotification = "new_notification"
)

type BaseFrame struct {
	Id        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ClientFrame is the client-to-gateway wire format. Exactly one of the
// operation fields is set.
type ClientFrame struct {
	BaseFrame
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	Publish     *Publish     `json:"publish,omitempty"`
	Presence    *PresenceReq `json:"presence,omitempty"`
}

type Subscribe struct {
	Channel string `json:"channel"`
}

type Unsubscribe struct {
	Channel string `json:"channel"`
}

type Publish struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

type PresenceReq struct {
	Channel string `json:"channel"`
}

// ServerFrame is the gateway-to-client wire format.
type ServerFrame struct {
	BaseFrame
	Response       *Response       `json:"response,omitempty"`
	Event          *EventFrame     `json:"event,omitempty"`
	Presence       *PresenceFrame  `json:"presence,omitempty"`
	PresenceChange *PresenceChange `json:"presence_change,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

type EventFrame struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// PresenceFrame is a full membership snapshot, sent in reply to a
// PresenceReq.
type PresenceFrame struct {
	Channel string                 `json:"channel"`
	Members []types.PresenceMember `json:"members"`
}

type PresenceChange struct {
	Channel  string `json:"channel"`
	MemberId string `json:"member_id"`
	Present  bool   `json:"present"`
}

// MessageData is the payload of a message event.
type MessageData struct {
	Id       string    `json:"id"`
	SenderId string    `json:"senderId"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`
}

// TypingStartData is the payload of a typing_start event.
type TypingStartData struct {
	UserId string     `json:"userId"`
	User   TypingUser `json:"user"`
}

type TypingUser struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// TypingStopData is the payload of a typing_stop event.
type TypingStopData struct {
	UserId string `json:"userId"`
}

// SettingsUpdatedData is the payload of a settings_updated event.
type SettingsUpdatedData struct {
	GroupId  string        `json:"groupId"`
	Settings GroupSettings `json:"settings"`
}

// GroupSettings is the wire shape of the settings payload; field names
// predate this client and are kept for compatibility.
type GroupSettings struct {
	InstructorOnlyMode bool `json:"instructorOnlyMode"`
	IsActive           bool `json:"isActive"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
