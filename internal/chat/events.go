package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"prismachat/internal/store"
)

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Client→server event names. "user_joined" is accepted as an alias of join for
// older clients.
const (
	EventJoin           = "join"
	EventJoinLegacy     = "user_joined"
	EventSendMessage    = "send_message"
	EventSwitchChannel  = "switch_channel"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventCreateChannel  = "create_channel"
	EventUpdateChannel  = "update_channel"
	EventDeleteChannel  = "delete_channel"
	EventMoveChannel    = "move_channel"
	EventCreateCategory = "create_category"
	EventUpdateCategory = "update_category"
	EventDeleteCategory = "delete_category"
)

// Server→client event names.
const (
	EventNewMessage         = "new_message"
	EventMessageConfirmed   = "message_confirmed"
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventUsersUpdate        = "users_update"
	EventUserTyping         = "user_typing"
	EventUserStoppedTyping  = "user_stopped_typing"
	EventChannelCreated     = "channel_created"
	EventChannelUpdated     = "channel_updated"
	EventChannelDeleted     = "channel_deleted"
	EventChannelMoved       = "channel_moved"
	EventCategoryCreated    = "category_created"
	EventCategoryUpdated    = "category_updated"
	EventCategoryDeleted    = "category_deleted"
	EventUserProfileUpdated = "user_profile_updated"
	EventError              = "error"
)

// ID is a channel or category id. Browsers sometimes send ids read from the
// DOM as strings, so both "3" and 3 decode.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s", b)
	}
	*id = ID(n)
	return nil
}

// Inbound is implemented by every decoded client event.
type Inbound interface {
	validate() error
}

type JoinEvent struct {
	Username  string `json:"username"`
	ChannelID ID     `json:"channelId"`
}

type SwitchChannelEvent struct {
	Username  string `json:"username"`
	ChannelID ID     `json:"channelId"`
}

type SendMessageEvent struct {
	Author    string          `json:"author"`
	Content   string          `json:"content"`
	ChannelID ID              `json:"channelId"`
	IsImage   bool            `json:"isImage"`
	TempID    json.RawMessage `json:"tempId,omitempty"`
}

// TypingEvent carries both typing and stop_typing; Typing tells them apart.
type TypingEvent struct {
	Username  string `json:"username"`
	ChannelID ID     `json:"channelId"`
	Typing    bool   `json:"-"`
}

type CreateChannelEvent struct {
	ChannelName string `json:"channelName"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CategoryID  *ID    `json:"categoryId"`
}

type UpdateChannelEvent struct {
	ChannelID   ID     `json:"channelId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type DeleteChannelEvent struct {
	ChannelID ID `json:"channelId"`
}

type MoveChannelEvent struct {
	ChannelID  ID  `json:"channelId"`
	CategoryID *ID `json:"categoryId"`
}

type CreateCategoryEvent struct {
	CategoryName string `json:"categoryName"`
	Name         string `json:"name"`
}

type UpdateCategoryEvent struct {
	CategoryID ID     `json:"categoryId"`
	Name       string `json:"name"`
}

type DeleteCategoryEvent struct {
	CategoryID ID `json:"categoryId"`
}

func requireID(field string, id ID) error {
	if id <= 0 {
		return invalidf("%s is required", field)
	}
	return nil
}

func (e *JoinEvent) validate() error          { return requireID("channelId", e.ChannelID) }
func (e *SwitchChannelEvent) validate() error { return requireID("channelId", e.ChannelID) }
func (e *SendMessageEvent) validate() error   { return requireID("channelId", e.ChannelID) }
func (e *TypingEvent) validate() error        { return requireID("channelId", e.ChannelID) }
func (e *UpdateChannelEvent) validate() error { return requireID("channelId", e.ChannelID) }
func (e *DeleteChannelEvent) validate() error { return requireID("channelId", e.ChannelID) }
func (e *MoveChannelEvent) validate() error   { return requireID("channelId", e.ChannelID) }
func (e *UpdateCategoryEvent) validate() error {
	return requireID("categoryId", e.CategoryID)
}
func (e *DeleteCategoryEvent) validate() error {
	return requireID("categoryId", e.CategoryID)
}
func (e *CreateChannelEvent) validate() error  { return nil }
func (e *CreateCategoryEvent) validate() error { return nil }

// Decode parses one client frame into its typed event. Unknown event names,
// malformed payloads and missing ids are reported as validation errors.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, invalidf("malformed frame")
	}
	var ev Inbound
	switch env.Event {
	case EventJoin, EventJoinLegacy:
		ev = &JoinEvent{}
	case EventSwitchChannel:
		ev = &SwitchChannelEvent{}
	case EventSendMessage:
		ev = &SendMessageEvent{}
	case EventTyping:
		ev = &TypingEvent{Typing: true}
	case EventStopTyping:
		ev = &TypingEvent{}
	case EventCreateChannel:
		ev = &CreateChannelEvent{}
	case EventUpdateChannel:
		ev = &UpdateChannelEvent{}
	case EventDeleteChannel:
		ev = &DeleteChannelEvent{}
	case EventMoveChannel:
		ev = &MoveChannelEvent{}
	case EventCreateCategory:
		ev = &CreateCategoryEvent{}
	case EventUpdateCategory:
		ev = &UpdateCategoryEvent{}
	case EventDeleteCategory:
		ev = &DeleteCategoryEvent{}
	default:
		return nil, invalidf("unknown event %q", env.Event)
	}
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return nil, invalidf("%s: payload required", env.Event)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, invalidf("%s: malformed payload", env.Event)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Outbound payloads.

type PresenceNotice struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

type UsersUpdate struct {
	ChannelID int64    `json:"channelId"`
	Users     []string `json:"users"`
}

type TypingNotice struct {
	Username  string `json:"username"`
	ChannelID int64  `json:"channelId"`
}

type MessageConfirmed struct {
	TempID  json.RawMessage `json:"tempId"`
	Message store.Message   `json:"message"`
}

type ChannelDeleted struct {
	ChannelID   int64  `json:"channelId"`
	ChannelName string `json:"channelName"`
}

type ChannelMoved struct {
	ChannelID  int64  `json:"channelId"`
	CategoryID *int64 `json:"categoryId"`
}

type CategoryUpdated struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type CategoryDeleted struct {
	CategoryID   int64  `json:"categoryId"`
	CategoryName string `json:"categoryName"`
}

type ProfileUpdated struct {
	Username  string `json:"username"`
	ImageData string `json:"imageData"`
}

type ErrorNotice struct {
	Message string `json:"message"`
}

// encode wraps payload in an Envelope the way every server frame is shaped.
func encode(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return frame, nil
}
