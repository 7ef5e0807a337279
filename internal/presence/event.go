package presence

import (
	"encoding/json"
	"time"
)

// EventType names an outbound frame.
type EventType string

const (
	EventUserOnline      EventType = "user-online"
	EventUserOffline     EventType = "user-offline"
	EventOnlineUsers     EventType = "online-users"
	EventTypingStart     EventType = "typing-start"
	EventTypingStop      EventType = "typing-stop"
	EventMessageReceived EventType = "message-received"
	EventMessageEdited   EventType = "message-edited"
	EventMessageDeleted  EventType = "message-deleted"
	EventError           EventType = "error"
)

// Event is a server-to-client frame. Data holds one of the payload structs below.
type Event struct {
	Type EventType `json:"event"`
	Data any       `json:"data,omitempty"`
}

type UserPayload struct {
	UserID string `json:"userId"`
}

type TypingPayload struct {
	From string `json:"from"`
}

type MessagePayload struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageEditedPayload struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func UserOnline(userID string) Event {
	return Event{Type: EventUserOnline, Data: UserPayload{UserID: userID}}
}

func UserOffline(userID string) Event {
	return Event{Type: EventUserOffline, Data: UserPayload{UserID: userID}}
}

// OnlineUsers never carries a nil slice so clients always see a JSON array.
func OnlineUsers(ids []string) Event {
	if ids == nil {
		ids = []string{}
	}
	return Event{Type: EventOnlineUsers, Data: ids}
}

func TypingStart(from string) Event {
	return Event{Type: EventTypingStart, Data: TypingPayload{From: from}}
}

func TypingStop(from string) Event {
	return Event{Type: EventTypingStop, Data: TypingPayload{From: from}}
}

func MessageReceived(p MessagePayload) Event {
	return Event{Type: EventMessageReceived, Data: p}
}

func MessageEdited(messageID, newText string) Event {
	return Event{Type: EventMessageEdited, Data: MessageEditedPayload{MessageID: messageID, NewText: newText}}
}

func MessageDeleted(messageID string) Event {
	return Event{Type: EventMessageDeleted, Data: MessageDeletedPayload{MessageID: messageID}}
}

func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Data: ErrorPayload{Code: code, Message: message}}
}

// Inbound frame names, including the names older clients still send.
const (
	FrameAnnounce    = "announce"
	FrameQueryOnline = "query-online"
	FrameTypingStart = "typing-start"
	FrameTypingStop  = "typing-stop"
)

var frameAliases = map[string]string{
	"add-user":         FrameAnnounce,
	"get-online-users": FrameQueryOnline,
	"typing":           FrameTypingStart,
	"stop-typing":      FrameTypingStop,
}

// Frame is a client-to-server frame before its payload is decoded.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Name resolves legacy aliases to the canonical frame name.
func (f Frame) Name() string {
	if canonical, ok := frameAliases[f.Event]; ok {
		return canonical
	}
	return f.Event
}

type AnnounceData struct {
	UserID string `json:"userId"`
}

type TypingData struct {
	To string `json:"to"`
}

// DecodeFrame parses a raw websocket message.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func decodeData(f Frame, dst any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	return json.Unmarshal(f.Data, dst)
}
