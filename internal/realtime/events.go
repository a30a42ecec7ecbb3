package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-class-chat/internal/models"
)

// Inbound event names.
const (
	EventJoinDirect        = "join-direct-chat"
	EventJoinGroup         = "join-group-chat"
	EventLeaveChat         = "leave-chat"
	EventSendDirectMessage = "send-direct-message"
	EventSendGroupMessage  = "send-group-message"
	EventTyping            = "typing"
	EventMarkRead          = "mark-read"
	EventSetStatus         = "set-status"
)

// Outbound event names.
const (
	EventDirectMessage = "direct-message"
	EventGroupMessage  = "group-message"
	EventUserTyping    = "user-typing"
	EventMessageRead   = "message-read"
	EventUserStatus    = "user-status"
	EventGroupUpdated  = "group-updated"
	EventChatJoined    = "chat-joined"
	EventError         = "error"
)

// StatusOffline is broadcast when an actor's last connection closes.
const StatusOffline = "offline"

var errMalformedPayload = errors.New("malformed event payload")

// Event is the envelope written to and read from a connection.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data,omitempty"`
}

// Frame is an inbound event with its payload left undecoded.
type Frame struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// MessagePayload carries a newly appended message.
type MessagePayload struct {
	ChatID  string         `json:"chatId"`
	Message models.Message `json:"message"`
}

// TypingPayload relays a typing indicator. It is never persisted.
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// ReadPayload announces receipts written by one reader.
type ReadPayload struct {
	ChatID     string    `json:"chatId"`
	MessageID  *string   `json:"messageId"`
	MessageIDs []string  `json:"messageIds"`
	UserID     string    `json:"userId"`
	ReadAt     time.Time `json:"readAt"`
}

// StatusPayload carries presence changes.
type StatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// GroupPayload announces a membership or metadata change.
type GroupPayload struct {
	ChatID  string                    `json:"chatId"`
	Group   *models.GroupConversation `json:"group"`
	Removed []string                  `json:"removed,omitempty"`
}

// JoinedPayload acknowledges a room join.
type JoinedPayload struct {
	ChatID string `json:"chatId"`
}

// ErrorPayload reports a rejected inbound event.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type sendPayload struct {
	ChatID      string   `json:"chatId"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
}

type typingPayload struct {
	ChatID      string `json:"chatId"`
	IsTyping    bool   `json:"isTyping"`
	IsGroupChat bool   `json:"isGroupChat"`
}

type markReadPayload struct {
	ChatID      string  `json:"chatId"`
	MessageID   *string `json:"messageId"`
	IsGroupChat bool    `json:"isGroupChat"`
}

// decodeChatID accepts either a bare id string or {"chatId": "..."}.
func decodeChatID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return canonicalChatID(id), nil
	}
	var wrapped JoinedPayload
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return "", errMalformedPayload
	}
	return canonicalChatID(wrapped.ChatID), nil
}

// canonicalChatID maps any spelling of a UUID onto the form rooms are keyed by.
func canonicalChatID(raw string) string {
	id := strings.TrimSpace(raw)
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return id
}

// decodeStatus accepts either a bare status string or {"status": "..."}.
func decodeStatus(raw json.RawMessage) (string, error) {
	var status string
	if err := json.Unmarshal(raw, &status); err == nil {
		return strings.TrimSpace(status), nil
	}
	var wrapped struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return "", errMalformedPayload
	}
	return strings.TrimSpace(wrapped.Status), nil
}

func decodeInto(raw json.RawMessage, dest interface{}) error {
	if len(raw) == 0 {
		return errMalformedPayload
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errMalformedPayload
	}
	return nil
}

func messageEventName(kind models.ConversationKind) string {
	if kind == models.ConversationGroup {
		return EventGroupMessage
	}
	return EventDirectMessage
}
