package chat

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/parley/parley/internal/domain"
)

// Outbound event envelopes. Everything on the wire is a JSON text frame with
// a "type" discriminator, mirroring the inbound envelope dispatch.
const (
	EventRoomMessages = "room_messages"
	EventUserJoined   = "user_joined"
	EventNewMessage   = "new_message"
	EventUserTyping   = "user_typing"
	EventUserLeft     = "user_left"
	EventError        = "error"
)

type roomMessagesEvent struct {
	Type     string           `json:"type"`
	Messages []domain.Message `json:"messages"`
}

type userJoinedEvent struct {
	Type     string        `json:"type"`
	Username string        `json:"username"`
	UserID   domain.UserID `json:"user_id"`
}

type newMessageEvent struct {
	Type    string         `json:"type"`
	Message domain.Message `json:"message"`
}

type userTypingEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type userLeftEvent struct {
	Type     string        `json:"type"`
	Username string        `json:"username"`
	UserID   domain.UserID `json:"user_id"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func marshalEvent(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "chat").Msg("marshal event")
		return nil
	}
	return b
}

func RoomMessages(msgs []domain.Message) []byte {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return marshalEvent(roomMessagesEvent{Type: EventRoomMessages, Messages: msgs})
}

func UserJoined(username string, userID domain.UserID) []byte {
	return marshalEvent(userJoinedEvent{Type: EventUserJoined, Username: username, UserID: userID})
}

func NewMessage(msg domain.Message) []byte {
	return marshalEvent(newMessageEvent{Type: EventNewMessage, Message: msg})
}

func UserTyping(username string, isTyping bool) []byte {
	return marshalEvent(userTypingEvent{Type: EventUserTyping, Username: username, IsTyping: isTyping})
}

func UserLeft(username string, userID domain.UserID) []byte {
	return marshalEvent(userLeftEvent{Type: EventUserLeft, Username: username, UserID: userID})
}

func ErrorEvent(msg string) []byte {
	return marshalEvent(errorEvent{Type: EventError, Error: msg})
}
