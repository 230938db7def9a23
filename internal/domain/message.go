package domain

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "ai"
)

// AssistantName is the display name attached to generated replies.
const AssistantName = "AI Assistant"

// Message is an immutable transcript record. UserID is nil for assistant
// messages.
type Message struct {
	ID        string      `json:"id"`
	RoomID    RoomID      `json:"room_id"`
	UserID    *UserID     `json:"user_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"message_type"`
	Username  string      `json:"username"`
	CreatedAt time.Time   `json:"created_at"`
}

func NewUserMessage(roomID RoomID, userID UserID, username, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    &userID,
		Content:   content,
		Type:      MessageTypeUser,
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
}

func NewAssistantMessage(roomID RoomID, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Content:   content,
		Type:      MessageTypeAssistant,
		Username:  AssistantName,
		CreatedAt: time.Now().UTC(),
	}
}
