package domain

import "time"

type RoomID string

type Room struct {
	ID          RoomID    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   UserID    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Participant is one durable room member, as shown in room details.
type Participant struct {
	ID       UserID    `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// Invitation is a single-use, expiring token that lets an invitee create an
// account and enter the room in one step.
type Invitation struct {
	ID                string    `json:"id"`
	RoomID            RoomID    `json:"room_id"`
	Email             string    `json:"email"`
	InvitedBy         UserID    `json:"invited_by"`
	InvitedByUsername string    `json:"invited_by_username,omitempty"`
	Token             string    `json:"token"`
	ExpiresAt         time.Time `json:"expires_at"`
	Used              bool      `json:"used"`
	CreatedAt         time.Time `json:"created_at"`
}
