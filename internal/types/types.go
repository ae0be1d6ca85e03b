package types

import (
	"encoding/json"
	"time"
)

// Participant is a member of a conversation. IsOnline and LastOnlineAt are
// the presence projection for the participant's user and must be written
// together, never one without the other.
type Participant struct {
	UserId       string     `json:"user_id"`
	Username     string     `json:"username"`
	IsOnline     bool       `json:"is_online"`
	LastOnlineAt *time.Time `json:"last_online_at,omitempty"`
}

type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversation_id"`
	SenderId       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// Conversation is a chat thread between a fixed set of participants.
// Conversations are unique by Id within a store and are never deleted
// during a session.
type Conversation struct {
	Id           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Participant returns the participant with the given user id, if present.
func (c *Conversation) Participant(userId string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserId == userId {
			return &c.Participants[i], true
		}
	}

	return nil, false
}

// Presence is a user's online status. It is never stored standalone; it is
// projected onto the participant record of every conversation listing the user.
type Presence struct {
	UserId       string     `json:"user_id"`
	IsOnline     bool       `json:"is_online"`
	LastOnlineAt *time.Time `json:"last_online_at,omitempty"`
}

// NotificationEvent is a generic push notification. Payload is opaque to
// this layer and handed to the rendering layer as-is.
type NotificationEvent struct {
	Id        string          `json:"id"`
	IsRead    bool            `json:"is_read"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
