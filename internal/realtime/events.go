package realtime

import (
	"encoding/json"
	"time"
)

// ServerEvent is the broker-to-client envelope. Data is opaque at this
// layer; topic handlers parse it defensively.
type ServerEvent struct {
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ClientCommand is the client-to-broker command. Exactly one of the
// command fields is set.
type ClientCommand struct {
	Id          string       `json:"id,omitempty"`
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
}

type Subscribe struct {
	Topic string `json:"topic"`
}

type Unsubscribe struct {
	Topic string `json:"topic"`
}

// Topic naming scheme shared with the broker.
func PresenceTopic(userId string) string {
	return "presence." + userId
}

func NotificationsTopic(userId string) string {
	return "notifications." + userId
}

// ConversationsTopic carries conversation-created events for a user.
func ConversationsTopic(userId string) string {
	return "conversations." + userId
}

func ConversationTopic(conversationId string) string {
	return "conversation." + conversationId
}
