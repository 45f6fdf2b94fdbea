package models

import "time"

// EventType distinguishes the two inbound event kinds the engine reacts to.
type EventType string

const (
	EventComment EventType = "comment"
	EventMessage EventType = "message"
)

// InboundEvent is a normalized webhook event. It is never persisted.
type InboundEvent struct {
	PlatformAccountID string    `json:"platform_account_id"`
	Type              EventType `json:"type"`

	// Comment fields.
	CommentID      string `json:"comment_id,omitempty"`
	MediaID        string `json:"media_id,omitempty"`
	AuthorID       string `json:"author_id,omitempty"`
	AuthorUsername string `json:"author_username,omitempty"`

	// Message fields.
	MessageID string `json:"message_id,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
	IsEcho    bool   `json:"is_echo,omitempty"`

	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// EventID is the platform identifier used for dedup and dispatch keys.
func (e InboundEvent) EventID() string {
	if e.Type == EventMessage {
		return e.MessageID
	}
	return e.CommentID
}
