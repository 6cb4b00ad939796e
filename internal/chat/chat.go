// Package chat holds the domain types shared by every chatsync component:
// conversations, messages and the per-conversation sync cursor.
package chat

import (
	"sort"
	"time"
)

// Kind distinguishes direct conversations from group ones.
type Kind string

const (
	KindOneToOne Kind = "one_to_one"
	KindGroup    Kind = "group"
)

// ParseKind maps upstream spellings onto a Kind. Unknown values are treated as group.
func ParseKind(s string) Kind {
	switch s {
	case "oneOnOne", "one_to_one", "direct":
		return KindOneToOne
	default:
		return KindGroup
	}
}

// Conversation is a named channel of messages on the upstream platform.
type Conversation struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	Participants []string  `json:"participants"`
	Kind         Kind      `json:"kind"`
	LastSeenAt   time.Time `json:"last_seen_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
	Stale        bool      `json:"stale,omitempty"`
}

// Message is immutable once persisted. Embedding stays nil until computed.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	ID             string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
	Embedding      []float32 `json:"-"`
	IndexedAt      time.Time `json:"indexed_at,omitzero"`
}

// Key returns the deduplication key of the message.
func (m Message) Key() Key {
	return Key{ConversationID: m.ConversationID, MessageID: m.ID}
}

// Key identifies a message across the whole store.
type Key struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// Cursor is the high-water mark of what has been durably ingested for one
// conversation. The zero Cursor means nothing has been ingested yet.
type Cursor struct {
	ConversationID string    `json:"conversation_id"`
	SentAt         time.Time `json:"sent_at"`
	MessageID      string    `json:"message_id"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// IsZero reports whether the cursor has never been advanced.
func (c Cursor) IsZero() bool {
	return c.SentAt.IsZero() && c.MessageID == ""
}

// Admits reports whether m lies strictly after the cursor in
// (sent_at, message_id) order, the order SortAscending produces.
func (c Cursor) Admits(m Message) bool {
	if c.IsZero() {
		return true
	}
	if !m.SentAt.Equal(c.SentAt) {
		return m.SentAt.After(c.SentAt)
	}
	return m.ID > c.MessageID
}

// At returns the cursor that points at m.
func At(m Message) Cursor {
	return Cursor{ConversationID: m.ConversationID, SentAt: m.SentAt, MessageID: m.ID}
}

// SortAscending orders messages by sent timestamp, then message id.
func SortAscending(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].SentAt.Before(msgs[j].SentAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
