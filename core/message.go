package core

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single utterance in a conversation.
//
// The message log assigns IDs; they increase monotonically within a
// conversation and double as the vector index IDs once the message is
// archived. A Message is an immutable value after creation; archival only
// ever sets ArchivedAt on the logged copy.
type Message struct {
	ID         int64     `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	ArchivedAt time.Time `json:"archived_at,omitzero"`
}

// Archived reports whether the message has been indexed into long-term memory.
func (m Message) Archived() bool {
	return !m.ArchivedAt.IsZero()
}
