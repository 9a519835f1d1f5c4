package chat

import "time"

// Role identifies who authored a transcript entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is a single transcript entry. Messages are immutable once appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserMessage builds a message authored by the browser user.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AgentMessage builds a message authored by the agent backend.
func AgentMessage(text string) Message {
	return Message{Role: RoleAgent, Text: text}
}
