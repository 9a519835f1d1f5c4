package chat

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/agent-chat/backend/internal/model/chat"
)

var ErrSessionRequired = errors.New("session id is required")

// Store persists per-session transcripts.
//
// Implementations must append the user and agent halves of an exchange
// atomically so that readers never observe a question without its answer.
type Store interface {
	// Ensure creates the session on first visit and returns it.
	Ensure(ctx context.Context, sessionID string) (chat.Session, error)
	// Transcript returns a copy of the session's messages in insertion order.
	// Unknown sessions have an empty transcript.
	Transcript(ctx context.Context, sessionID string) ([]chat.Message, error)
	// AppendExchange appends one user message followed by one agent message.
	AppendExchange(ctx context.Context, sessionID string, user, agent chat.Message) error
	// Clear discards the session's transcript. It is idempotent.
	Clear(ctx context.Context, sessionID string) error
	// Sweep removes sessions that have been idle for longer than idle.
	Sweep(ctx context.Context, idle time.Duration) (int, error)
	Close() error
}

// stamp fills in identifiers and timestamps the caller left empty.
func stamp(msg chat.Message, now time.Time, newID func() string) chat.Message {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	return msg
}
