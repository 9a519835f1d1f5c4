// Package agent talks to the hosted AI backend that answers chat questions.
package agent

import (
	"context"

	"github.com/zhouzirui/agent-chat/backend/internal/model/chat"
)

// Request is one question forwarded to the backend.
type Request struct {
	SessionID string
	Question  string
	// History holds earlier messages of the session, oldest first. Gateways
	// that do not keep conversational context ignore it.
	History []chat.Message
}

// Gateway answers a single question. Failures are reported as *Error values
// or ErrNotInitialized; callers decide how to present them.
type Gateway interface {
	Ask(ctx context.Context, req Request) (string, error)
}

// StreamingGateway is implemented by gateways that can emit partial answers.
// onDelta receives each chunk as it arrives; the full answer is returned at the end.
type StreamingGateway interface {
	Gateway
	AskStream(ctx context.Context, req Request, onDelta func(string) error) (string, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req Request) (string, error)

func (f GatewayFunc) Ask(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
