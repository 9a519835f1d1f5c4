package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/agent-chat/backend/internal/model/chat"
)

const DefaultSystemPrompt = "You are a helpful assistant."

// CompletionOptions tunes the prompt sent to the chat model.
type CompletionOptions struct {
	SystemPrompt string
	// HistoryLimit caps how many earlier transcript messages are forwarded.
	// Zero sends only the current question.
	HistoryLimit int
	// Streaming enables token streaming through AskStream.
	Streaming bool
}

// CompletionGateway answers questions with a hosted chat completion model.
type CompletionGateway struct {
	chatModel model.ChatModel
	opts      CompletionOptions
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewCompletionGateway compiles the prompt chain around chatModel.
func NewCompletionGateway(ctx context.Context, chatModel model.ChatModel, opts CompletionOptions) (*CompletionGateway, error) {
	if chatModel == nil {
		return nil, ErrNotInitialized
	}
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.HistoryLimit < 0 {
		opts.HistoryLimit = 0
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile completion chain: %w", err)
	}

	return &CompletionGateway{
		chatModel: chatModel,
		opts:      opts,
		chain:     runnable,
	}, nil
}

// Ask runs the chain once and returns the model's reply.
func (g *CompletionGateway) Ask(ctx context.Context, req Request) (string, error) {
	response, err := g.chain.Invoke(ctx, g.buildChainInput(req))
	if err != nil {
		return "", classify("complete", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", &Error{Kind: KindProtocol, Op: "complete", Err: errors.New("model returned an empty answer")}
	}

	log.Printf("[agent] completion answered session=%s length=%d", req.SessionID, len(response.Content))
	return response.Content, nil
}

// AskStream streams the reply chunk by chunk. With streaming disabled it
// degrades to Ask and emits the whole answer as a single delta.
func (g *CompletionGateway) AskStream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	if !g.opts.Streaming {
		answer, err := g.Ask(ctx, req)
		if err != nil {
			return "", err
		}
		if err := onDelta(answer); err != nil {
			return "", err
		}
		return answer, nil
	}

	stream, err := g.chain.Stream(ctx, g.buildChainInput(req))
	if err != nil {
		return "", classify("stream", err)
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", classify("stream", recvErr)
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			if err := onDelta(chunk.Content); err != nil {
				return "", err
			}
		}
	}

	if len(chunks) == 0 {
		return "", &Error{Kind: KindProtocol, Op: "stream", Err: errors.New("model returned an empty stream")}
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", &Error{Kind: KindProtocol, Op: "stream", Err: fmt.Errorf("concat chunks: %w", err)}
	}

	log.Printf("[agent] completion streamed session=%s chunks=%d length=%d", req.SessionID, len(chunks), len(merged.Content))
	return merged.Content, nil
}

func (g *CompletionGateway) buildChainInput(req Request) map[string]any {
	return map[string]any{
		"system":  g.opts.SystemPrompt,
		"history": g.buildHistoryMessages(req.History),
		"query":   req.Question,
	}
}

func (g *CompletionGateway) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if g.opts.HistoryLimit == 0 || len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > g.opts.HistoryLimit {
		startIdx = len(messages) - g.opts.HistoryLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.RoleAgent:
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}
	return history
}
