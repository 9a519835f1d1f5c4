package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/agent-chat/backend/internal/model/chat"
)

type fakeChatModel struct {
	reply  string
	chunks []string
	err    error
	input  []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	messages := make([]*schema.Message, 0, len(f.chunks))
	for _, chunk := range f.chunks {
		messages = append(messages, schema.AssistantMessage(chunk, nil))
	}
	return schema.StreamReaderFromArray(messages), nil
}

func (f *fakeChatModel) BindTools(_ []*schema.ToolInfo) error { return nil }

func TestCompletionGatewayAskSendsSystemPromptAndQuestion(t *testing.T) {
	fake := &fakeChatModel{reply: "world"}
	gw, err := NewCompletionGateway(context.Background(), fake, CompletionOptions{})
	if err != nil {
		t.Fatalf("NewCompletionGateway err: %v", err)
	}

	answer, err := gw.Ask(context.Background(), Request{SessionID: "s1", Question: "hello"})
	if err != nil {
		t.Fatalf("Ask err: %v", err)
	}
	if answer != "world" {
		t.Fatalf("expected world, got %q", answer)
	}

	if len(fake.input) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(fake.input))
	}
	if fake.input[0].Role != schema.System || fake.input[0].Content != DefaultSystemPrompt {
		t.Fatalf("unexpected system message: %+v", fake.input[0])
	}
	if fake.input[1].Role != schema.User || fake.input[1].Content != "hello" {
		t.Fatalf("unexpected user message: %+v", fake.input[1])
	}
}

func TestCompletionGatewayForwardsLimitedHistory(t *testing.T) {
	fake := &fakeChatModel{reply: "ok"}
	gw, err := NewCompletionGateway(context.Background(), fake, CompletionOptions{HistoryLimit: 2})
	if err != nil {
		t.Fatalf("NewCompletionGateway err: %v", err)
	}

	history := []chat.Message{
		chat.UserMessage("first"),
		chat.AgentMessage("one"),
		chat.UserMessage("second"),
		chat.AgentMessage("two"),
	}
	if _, err := gw.Ask(context.Background(), Request{Question: "third", History: history}); err != nil {
		t.Fatalf("Ask err: %v", err)
	}

	// system + 2 history + user
	if len(fake.input) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(fake.input))
	}
	if fake.input[1].Content != "second" || fake.input[1].Role != schema.User {
		t.Fatalf("unexpected first history message: %+v", fake.input[1])
	}
	if fake.input[2].Content != "two" || fake.input[2].Role != schema.Assistant {
		t.Fatalf("unexpected second history message: %+v", fake.input[2])
	}
}

func TestCompletionGatewayAskWrapsModelError(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("quota exhausted")}
	gw, err := NewCompletionGateway(context.Background(), fake, CompletionOptions{})
	if err != nil {
		t.Fatalf("NewCompletionGateway err: %v", err)
	}

	_, err = gw.Ask(context.Background(), Request{Question: "hello"})
	var agentErr *Error
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if !strings.Contains(err.Error(), "quota exhausted") {
		t.Fatalf("expected error to carry backend message, got %q", err.Error())
	}
}

func TestCompletionGatewayAskStreamEmitsDeltas(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"wor", "ld"}}
	gw, err := NewCompletionGateway(context.Background(), fake, CompletionOptions{Streaming: true})
	if err != nil {
		t.Fatalf("NewCompletionGateway err: %v", err)
	}

	var deltas []string
	answer, err := gw.AskStream(context.Background(), Request{Question: "hello"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("AskStream err: %v", err)
	}
	if answer != "world" {
		t.Fatalf("expected merged answer world, got %q", answer)
	}
	if len(deltas) != 2 || deltas[0] != "wor" || deltas[1] != "ld" {
		t.Fatalf("unexpected deltas: %v", deltas)
	}
}

func TestCompletionGatewayAskStreamWithoutStreamingSendsOneDelta(t *testing.T) {
	fake := &fakeChatModel{reply: "world"}
	gw, err := NewCompletionGateway(context.Background(), fake, CompletionOptions{})
	if err != nil {
		t.Fatalf("NewCompletionGateway err: %v", err)
	}

	var deltas []string
	answer, err := gw.AskStream(context.Background(), Request{Question: "hello"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("AskStream err: %v", err)
	}
	if answer != "world" || len(deltas) != 1 || deltas[0] != "world" {
		t.Fatalf("unexpected result answer=%q deltas=%v", answer, deltas)
	}
}

func TestNewCompletionGatewayRequiresModel(t *testing.T) {
	if _, err := NewCompletionGateway(context.Background(), nil, CompletionOptions{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
