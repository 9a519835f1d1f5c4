// Package conversation implements the ask/clear exchange of a chat session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/zhouzirui/agent-chat/backend/internal/model/chat"
	"github.com/zhouzirui/agent-chat/backend/internal/service/agent"
	chatservice "github.com/zhouzirui/agent-chat/backend/internal/service/chat"
)

// Messages holds the fixed texts shown to users when no backend answer exists.
type Messages struct {
	InvalidQuestion string
	NotInitialized  string
	ErrorPrefix     string
}

// DefaultMessages returns the stock user-facing texts.
func DefaultMessages() Messages {
	return Messages{
		InvalidQuestion: "Please provide a valid question.",
		NotInitialized:  "AI client is not initialized. Please restart the app.",
		ErrorPrefix:     "Error: ",
	}
}

// Outcome describes how a reply was produced.
type Outcome string

const (
	OutcomeAnswered       Outcome = "answered"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeNotInitialized Outcome = "not_initialized"
	OutcomeFailed         Outcome = "failed"
)

// Reply is the answer returned to the browser.
type Reply struct {
	Answer  string
	Outcome Outcome
}

// Service appends question/answer pairs to session transcripts.
//
// Each session handles one question at a time: a second question from
// another tab waits until the first reply has been stored.
type Service struct {
	store    chatservice.Store
	gateway  agent.Gateway
	messages Messages

	mu    sync.Mutex
	turns map[string]*turn
}

// turn serialises questions of one session. refs counts holders and waiters
// so the entry can be dropped once nobody uses it.
type turn struct {
	slot chan struct{}
	refs int
}

// NewService wires the store and gateway. gateway may be nil when no backend
// could be initialized; questions are then answered with Messages.NotInitialized.
func NewService(store chatservice.Store, gateway agent.Gateway, messages Messages) *Service {
	defaults := DefaultMessages()
	if messages.InvalidQuestion == "" {
		messages.InvalidQuestion = defaults.InvalidQuestion
	}
	if messages.NotInitialized == "" {
		messages.NotInitialized = defaults.NotInitialized
	}
	if messages.ErrorPrefix == "" {
		messages.ErrorPrefix = defaults.ErrorPrefix
	}

	return &Service{
		store:    store,
		gateway:  gateway,
		messages: messages,
		turns:    make(map[string]*turn),
	}
}

// GatewayReady reports whether a backend gateway is configured.
func (s *Service) GatewayReady() bool {
	return s.gateway != nil
}

// Ensure registers the session on first visit.
func (s *Service) Ensure(ctx context.Context, sessionID string) (chat.Session, error) {
	return s.store.Ensure(ctx, sessionID)
}

// Transcript returns the session's messages.
func (s *Service) Transcript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	return s.store.Transcript(ctx, sessionID)
}

// Ask forwards question to the gateway and records the exchange.
//
// Backend failures never surface as errors: they become the agent's reply,
// prefixed with Messages.ErrorPrefix. The returned error is reserved for
// failures of the transcript store or a cancelled context.
func (s *Service) Ask(ctx context.Context, sessionID, question string) (Reply, error) {
	return s.exchange(ctx, sessionID, question, nil)
}

// AskStream behaves like Ask but forwards partial answers to onDelta while
// the backend is still producing them.
func (s *Service) AskStream(ctx context.Context, sessionID, question string, onDelta func(string) error) (Reply, error) {
	return s.exchange(ctx, sessionID, question, onDelta)
}

// Clear discards the session's transcript.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	if err := s.store.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	log.Printf("[chat] cleared transcript session=%s", sessionID)
	return nil
}

// Busy reports whether the session is awaiting a backend reply.
func (s *Service) Busy(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[sessionID]
	return ok && len(t.slot) > 0
}

func (s *Service) exchange(ctx context.Context, sessionID, question string, onDelta func(string) error) (Reply, error) {
	if sessionID == "" {
		return Reply{}, chatservice.ErrSessionRequired
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return Reply{Answer: s.messages.InvalidQuestion, Outcome: OutcomeInvalid}, nil
	}

	release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return Reply{}, err
	}
	defer release()

	reply := s.resolve(ctx, sessionID, question, onDelta)

	// The exchange is recorded even if the client went away mid-request.
	if err := s.store.AppendExchange(context.WithoutCancel(ctx), sessionID, chat.UserMessage(question), chat.AgentMessage(reply.Answer)); err != nil {
		return Reply{}, fmt.Errorf("append exchange: %w", err)
	}
	return reply, nil
}

func (s *Service) resolve(ctx context.Context, sessionID, question string, onDelta func(string) error) Reply {
	if s.gateway == nil {
		log.Printf("[chat] gateway not initialized, session=%s", sessionID)
		s.emit(onDelta, s.messages.NotInitialized)
		return Reply{Answer: s.messages.NotInitialized, Outcome: OutcomeNotInitialized}
	}

	history, err := s.store.Transcript(ctx, sessionID)
	if err != nil {
		log.Printf("[chat] failed to load history session=%s: %v", sessionID, err)
		history = nil
	}

	req := agent.Request{SessionID: sessionID, Question: question, History: history}

	var answer string
	if streamer, ok := s.gateway.(agent.StreamingGateway); ok && onDelta != nil {
		answer, err = streamer.AskStream(ctx, req, onDelta)
	} else {
		answer, err = s.gateway.Ask(ctx, req)
		if err == nil {
			s.emit(onDelta, answer)
		}
	}

	if err != nil {
		log.Printf("[chat] backend error session=%s: %v", sessionID, err)
		return Reply{Answer: s.describe(err), Outcome: OutcomeFailed}
	}
	return Reply{Answer: answer, Outcome: OutcomeAnswered}
}

func (s *Service) describe(err error) string {
	if errors.Is(err, agent.ErrNotInitialized) {
		return s.messages.NotInitialized
	}
	return s.messages.ErrorPrefix + err.Error()
}

func (s *Service) emit(onDelta func(string) error, text string) {
	if onDelta == nil {
		return
	}
	if err := onDelta(text); err != nil {
		log.Printf("[chat] failed to forward reply: %v", err)
	}
}

// acquire moves the session from idle to awaiting-reply, waiting for any
// in-flight question of the same session to finish first.
func (s *Service) acquire(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	t, ok := s.turns[sessionID]
	if !ok {
		t = &turn{slot: make(chan struct{}, 1)}
		s.turns[sessionID] = t
	}
	t.refs++
	s.mu.Unlock()

	select {
	case t.slot <- struct{}{}:
	case <-ctx.Done():
		s.unref(sessionID, t)
		return nil, ctx.Err()
	}

	return func() {
		<-t.slot
		s.unref(sessionID, t)
	}, nil
}

func (s *Service) unref(sessionID string, t *turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.refs--
	if t.refs == 0 {
		delete(s.turns, sessionID)
	}
}
