package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/agent-chat/backend/internal/middleware"
	"github.com/zhouzirui/agent-chat/backend/internal/service/agent"
	chatservice "github.com/zhouzirui/agent-chat/backend/internal/service/chat"
	"github.com/zhouzirui/agent-chat/backend/internal/service/conversation"
)

const testSession = "0b8f4d3e-2c71-4f0a-8b39-5d6e7f8a9b0c"

type chunkedGateway struct {
	chunks []string
}

func (g chunkedGateway) Ask(context.Context, agent.Request) (string, error) {
	return strings.Join(g.chunks, ""), nil
}

func (g chunkedGateway) AskStream(_ context.Context, _ agent.Request, onDelta func(string) error) (string, error) {
	for _, c := range g.chunks {
		if err := onDelta(c); err != nil {
			return "", err
		}
	}
	return strings.Join(g.chunks, ""), nil
}

type sseEvent struct {
	name string
	data StreamResponse
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()

	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data); err != nil {
				t.Fatalf("decode event data: %v", err)
			}
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	return events
}

func setup(gw agent.Gateway) (*chi.Mux, *conversation.Service) {
	svc := conversation.NewService(chatservice.NewMemoryStore(), gw, conversation.DefaultMessages())
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(middleware.WithSessionID(req.Context(), testSession)))
		})
	})
	New(svc).RegisterRoutes(r)
	return r, svc
}

func TestStreamEmitsDeltasThenMessage(t *testing.T) {
	r, svc := setup(chunkedGateway{chunks: []string{"wor", "ld"}})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ask/stream?question=hello", nil))

	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := parseEvents(t, resp.Body.String())
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.name)
	}
	want := []string{"start", "delta", "delta", "message", "end"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, names)
	}
	if events[3].data.Content != "world" {
		t.Fatalf("unexpected final content %q", events[3].data.Content)
	}
	if events[3].data.Outcome != string(conversation.OutcomeAnswered) {
		t.Fatalf("unexpected outcome %q", events[3].data.Outcome)
	}

	messages, _ := svc.Transcript(context.Background(), testSession)
	if len(messages) != 2 || messages[1].Text != "world" {
		t.Fatalf("unexpected transcript %+v", messages)
	}
}

func TestStreamEmptyQuestion(t *testing.T) {
	r, svc := setup(chunkedGateway{chunks: []string{"unused"}})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ask/stream", nil))

	events := parseEvents(t, resp.Body.String())
	if len(events) != 3 || events[1].name != "message" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[1].data.Content != conversation.DefaultMessages().InvalidQuestion {
		t.Fatalf("unexpected content %q", events[1].data.Content)
	}

	messages, _ := svc.Transcript(context.Background(), testSession)
	if len(messages) != 0 {
		t.Fatalf("expected empty transcript, got %d", len(messages))
	}
}
