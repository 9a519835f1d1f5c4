package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// TokenSource supplies bearer tokens for the data agent. Acquiring the token
// (managed identity, browser login, ...) happens outside this package.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", errors.New("no access token configured")
	}
	return string(t), nil
}

// DataAgentConfig describes how to reach a managed data agent.
type DataAgentConfig struct {
	BaseURL      string
	TenantID     string
	AssistantID  string
	PollInterval time.Duration
	Tokens       TokenSource
	HTTPClient   *http.Client
}

// DataAgentGateway asks questions through the data agent's thread/run API:
// a fresh thread per question, one run, then the last assistant message.
type DataAgentGateway struct {
	baseURL      string
	tenantID     string
	assistantID  string
	pollInterval time.Duration
	tokens       TokenSource
	client       *http.Client
}

// NewDataAgentGateway validates cfg and returns a gateway.
func NewDataAgentGateway(cfg DataAgentConfig) (*DataAgentGateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("data agent url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid data agent url %q: %w", baseURL, err)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("data agent token source is required")
	}

	assistantID := cfg.AssistantID
	if assistantID == "" {
		assistantID = "data-agent"
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &DataAgentGateway{
		baseURL:      baseURL,
		tenantID:     cfg.TenantID,
		assistantID:  assistantID,
		pollInterval: pollInterval,
		tokens:       cfg.Tokens,
		client:       client,
	}, nil
}

type threadResponse struct {
	ID string `json:"id"`
}

type runResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error,omitempty"`
}

type threadMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type messageList struct {
	Data []threadMessage `json:"data"`
}

type contentPart struct {
	Type string `json:"type"`
	Text struct {
		Value string `json:"value"`
	} `json:"text"`
}

// Ask creates a thread, runs the agent on the question and returns its answer.
func (g *DataAgentGateway) Ask(ctx context.Context, req Request) (string, error) {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return "", &Error{Kind: KindAuth, Op: "acquire token", Err: err}
	}

	var thread threadResponse
	if err := g.doJSON(ctx, token, http.MethodPost, "/threads", map[string]any{}, &thread); err != nil {
		return "", err
	}
	if thread.ID == "" {
		return "", &Error{Kind: KindProtocol, Op: "create thread", Err: errors.New("missing thread id")}
	}
	defer g.deleteThread(token, thread.ID)

	threadPath := "/threads/" + url.PathEscape(thread.ID)
	if err := g.doJSON(ctx, token, http.MethodPost, threadPath+"/messages", map[string]any{
		"role":    "user",
		"content": req.Question,
	}, nil); err != nil {
		return "", err
	}

	var run runResponse
	if err := g.doJSON(ctx, token, http.MethodPost, threadPath+"/runs", map[string]any{
		"assistant_id": g.assistantID,
	}, &run); err != nil {
		return "", err
	}
	if run.ID == "" {
		return "", &Error{Kind: KindProtocol, Op: "create run", Err: errors.New("missing run id")}
	}

	if err := g.waitForRun(ctx, token, threadPath, &run); err != nil {
		return "", err
	}

	var messages messageList
	if err := g.doJSON(ctx, token, http.MethodGet, threadPath+"/messages?order=asc", nil, &messages); err != nil {
		return "", err
	}

	answer, err := lastAssistantText(messages.Data)
	if err != nil {
		return "", err
	}

	log.Printf("[agent] data agent answered session=%s run=%s length=%d", req.SessionID, run.ID, len(answer))
	return answer, nil
}

func (g *DataAgentGateway) waitForRun(ctx context.Context, token, threadPath string, run *runResponse) error {
	limiter := rate.NewLimiter(rate.Every(g.pollInterval), 1)
	runPath := threadPath + "/runs/" + url.PathEscape(run.ID)

	for {
		switch run.Status {
		case "completed":
			return nil
		case "failed", "cancelled", "expired", "incomplete":
			detail := run.Status
			if run.LastError != nil && run.LastError.Message != "" {
				detail = fmt.Sprintf("%s (%s: %s)", run.Status, run.LastError.Code, run.LastError.Message)
			}
			return &Error{Kind: KindService, Op: "run agent", Err: fmt.Errorf("run %s", detail)}
		case "requires_action":
			return &Error{Kind: KindProtocol, Op: "run agent", Err: errors.New("run requires client action, which is not supported")}
		}

		if err := limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return classify("poll run", ctxErr)
			}
			return &Error{Kind: KindTimeout, Op: "poll run", Err: err}
		}

		var next runResponse
		if err := g.doJSON(ctx, token, http.MethodGet, runPath, nil, &next); err != nil {
			return err
		}
		if next.ID == "" {
			next.ID = run.ID
		}
		*run = next
	}
}

func lastAssistantText(messages []threadMessage) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}

		raw := messages[i].Content
		var parts []contentPart
		if err := json.Unmarshal(raw, &parts); err == nil && len(parts) > 0 && parts[0].Type == "text" {
			return parts[0].Text.Value, nil
		}

		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			return text, nil
		}
		return string(raw), nil
	}
	return "", &Error{Kind: KindProtocol, Op: "read answer", Err: errors.New("no assistant response found")}
}

func (g *DataAgentGateway) deleteThread(token, threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.doJSON(ctx, token, http.MethodDelete, "/threads/"+url.PathEscape(threadID), nil, nil); err != nil {
		log.Printf("[agent] failed to delete thread %s: %v", threadID, err)
	}
}

func (g *DataAgentGateway) doJSON(ctx context.Context, token, method, path string, body any, out any) error {
	op := strings.ToLower(method) + " " + strings.SplitN(path, "?", 2)[0]

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if g.tenantID != "" {
		httpReq.Header.Set("X-Tenant-ID", g.tenantID)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return classify(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, errorDetail(data))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// errorDetail pulls a readable message out of an error response body.
func errorDetail(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
