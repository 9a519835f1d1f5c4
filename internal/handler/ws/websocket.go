package ws

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/agent-chat/backend/internal/middleware"
	"github.com/zhouzirui/agent-chat/backend/internal/service/conversation"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler WebSocket问答处理器
type Handler struct {
	svc          *conversation.Service
	upgrader     websocket.Upgrader
	readTimeout  time.Duration
	pingInterval time.Duration
}

// New 创建WebSocket处理器；allowedOrigins 为空时只接受同源连接，"*" 接受任意来源
func New(svc *conversation.Service, allowedOrigins []string) *Handler {
	h := &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		readTimeout:  readTimeout,
		pingInterval: pingInterval,
	}
	if len(allowedOrigins) > 0 {
		h.upgrader.CheckOrigin = checkOrigin(allowedOrigins)
	}
	return h
}

func checkOrigin(allowedOrigins []string) func(r *http.Request) bool {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	_, wildcard := origins["*"]

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		if _, ok := origins[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type     string `json:"type"`
	Question string `json:"question"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// conn 串行化对同一连接的写操作
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromContext(r.Context())
	if sessionID == "" {
		http.Error(w, "session is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	log.Printf("[websocket] new connection for session: %s", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws}

	// Asks run off the read loop; in-flight asks finish before the connection closes.
	var asks sync.WaitGroup
	defer asks.Wait()

	ws.SetReadDeadline(time.Now().Add(h.readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(h.readTimeout))
		return nil
	})

	go h.pingLoop(ctx, c)

	for {
		var msg inboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}

		ws.SetReadDeadline(time.Now().Add(h.readTimeout))

		if msg.Type == "ask" {
			asks.Add(1)
			go func() {
				defer asks.Done()
				h.handleAsk(r.Context(), c, sessionID, msg.Question)
			}()
			continue
		}
		h.handleMessage(ctx, c, sessionID, msg)
	}
}

func (h *Handler) handleAsk(ctx context.Context, c *conn, sessionID, question string) {
	onDelta := func(delta string) error {
		return c.writeJSON(outgoingMessage{Type: "delta", SessionID: sessionID, Text: delta, Timestamp: time.Now().Unix()})
	}
	reply, err := h.svc.AskStream(ctx, sessionID, question, onDelta)
	if err != nil {
		log.Printf("[websocket] ask failed session=%s: %v", sessionID, err)
		h.sendError(c, sessionID, "failed to record question")
		return
	}
	h.send(c, outgoingMessage{
		Type:      "answer",
		SessionID: sessionID,
		Text:      reply.Answer,
		Outcome:   string(reply.Outcome),
		Timestamp: time.Now().Unix(),
	})
}

func (h *Handler) handleMessage(ctx context.Context, c *conn, sessionID string, msg inboundMessage) {
	switch msg.Type {
	case "clear":
		if err := h.svc.Clear(ctx, sessionID); err != nil {
			h.sendError(c, sessionID, "failed to clear chat")
			return
		}
		h.send(c, outgoingMessage{Type: "cleared", SessionID: sessionID, Timestamp: time.Now().Unix()})
	default:
		h.sendError(c, sessionID, "unsupported message type: "+msg.Type)
	}
}

func (h *Handler) send(c *conn, msg outgoingMessage) {
	if err := c.writeJSON(msg); err != nil {
		log.Printf("[websocket] write %s failed: %v", msg.Type, err)
	}
}

func (h *Handler) sendError(c *conn, sessionID, message string) {
	h.send(c, outgoingMessage{
		Type:      "error",
		SessionID: sessionID,
		Text:      message,
		Timestamp: time.Now().Unix(),
	})
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
