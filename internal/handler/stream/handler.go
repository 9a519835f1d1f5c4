package stream

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/agent-chat/backend/internal/middleware"
	"github.com/zhouzirui/agent-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/agent-chat/backend/pkg/utils"
)

// Handler streams agent replies via Server-Sent Events
type Handler struct {
	svc *conversation.Service
}

// New creates a new stream handler
func New(svc *conversation.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册流式问答路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ask/stream", h.handleStream)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := middleware.SessionIDFromContext(r.Context())
	question := r.URL.Query().Get("question")

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := utils.SendSSEEvent(w, flusher, "start", StreamResponse{SessionID: sessionID}); err != nil {
		log.Printf("[stream] client gone before start session=%s: %v", sessionID, err)
		return
	}

	onDelta := func(delta string) error {
		return utils.SendSSEEvent(w, flusher, "delta", StreamResponse{SessionID: sessionID, Content: delta})
	}

	reply, err := h.svc.AskStream(r.Context(), sessionID, question, onDelta)
	if err != nil {
		log.Printf("[stream] ask failed session=%s: %v", sessionID, err)
		_ = utils.SendSSEEvent(w, flusher, "error", StreamResponse{SessionID: sessionID, Error: "failed to record question"})
		return
	}

	_ = utils.SendSSEEvent(w, flusher, "message", StreamResponse{
		SessionID: sessionID,
		Content:   reply.Answer,
		Outcome:   string(reply.Outcome),
	})
	_ = utils.SendSSEEvent(w, flusher, "end", StreamResponse{SessionID: sessionID, Finished: true})

	log.Printf("[stream] completed response for session=%s outcome=%s", sessionID, reply.Outcome)
}
