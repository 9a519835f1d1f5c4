package chat

import (
	"embed"
	"html/template"
	"log"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/agent-chat/backend/internal/middleware"
	"github.com/zhouzirui/agent-chat/backend/internal/model/chat"
	"github.com/zhouzirui/agent-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/agent-chat/backend/pkg/utils"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// PageOptions 页面上展示的文案
type PageOptions struct {
	Title    string
	Greeting string
}

// Handler 聊天页面与问答接口的HTTP处理器
type Handler struct {
	svc  *conversation.Service
	page PageOptions
}

// New 创建聊天处理器
func New(svc *conversation.Service, page PageOptions) *Handler {
	if page.Title == "" {
		page.Title = "Agent Chat"
	}
	if page.Greeting == "" {
		page.Greeting = "Hello! Ask me something to begin."
	}
	return &Handler{svc: svc, page: page}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Post("/", h.handleFormAsk)
	r.Post("/ask", h.handleAsk)
	r.Post("/clear", h.handleClear)
	r.Get("/api/transcript", h.handleTranscript)
}

type indexData struct {
	Title    string
	Greeting string
	Messages []chat.Message
}

// handleIndex 渲染当前会话的聊天记录
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromContext(r.Context())

	if _, err := h.svc.Ensure(r.Context(), sessionID); err != nil {
		log.Printf("[chat] ensure session failed: %v", err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	messages, err := h.svc.Transcript(r.Context(), sessionID)
	if err != nil {
		log.Printf("[chat] load transcript failed: %v", err)
		http.Error(w, "transcript unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, indexData{
		Title:    h.page.Title,
		Greeting: h.page.Greeting,
		Messages: messages,
	}); err != nil {
		log.Printf("[chat] render page failed: %v", err)
	}
}

// handleFormAsk 同步表单提交：记录问答后重定向回首页
func (h *Handler) handleFormAsk(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	sessionID := middleware.SessionIDFromContext(r.Context())
	if _, err := h.svc.Ask(r.Context(), sessionID, r.PostFormValue("question")); err != nil {
		log.Printf("[chat] form ask failed session=%s: %v", sessionID, err)
		http.Error(w, "failed to record question", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// handleAsk 异步问答接口：{question} -> {answer}
func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var payload askRequest

	if isFormRequest(r) {
		if err := parseForm(r); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		payload.Question = r.PostFormValue("question")
	} else if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := middleware.SessionIDFromContext(r.Context())
	reply, err := h.svc.Ask(r.Context(), sessionID, payload.Question)
	if err != nil {
		log.Printf("[chat] ask failed session=%s: %v", sessionID, err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to record question")
		return
	}

	utils.RespondJSON(w, http.StatusOK, askResponse{Answer: reply.Answer})
}

// handleClear 清空聊天记录并重定向回首页
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromContext(r.Context())
	if err := h.svc.Clear(r.Context(), sessionID); err != nil {
		log.Printf("[chat] clear failed session=%s: %v", sessionID, err)
		http.Error(w, "failed to clear chat", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type transcriptResponse struct {
	SessionID string         `json:"sessionId"`
	Messages  []chat.Message `json:"messages"`
	Busy      bool           `json:"busy"`
}

// handleTranscript 以JSON形式返回聊天记录
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromContext(r.Context())
	messages, err := h.svc.Transcript(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "transcript unavailable")
		return
	}

	utils.RespondJSON(w, http.StatusOK, transcriptResponse{
		SessionID: sessionID,
		Messages:  messages,
		Busy:      h.svc.Busy(sessionID),
	})
}

const maxFormMemory = 1 << 20

func isFormRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data"
}

// parseForm 同时支持 urlencoded 与 multipart 表单
func parseForm(r *http.Request) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return r.ParseMultipartForm(maxFormMemory)
	}
	return r.ParseForm()
}
