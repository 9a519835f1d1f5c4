package handler

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/agent-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/agent-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/agent-chat/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/agent-chat/backend/internal/middleware"
	"github.com/zhouzirui/agent-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/agent-chat/backend/pkg/utils"
)

// RouterOptions carries the HTTP-facing settings of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Session        middlewarePkg.SessionOptions
	Page           chat.PageOptions
	// StoreCheck reports whether the transcript store is reachable. Optional.
	StoreCheck func(ctx context.Context) error
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc *conversation.Service, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.AllowedOrigins))

	r.Get("/healthz", handleHealth(svc, opts.StoreCheck))

	r.Group(func(r chi.Router) {
		r.Use(middlewarePkg.Session(opts.Session))

		chat.New(svc, opts.Page).RegisterRoutes(r)
		stream.New(svc).RegisterRoutes(r)
		ws.New(svc, opts.AllowedOrigins).RegisterRoutes(r)
	})

	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	Gateway bool   `json:"gateway"`
	Store   string `json:"store,omitempty"`
}

func handleHealth(svc *conversation.Service, storeCheck func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Gateway: svc.GatewayReady()}
		status := http.StatusOK

		if storeCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := storeCheck(ctx); err != nil {
				log.Printf("[health] store check failed: %v", err)
				resp.Status = "degraded"
				resp.Store = "unavailable"
				status = http.StatusServiceUnavailable
			} else {
				resp.Store = "ok"
			}
		}

		utils.RespondJSON(w, status, resp)
	}
}
