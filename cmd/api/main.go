package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/agent-chat/backend/internal/config"
	"github.com/zhouzirui/agent-chat/backend/internal/handler"
	chatHandler "github.com/zhouzirui/agent-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/agent-chat/backend/internal/middleware"
	"github.com/zhouzirui/agent-chat/backend/internal/service/agent"
	"github.com/zhouzirui/agent-chat/backend/internal/service/chat"
	"github.com/zhouzirui/agent-chat/backend/internal/service/conversation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, storeCheck, err := openStore(cfg.Session)
	if err != nil {
		log.Fatalf("failed to open transcript store: %v", err)
	}
	defer store.Close()

	var gateway agent.Gateway
	if gw := buildGateway(ctx, cfg); gw != nil {
		gateway = gw
	}

	messages := conversation.DefaultMessages()
	messages.NotInitialized = cfg.Chat.NotInitialized
	messages.InvalidQuestion = cfg.Chat.InvalidQuestion

	svc := conversation.NewService(store, gateway, messages)

	go sweepLoop(ctx, store, cfg.Session.TTL)

	router := handler.NewRouter(svc, handler.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Session: middleware.SessionOptions{
			CookieName: cfg.Session.CookieName,
			MaxAge:     cfg.Session.TTL,
			Secure:     cfg.Session.SecureCookie,
		},
		Page: chatHandler.PageOptions{
			Title:    cfg.Chat.Title,
			Greeting: cfg.Chat.Greeting,
		},
		StoreCheck: storeCheck,
	})

	startServer(ctx, cfg.Server, router)
}

func openStore(cfg config.SessionConfig) (chat.Store, func(context.Context) error, error) {
	if cfg.Store != "sqlite" {
		log.Println("using in-memory transcript store")
		return chat.NewMemoryStore(), nil, nil
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}

	store, err := chat.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("using sqlite transcript store at %s", cfg.DBPath)
	return store, store.Ping, nil
}

// buildGateway 根据配置创建问答后端；凭证缺失时返回 nil，服务以未初始化状态运行。
func buildGateway(ctx context.Context, cfg *config.Config) agent.StreamingGateway {
	var (
		gw  agent.Gateway
		err error
	)

	switch cfg.ResolveBackend() {
	case config.BackendCompletion:
		gw, err = newCompletionGateway(ctx, cfg.AI)
	case config.BackendDataAgent:
		gw, err = agent.NewDataAgentGateway(agent.DataAgentConfig{
			BaseURL:      cfg.DataAgent.URL,
			TenantID:     cfg.DataAgent.TenantID,
			AssistantID:  cfg.DataAgent.AssistantID,
			PollInterval: cfg.DataAgent.PollInterval,
			Tokens:       agent.StaticToken(cfg.DataAgent.Token),
			HTTPClient:   &http.Client{Timeout: cfg.Agent.Timeout},
		})
	default:
		missing := append(cfg.AI.Missing(), cfg.DataAgent.Missing()...)
		log.Printf("warning: no agent backend configured, missing %s", strings.Join(missing, ", "))
		log.Println("continuing without AI functionality")
		return nil
	}

	if err != nil {
		log.Printf("warning: failed to initialize agent backend: %v", err)
		log.Println("continuing without AI functionality")
		return nil
	}

	policy := agent.Policy{
		Timeout:    cfg.Agent.Timeout,
		MaxRetries: cfg.Agent.MaxRetries,
		Backoff:    cfg.Agent.RetryBackoff,
	}
	if cfg.Agent.RateLimit > 0 {
		policy.Limiter = rate.NewLimiter(rate.Limit(cfg.Agent.RateLimit), cfg.Agent.RateBurst)
	}

	log.Printf("agent backend %q initialized successfully", cfg.ResolveBackend())
	return agent.WithPolicy(gw, policy)
}

func newCompletionGateway(ctx context.Context, cfg config.AIConfig) (agent.Gateway, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}
	return agent.NewCompletionGateway(ctx, chatModel, agent.CompletionOptions{
		SystemPrompt: cfg.SystemPrompt,
		HistoryLimit: cfg.HistoryLimit,
		Streaming:    cfg.Stream,
	})
}

// sweepLoop 定期清理长时间未活动的会话
func sweepLoop(ctx context.Context, store chat.Store, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	interval := ttl / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Sweep(ctx, ttl)
			if err != nil {
				log.Printf("[sweep] failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("[sweep] removed %d idle sessions", removed)
			}
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("agent chat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
