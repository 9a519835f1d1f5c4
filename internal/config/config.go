package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Backend 选择问答后端的实现。
type Backend string

const (
	BackendAuto       Backend = ""
	BackendCompletion Backend = "completion"
	BackendDataAgent  Backend = "data-agent"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	DataAgent DataAgentConfig
	Agent     AgentConfig
	Session   SessionConfig
	Chat      ChatConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	dataAgent, err := loadDataAgentConfig()
	if err != nil {
		return nil, err
	}

	agent, err := loadAgentConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		DataAgent: dataAgent,
		Agent:     agent,
		Session:   session,
		Chat:      loadChatConfig(),
	}, nil
}

// ResolveBackend 返回实际使用的后端；自动模式下优先使用已配置的推理端点。
func (c *Config) ResolveBackend() Backend {
	switch c.Agent.Backend {
	case BackendCompletion, BackendDataAgent:
		return c.Agent.Backend
	}
	if c.AI.Enabled() {
		return BackendCompletion
	}
	if c.DataAgent.Enabled() {
		return BackendDataAgent
	}
	return BackendAuto
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := parseListEnv("CORS_ALLOWED_ORIGINS")

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// AIConfig 描述托管推理端点（大模型）相关配置。
type AIConfig struct {
	Endpoint     string
	Deployment   string
	APIKey       string
	AccessKey    string
	SecretKey    string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	SystemPrompt string
	HistoryLimit int
	Stream       bool
}

// Enabled 表示是否提供了必需的端点、部署名与密钥。只校验是否存在，不校验格式。
func (c AIConfig) Enabled() bool {
	return c.Endpoint != "" && c.Deployment != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// Missing 列出缺失的必填环境变量，用于启动时的告警日志。
func (c AIConfig) Missing() []string {
	var missing []string
	if c.Endpoint == "" {
		missing = append(missing, "PROJECT_ENDPOINT")
	}
	if c.Deployment == "" {
		missing = append(missing, "MODEL_DEPLOYMENT_NAME")
	}
	if c.APIKey == "" && (c.AccessKey == "" || c.SecretKey == "") {
		missing = append(missing, "ARK_API_KEY")
	}
	return missing
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("inference endpoint not configured, missing %s", strings.Join(c.Missing(), ", "))
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.Endpoint,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Deployment,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	if temperature == nil {
		val := 0.7
		temperature = &val
	}

	topP, err := parseOptionalFloatEnv("AI_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}
	if maxTokens == nil {
		val := 500
		maxTokens = &val
	}

	historyLimit := 0
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		historyLimit = *override
	}

	stream, err := parseBoolEnv("AI_STREAM", false)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Endpoint:     strings.TrimSpace(os.Getenv("PROJECT_ENDPOINT")),
		Deployment:   strings.TrimSpace(os.Getenv("MODEL_DEPLOYMENT_NAME")),
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		SystemPrompt: getEnvOrDefault("AI_SYSTEM_PROMPT", "You are a helpful assistant."),
		HistoryLimit: historyLimit,
		Stream:       stream,
	}, nil
}

// DataAgentConfig 描述托管数据智能体的连接信息。令牌的获取由外部完成。
type DataAgentConfig struct {
	URL          string
	TenantID     string
	Token        string
	AssistantID  string
	PollInterval time.Duration
}

// Enabled 表示数据智能体的地址、租户与令牌是否齐全。
func (c DataAgentConfig) Enabled() bool {
	return c.URL != "" && c.TenantID != "" && c.Token != ""
}

// Missing 列出缺失的必填环境变量。
func (c DataAgentConfig) Missing() []string {
	var missing []string
	if c.URL == "" {
		missing = append(missing, "DATA_AGENT_URL")
	}
	if c.TenantID == "" {
		missing = append(missing, "TENANT_ID")
	}
	if c.Token == "" {
		missing = append(missing, "DATA_AGENT_TOKEN")
	}
	return missing
}

func loadDataAgentConfig() (DataAgentConfig, error) {
	pollInterval, err := parseDurationEnv("DATA_AGENT_POLL_INTERVAL", time.Second)
	if err != nil {
		return DataAgentConfig{}, err
	}

	return DataAgentConfig{
		URL:          strings.TrimSpace(os.Getenv("DATA_AGENT_URL")),
		TenantID:     strings.TrimSpace(os.Getenv("TENANT_ID")),
		Token:        strings.TrimSpace(os.Getenv("DATA_AGENT_TOKEN")),
		AssistantID:  getEnvOrDefault("DATA_AGENT_ASSISTANT_ID", "data-agent"),
		PollInterval: pollInterval,
	}, nil
}

// AgentConfig 控制后端调用的超时、重试与限流。
type AgentConfig struct {
	Backend      Backend
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	RateLimit    float64
	RateBurst    int
}

func loadAgentConfig() (AgentConfig, error) {
	backend := Backend(strings.ToLower(strings.TrimSpace(os.Getenv("AGENT_BACKEND"))))
	switch backend {
	case BackendAuto, BackendCompletion, BackendDataAgent:
	default:
		return AgentConfig{}, fmt.Errorf("invalid AGENT_BACKEND value %q: want %q or %q", backend, BackendCompletion, BackendDataAgent)
	}

	timeout, err := parseDurationEnv("AGENT_TIMEOUT", 60*time.Second)
	if err != nil {
		return AgentConfig{}, err
	}

	backoff, err := parseDurationEnv("AGENT_RETRY_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return AgentConfig{}, err
	}

	maxRetries := 2
	if override, err := parseOptionalIntEnv("AGENT_MAX_RETRIES"); err != nil {
		return AgentConfig{}, err
	} else if override != nil {
		if *override < 0 {
			return AgentConfig{}, fmt.Errorf("invalid AGENT_MAX_RETRIES value %d: must be >= 0", *override)
		}
		maxRetries = *override
	}

	rateLimit := 0.0
	if override, err := parseOptionalFloatEnv("AGENT_RATE_LIMIT"); err != nil {
		return AgentConfig{}, err
	} else if override != nil {
		rateLimit = *override
	}

	burst := 1
	if override, err := parseOptionalIntEnv("AGENT_RATE_BURST"); err != nil {
		return AgentConfig{}, err
	} else if override != nil && *override > 0 {
		burst = *override
	}

	return AgentConfig{
		Backend:      backend,
		Timeout:      timeout,
		MaxRetries:   maxRetries,
		RetryBackoff: backoff,
		RateLimit:    rateLimit,
		RateBurst:    burst,
	}, nil
}

// SessionConfig 描述会话 Cookie 与存储后端。
type SessionConfig struct {
	Store        string
	DBPath       string
	CookieName   string
	TTL          time.Duration
	SecureCookie bool
}

func loadSessionConfig() (SessionConfig, error) {
	store := strings.ToLower(getEnvOrDefault("SESSION_STORE", "memory"))
	if store != "memory" && store != "sqlite" {
		return SessionConfig{}, fmt.Errorf("invalid SESSION_STORE value %q: want memory or sqlite", store)
	}

	ttl, err := parseDurationEnv("SESSION_TTL", 24*time.Hour)
	if err != nil {
		return SessionConfig{}, err
	}

	secure, err := parseBoolEnv("SESSION_SECURE_COOKIE", false)
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{
		Store:        store,
		DBPath:       getEnvOrDefault("SESSION_DB_PATH", "./data/chat.db"),
		CookieName:   getEnvOrDefault("SESSION_COOKIE_NAME", "chat_session"),
		TTL:          ttl,
		SecureCookie: secure,
	}, nil
}

// ChatConfig 保存展示给用户的固定文案。
type ChatConfig struct {
	Title           string
	Greeting        string
	NotInitialized  string
	InvalidQuestion string
}

func loadChatConfig() ChatConfig {
	return ChatConfig{
		Title:           getEnvOrDefault("CHAT_TITLE", "Agent Chat"),
		Greeting:        getEnvOrDefault("CHAT_GREETING", "Hello! I'm your AI assistant. Ask me something to begin."),
		NotInitialized:  getEnvOrDefault("CHAT_NOT_INITIALIZED_MESSAGE", "AI client is not initialized. Please restart the app."),
		InvalidQuestion: getEnvOrDefault("CHAT_INVALID_QUESTION_MESSAGE", "Please provide a valid question."),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}

	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
