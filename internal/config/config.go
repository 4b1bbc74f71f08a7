// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	CORSOrigins     []string
	DBPath          string
	Session         SessionConfig
	Agent           AgentConfig
	LLM             LLMConfig
	Tools           ToolsConfig
	Timeout         TimeoutConfig
	ConversationLog ConversationLogConfig
}

// SessionConfig controls session lifetime and keepalive.
type SessionConfig struct {
	TTL                 time.Duration
	SweepInterval       time.Duration
	TranscriptRetention time.Duration
	InteractiveTimeout  time.Duration // 0 waits forever
	PingInterval        time.Duration
}

// AgentConfig controls the agent loop.
type AgentConfig struct {
	ToolPreviewChars      int
	MaxToolRounds         int
	HistoryTokenThreshold int
}

// LLMConfig selects the default model provider.
type LLMConfig struct {
	Provider    string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
}

// ToolsConfig selects where tools come from.
type ToolsConfig struct {
	ServiceAddr    string // gRPC tool service, empty disables
	CatalogFile    string // YAML catalog for the tool service
	ComposeEnabled bool
	ComposeProject string
}

// TimeoutConfig holds request-scoped timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Delete      time.Duration
	Shutdown    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8067"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
		DBPath:      getEnv("DB_PATH", "./data/ragops.db"),
		Session: SessionConfig{
			TTL:                 getEnvDuration("SESSION_TTL", 2*time.Hour),
			SweepInterval:       getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
			TranscriptRetention: getEnvDuration("TRANSCRIPT_RETENTION", 7*24*time.Hour),
			InteractiveTimeout:  getEnvDuration("INTERACTIVE_TIMEOUT", 5*time.Minute),
			PingInterval:        getEnvDuration("PING_INTERVAL", 30*time.Second),
		},
		Agent: AgentConfig{
			ToolPreviewChars:      getEnvInt("TOOL_PREVIEW_CHARS", 500),
			MaxToolRounds:         getEnvInt("MAX_TOOL_ROUNDS", 500),
			HistoryTokenThreshold: getEnvInt("HISTORY_TOKEN_THRESHOLD", 150_000),
		},
		LLM: LLMConfig{
			Provider:    getEnv("LLM_PROVIDER", "openai"),
			Model:       getEnv("LLM_MODEL", "gpt-4o-mini"),
			APIKey:      getEnv("LLM_API_KEY", ""),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 4096),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.2),
			MaxRetries:  getEnvInt("LLM_MAX_RETRIES", 2),
		},
		Tools: ToolsConfig{
			ServiceAddr:    getEnv("TOOL_SERVICE_ADDR", ""),
			CatalogFile:    getEnv("TOOLS_FILE", ""),
			ComposeEnabled: getEnvBool("COMPOSE_TOOLS_ENABLED", true),
			ComposeProject: getEnv("COMPOSE_PROJECT", "ragops"),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Delete:      getEnvDuration("DELETE_TIMEOUT", 10*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.LLM.Provider == "" || c.LLM.Model == "" {
		return fmt.Errorf("LLM_PROVIDER and LLM_MODEL cannot be empty")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.Session.TTL < 0 || c.Session.SweepInterval < 0 || c.Session.InteractiveTimeout < 0 {
		return fmt.Errorf("session durations cannot be negative")
	}
	if c.Agent.MaxToolRounds <= 0 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be > 0")
	}
	if c.Agent.ToolPreviewChars <= 0 {
		return fmt.Errorf("TOOL_PREVIEW_CHARS must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
