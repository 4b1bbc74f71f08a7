// RAGOps - agentic RAG pipeline assistant server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/ragops-web/internal/agent"
	"github.com/ashureev/ragops-web/internal/api"
	"github.com/ashureev/ragops-web/internal/config"
	"github.com/ashureev/ragops-web/internal/container"
	"github.com/ashureev/ragops-web/internal/identity"
	"github.com/ashureev/ragops-web/internal/middleware"
	"github.com/ashureev/ragops-web/internal/session"
	"github.com/ashureev/ragops-web/internal/store"
	"github.com/ashureev/ragops-web/internal/tools"
	"github.com/ashureev/ragops-web/internal/transport"
	"github.com/ashureev/ragops-web/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	baseTools, closeTools := loadTools(cfg, logger)
	defer closeTools()

	var inspector container.Inspector
	if cfg.Tools.ComposeEnabled {
		docker, err := container.NewDockerInspector()
		if err != nil {
			slog.Warn("Docker unavailable, compose tools disabled", "error", err)
		} else {
			inspector = docker
			slog.Info("Compose tools enabled", "project", cfg.Tools.ComposeProject)
		}
	}

	agentCfg := agent.DefaultConfig()
	agentCfg.MaxToolRounds = cfg.Agent.MaxToolRounds
	agentCfg.HistoryTokenThreshold = cfg.Agent.HistoryTokenThreshold
	agentCfg.PreviewChars = cfg.Agent.ToolPreviewChars

	registry := session.NewRegistry(session.Config{
		NewModel:           modelFactory(cfg, logger),
		Tools:              baseTools,
		Inspector:          inspector,
		ComposeProject:     cfg.Tools.ComposeProject,
		Repo:               repo,
		ConvLog:            conversationLogger,
		Agent:              agentCfg,
		InteractiveTimeout: cfg.Session.InteractiveTimeout,
		DefaultProvider:    cfg.LLM.Provider,
		DefaultModel:       cfg.LLM.Model,
		Logger:             logger,
	})

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(registry, repo, cfg.Timeout.Delete)
	healthHandler := api.NewHealthHandler(repo, registry, cfg.Timeout.HealthCheck)
	wsHandler := transport.NewWebSocketHandler(registry, transport.HandlerConfig{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		PingInterval:  cfg.Session.PingInterval,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		sessionHandler.RegisterRoutes(r)
		r.Get("/ws/sessions/{id}", wsHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.StartSweeper(ctx, session.SweepConfig{
		Interval:  cfg.Session.SweepInterval,
		TTL:       cfg.Session.TTL,
		Retention: cfg.Session.TranscriptRetention,
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Sessions first so their sockets close before Shutdown waits on them.
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// modelFactory builds a gollm-backed client per session. The configured API
// key only applies to the default provider; others read theirs from the
// environment.
func modelFactory(cfg *config.Config, logger *slog.Logger) session.ModelFactory {
	return func(provider, model string) (agent.ModelClient, error) {
		retry := agent.DefaultRetryPolicy()
		retry.MaxRetries = cfg.LLM.MaxRetries

		gc := agent.GollmConfig{
			Provider:    provider,
			Model:       model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Retry:       retry,
		}
		if provider == cfg.LLM.Provider {
			gc.APIKey = cfg.LLM.APIKey
		}
		return agent.NewGollmClient(gc, logger)
	}
}

// loadTools connects the remote tool service, when configured, and returns
// the tool registry every session starts from.
func loadTools(cfg *config.Config, logger *slog.Logger) (*tools.Registry, func()) {
	reg := tools.NewRegistry()
	if cfg.Tools.ServiceAddr == "" {
		slog.Info("Remote tools disabled (TOOL_SERVICE_ADDR not set)")
		return reg, func() {}
	}

	inv, err := tools.NewGrpcInvoker(tools.DefaultGrpcInvokerConfig(cfg.Tools.ServiceAddr), logger)
	if err != nil {
		slog.Warn("Failed to connect to tool service, remote tools disabled", "error", err, "address", cfg.Tools.ServiceAddr)
		return reg, func() {}
	}

	if cfg.Tools.CatalogFile != "" {
		defs, err := tools.LoadCatalog(cfg.Tools.CatalogFile)
		if err != nil {
			slog.Error("Failed to load tool catalog", "error", err, "path", cfg.Tools.CatalogFile)
			os.Exit(1)
		}
		reg.Register(tools.Bind(defs, inv)...)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		remote, err := inv.Tools(ctx)
		cancel()
		if err != nil {
			slog.Warn("Failed to list remote tools", "error", err)
		}
		reg.Register(remote...)
	}
	slog.Info("Remote tools registered", "count", len(reg.Names()), "address", cfg.Tools.ServiceAddr)
	return reg, inv.Close
}
