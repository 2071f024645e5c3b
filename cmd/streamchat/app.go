package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"StreamChat/internal/backend"
	"StreamChat/internal/chatbot"
	"StreamChat/internal/config"
	"StreamChat/internal/generation"
	"StreamChat/internal/identity"
	"StreamChat/internal/session"
	"StreamChat/internal/sessionstore"
	"StreamChat/internal/store"
	"StreamChat/internal/telemetry"
	"StreamChat/internal/timeline"
)

// app holds the wired services of one process
type app struct {
	logger     *slog.Logger
	records    store.Store
	identity   identity.Provider
	sessions   *sessionstore.Store
	controller *generation.Controller
	bot        *chatbot.ChatBot
	closers    []func() error
}

func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if f.model != "" {
		cfg.DefaultModel = f.model
	}
	if f.storeKind != "" {
		cfg.Store.Driver = f.storeKind
	}
	if f.storePath != "" {
		if cfg.Store.Driver == config.StorePostgres {
			cfg.Store.URL = f.storePath
		} else {
			cfg.Store.Path = f.storePath
		}
	}
	if f.identityID != "" {
		cfg.Identity.File = ""
		cfg.Identity.ID = f.identityID
	}
	if f.debug {
		cfg.Debug = true
	}

	// an ollama setup starts on the configured local model
	if cfg.Backend == config.BackendOllama && cfg.DefaultModel == config.DefaultModel {
		cfg.DefaultModel = cfg.Ollama.Model
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, f flags) (a *app, err error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}

	a = &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, closeLog)
	logger.Debug("debug mode enabled")

	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir, version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { shutdown(); return nil })

	records, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	a.records = records
	a.closers = append(a.closers, records.Close)
	logger.Info("opened record store", "driver", cfg.Store.Driver)

	ident, err := openIdentity(cfg.Identity, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	a.identity = ident
	if c, ok := ident.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	router, err := newRouter(cfg, logger, tracer, meter)
	if err != nil {
		return nil, err
	}

	tl := timeline.New(records, logger)
	sessions := sessionstore.New(records, tl, ident, logger)
	tl.SetTitleWriter(sessions)
	a.sessions = sessions

	controller, err := generation.New(sessions, tl, router, ident, generation.Options{
		SystemPrompt: config.SystemPrompt,
		ErrorText:    config.GenerationErrorText,
		DefaultModel: cfg.DefaultModel,
		Logger:       logger,
		Tracer:       tracer,
		Meter:        meter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create generation controller: %w", err)
	}
	a.controller = controller

	if err := sessions.Refresh(ctx); err != nil {
		if !errors.Is(err, session.ErrUnauthenticated) {
			return nil, fmt.Errorf("failed to load sessions: %w", err)
		}
		logger.Warn("no identity configured, sign in to start chatting")
	}

	a.bot = chatbot.NewChatBot(controller, sessions, tl, router, chatbot.Options{
		Logger:      logger,
		HistoryFile: filepath.Join(cfg.LogDir, "input_history"),
	})
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		return store.OpenPostgres(ctx, cfg.URL)
	case config.StoreMemory:
		return store.NewMemory(), nil
	default:
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return store.OpenSQLite(cfg.Path)
	}
}

func openIdentity(cfg config.IdentityConfig, logger *slog.Logger) (identity.Provider, error) {
	if cfg.File != "" {
		return identity.NewFile(cfg.File, logger)
	}
	if cfg.ID == "" {
		return identity.NewStatic(nil), nil
	}
	return identity.NewStatic(&identity.Identity{
		ID:          cfg.ID,
		DisplayName: cfg.DisplayName,
		Email:       cfg.Email,
	}), nil
}

// newRouter registers every backend, each wrapped with tracing and metrics
func newRouter(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*backend.Router, error) {
	httpClient := backend.NewStreamingHTTPClient(cfg.RequestTimeout)

	ollama := backend.NewOllama(cfg.Ollama.URL, cfg.MaxTokens, httpClient)
	router := backend.NewRouter(cfg.Backend, ollama, cfg.ModelCacheTTL, logger)

	clients := map[string]backend.Client{
		backend.NameOllama:    ollama,
		backend.NameOpenAI:    backend.NewOpenAI(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.MaxTokens, httpClient),
		backend.NameGrok:      backend.NewGrok(cfg.Grok.BaseURL, cfg.Grok.APIKey, cfg.MaxTokens, httpClient),
		backend.NameAnthropic: backend.NewAnthropic(cfg.Anthropic.BaseURL, cfg.Anthropic.APIKey, cfg.MaxTokens, httpClient),
	}
	if cfg.Gateway.URL != "" {
		gw, err := backend.NewGateway(cfg.Gateway.URL, cfg.MaxTokens, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure gateway: %w", err)
		}
		clients[backend.NameGateway] = gw
	}

	for name, client := range clients {
		instrumented, err := backend.NewInstrumented(name, client, tracer, meter)
		if err != nil {
			return nil, fmt.Errorf("failed to instrument %s backend: %w", name, err)
		}
		router.Register(name, instrumented)
	}
	return router, nil
}

// close stops running generations and releases resources in reverse order
func (a *app) close() {
	if a.controller != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.controller.Shutdown(ctx); err != nil {
			a.logger.Warn("generations still running at exit", "error", err)
		}
		cancel()
	}
	if a.bot != nil {
		a.bot.Close()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
