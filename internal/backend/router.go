package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"StreamChat/internal/cache"
	"StreamChat/internal/session"
)

// Backend names used for routing
const (
	NameOllama    = "ollama"
	NameOpenAI    = "openai"
	NameGrok      = "grok"
	NameAnthropic = "anthropic"
	NameGateway   = "gateway"
)

// Model describes a selectable model
type Model struct {
	ID          string
	Name        string
	Description string
	Backend     string
}

// BuiltinModels is the catalog offered without querying any backend.
// The first entry is the default.
var BuiltinModels = []Model{
	{ID: "gpt-4", Name: "GPT-4", Description: "Most capable model, best for complex tasks", Backend: NameOpenAI},
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Description: "Fast and efficient, good for most tasks", Backend: NameOpenAI},
	{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Description: "Latest GPT-4 with improved performance", Backend: NameOpenAI},
	{ID: "claude-3-5-sonnet-latest", Name: "Claude 3.5 Sonnet", Description: "Anthropic's balanced model", Backend: NameAnthropic},
	{ID: "grok-2-latest", Name: "Grok 2", Description: "x.ai flagship model", Backend: NameGrok},
}

// ModelLister lists models installed on a backend
type ModelLister interface {
	ListModels(ctx context.Context) ([]OllamaModel, error)
}

// Router dispatches completions to registered backends by model ID
type Router struct {
	mu       sync.RWMutex
	clients  map[string]Client
	fallback string
	lister   ModelLister
	local    *cache.TTL[[]Model]
	logger   *slog.Logger
}

// NewRouter creates a router that falls back to the fallback backend for
// model IDs no rule matches. lister may be nil.
func NewRouter(fallback string, lister ModelLister, cacheTTL time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		clients:  make(map[string]Client),
		fallback: fallback,
		lister:   lister,
		local:    cache.NewTTL[[]Model](cacheTTL),
		logger:   logger,
	}
}

// Register adds a client under a backend name
func (r *Router) Register(name string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
}

// Get retrieves a client by backend name
func (r *Router) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	return client, ok
}

// Models returns the builtin catalog followed by locally installed models.
// An unreachable Ollama only hides its models.
func (r *Router) Models(ctx context.Context) []Model {
	models := append([]Model(nil), BuiltinModels...)
	local, err := r.localModels(ctx)
	if err != nil {
		r.logger.Warn("failed to list local models", "error", err)
		return models
	}
	return append(models, local...)
}

func (r *Router) localModels(ctx context.Context) ([]Model, error) {
	if r.lister == nil {
		return nil, nil
	}
	return r.local.GetOrLoad(ctx, func(ctx context.Context) ([]Model, error) {
		installed, err := r.lister.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		models := make([]Model, len(installed))
		for i, m := range installed {
			models[i] = Model{
				ID:          m.Name,
				Name:        m.Name,
				Description: fmt.Sprintf("Local Ollama model (%.1f GB)", float64(m.Size)/1e9),
				Backend:     NameOllama,
			}
		}
		return models, nil
	})
}

// BackendFor names the backend that serves modelID
func (r *Router) BackendFor(ctx context.Context, modelID string) string {
	for _, m := range BuiltinModels {
		if m.ID == modelID {
			return m.Backend
		}
	}

	switch {
	case strings.HasPrefix(modelID, GatewayPrefix):
		return NameGateway
	case strings.HasPrefix(modelID, "gpt-"), strings.HasPrefix(modelID, "o1"):
		return NameOpenAI
	case strings.HasPrefix(modelID, "claude-"):
		return NameAnthropic
	case strings.HasPrefix(modelID, "grok-"):
		return NameGrok
	case strings.Contains(modelID, ":"):
		return NameOllama
	}

	if local, err := r.localModels(ctx); err == nil {
		for _, m := range local {
			if m.ID == modelID {
				return NameOllama
			}
		}
	}
	return r.fallback
}

func (r *Router) StreamCompletion(ctx context.Context, history []session.Turn, modelID string) (<-chan Chunk, error) {
	name := r.BackendFor(ctx, modelID)
	client, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("no %s backend configured for model %q", name, modelID)
	}
	r.logger.Debug("routing completion", "model", modelID, "backend", name)
	return client.StreamCompletion(ctx, history, modelID)
}
