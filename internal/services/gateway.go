package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Gateway routes completions to registered providers and resolves API keys.
// It never retries; callers own retry policy.
type Gateway struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	envKeys         map[string]string
	defaultProvider string
	defaultModel    string
	timeout         time.Duration
	logger          *slog.Logger
}

// GatewayConfig holds the environment defaults for a Gateway.
type GatewayConfig struct {
	DefaultProvider string
	DefaultModel    string
	// EnvKeys maps provider name to the API key taken from the environment.
	EnvKeys map[string]string
	Timeout time.Duration
}

// NewGateway creates a gateway with no providers registered.
func NewGateway(cfg GatewayConfig, logger *slog.Logger) *Gateway {
	keys := make(map[string]string, len(cfg.EnvKeys))
	for name, key := range cfg.EnvKeys {
		keys[strings.ToLower(name)] = key
	}
	return &Gateway{
		providers:       make(map[string]Provider),
		envKeys:         keys,
		defaultProvider: strings.ToLower(cfg.DefaultProvider),
		defaultModel:    cfg.DefaultModel,
		timeout:         cfg.Timeout,
		logger:          logger,
	}
}

// Register adds or replaces a provider.
func (g *Gateway) Register(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[strings.ToLower(p.Name())] = p
}

// Providers lists registered provider names in sorted order.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Gateway) provider(name string) (Provider, string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = g.defaultProvider
	}
	g.mu.RLock()
	p, ok := g.providers[name]
	g.mu.RUnlock()
	if !ok {
		return nil, name, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return p, name, nil
}

// resolveKey applies key precedence: explicit per-call key, then the
// environment default, then none.
func (g *Gateway) resolveKey(p Provider, name, explicit string) (string, error) {
	if key := strings.TrimSpace(explicit); key != "" {
		return key, nil
	}
	if key := g.envKeys[name]; key != "" {
		return key, nil
	}
	if p.RequiresKey() {
		return "", fmt.Errorf("%w for provider %s", ErrMissingAPIKey, name)
	}
	return "", nil
}

func (g *Gateway) resolveModel(p Provider, name, explicit string) string {
	if m := strings.TrimSpace(explicit); m != "" {
		return m
	}
	if name == g.defaultProvider && g.defaultModel != "" {
		return g.defaultModel
	}
	return p.DefaultModel()
}

// Complete issues a single completion request.
func (g *Gateway) Complete(ctx context.Context, prompt, systemPrompt string, opts CompletionOptions) (string, error) {
	p, name, err := g.provider(opts.Provider)
	if err != nil {
		return "", err
	}
	key, err := g.resolveKey(p, name, opts.APIKey)
	if err != nil {
		return "", err
	}
	model := g.resolveModel(p, name, opts.ModelID)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	g.logger.Debug("Sending completion request",
		"provider", name,
		"model", model,
		"prompt_bytes", len(prompt),
		"system_prompt_bytes", len(systemPrompt))

	start := time.Now()
	text, usage, err := p.Complete(ctx, CompletionRequest{
		Model:        model,
		APIKey:       key,
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
	})
	duration := time.Since(start)

	if err != nil {
		llmRequestsTotal.WithLabelValues(name, model, statusLabel(err)).Inc()
		g.logger.Error("Completion request failed",
			"provider", name,
			"model", model,
			"duration", duration,
			"error", err)
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		llmRequestsTotal.WithLabelValues(name, model, "empty").Inc()
		return "", fmt.Errorf("%s: %w", name, ErrEmptyCompletion)
	}

	llmRequestsTotal.WithLabelValues(name, model, "success").Inc()
	llmRequestDuration.WithLabelValues(name, model).Observe(duration.Seconds())
	observeUsage(name, model, usage)
	g.logger.Info("Completion received",
		"provider", name,
		"model", model,
		"duration", duration,
		"reply_bytes", len(text),
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens)
	return text, nil
}

// ListModels returns the catalog for provider. A missing key is reported as
// ErrMissingAPIKey without contacting the provider; a provider failure is
// logged and reported as an empty list.
func (g *Gateway) ListModels(ctx context.Context, provider, apiKey string) ([]Model, error) {
	p, name, err := g.provider(provider)
	if err != nil {
		return nil, err
	}
	key, err := g.resolveKey(p, name, apiKey)
	if err != nil {
		return nil, err
	}

	models, err := p.ListModels(ctx, key)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Rejected() {
			g.logger.Warn("Provider rejected API key while listing models", "provider", name, "status", pe.StatusCode)
		} else {
			g.logger.Error("Failed to list models", "provider", name, "error", err)
		}
		return []Model{}, nil
	}
	if models == nil {
		models = []Model{}
	}
	return models, nil
}

func statusLabel(err error) string {
	var pe *ProviderError
	switch {
	case errors.As(err, &pe):
		return fmt.Sprintf("http_%d", pe.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
