package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const defaultOllamaModel = "llama3.1"

// OllamaProvider talks to a local or self-hosted Ollama server. No API key
// is required.
type OllamaProvider struct {
	client *api.Client
	logger *slog.Logger
}

// NewOllamaProvider creates a provider for the Ollama server at baseURL.
func NewOllamaProvider(baseURL string, httpClient *http.Client, logger *slog.Logger) (*OllamaProvider, error) {
	// api.NewClient wants the bare host, without an OpenAI-style /v1 suffix
	base := strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaProvider{
		client: api.NewClient(parsed, httpClient),
		logger: logger,
	}, nil
}

func (p *OllamaProvider) Name() string         { return ProviderOllama }
func (p *OllamaProvider) RequiresKey() bool    { return false }
func (p *OllamaProvider) DefaultModel() string { return defaultOllamaModel }

func (p *OllamaProvider) Complete(ctx context.Context, req CompletionRequest) (string, Usage, error) {
	messages := make([]api.Message, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Format:   json.RawMessage(`"json"`),
	}

	var resp api.ChatResponse
	err := p.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return "", Usage{}, wrapOllamaError(err)
	}

	return resp.Message.Content, Usage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}, nil
}

func (p *OllamaProvider) ListModels(ctx context.Context, _ string) ([]Model, error) {
	list, err := p.client.List(ctx)
	if err != nil {
		return nil, wrapOllamaError(err)
	}
	models := make([]Model, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, Model{
			ID:       m.Model,
			Name:     m.Name,
			Provider: ProviderOllama,
		})
	}
	return models, nil
}

// Ready reports whether the Ollama server answers its heartbeat.
func (p *OllamaProvider) Ready(ctx context.Context) error {
	if err := p.client.Heartbeat(ctx); err != nil {
		p.logger.Warn("Ollama heartbeat failed", "error", err)
		return err
	}
	return nil
}

func wrapOllamaError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return &ProviderError{Provider: ProviderOllama, StatusCode: se.StatusCode, Err: err}
	}
	return err
}
