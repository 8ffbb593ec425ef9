package services

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	groqBaseURL = "https://api.groq.com/openai/v1"

	defaultOpenAIModel = "gpt-4o-mini"
	defaultGroqModel   = "llama-3.1-8b-instant"
)

// OpenAIProvider speaks the OpenAI chat completions API. Groq exposes the
// same API under a different base URL, so both share this implementation.
type OpenAIProvider struct {
	name         string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// NewOpenAIProvider returns the provider for api.openai.com.
func NewOpenAIProvider(httpClient *http.Client) *OpenAIProvider {
	return &OpenAIProvider{
		name:         ProviderOpenAI,
		defaultModel: defaultOpenAIModel,
		httpClient:   httpClient,
	}
}

// NewGroqProvider returns the provider for Groq's OpenAI-compatible API.
func NewGroqProvider(httpClient *http.Client) *OpenAIProvider {
	return &OpenAIProvider{
		name:         ProviderGroq,
		baseURL:      groqBaseURL,
		defaultModel: defaultGroqModel,
		httpClient:   httpClient,
	}
}

// NewOpenAICompatibleProvider registers any other OpenAI-compatible endpoint.
func NewOpenAICompatibleProvider(name, baseURL, defaultModel string, httpClient *http.Client) *OpenAIProvider {
	return &OpenAIProvider{
		name:         strings.ToLower(name),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   httpClient,
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) RequiresKey() bool    { return true }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// client builds a go-openai client for one key; keys arrive per request.
func (p *OpenAIProvider) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	cfg.HTTPClient = retryAfterRecorder{next: cfg.HTTPClient}
	return openai.NewClientWithConfig(cfg)
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type retryAfterKey struct{}

// retryAfterRecorder copies the Retry-After header of a 429 into the holder
// carried by the request context; go-openai's errors drop response headers.
type retryAfterRecorder struct {
	next httpDoer
}

func (r retryAfterRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.next.Do(req)
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		if holder, ok := req.Context().Value(retryAfterKey{}).(*string); ok {
			*holder = resp.Header.Get("Retry-After")
		}
	}
	return resp, err
}

func withRetryAfter(ctx context.Context) (context.Context, *string) {
	holder := new(string)
	return context.WithValue(ctx, retryAfterKey{}, holder), holder
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (string, Usage, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	ctx, retryAfter := withRetryAfter(ctx)
	resp, err := p.client(req.APIKey).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", Usage{}, p.wrapError(err, *retryAfter)
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return "", usage, nil
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (p *OpenAIProvider) ListModels(ctx context.Context, apiKey string) ([]Model, error) {
	ctx, retryAfter := withRetryAfter(ctx)
	list, err := p.client(apiKey).ListModels(ctx)
	if err != nil {
		return nil, p.wrapError(err, *retryAfter)
	}
	models := make([]Model, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, Model{
			ID:       m.ID,
			Name:     m.ID,
			Provider: p.name,
			OwnedBy:  m.OwnedBy,
		})
	}
	return models, nil
}

// wrapError lifts go-openai status errors into ProviderError so the retry
// layer can classify them.
func (p *OpenAIProvider) wrapError(err error, retryAfter string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &ProviderError{Provider: p.name, StatusCode: apiErr.HTTPStatusCode, RetryAfter: retryAfter, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &ProviderError{Provider: p.name, StatusCode: reqErr.HTTPStatusCode, RetryAfter: retryAfter, Err: err}
	}
	return err
}
