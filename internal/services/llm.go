package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jwebster45206/adventure95/pkg/story"
)

const (
	ProviderOpenAI = "openai"
	ProviderGroq   = "groq"
	ProviderOllama = "ollama"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported LLM provider")
	ErrMissingAPIKey       = story.ErrMissingAPIKey
	ErrEmptyCompletion     = errors.New("provider returned an empty completion")
)

// CompletionOptions selects the provider, model and key for one call.
// Empty fields fall back to the gateway defaults.
type CompletionOptions struct {
	Provider string
	ModelID  string
	APIKey   string
}

// Model is one entry of a provider's model catalog.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	OwnedBy  string `json:"ownedBy,omitempty"`
}

// Usage is token accounting reported by a provider, when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionRequest is a fully resolved request handed to a provider.
type CompletionRequest struct {
	Model        string
	APIKey       string
	SystemPrompt string
	Prompt       string
}

// LLMService defines the interface for generating story text
type LLMService interface {
	// Complete issues one JSON-mode completion and returns the raw reply.
	Complete(ctx context.Context, prompt, systemPrompt string, opts CompletionOptions) (string, error)

	// ListModels returns the provider's model catalog. A missing key is an
	// error; a key the provider rejects yields an empty list.
	ListModels(ctx context.Context, provider, apiKey string) ([]Model, error)
}

// Provider is one LLM backend registered with the Gateway.
type Provider interface {
	Name() string
	RequiresKey() bool
	DefaultModel() string
	Complete(ctx context.Context, req CompletionRequest) (string, Usage, error)
	ListModels(ctx context.Context, apiKey string) ([]Model, error)
}

// ProviderError is a failed provider call that carries an HTTP status.
type ProviderError struct {
	Provider   string
	StatusCode int
	RetryAfter string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HTTPStatus returns the provider's status code.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// RetryAfterHeader returns the provider's Retry-After value, if any.
func (e *ProviderError) RetryAfterHeader() string { return e.RetryAfter }

// Rejected reports whether the provider refused the credentials.
func (e *ProviderError) Rejected() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
