package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/adventure95/pkg/story"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubProvider records the resolved request.
type stubProvider struct {
	name     string
	needsKey bool
	reply    string
	err      error
	models   []Model
	got      CompletionRequest
	keys     []string
}

func (s *stubProvider) Name() string         { return s.name }
func (s *stubProvider) RequiresKey() bool    { return s.needsKey }
func (s *stubProvider) DefaultModel() string { return s.name + "-default" }

func (s *stubProvider) Complete(_ context.Context, req CompletionRequest) (string, Usage, error) {
	s.got = req
	return s.reply, Usage{PromptTokens: 10, CompletionTokens: 5}, s.err
}

func (s *stubProvider) ListModels(_ context.Context, apiKey string) ([]Model, error) {
	s.keys = append(s.keys, apiKey)
	return s.models, s.err
}

func TestGateway_UnsupportedProvider(t *testing.T) {
	g := NewGateway(GatewayConfig{DefaultProvider: "openai"}, testLogger())

	_, err := g.Complete(context.Background(), "p", "s", CompletionOptions{Provider: "anthropic", APIKey: "k"})
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	_, err = g.ListModels(context.Background(), "nope", "k")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestGateway_KeyPrecedence(t *testing.T) {
	p := &stubProvider{name: "openai", needsKey: true, reply: "{}"}
	g := NewGateway(GatewayConfig{
		DefaultProvider: "openai",
		EnvKeys:         map[string]string{"OpenAI": "env-key"},
	}, testLogger())
	g.Register(p)

	_, err := g.Complete(context.Background(), "p", "s", CompletionOptions{APIKey: "call-key"})
	require.NoError(t, err)
	assert.Equal(t, "call-key", p.got.APIKey)

	_, err = g.Complete(context.Background(), "p", "s", CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "env-key", p.got.APIKey)
}

func TestGateway_MissingKey(t *testing.T) {
	p := &stubProvider{name: "groq", needsKey: true, reply: "{}"}
	g := NewGateway(GatewayConfig{DefaultProvider: "openai"}, testLogger())
	g.Register(p)

	_, err := g.Complete(context.Background(), "p", "s", CompletionOptions{Provider: "GROQ"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.ErrorIs(t, err, story.ErrMissingAPIKey)

	_, err = g.ListModels(context.Background(), "groq", "")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.Empty(t, p.keys, "provider must not be contacted without a key")
}

func TestGateway_KeylessProvider(t *testing.T) {
	p := &stubProvider{name: "ollama", reply: "{}"}
	g := NewGateway(GatewayConfig{DefaultProvider: "openai"}, testLogger())
	g.Register(p)

	_, err := g.Complete(context.Background(), "p", "s", CompletionOptions{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "", p.got.APIKey)
}

func TestGateway_ModelResolution(t *testing.T) {
	openaiP := &stubProvider{name: "openai", needsKey: true, reply: "{}"}
	groqP := &stubProvider{name: "groq", needsKey: true, reply: "{}"}
	g := NewGateway(GatewayConfig{DefaultProvider: "openai", DefaultModel: "gpt-test"}, testLogger())
	g.Register(openaiP)
	g.Register(groqP)

	_, err := g.Complete(context.Background(), "p", "s", CompletionOptions{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", openaiP.got.Model)

	_, err = g.Complete(context.Background(), "p", "s", CompletionOptions{Provider: "groq", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "groq-default", groqP.got.Model)

	_, err = g.Complete(context.Background(), "p", "s", CompletionOptions{Provider: "groq", APIKey: "k", ModelID: "mixtral"})
	require.NoError(t, err)
	assert.Equal(t, "mixtral", groqP.got.Model)

	assert.Equal(t, []string{"groq", "openai"}, g.Providers())
}

func TestGateway_EmptyCompletion(t *testing.T) {
	p := &stubProvider{name: "openai", needsKey: true, reply: "   "}
	g := NewGateway(GatewayConfig{DefaultProvider: "openai"}, testLogger())
	g.Register(p)

	_, err := g.Complete(context.Background(), "p", "s", CompletionOptions{APIKey: "k"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestGateway_ListModelsRejectedKeyIsEmpty(t *testing.T) {
	p := &stubProvider{
		name:     "openai",
		needsKey: true,
		err:      &ProviderError{Provider: "openai", StatusCode: http.StatusUnauthorized, Err: errors.New("bad key")},
	}
	g := NewGateway(GatewayConfig{DefaultProvider: "openai"}, testLogger())
	g.Register(p)

	models, err := g.ListModels(context.Background(), "openai", "wrong")
	require.NoError(t, err)
	assert.NotNil(t, models)
	assert.Empty(t, models)
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"content\":\"hi\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	p := NewOpenAICompatibleProvider("openai", server.URL, "gpt-test", server.Client())
	text, usage, err := p.Complete(context.Background(), CompletionRequest{
		Model:        "gpt-test",
		APIKey:       "sk-test",
		SystemPrompt: "system",
		Prompt:       "user",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"content":"hi"}`, text)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 3}, usage)

	assert.Equal(t, "gpt-test", body["model"])
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestOpenAIProvider_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
	}))
	defer server.Close()

	p := NewOpenAICompatibleProvider("groq", server.URL, "m", server.Client())
	_, _, err := p.Complete(context.Background(), CompletionRequest{Model: "m", APIKey: "k", Prompt: "p"})

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.HTTPStatus())
	assert.Equal(t, "groq", pe.Provider)
	assert.Equal(t, "12", pe.RetryAfterHeader())
}

func TestOpenAIProvider_ListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object": "list", "data": [
			{"id": "gpt-4o-mini", "object": "model", "owned_by": "openai"},
			{"id": "gpt-4o", "object": "model", "owned_by": "openai"}
		]}`))
	}))
	defer server.Close()

	p := NewOpenAICompatibleProvider("openai", server.URL, "m", server.Client())
	models, err := p.ListModels(context.Background(), "k")
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, Model{ID: "gpt-4o-mini", Name: "gpt-4o-mini", Provider: "openai", OwnedBy: "openai"}, models[0])
}

func TestOllamaProvider_Complete(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model": "llama3.1", "message": {"role": "assistant", "content": "{\"content\":\"cave\"}"}, "done": true, "prompt_eval_count": 40, "eval_count": 9}`))
	}))
	defer server.Close()

	p, err := NewOllamaProvider(server.URL+"/v1", server.Client(), testLogger())
	require.NoError(t, err)

	text, usage, err := p.Complete(context.Background(), CompletionRequest{Model: "llama3.1", SystemPrompt: "s", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, `{"content":"cave"}`, text)
	assert.Equal(t, Usage{PromptTokens: 40, CompletionTokens: 9}, usage)
	assert.Equal(t, "json", body["format"])
	assert.Equal(t, false, body["stream"])
}

func TestOllamaProvider_ListModelsAndErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"models": [{"name": "llama3.1:latest", "model": "llama3.1:latest"}]}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	p, err := NewOllamaProvider(server.URL, server.Client(), testLogger())
	require.NoError(t, err)

	models, err := p.ListModels(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3.1:latest", models[0].ID)
	assert.Equal(t, ProviderOllama, models[0].Provider)

	_, _, err = p.Complete(context.Background(), CompletionRequest{Model: "llama3.1", Prompt: "p"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusServiceUnavailable, pe.StatusCode)
}

func TestMockLLM_DefaultReplies(t *testing.T) {
	m := NewMockLLM()

	reply, err := m.Complete(context.Background(), "Suggest titles", `{"suggestions": []}`, CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, MockTitlesReply, reply)

	reply, err = m.Complete(context.Background(), "THIS IS THE FINAL SCENE.", "narrator", CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, MockEndingReply, reply)

	reply, err = m.Complete(context.Background(), "continue", "narrator", CompletionOptions{Provider: "groq"})
	require.NoError(t, err)
	assert.Equal(t, MockSegmentReply, reply)

	calls := m.GetCompleteCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "groq", calls[2].Options.Provider)

	m.Reset()
	assert.Empty(t, m.GetCompleteCalls())
}
