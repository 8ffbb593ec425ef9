package services

import (
	"context"
	"strings"
	"sync"
)

// MockLLM is a mock implementation of LLMService for testing
type MockLLM struct {
	CompleteFunc   func(ctx context.Context, prompt, systemPrompt string, opts CompletionOptions) (string, error)
	ListModelsFunc func(ctx context.Context, provider, apiKey string) ([]Model, error)

	// Track calls for testing
	CompleteCalls   []CompleteCall
	ListModelsCalls []ListModelsCall

	mu sync.Mutex // protects all fields above
}

type CompleteCall struct {
	Prompt       string
	SystemPrompt string
	Options      CompletionOptions
}

type ListModelsCall struct {
	Provider string
	APIKey   string
}

// MockSegmentReply is the default reply for story prompts.
const MockSegmentReply = `{
  "content": "Torchlight flickers across wet stone as you press on.",
  "options": [
    {"text": "Follow the draft of cold air", "risk": "low"},
    {"text": "Call out into the dark", "risk": "medium"},
    {"text": "Climb the crumbling ledge", "risk": "high"}
  ],
  "newItems": [{"name": "Rusty Key", "description": "Cold to the touch."}],
  "newCharacters": [],
  "locationContext": "Cave Entrance"
}`

// MockEndingReply is the default reply when the prompt asks for an ending.
const MockEndingReply = `{
  "content": "The journey ends where it began, changed forever.",
  "options": [],
  "newItems": [],
  "newCharacters": [],
  "locationContext": "Village Square"
}`

// MockTitlesReply is the default reply for title prompts.
const MockTitlesReply = `{"suggestions": ["The Hollow Crown", "Ashes of Eldermere", "The Last Lantern", "Thornwood", "Songs Beneath the Hill"]}`

// NewMockLLM creates a new mock LLM service
func NewMockLLM() *MockLLM {
	return &MockLLM{
		CompleteCalls:   make([]CompleteCall, 0),
		ListModelsCalls: make([]ListModelsCall, 0),
	}
}

// Complete mocks a completion. Without CompleteFunc it answers title,
// ending and scene prompts with canned JSON.
func (m *MockLLM) Complete(ctx context.Context, prompt, systemPrompt string, opts CompletionOptions) (string, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, CompleteCall{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Options:      opts,
	})
	fn := m.CompleteFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt, systemPrompt, opts)
	}

	lower := strings.ToLower(systemPrompt + "\n" + prompt)
	switch {
	case strings.Contains(lower, "suggestions"):
		return MockTitlesReply, nil
	case strings.Contains(lower, "final scene"):
		return MockEndingReply, nil
	default:
		return MockSegmentReply, nil
	}
}

// ListModels mocks model listing
func (m *MockLLM) ListModels(ctx context.Context, provider, apiKey string) ([]Model, error) {
	m.mu.Lock()
	m.ListModelsCalls = append(m.ListModelsCalls, ListModelsCall{Provider: provider, APIKey: apiKey})
	fn := m.ListModelsFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, provider, apiKey)
	}
	return []Model{{ID: "mock-model", Name: "Mock Model", Provider: provider}}, nil
}

// Reset clears all call tracking
func (m *MockLLM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteCalls = make([]CompleteCall, 0)
	m.ListModelsCalls = make([]ListModelsCall, 0)
}

// GetCompleteCalls returns a copy of the recorded Complete calls
func (m *MockLLM) GetCompleteCalls() []CompleteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]CompleteCall, len(m.CompleteCalls))
	copy(calls, m.CompleteCalls)
	return calls
}

// GetListModelsCalls returns a copy of the recorded ListModels calls
func (m *MockLLM) GetListModelsCalls() []ListModelsCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]ListModelsCall, len(m.ListModelsCalls))
	copy(calls, m.ListModelsCalls)
	return calls
}
