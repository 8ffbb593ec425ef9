// Package client is the HTTP client for the adventure95 story API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwebster45206/adventure95/pkg/resilience"
	"github.com/jwebster45206/adventure95/pkg/story"
)

// APIKeyHeader carries the caller's LLM provider key.
const APIKeyHeader = "x-llm-api-key"

const listGamesKey = "games:list"

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryAfterHeader returns the response's Retry-After header.
func (e *APIError) RetryAfterHeader() string { return e.RetryAfter }

// Is lets callers match well-known server failures with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case story.ErrGameNotFound:
		return e.StatusCode == http.StatusNotFound
	case story.ErrMissingAPIKey:
		return e.StatusCode == http.StatusBadRequest && e.Message == story.ErrMissingAPIKey.Error()
	}
	return false
}

// AdvanceKey is the de-duplication key shared by concurrent turn submissions
// for one game.
func AdvanceKey(gameID uuid.UUID) string {
	return "advance:" + gameID.String()
}

// Client talks to the story API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// reads retries 429s and transient failures; writes only 429s.
	reads  *resilience.Retrier
	writes *resilience.Retrier

	mu       sync.RWMutex
	settings Settings
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep replaces the retry sleeper, mainly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		c.reads.Sleep = sleep
		c.writes.Sleep = sleep
	}
}

// New creates a client for the API at baseURL.
func New(baseURL string, settings Settings, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	reads := resilience.New(logger)
	reads.RetryServerErrors = true
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logger,
		reads:      reads,
		writes:     resilience.New(logger),
		settings:   settings,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settings returns the current provider settings.
func (c *Client) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// SetSettings replaces the provider settings used for subsequent calls.
func (c *Client) SetSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
}

// HasAPIKey reports whether an API key is configured.
func (c *Client) HasAPIKey() bool {
	return strings.TrimSpace(c.Settings().APIKey) != ""
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "unhealthy"}
	}
	return nil
}

type createGameBody struct {
	Genre             story.Genre `json:"genre"`
	TotalTurns        int         `json:"totalTurns,omitempty"`
	Title             string      `json:"title,omitempty"`
	CharacterID       *uuid.UUID  `json:"characterId,omitempty"`
	PreferredProvider string      `json:"preferredProvider,omitempty"`
	PreferredModel    string      `json:"preferredModel,omitempty"`
}

type choiceBody struct {
	OptionID          string `json:"optionId,omitempty"`
	CustomText        string `json:"customText,omitempty"`
	PreferredProvider string `json:"preferredProvider,omitempty"`
	PreferredModel    string `json:"preferredModel,omitempty"`
}

type preferencesBody struct {
	Genre             story.Genre `json:"genre,omitempty"`
	PreferredProvider string      `json:"preferredProvider,omitempty"`
	PreferredModel    string      `json:"preferredModel,omitempty"`
}

type characterBody struct {
	Name   string      `json:"name"`
	Gender string      `json:"gender,omitempty"`
	Traits []string    `json:"traits,omitempty"`
	Bio    string      `json:"bio,omitempty"`
	Genre  story.Genre `json:"genre,omitempty"`
}

// NewGame describes a game to create.
type NewGame struct {
	Genre       story.Genre
	Title       string
	TotalTurns  int
	CharacterID *uuid.UUID
}

// StartResult is the opening of a game.
type StartResult struct {
	Game         *story.Game    `json:"game"`
	FirstSegment *story.Segment `json:"firstSegment"`
}

// TurnResult is the outcome of one submitted choice.
type TurnResult struct {
	Segment *story.Segment `json:"segment"`
	Options []story.Option `json:"options"`
	Game    *story.Game    `json:"game"`
}

// Entities is a game's item and NPC history.
type Entities struct {
	Items      []story.Item `json:"items"`
	Characters []story.NPC  `json:"characters"`
}

// Model is one entry of a provider's model catalog.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	OwnedBy  string `json:"ownedBy,omitempty"`
}

// ListGames returns every game, most recently played first. Concurrent calls
// share one request.
func (c *Client) ListGames(ctx context.Context) ([]story.Game, error) {
	return resilience.Do(ctx, c.reads, listGamesKey, func(ctx context.Context) ([]story.Game, error) {
		var games []story.Game
		if err := c.do(ctx, http.MethodGet, "/games", nil, false, &games); err != nil {
			return nil, err
		}
		return games, nil
	})
}

// GetGame returns a game with its full segment log.
func (c *Client) GetGame(ctx context.Context, id uuid.UUID) (*story.GameWithSegments, error) {
	return resilience.Do(ctx, c.reads, "game:"+id.String(), func(ctx context.Context) (*story.GameWithSegments, error) {
		var g story.GameWithSegments
		if err := c.do(ctx, http.MethodGet, "/games/"+id.String(), nil, false, &g); err != nil {
			return nil, err
		}
		return &g, nil
	})
}

// Entities returns a game's tracked items and NPCs.
func (c *Client) Entities(ctx context.Context, id uuid.UUID) (*Entities, error) {
	return resilience.Do(ctx, c.reads, "", func(ctx context.Context) (*Entities, error) {
		var e Entities
		if err := c.do(ctx, http.MethodGet, "/games/"+id.String()+"/entities", nil, false, &e); err != nil {
			return nil, err
		}
		return &e, nil
	})
}

// CreateGame creates a game. An empty title asks the server to generate one.
func (c *Client) CreateGame(ctx context.Context, ng NewGame) (*story.Game, error) {
	s := c.Settings()
	body := createGameBody{
		Genre:             ng.Genre,
		TotalTurns:        ng.TotalTurns,
		Title:             ng.Title,
		CharacterID:       ng.CharacterID,
		PreferredProvider: s.Provider,
		PreferredModel:    s.Model,
	}
	return resilience.Do(ctx, c.writes, "", func(ctx context.Context) (*story.Game, error) {
		var g story.Game
		if err := c.do(ctx, http.MethodPost, "/games", body, true, &g); err != nil {
			return nil, err
		}
		return &g, nil
	})
}

// StartGame generates, or returns the existing, opening segment.
func (c *Client) StartGame(ctx context.Context, id uuid.UUID) (*StartResult, error) {
	s := c.Settings()
	body := preferencesBody{PreferredProvider: s.Provider, PreferredModel: s.Model}
	return resilience.Do(ctx, c.writes, "start:"+id.String(), func(ctx context.Context) (*StartResult, error) {
		var res StartResult
		if err := c.do(ctx, http.MethodPost, "/games/"+id.String()+"/start", body, true, &res); err != nil {
			return nil, err
		}
		return &res, nil
	})
}

// SubmitChoice advances a game with either an option id or custom text.
// Concurrent submissions for the same game share one request.
func (c *Client) SubmitChoice(ctx context.Context, id uuid.UUID, optionID, customText string) (*TurnResult, error) {
	if (strings.TrimSpace(optionID) == "") == (strings.TrimSpace(customText) == "") {
		return nil, story.ErrInvalidChoice
	}
	s := c.Settings()
	body := choiceBody{
		OptionID:          optionID,
		CustomText:        customText,
		PreferredProvider: s.Provider,
		PreferredModel:    s.Model,
	}
	return resilience.Do(ctx, c.writes, AdvanceKey(id), func(ctx context.Context) (*TurnResult, error) {
		var res TurnResult
		if err := c.do(ctx, http.MethodPost, "/games/"+id.String()+"/segments", body, true, &res); err != nil {
			return nil, err
		}
		return &res, nil
	})
}

// GenerateTitles asks the server for title suggestions.
func (c *Client) GenerateTitles(ctx context.Context, genre story.Genre) ([]string, error) {
	s := c.Settings()
	body := preferencesBody{Genre: genre, PreferredProvider: s.Provider, PreferredModel: s.Model}
	return resilience.Do(ctx, c.reads, "titles:"+string(genre), func(ctx context.Context) ([]string, error) {
		var res struct {
			Suggestions []string `json:"suggestions"`
		}
		if err := c.do(ctx, http.MethodPost, "/games/generate-titles", body, true, &res); err != nil {
			return nil, err
		}
		return res.Suggestions, nil
	})
}

// ListModels returns the model catalog of provider for the configured key.
func (c *Client) ListModels(ctx context.Context, provider string) ([]Model, error) {
	return resilience.Do(ctx, c.reads, "models:"+provider, func(ctx context.Context) ([]Model, error) {
		var res struct {
			Models []Model `json:"models"`
		}
		if err := c.do(ctx, http.MethodGet, "/models/"+provider, nil, true, &res); err != nil {
			return nil, err
		}
		return res.Models, nil
	})
}

// CreateCharacter stores a player character.
func (c *Client) CreateCharacter(ctx context.Context, pc story.PlayerCharacter) (*story.PlayerCharacter, error) {
	body := characterBody{Name: pc.Name, Gender: pc.Gender, Traits: pc.Traits, Bio: pc.Bio, Genre: pc.Genre}
	return resilience.Do(ctx, c.writes, "", func(ctx context.Context) (*story.PlayerCharacter, error) {
		var out story.PlayerCharacter
		if err := c.do(ctx, http.MethodPost, "/characters", body, false, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// do sends one request and unwraps the {"data": ...} envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body any, needKey bool, out any) error {
	key := strings.TrimSpace(c.Settings().APIKey)
	if needKey && key == "" {
		return story.ErrMissingAPIKey
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		}
		c.logger.Debug("API request failed", "method", method, "path", path, "status", resp.StatusCode)
		return apiErr
	}

	if out == nil {
		return nil
	}
	env := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(env.Data) == 0 {
		return errors.New("response has no data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}
