package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/adventure95/internal/engine"
	"github.com/jwebster45206/adventure95/internal/services"
	"github.com/jwebster45206/adventure95/internal/services/events"
	"github.com/jwebster45206/adventure95/internal/storage"
	"github.com/jwebster45206/adventure95/pkg/story"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testAPI struct {
	handler http.Handler
	store   *storage.MockStorage
	llm     *services.MockLLM
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := testLogger()
	store := storage.NewMockStorage()
	llm := services.NewMockLLM()
	svc := engine.NewService(store, llm, nil, engine.Config{TotalTurns: 16}, logger)
	health := NewHealthHandler(logger).Add("storage", store.Ping)
	return &testAPI{
		handler: NewRouter(RouterDeps{Service: svc, LLM: llm, Health: health, Logger: logger}),
		store:   store,
		llm:     llm,
	}
}

func (a *testAPI) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e), w.Body.String())
	return e.Error
}

func TestAPI_FullPlaythrough(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/games", "sk-test", map[string]any{"genre": "fantasy", "title": "The Cave"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	game := decodeData[story.Game](t, w)
	assert.Equal(t, "The Cave", game.Title)
	assert.Equal(t, 16, game.TotalTurns)
	assert.Equal(t, story.StatusActive, game.Status)

	base := "/games/" + game.ID.String()
	w = api.do(t, http.MethodPost, base+"/start", "sk-test", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	started := decodeData[StartGameResponse](t, w)
	require.NotNil(t, started.FirstSegment)
	assert.Equal(t, 0, started.FirstSegment.SequenceNumber)
	assert.Nil(t, started.FirstSegment.UserChoice)

	for turn := 1; turn <= 16; turn++ {
		w = api.do(t, http.MethodPost, base+"/segments", "sk-test", map[string]any{"customText": "Enter the cave"})
		require.Equal(t, http.StatusCreated, w.Code, "turn %d: %s", turn, w.Body.String())
		resp := decodeData[SubmitChoiceResponse](t, w)
		assert.Equal(t, turn, resp.Game.TurnCount)
		assert.Equal(t, turn, resp.Segment.SequenceNumber)
		if turn == 16 {
			assert.Equal(t, story.StatusCompleted, resp.Game.Status)
			assert.Empty(t, resp.Options)
		}
	}

	w = api.do(t, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	full := decodeData[story.GameWithSegments](t, w)
	assert.Len(t, full.StorySegments, 17)
	assert.Equal(t, story.StatusCompleted, full.Status)

	w = api.do(t, http.MethodPost, base+"/segments", "sk-test", map[string]any{"customText": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_MissingAPIKey(t *testing.T) {
	api := newTestAPI(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/games"},
		{http.MethodPost, "/games/" + uuid.NewString() + "/start"},
		{http.MethodPost, "/games/" + uuid.NewString() + "/segments"},
		{http.MethodGet, "/games/generate-titles?genre=fantasy"},
		{http.MethodGet, "/models/openai"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := api.do(t, tc.method, tc.path, "", map[string]any{"genre": "fantasy"})
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, story.ErrMissingAPIKey.Error(), decodeErr(t, w))
		})
	}
	assert.Empty(t, api.llm.GetCompleteCalls())
}

func TestAPI_CreateGameValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing genre", map[string]any{"title": "x"}},
		{"unknown genre", map[string]any{"genre": "romance"}},
		{"too many turns", map[string]any{"genre": "fantasy", "totalTurns": 500}},
		{"unknown field", map[string]any{"genre": "fantasy", "color": "red"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, http.MethodPost, "/games", "sk-test", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestAPI_ChoiceErrors(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/games", "sk-test", map[string]any{"genre": "mystery", "title": "Fog"})
	game := decodeData[story.Game](t, w)
	base := "/games/" + game.ID.String()

	w = api.do(t, http.MethodPost, base+"/segments", "sk-test", map[string]any{"customText": "look"})
	assert.Equal(t, http.StatusConflict, w.Code, "not started")

	w = api.do(t, http.MethodPost, base+"/start", "sk-test", nil)
	started := decodeData[StartGameResponse](t, w)

	w = api.do(t, http.MethodPost, base+"/segments", "sk-test", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty choice")

	w = api.do(t, http.MethodPost, base+"/segments", "sk-test", map[string]any{
		"optionId":   started.FirstSegment.Options[0].ID,
		"customText": "both",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "option and text")

	w = api.do(t, http.MethodPost, base+"/segments", "sk-test", map[string]any{"optionId": "nope"})
	assert.Equal(t, http.StatusConflict, w.Code, "stale option")

	w = api.do(t, http.MethodPost, base+"/segments", "sk-test", map[string]any{"optionId": started.FirstSegment.Options[1].ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeData[SubmitChoiceResponse](t, w)
	assert.Equal(t, started.FirstSegment.Options[1].Text, *resp.Segment.UserChoice)
}

func TestAPI_NotFoundAndBadID(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/games/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodGet, "/games/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid game ID format", decodeErr(t, w))
}

func TestAPI_ProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		retryAfter string
	}{
		{"rate limited", &services.ProviderError{Provider: "openai", StatusCode: 429, RetryAfter: "7", Err: errors.New("slow down")}, http.StatusTooManyRequests, "7"},
		{"bad key", &services.ProviderError{Provider: "openai", StatusCode: 401, Err: errors.New("nope")}, http.StatusUnauthorized, ""},
		{"upstream down", &services.ProviderError{Provider: "openai", StatusCode: 503, Err: errors.New("down")}, http.StatusBadGateway, ""},
		{"empty", services.ErrEmptyCompletion, http.StatusBadGateway, ""},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, ""},
		{"unsupported", services.ErrUnsupportedProvider, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)
			api.llm.CompleteFunc = func(context.Context, string, string, services.CompletionOptions) (string, error) {
				return "", tt.err
			}
			w := api.do(t, http.MethodGet, "/games/generate-titles?genre=fantasy", "sk-test", nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))
		})
	}
}

func TestAPI_TitlesAndPreferences(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/games/generate-titles", "gsk-test", map[string]any{
		"genre":             "horror",
		"preferredProvider": "groq",
		"preferredModel":    "llama-3.1-8b-instant",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	titles := decodeData[TitlesResponse](t, w)
	assert.Contains(t, titles.Suggestions, "The Hollow Crown")

	calls := api.llm.GetCompleteCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, services.CompletionOptions{Provider: "groq", ModelID: "llama-3.1-8b-instant", APIKey: "gsk-test"}, calls[0].Options)
}

func TestAPI_ListGamesAndEntities(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/games", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())

	w = api.do(t, http.MethodPost, "/games", "sk-test", map[string]any{"genre": "western", "title": "Dust"})
	game := decodeData[story.Game](t, w)
	base := "/games/" + game.ID.String()

	w = api.do(t, http.MethodGet, base+"/entities", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"items":[],"characters":[]}}`, w.Body.String())

	api.do(t, http.MethodPost, base+"/start", "sk-test", nil)
	w = api.do(t, http.MethodGet, base+"/entities", "", nil)
	ents := decodeData[EntitiesResponse](t, w)
	require.Len(t, ents.Items, 1)
	assert.Equal(t, "Rusty Key", ents.Items[0].Name)

	w = api.do(t, http.MethodGet, "/games", "", nil)
	games := decodeData[[]story.Game](t, w)
	require.Len(t, games, 1)
	assert.Equal(t, "Dust", games[0].Title)
}

func TestAPI_Characters(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/characters", "", map[string]any{"name": "Wren", "traits": []string{"stubborn"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pc := decodeData[story.PlayerCharacter](t, w)
	assert.NotEqual(t, uuid.Nil, pc.ID)

	w = api.do(t, http.MethodPost, "/characters", "", map[string]any{"bio": "no name"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPost, "/games", "sk-test", map[string]any{"genre": "fantasy", "title": "x", "characterId": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Models(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/models/OpenAI", "sk-test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeData[ModelsResponse](t, w)
	assert.Equal(t, "openai", resp.Provider)
	require.Len(t, resp.Models, 1)

	api.llm.ListModelsFunc = func(context.Context, string, string) ([]services.Model, error) {
		return nil, nil
	}
	w = api.do(t, http.MethodGet, "/models/groq", "gsk-bad", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"provider":"groq","models":[]}}`, w.Body.String())
}

func TestAPI_Health(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["storage"])

	api.store.SetPingError(errors.New("connection refused"))
	w = api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unhealthy", resp.Components["storage"])

	api.store.SetPingSuccess()
	w = api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_Metrics(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventsHandler_StreamsGameEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := testLogger()
	store := storage.NewMockStorage()
	broadcaster := events.NewBroadcaster(client, logger)
	svc := engine.NewService(store, services.NewMockLLM(), broadcaster, engine.Config{TotalTurns: 16}, logger)
	srv := httptest.NewServer(NewRouter(RouterDeps{Service: svc, LLM: services.NewMockLLM(), Broadcaster: broadcaster, Logger: logger}))
	t.Cleanup(srv.Close)

	game, err := svc.CreateGame(context.Background(), engine.CreateGameRequest{Genre: story.GenreFantasy, Title: "Echoes"},
		services.CompletionOptions{APIKey: "sk-test"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/games/"+game.ID.String()+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	nextEvent := func() string {
		for lines.Scan() {
			if name, ok := strings.CutPrefix(lines.Text(), "event: "); ok {
				return name
			}
		}
		return ""
	}
	require.Equal(t, "connected", nextEvent())

	channel := events.Channel(game.ID)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = svc.StartGame(context.Background(), game.ID, services.CompletionOptions{APIKey: "sk-test"})
	require.NoError(t, err)

	assert.Equal(t, string(events.EventTypeTurnStarted), nextEvent())
	assert.Equal(t, string(events.EventTypeSegmentCreated), nextEvent())
}

func TestEventsHandler_UnknownGame(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/games/"+uuid.NewString()+"/events", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
