package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jwebster45206/adventure95/internal/engine"
	"github.com/jwebster45206/adventure95/internal/middleware"
	"github.com/jwebster45206/adventure95/internal/services"
	"github.com/jwebster45206/adventure95/internal/services/events"
)

// RouterDeps are the collaborators the HTTP API is built from.
// Broadcaster may be nil, in which case the events endpoint reports 503.
type RouterDeps struct {
	Service     *engine.Service
	LLM         services.LLMService
	Broadcaster *events.Broadcaster
	Health      *HealthHandler
	Logger      *slog.Logger
}

// NewRouter wires every route of the story API.
func NewRouter(deps RouterDeps) http.Handler {
	log := deps.Logger
	games := NewGamesHandler(deps.Service, log)
	models := NewModelsHandler(deps.LLM, log)
	stream := NewEventsHandler(deps.Broadcaster, games, log)
	health := deps.Health
	if health == nil {
		health = NewHealthHandler(log)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(chimw.Recoverer)

	r.Method(http.MethodGet, "/health", health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/games", games.List)
	r.Get("/games/{id}", games.Get)
	r.Get("/games/{id}/entities", games.Entities)
	r.Method(http.MethodGet, "/games/{id}/events", stream)
	r.Post("/characters", games.CreateCharacter)

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(log))
		r.Post("/games", games.Create)
		r.Get("/games/generate-titles", games.Titles)
		r.Post("/games/generate-titles", games.Titles)
		r.Post("/games/{id}/start", games.Start)
		r.Post("/games/{id}/segments", games.SubmitChoice)
		r.Get("/models/{provider}", models.List)
	})

	return r
}
