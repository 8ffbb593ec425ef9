package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jwebster45206/adventure95/internal/engine"
	"github.com/jwebster45206/adventure95/pkg/story"
)

// CreateGameRequest is the body of POST /games.
type CreateGameRequest struct {
	Genre             string     `json:"genre" validate:"required"`
	TotalTurns        int        `json:"totalTurns" validate:"omitempty,min=1,max=100"`
	Title             string     `json:"title,omitempty" validate:"omitempty,max=120"`
	CharacterID       *uuid.UUID `json:"characterId,omitempty"`
	PreferredProvider string     `json:"preferredProvider,omitempty"`
	PreferredModel    string     `json:"preferredModel,omitempty"`
}

// StartGameRequest is the optional body of POST /games/{id}/start.
type StartGameRequest struct {
	PreferredProvider string `json:"preferredProvider,omitempty"`
	PreferredModel    string `json:"preferredModel,omitempty"`
}

// SubmitChoiceRequest is the body of POST /games/{id}/segments.
type SubmitChoiceRequest struct {
	OptionID          string `json:"optionId,omitempty"`
	CustomText        string `json:"customText,omitempty" validate:"omitempty,max=500"`
	PreferredProvider string `json:"preferredProvider,omitempty"`
	PreferredModel    string `json:"preferredModel,omitempty"`
}

// TitlesRequest is the body of POST /games/generate-titles.
type TitlesRequest struct {
	Genre             string `json:"genre" validate:"required"`
	PreferredProvider string `json:"preferredProvider,omitempty"`
	PreferredModel    string `json:"preferredModel,omitempty"`
}

// CreateCharacterRequest is the body of POST /characters.
type CreateCharacterRequest struct {
	Name   string   `json:"name" validate:"required,max=80"`
	Gender string   `json:"gender,omitempty" validate:"omitempty,max=40"`
	Traits []string `json:"traits,omitempty" validate:"max=10,dive,max=40"`
	Bio    string   `json:"bio,omitempty" validate:"omitempty,max=2000"`
	Genre  string   `json:"genre,omitempty"`
}

// StartGameResponse is returned by POST /games/{id}/start.
type StartGameResponse struct {
	Game         *story.Game    `json:"game"`
	FirstSegment *story.Segment `json:"firstSegment"`
}

// SubmitChoiceResponse is returned by POST /games/{id}/segments.
type SubmitChoiceResponse struct {
	Segment *story.Segment `json:"segment"`
	Options []story.Option `json:"options"`
	Game    *story.Game    `json:"game"`
}

// TitlesResponse is returned by the title endpoints.
type TitlesResponse struct {
	Suggestions []string `json:"suggestions"`
}

// EntitiesResponse is returned by GET /games/{id}/entities.
type EntitiesResponse struct {
	Items      []story.Item `json:"items"`
	Characters []story.NPC  `json:"characters"`
}

// GamesHandler serves the game and segment endpoints.
type GamesHandler struct {
	svc    *engine.Service
	logger *slog.Logger
}

func NewGamesHandler(svc *engine.Service, logger *slog.Logger) *GamesHandler {
	return &GamesHandler{
		svc:    svc,
		logger: logger,
	}
}

// Create handles POST /games
func (h *GamesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	genre, err := story.ParseGenre(req.Genre)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	g, err := h.svc.CreateGame(r.Context(), engine.CreateGameRequest{
		Genre:       genre,
		TotalTurns:  req.TotalTurns,
		Title:       req.Title,
		CharacterID: req.CharacterID,
	}, completionOptions(r, req.PreferredProvider, req.PreferredModel))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, h.logger, http.StatusCreated, g)
}

// List handles GET /games
func (h *GamesHandler) List(w http.ResponseWriter, r *http.Request) {
	games, err := h.svc.ListGames(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, h.logger, http.StatusOK, games)
}

// Get handles GET /games/{id}
func (h *GamesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.gameID(w, r)
	if !ok {
		return
	}
	g, err := h.svc.GetGame(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, h.logger, http.StatusOK, g)
}

// Start handles POST /games/{id}/start
func (h *GamesHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := h.gameID(w, r)
	if !ok {
		return
	}
	var req StartGameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.StartGame(r.Context(), id, completionOptions(r, req.PreferredProvider, req.PreferredModel))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, h.logger, http.StatusOK, StartGameResponse{Game: res.Game, FirstSegment: res.Segment})
}

// SubmitChoice handles POST /games/{id}/segments
func (h *GamesHandler) SubmitChoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.gameID(w, r)
	if !ok {
		return
	}
	var req SubmitChoiceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.AdvanceGame(r.Context(), id,
		engine.Choice{OptionID: req.OptionID, CustomText: req.CustomText},
		completionOptions(r, req.PreferredProvider, req.PreferredModel))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, h.logger, http.StatusCreated, SubmitChoiceResponse{
		Segment: res.Segment,
		Options: res.Segment.Options,
		Game:    res.Game,
	})
}

// Entities handles GET /games/{id}/entities
func (h *GamesHandler) Entities(w http.ResponseWriter, r *http.Request) {
	id, ok := h.gameID(w, r)
	if !ok {
		return
	}
	g, err := h.svc.GetGame(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	resp := EntitiesResponse{Items: g.Items, Characters: g.NPCs}
	if resp.Items == nil {
		resp.Items = []story.Item{}
	}
	if resp.Characters == nil {
		resp.Characters = []story.NPC{}
	}
	writeData(w, h.logger, http.StatusOK, resp)
}

// Titles handles GET /games/generate-titles?genre= and POST /games/generate-titles
func (h *GamesHandler) Titles(w http.ResponseWriter, r *http.Request) {
	req := TitlesRequest{
		Genre:             r.URL.Query().Get("genre"),
		PreferredProvider: r.URL.Query().Get("provider"),
		PreferredModel:    r.URL.Query().Get("model"),
	}
	if r.Method == http.MethodPost {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, h.logger, http.StatusBadRequest, err.Error())
			return
		}
	}
	genre, err := story.ParseGenre(req.Genre)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	titles, err := h.svc.GenerateTitles(r.Context(), genre, completionOptions(r, req.PreferredProvider, req.PreferredModel))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, h.logger, http.StatusOK, TitlesResponse{Suggestions: titles})
}

// CreateCharacter handles POST /characters
func (h *GamesHandler) CreateCharacter(w http.ResponseWriter, r *http.Request) {
	var req CreateCharacterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	var genre story.Genre
	if req.Genre != "" {
		g, err := story.ParseGenre(req.Genre)
		if err != nil {
			writeError(w, h.logger, http.StatusBadRequest, err.Error())
			return
		}
		genre = g
	}

	pc, err := h.svc.CreateCharacter(r.Context(), story.PlayerCharacter{
		Name:   req.Name,
		Gender: req.Gender,
		Traits: req.Traits,
		Bio:    req.Bio,
		Genre:  genre,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, h.logger, http.StatusCreated, pc)
}

func (h *GamesHandler) gameID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.logger.Warn("Invalid game ID", "id", raw, "error", err)
		writeError(w, h.logger, http.StatusBadRequest, "Invalid game ID format")
		return uuid.Nil, false
	}
	return id, true
}
