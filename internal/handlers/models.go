package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jwebster45206/adventure95/internal/services"
)

// ModelsResponse is returned by GET /models/{provider}.
type ModelsResponse struct {
	Provider string           `json:"provider"`
	Models   []services.Model `json:"models"`
}

type ModelsHandler struct {
	llm    services.LLMService
	logger *slog.Logger
}

func NewModelsHandler(llm services.LLMService, logger *slog.Logger) *ModelsHandler {
	return &ModelsHandler{
		llm:    llm,
		logger: logger,
	}
}

// List handles GET /models/{provider}
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	models, err := h.llm.ListModels(r.Context(), provider, strings.TrimSpace(r.Header.Get(APIKeyHeader)))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if models == nil {
		models = []services.Model{}
	}
	writeData(w, h.logger, http.StatusOK, ModelsResponse{Provider: provider, Models: models})
}
