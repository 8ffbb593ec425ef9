package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jwebster45206/adventure95/internal/engine"
	"github.com/jwebster45206/adventure95/internal/services"
	"github.com/jwebster45206/adventure95/internal/storage"
	"github.com/jwebster45206/adventure95/pkg/story"
)

// APIKeyHeader carries the caller's LLM provider key.
const APIKeyHeader = "x-llm-api-key"

type ErrorResponse struct {
	Error string `json:"error"`
}

// DataResponse is the success envelope for every endpoint.
type DataResponse struct {
	Data any `json:"data"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeData(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	writeJSON(w, logger, status, DataResponse{Data: data})
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, ErrorResponse{Error: msg})
}

// writeServiceError maps domain and provider errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()

	var pe *services.ProviderError
	switch {
	case errors.Is(err, story.ErrMissingAPIKey),
		errors.Is(err, story.ErrInvalidChoice),
		errors.Is(err, services.ErrUnsupportedProvider),
		errors.Is(err, engine.ErrInvalidCharacter):
		status = http.StatusBadRequest
	case errors.Is(err, story.ErrGameNotFound),
		errors.Is(err, storage.ErrCharacterNotFound):
		status = http.StatusNotFound
	case errors.Is(err, story.ErrStaleOption),
		errors.Is(err, story.ErrGameCompleted),
		errors.Is(err, story.ErrNotStarted),
		errors.Is(err, story.ErrTurnInFlight):
		status = http.StatusConflict
	case errors.As(err, &pe):
		switch {
		case pe.StatusCode == http.StatusTooManyRequests:
			status = http.StatusTooManyRequests
			if pe.RetryAfter != "" {
				w.Header().Set("Retry-After", pe.RetryAfter)
			}
		case pe.Rejected():
			status = http.StatusUnauthorized
			msg = fmt.Sprintf("%s rejected the API key", pe.Provider)
		default:
			status = http.StatusBadGateway
		}
	case errors.Is(err, services.ErrEmptyCompletion):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "status", status, "error", err)
	} else {
		logger.Warn("Request rejected", "status", status, "error", err)
	}
	writeError(w, logger, status, msg)
}

// decodeBody decodes an optional JSON body into v and validates it.
func decodeBody(r *http.Request, v any) error {
	if r.Body != nil {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("invalid JSON body: %w", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return errors.New("invalid request: " + strings.Join(parts, ", "))
}

// RequireAPIKey rejects requests without an LLM key before they reach a handler.
func RequireAPIKey(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(r.Header.Get(APIKeyHeader)) == "" {
				writeError(w, logger, http.StatusBadRequest, story.ErrMissingAPIKey.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func completionOptions(r *http.Request, provider, model string) services.CompletionOptions {
	return services.CompletionOptions{
		Provider: provider,
		ModelID:  model,
		APIKey:   strings.TrimSpace(r.Header.Get(APIKeyHeader)),
	}
}
