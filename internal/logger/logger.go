package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/jwebster45206/adventure95/internal/config"
)

// Setup configures the global slog logger based on environment
func Setup(cfg *config.Config) *slog.Logger {
	return New(os.Stdout, cfg.Environment, cfg.SlogLevel())
}

// New builds a logger writing to w: JSON in production, text otherwise.
// The result is also installed as the slog default.
func New(w io.Writer, environment string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if environment == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// WithRequestID adds request ID to logger context
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With("request_id", requestID)
}

// WithGame adds a game ID to logger context
func WithGame(logger *slog.Logger, gameID string) *slog.Logger {
	return logger.With("game_id", gameID)
}
