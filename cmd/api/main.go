package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jwebster45206/adventure95/internal/config"
	"github.com/jwebster45206/adventure95/internal/engine"
	"github.com/jwebster45206/adventure95/internal/handlers"
	"github.com/jwebster45206/adventure95/internal/logger"
	"github.com/jwebster45206/adventure95/internal/services"
	"github.com/jwebster45206/adventure95/internal/services/events"
	"github.com/jwebster45206/adventure95/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	log := logger.Setup(cfg)

	log.Info("Starting Adventure95 API",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"default_provider", cfg.DefaultProvider,
		"default_model", cfg.DefaultModel,
		"total_turns", cfg.DefaultTotalTurns())

	httpClient := &http.Client{Timeout: cfg.LLMTimeout + 10*time.Second}
	gateway := services.NewGateway(services.GatewayConfig{
		DefaultProvider: cfg.DefaultProvider,
		DefaultModel:    cfg.DefaultModel,
		EnvKeys: map[string]string{
			services.ProviderOpenAI: cfg.OpenAIAPIKey,
			services.ProviderGroq:   cfg.GroqAPIKey,
		},
		Timeout: cfg.LLMTimeout,
	}, log)
	gateway.Register(services.NewOpenAIProvider(httpClient))
	gateway.Register(services.NewGroqProvider(httpClient))

	ollama, err := services.NewOllamaProvider(cfg.OllamaURL, httpClient, log)
	if err != nil {
		log.Warn("Ollama provider disabled", "url", cfg.OllamaURL, "error", err)
	} else {
		gateway.Register(ollama)
	}
	log.Info("LLM providers registered", "providers", gateway.Providers())

	store, err := storage.NewRedisStorage(cfg.RedisURL, log)
	if err != nil {
		log.Error("Invalid Redis configuration", "error", err)
		os.Exit(1)
	}
	storageCtx, storageCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer storageCancel()
	if err := store.WaitForConnection(storageCtx); err != nil {
		log.Error("Failed to connect to storage", "error", err)
		os.Exit(1)
	}
	log.Info("Storage connection established successfully")

	broadcaster := events.NewBroadcaster(store.Client(), log)
	svc := engine.NewService(store, gateway, broadcaster, engine.Config{
		TotalTurns: cfg.DefaultTotalTurns(),
		History:    cfg.HistoryPolicy(),
		LockTTL:    storage.DefaultLockTTL,
	}, log)

	health := handlers.NewHealthHandler(log).Add("storage", store.Ping)
	if ollama != nil && cfg.DefaultProvider == services.ProviderOllama {
		health.Add("ollama", ollama.Ready)
	}

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(handlers.RouterDeps{
			Service:     svc,
			LLM:         gateway,
			Broadcaster: broadcaster,
			Health:      health,
			Logger:      log,
		}),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: SSE streams stay open
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("Server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Server is shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	if err := store.Close(); err != nil {
		log.Error("Error closing storage connection", "error", err)
	}

	log.Info("Server exited")
}
