package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/jwebster45206/adventure95/internal/config"
	"github.com/jwebster45206/adventure95/internal/logger"
	"github.com/jwebster45206/adventure95/pkg/client"
	"github.com/jwebster45206/adventure95/pkg/narrative"
	"github.com/jwebster45206/adventure95/pkg/notify"
)

// ConsoleConfig is read from the environment. API key, provider and model
// override the saved settings for this run only.
type ConsoleConfig struct {
	APIBaseURL   string        `envconfig:"API_BASE_URL" default:"http://localhost:8080"`
	APIKey       string        `envconfig:"LLM_API_KEY"`
	Provider     string        `envconfig:"LLM_PROVIDER"`
	Model        string        `envconfig:"LLM_MODEL"`
	Timeout      time.Duration `envconfig:"CONSOLE_TIMEOUT" default:"3m"`
	SettingsPath string        `envconfig:"CONSOLE_SETTINGS"`
	LogFile      string        `envconfig:"CONSOLE_LOG_FILE"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	_ = godotenv.Load()

	var cfg ConsoleConfig
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// the terminal belongs to the UI, so logs go to a file or nowhere
	var logOut io.Writer = io.Discard
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			_ = f.Close()
		}()
		logOut = f
	}
	log := logger.New(logOut, "production", config.ParseLogLevel(cfg.LogLevel))

	if cfg.SettingsPath == "" {
		path, err := client.DefaultSettingsPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		cfg.SettingsPath = path
	}
	settings, err := client.LoadSettings(cfg.SettingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		os.Exit(1)
	}
	settings = cfg.applyOverrides(settings)

	api := client.New(cfg.APIBaseURL, settings, log,
		client.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthCtx, healthCancel := context.WithTimeout(ctx, 10*time.Second)
	err = api.Health(healthCtx)
	healthCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not connect to API at %s: %v\nPlease ensure the API is running.\nTry: docker-compose up -d\n", cfg.APIBaseURL, err)
		os.Exit(1)
	}

	refresh := make(chan struct{}, 1)
	poke := func() {
		select {
		case refresh <- struct{}{}:
		default:
		}
	}

	center := notify.NewCenter(nil, nil, func([]notify.Notification) { poke() })
	defer center.Close()
	center.LoadReadKeys(settings.ReadNotifications)

	machine := narrative.New(api, log)
	notes := newNotifier(center)
	unsubscribe := machine.Subscribe(func(t narrative.Transition) {
		notes.observe(t)
		poke()
	})
	defer unsubscribe()

	center.Notify(notify.Notification{
		Type:    notify.TypeWelcome,
		Title:   "Welcome",
		Message: "Start a new adventure or continue a saved one.",
		Timeout: timeoutFor(notify.TypeWelcome),
	}, "", nil)

	ui := NewConsoleUI(ctx, &cfg, api, machine, center, refresh, log)
	p := tea.NewProgram(ui,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}

	if err := persistReadState(cfg.SettingsPath, center); err != nil {
		log.Error("Failed to save settings on exit", "error", err)
	}
}

func (c *ConsoleConfig) applyOverrides(s client.Settings) client.Settings {
	if c.APIKey != "" {
		s.APIKey = c.APIKey
	}
	if c.Provider != "" {
		s.Provider = c.Provider
	}
	if c.Model != "" {
		s.Model = c.Model
	}
	return s
}

// updateSettings applies fn to the saved settings file. Environment
// overrides never reach the file.
func updateSettings(path string, fn func(*client.Settings)) error {
	s, err := client.LoadSettings(path)
	if err != nil {
		return err
	}
	fn(&s)
	return client.SaveSettings(path, s)
}

func persistReadState(path string, center *notify.Center) error {
	keys := center.ReadKeys()
	sort.Strings(keys)
	return updateSettings(path, func(s *client.Settings) {
		s.ReadNotifications = keys
	})
}
