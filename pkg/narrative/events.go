package narrative

import (
	"github.com/google/uuid"

	"github.com/jwebster45206/adventure95/pkg/story"
)

// Event is an input to the Machine.
type Event interface {
	Name() string
}

// StartNewGame opens the new-game form.
type StartNewGame struct{}

// SubmitNewGame creates a game and generates its opening segment.
// An empty Title lets the server generate one.
type SubmitNewGame struct {
	Genre       story.Genre
	Title       string
	TotalTurns  int
	CharacterID *uuid.UUID
}

// RefreshGames loads the saved game list. Without Force a cached list is reused.
type RefreshGames struct {
	Force bool
}

// LoadExistingGame restores a saved game and its segment history.
type LoadExistingGame struct {
	ID uuid.UUID
}

// SubmitChoice advances the current game. Exactly one field must be set.
type SubmitChoice struct {
	OptionID   string
	CustomText string
}

// ReturnToLauncher abandons the current view and goes back to idle.
type ReturnToLauncher struct{}

// Retry re-runs the event that failed.
type Retry struct{}

// ClearError dismisses the error and restores the state before it.
type ClearError struct{}

// GenerateTitles fetches title suggestions while creating a game.
type GenerateTitles struct {
	Genre story.Genre
}

func (StartNewGame) Name() string     { return "startNewGame" }
func (SubmitNewGame) Name() string    { return "submitNewGame" }
func (RefreshGames) Name() string     { return "refreshGames" }
func (LoadExistingGame) Name() string { return "loadExistingGame" }
func (SubmitChoice) Name() string     { return "submitChoice" }
func (ReturnToLauncher) Name() string { return "returnToLauncher" }
func (Retry) Name() string            { return "retry" }
func (ClearError) Name() string       { return "clearError" }
func (GenerateTitles) Name() string   { return "generateTitles" }
