package story

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTotalTurns is the number of turns a game runs when the creator does not say otherwise.
const DefaultTotalTurns = 16

// Genre is the setting a game is written in.
type Genre string

const (
	GenreFantasy   Genre = "fantasy"
	GenreMystery   Genre = "mystery"
	GenreSciFi     Genre = "scifi"
	GenreHorror    Genre = "horror"
	GenreAdventure Genre = "adventure"
	GenreWestern   Genre = "western"
)

// Genres lists every supported genre in display order.
var Genres = []Genre{GenreFantasy, GenreMystery, GenreSciFi, GenreHorror, GenreAdventure, GenreWestern}

// ParseGenre validates a genre name, ignoring case and surrounding space.
func ParseGenre(s string) (Genre, error) {
	g := Genre(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Genres {
		if g == known {
			return g, nil
		}
	}
	return "", fmt.Errorf("unknown genre %q", s)
}

// GameStatus is the persisted lifecycle status of a game.
type GameStatus string

const (
	StatusActive    GameStatus = "ACTIVE"
	StatusCompleted GameStatus = "COMPLETED"
)

// Risk is a coarse danger tag attached to a player option.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// ParseRisk uppercases s and falls back to MEDIUM for anything unrecognized.
func ParseRisk(s string) Risk {
	switch r := Risk(strings.ToUpper(strings.TrimSpace(s))); r {
	case RiskLow, RiskMedium, RiskHigh:
		return r
	default:
		return RiskMedium
	}
}

// Relationship is an NPC's disposition toward the player.
type Relationship string

const (
	RelationshipFriendly Relationship = "FRIENDLY"
	RelationshipNeutral  Relationship = "NEUTRAL"
	RelationshipHostile  Relationship = "HOSTILE"
)

// ParseRelationship uppercases s and falls back to NEUTRAL for anything unrecognized.
func ParseRelationship(s string) Relationship {
	switch r := Relationship(strings.ToUpper(strings.TrimSpace(s))); r {
	case RelationshipFriendly, RelationshipNeutral, RelationshipHostile:
		return r
	default:
		return RelationshipNeutral
	}
}

// Game is the persisted record of one playthrough.
type Game struct {
	ID             uuid.UUID  `json:"id"`
	Title          string     `json:"title"`
	Genre          Genre      `json:"genre"`
	Status         GameStatus `json:"status"`
	TurnCount      int        `json:"turnCount"`
	TotalTurns     int        `json:"totalTurns"`
	CharacterID    *uuid.UUID `json:"characterId,omitempty"`
	NarrativeStage Stage      `json:"narrativeStage"`
	Items          []Item     `json:"items,omitempty"`
	NPCs           []NPC      `json:"npcs,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastPlayedAt   time.Time  `json:"lastPlayedAt"`
}

// NewGame returns an ACTIVE game at turn zero.
func NewGame(title string, genre Genre, totalTurns int, characterID *uuid.UUID) *Game {
	if totalTurns <= 0 {
		totalTurns = DefaultTotalTurns
	}
	now := time.Now().UTC()
	return &Game{
		ID:             uuid.New(),
		Title:          strings.TrimSpace(title),
		Genre:          genre,
		Status:         StatusActive,
		TotalTurns:     totalTurns,
		CharacterID:    characterID,
		NarrativeStage: StageFor(0, totalTurns),
		CreatedAt:      now,
		LastPlayedAt:   now,
	}
}

// IsCompleted reports whether the game can no longer take turns.
func (g *Game) IsCompleted() bool {
	return g.Status == StatusCompleted
}

// ShouldEnd reports whether the next generated segment must be the ending.
// The final segment is the one produced by the turn that brings TurnCount to TotalTurns.
func (g *Game) ShouldEnd() bool {
	return g.TurnCount+1 >= g.TotalTurns
}

// GameWithSegments is a game together with its ordered segment log.
type GameWithSegments struct {
	Game
	StorySegments []Segment `json:"storySegments"`
}

// Option is one player-facing choice offered by a segment.
type Option struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
	Risk Risk   `json:"risk"`
}

// Segment is one turn of generated narrative.
type Segment struct {
	ID              uuid.UUID `json:"id"`
	GameID          uuid.UUID `json:"gameId"`
	SequenceNumber  int       `json:"sequenceNumber"`
	Content         string    `json:"content"`
	LocationContext string    `json:"locationContext"`
	UserChoice      *string   `json:"userChoice"`
	Options         []Option  `json:"options"`
	CreatedAt       time.Time `json:"createdAt"`
}

// IsTerminal reports whether the segment offers no further choices.
func (s *Segment) IsTerminal() bool {
	return len(s.Options) == 0
}

// FindOption returns the option with the given id.
func (s *Segment) FindOption(id string) (Option, bool) {
	for _, o := range s.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// PlayerCharacter is the user-authored protagonist.
type PlayerCharacter struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Gender string    `json:"gender,omitempty"`
	Traits []string  `json:"traits,omitempty"`
	Bio    string    `json:"bio,omitempty"`
	Genre  Genre     `json:"genre,omitempty"`
}

// Generated is a normalized model reply before it is attached to a game.
type Generated struct {
	Content         string       `json:"content"`
	Options         []Option     `json:"options"`
	NewItems        []ItemUpdate `json:"newItems"`
	NewCharacters   []NPCUpdate  `json:"newCharacters"`
	LocationContext string       `json:"locationContext"`

	// Ending is set when the reply was parsed as the closing segment.
	Ending bool `json:"isEnding,omitempty"`
}

var (
	ErrMissingAPIKey = errors.New("an LLM API key is required")
	ErrInvalidChoice = errors.New("exactly one of option id or custom text is required")
	ErrStaleOption   = errors.New("option is not offered by the current segment")
	ErrGameCompleted = errors.New("game is already completed")
	ErrGameNotFound  = errors.New("game not found")
	ErrNotStarted    = errors.New("game has not been started")
	ErrTurnInFlight  = errors.New("a turn is already being generated for this game")
)

// Clone returns a deep copy of g.
func (g Game) Clone() Game {
	if g.CharacterID != nil {
		id := *g.CharacterID
		g.CharacterID = &id
	}
	if g.Items != nil {
		items := make([]Item, len(g.Items))
		for i, it := range g.Items {
			it.History = append([]EntityChange(nil), it.History...)
			items[i] = it
		}
		g.Items = items
	}
	if g.NPCs != nil {
		npcs := make([]NPC, len(g.NPCs))
		for i, n := range g.NPCs {
			n.History = append([]EntityChange(nil), n.History...)
			npcs[i] = n
		}
		g.NPCs = npcs
	}
	return g
}

// Clone returns a deep copy of s.
func (s Segment) Clone() Segment {
	if s.UserChoice != nil {
		c := *s.UserChoice
		s.UserChoice = &c
	}
	if s.Options != nil {
		s.Options = append([]Option(nil), s.Options...)
	}
	return s
}
