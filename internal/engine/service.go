package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwebster45206/adventure95/internal/logger"
	"github.com/jwebster45206/adventure95/internal/services"
	"github.com/jwebster45206/adventure95/internal/services/events"
	"github.com/jwebster45206/adventure95/internal/storage"
	"github.com/jwebster45206/adventure95/pkg/parser"
	"github.com/jwebster45206/adventure95/pkg/prompts"
	"github.com/jwebster45206/adventure95/pkg/story"
)

// ErrInvalidCharacter is returned for a character without a name.
var ErrInvalidCharacter = errors.New("character name is required")

// Config holds story generation settings.
type Config struct {
	TotalTurns int
	History    prompts.HistoryPolicy
	LockTTL    time.Duration
}

// CreateGameRequest describes a new game. Title is generated when empty.
type CreateGameRequest struct {
	Genre       story.Genre
	TotalTurns  int
	Title       string
	CharacterID *uuid.UUID
}

// Choice is the player's move: exactly one field must be set.
type Choice struct {
	OptionID   string
	CustomText string
}

// Validate rejects a choice with neither or both fields set.
func (c Choice) Validate() error {
	hasOption := strings.TrimSpace(c.OptionID) != ""
	hasText := strings.TrimSpace(c.CustomText) != ""
	if hasOption == hasText {
		return story.ErrInvalidChoice
	}
	return nil
}

// TurnResult is the outcome of StartGame or AdvanceGame.
type TurnResult struct {
	Game    *story.Game
	Segment *story.Segment
}

// Service runs the server side of the narrative: it builds prompts, calls
// the LLM, parses replies and appends segments under a per-game lock.
type Service struct {
	store  storage.Storage
	llm    services.LLMService
	events events.Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a story service. pub may be nil.
func NewService(store storage.Storage, llm services.LLMService, pub events.Publisher, cfg Config, logger *slog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.TotalTurns <= 0 {
		cfg.TotalTurns = story.DefaultTotalTurns
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = storage.DefaultLockTTL
	}
	return &Service{
		store:  store,
		llm:    llm,
		events: pub,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateGame persists a new ACTIVE game at turn zero.
func (s *Service) CreateGame(ctx context.Context, req CreateGameRequest, opts services.CompletionOptions) (*story.Game, error) {
	if req.CharacterID != nil {
		if _, err := s.store.LoadCharacter(ctx, *req.CharacterID); err != nil {
			return nil, fmt.Errorf("character %s: %w", req.CharacterID, err)
		}
	}

	turns := req.TotalTurns
	if turns <= 0 {
		turns = s.cfg.TotalTurns
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		titles, err := s.GenerateTitles(ctx, req.Genre, opts)
		if err != nil {
			return nil, err
		}
		title = titles[0]
	}

	g := story.NewGame(title, req.Genre, turns, req.CharacterID)
	now := s.now()
	g.CreatedAt, g.LastPlayedAt = now, now
	if err := s.store.SaveGame(ctx, g); err != nil {
		return nil, fmt.Errorf("failed to save game: %w", err)
	}

	s.gameLog(g.ID).Info("Game created", "genre", g.Genre, "total_turns", g.TotalTurns)
	return g, nil
}

// GenerateTitles asks the LLM for up to five titles. It never returns an
// empty list without an error.
func (s *Service) GenerateTitles(ctx context.Context, genre story.Genre, opts services.CompletionOptions) ([]string, error) {
	raw, err := s.llm.Complete(ctx, prompts.BuildTitlePrompt(genre), prompts.TitleSystemPrompt, opts)
	if err != nil {
		return nil, fmt.Errorf("title generation failed: %w", err)
	}
	titles := parser.ParseTitles(raw)
	if len(titles) == 0 {
		s.logger.Warn("Title reply held no titles, using fallback", "genre", genre)
		titles = []string{fallbackTitle(genre)}
	}
	return titles, nil
}

// StartGame generates the opening segment. Starting an already started game
// returns its opening segment unchanged.
func (s *Service) StartGame(ctx context.Context, id uuid.UUID, opts services.CompletionOptions) (*TurnResult, error) {
	release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	g, err := s.store.LoadGame(ctx, id)
	if err != nil {
		return nil, err
	}
	segments, err := s.store.ListSegments(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		s.gameLog(id).Debug("Game already started")
		return &TurnResult{Game: g, Segment: &segments[0]}, nil
	}

	var character *story.PlayerCharacter
	if g.CharacterID != nil {
		character = s.loadCharacter(ctx, *g.CharacterID)
	}

	_ = s.events.PublishTurnStarted(ctx, id, 0)
	prompt := prompts.BuildInitialPrompt(g, character)
	seg, gen, err := s.generate(ctx, g, prompt, nil, 0, false, opts)
	if err != nil {
		_ = s.events.PublishTurnFailed(ctx, id, err.Error())
		return nil, err
	}

	g.ApplyEntities(gen.NewItems, gen.NewCharacters, 0)
	g.LastPlayedAt = s.now()
	if err := s.commit(ctx, g, seg); err != nil {
		return nil, err
	}
	return &TurnResult{Game: g, Segment: seg}, nil
}

// AdvanceGame applies the player's choice and generates the next segment.
// The turn that brings TurnCount to TotalTurns produces the ending, which
// offers no options and completes the game.
func (s *Service) AdvanceGame(ctx context.Context, id uuid.UUID, choice Choice, opts services.CompletionOptions) (*TurnResult, error) {
	if err := choice.Validate(); err != nil {
		return nil, err
	}

	release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	g, err := s.store.LoadGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.IsCompleted() {
		return nil, story.ErrGameCompleted
	}
	segments, err := s.store.ListSegments(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, story.ErrNotStarted
	}

	current := segments[len(segments)-1]
	chosen := strings.TrimSpace(choice.CustomText)
	if optionID := strings.TrimSpace(choice.OptionID); optionID != "" {
		opt, ok := current.FindOption(optionID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", story.ErrStaleOption, optionID)
		}
		chosen = opt.Text
	}

	var character *story.PlayerCharacter
	if g.CharacterID != nil {
		character = s.loadCharacter(ctx, *g.CharacterID)
	}

	shouldEnd := g.ShouldEnd()
	prompt, err := prompts.BuildContinuationPrompt(prompts.Context{
		Game:      g,
		Character: character,
		Segments:  segments,
		Policy:    s.cfg.History,
	}, chosen, shouldEnd)
	if err != nil {
		return nil, err
	}

	turn := g.TurnCount + 1
	_ = s.events.PublishTurnStarted(ctx, id, turn)
	seg, gen, err := s.generate(ctx, g, prompt, &chosen, len(segments), shouldEnd, opts)
	if err != nil {
		_ = s.events.PublishTurnFailed(ctx, id, err.Error())
		return nil, err
	}

	g.TurnCount = turn
	g.NarrativeStage = story.StageFor(turn, g.TotalTurns)
	g.LastPlayedAt = s.now()
	g.ApplyEntities(gen.NewItems, gen.NewCharacters, turn)
	if shouldEnd {
		g.Status = story.StatusCompleted
	}
	if err := s.commit(ctx, g, seg); err != nil {
		return nil, err
	}
	if g.IsCompleted() {
		s.gameLog(id).Info("Game completed", "turns", g.TurnCount)
		_ = s.events.PublishGameCompleted(ctx, id, g.TurnCount)
	}
	return &TurnResult{Game: g, Segment: seg}, nil
}

// GetGame returns a game with its full segment log.
func (s *Service) GetGame(ctx context.Context, id uuid.UUID) (*story.GameWithSegments, error) {
	g, err := s.store.LoadGame(ctx, id)
	if err != nil {
		return nil, err
	}
	segments, err := s.store.ListSegments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &story.GameWithSegments{Game: *g, StorySegments: segments}, nil
}

// ListGames returns every game, most recently played first.
func (s *Service) ListGames(ctx context.Context) ([]story.Game, error) {
	return s.store.ListGames(ctx)
}

// CreateCharacter stores a player character for later attachment to games.
func (s *Service) CreateCharacter(ctx context.Context, pc story.PlayerCharacter) (*story.PlayerCharacter, error) {
	pc.Name = strings.TrimSpace(pc.Name)
	if pc.Name == "" {
		return nil, ErrInvalidCharacter
	}
	if pc.ID == uuid.Nil {
		pc.ID = uuid.New()
	}
	if err := s.store.SaveCharacter(ctx, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

// generate calls the LLM and turns the reply into an unsaved segment.
func (s *Service) generate(ctx context.Context, g *story.Game, prompt string, choice *string, seq int, ending bool, opts services.CompletionOptions) (*story.Segment, *story.Generated, error) {
	raw, err := s.llm.Complete(ctx, prompt, prompts.SystemPrompt, opts)
	if err != nil {
		s.gameLog(g.ID).Error("Segment generation failed", "sequence", seq, "error", err)
		return nil, nil, fmt.Errorf("segment generation failed: %w", err)
	}

	gen, _ := parser.Parse(raw, ending)
	options := make([]story.Option, len(gen.Options))
	for i, o := range gen.Options {
		o.ID = uuid.NewString()
		options[i] = o
	}

	return &story.Segment{
		ID:              uuid.New(),
		GameID:          g.ID,
		SequenceNumber:  seq,
		Content:         gen.Content,
		LocationContext: gen.LocationContext,
		UserChoice:      choice,
		Options:         options,
		CreatedAt:       s.now(),
	}, gen, nil
}

// commit appends the segment before saving the game so a conflicting
// append leaves the game untouched. A failed save backs the append out.
func (s *Service) commit(ctx context.Context, g *story.Game, seg *story.Segment) error {
	if err := s.store.AppendSegment(ctx, seg); err != nil {
		if errors.Is(err, storage.ErrSequenceConflict) {
			return fmt.Errorf("%w: %v", story.ErrTurnInFlight, err)
		}
		return err
	}
	if err := s.store.SaveGame(ctx, g); err != nil {
		undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if undoErr := s.store.UndoAppend(undoCtx, g.ID, seg.SequenceNumber); undoErr != nil {
			s.gameLog(g.ID).Error("Orphaned segment left in log",
				"sequence", seg.SequenceNumber,
				"error", undoErr)
		}
		return fmt.Errorf("failed to save game: %w", err)
	}
	_ = s.events.PublishSegmentCreated(ctx, g.ID, seg.SequenceNumber, seg.LocationContext, g.TurnCount)
	s.gameLog(g.ID).Info("Segment appended",
		"sequence", seg.SequenceNumber,
		"turn", g.TurnCount,
		"location", seg.LocationContext,
		"options", len(seg.Options))
	return nil
}

func (s *Service) gameLog(id uuid.UUID) *slog.Logger {
	return logger.WithGame(s.logger, id.String())
}

// lock takes the per-game turn lock and returns its release func.
func (s *Service) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	owner := uuid.NewString()
	ok, err := s.store.AcquireLock(ctx, id, owner, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.gameLog(id).Warn("Turn already in flight")
		return nil, story.ErrTurnInFlight
	}
	return func() {
		// release even if the request context is gone
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.store.ReleaseLock(releaseCtx, id, owner); err != nil {
			s.gameLog(id).Error("Failed to release game lock", "error", err)
		}
	}, nil
}

func (s *Service) loadCharacter(ctx context.Context, id uuid.UUID) *story.PlayerCharacter {
	pc, err := s.store.LoadCharacter(ctx, id)
	if err != nil {
		s.logger.Warn("Attached character unavailable", "character_id", id, "error", err)
		return nil
	}
	return pc
}

func fallbackTitle(genre story.Genre) string {
	switch genre {
	case story.GenreSciFi:
		return "Untitled Sci-Fi Adventure"
	case "":
		return "Untitled Adventure"
	default:
		return "Untitled " + strings.ToUpper(string(genre[:1])) + string(genre[1:]) + " Adventure"
	}
}
