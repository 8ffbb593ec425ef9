// Package narrative drives a player's session through game creation,
// browsing, loading and play.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jwebster45206/adventure95/pkg/client"
	"github.com/jwebster45206/adventure95/pkg/resilience"
	"github.com/jwebster45206/adventure95/pkg/story"
)

// State is the top-level state of a session.
type State string

const (
	StateIdle      State = "idle"
	StateCreating  State = "creating"
	StateBrowsing  State = "browsing"
	StateLoading   State = "loading"
	StatePlaying   State = "playing"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Stage qualifies StateLoading.
type Stage string

const (
	StageNone         Stage = ""
	StageInitializing Stage = "initializing"
	StageRestoring    Stage = "restoring"
	StageAdvancing    Stage = "advancing"
)

// RateLimitedMessage is shown when retries ran out on rate limiting.
const RateLimitedMessage = "rate limited"

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrBusy              = errors.New("a request is already in flight")
	ErrNoSegments        = errors.New("game has no segments")

	errNoChange = errors.New("no change")
)

// API is the part of the story API the machine uses. *client.Client
// implements it.
type API interface {
	HasAPIKey() bool
	ListGames(ctx context.Context) ([]story.Game, error)
	GetGame(ctx context.Context, id uuid.UUID) (*story.GameWithSegments, error)
	CreateGame(ctx context.Context, ng client.NewGame) (*story.Game, error)
	StartGame(ctx context.Context, id uuid.UUID) (*client.StartResult, error)
	SubmitChoice(ctx context.Context, id uuid.UUID, optionID, customText string) (*client.TurnResult, error)
	GenerateTitles(ctx context.Context, genre story.Genre) ([]string, error)
}

// Snapshot is a copy of the machine's state. Mutating it has no effect on
// the machine.
type Snapshot struct {
	State       State
	Stage       Stage
	Game        *story.Game
	Segments    []story.Segment
	Games       []story.Game
	Titles      []string
	Error       string
	FailedEvent Event
}

// Current returns the most recent segment, or nil.
func (s Snapshot) Current() *story.Segment {
	if len(s.Segments) == 0 {
		return nil
	}
	seg := s.Segments[len(s.Segments)-1]
	return &seg
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Game != nil {
		g := s.Game.Clone()
		out.Game = &g
	}
	if s.Segments != nil {
		out.Segments = make([]story.Segment, len(s.Segments))
		for i, seg := range s.Segments {
			out.Segments[i] = seg.Clone()
		}
	}
	if s.Games != nil {
		out.Games = make([]story.Game, len(s.Games))
		for i, g := range s.Games {
			out.Games[i] = g.Clone()
		}
	}
	out.Titles = append([]string(nil), s.Titles...)
	return out
}

// Transition is delivered to observers after every state change.
type Transition struct {
	From     State
	To       State
	Event    Event
	Snapshot Snapshot
}

type observer struct {
	id int
	fn func(Transition)
}

// Machine is the narrative state machine. Dispatch may be called from any
// goroutine; observers run on the dispatching goroutine, outside the lock.
type Machine struct {
	api    API
	logger *slog.Logger

	mu          sync.Mutex
	snap        Snapshot
	resume      Snapshot
	gamesCached bool
	// epoch changes whenever the session is abandoned so late results are dropped.
	epoch     int
	observers []observer
	nextObsID int
}

// New returns a machine in StateIdle.
func New(api API, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		api:    api,
		logger: logger,
		snap:   Snapshot{State: StateIdle},
	}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone()
}

// Subscribe registers fn for every transition and returns its cancel func.
func (m *Machine) Subscribe(fn func(Transition)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObsID++
	id := m.nextObsID
	m.observers = append(m.observers, observer{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Dispatch applies ev and blocks until any network work it starts is done.
func (m *Machine) Dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case StartNewGame:
		return m.startNewGame(e)
	case SubmitNewGame:
		return m.submitNewGame(ctx, e)
	case RefreshGames:
		return m.refreshGames(ctx, e)
	case LoadExistingGame:
		return m.loadExistingGame(ctx, e)
	case SubmitChoice:
		return m.submitChoice(ctx, e)
	case ReturnToLauncher:
		return m.returnToLauncher(e)
	case Retry:
		return m.retry(ctx, e)
	case ClearError:
		return m.clearError(e)
	case GenerateTitles:
		return m.generateTitles(ctx, e)
	}
	return fmt.Errorf("%w: unknown event %T", ErrInvalidTransition, ev)
}

func (m *Machine) startNewGame(ev StartNewGame) error {
	return m.update(ev, func(s *Snapshot) error {
		if err := guard(s.State, StateIdle, StateBrowsing, StateCompleted); err != nil {
			return err
		}
		*s = Snapshot{State: StateCreating, Games: s.Games}
		return nil
	})
}

func (m *Machine) submitNewGame(ctx context.Context, ev SubmitNewGame) error {
	epoch, prev, err := m.check(ev, StateCreating)
	if err != nil {
		return err
	}
	if !m.api.HasAPIKey() {
		return m.fail(ev, epoch, prev, story.ErrMissingAPIKey)
	}
	if _, err := story.ParseGenre(string(ev.Genre)); err != nil {
		return m.fail(ev, epoch, prev, err)
	}
	if err := m.enterLoading(ev, epoch, prev.State, StageInitializing); err != nil {
		return err
	}

	g, err := m.api.CreateGame(ctx, client.NewGame{
		Genre:       ev.Genre,
		Title:       ev.Title,
		TotalTurns:  ev.TotalTurns,
		CharacterID: ev.CharacterID,
	})
	if err != nil {
		return m.fail(ev, epoch, prev, err)
	}
	m.invalidateGames()

	res, err := m.api.StartGame(ctx, g.ID)
	if err != nil {
		// the game exists now; retrying resumes it instead of creating another
		return m.fail(LoadExistingGame{ID: g.ID}, epoch, prev, err)
	}
	return m.enterGame(ev, epoch, prev, res.Game, []story.Segment{*res.FirstSegment})
}

func (m *Machine) refreshGames(ctx context.Context, ev RefreshGames) error {
	epoch, prev, err := m.check(ev, StateIdle, StateCreating, StateBrowsing, StateCompleted)
	if err != nil {
		return err
	}

	m.mu.Lock()
	cached := m.gamesCached && !ev.Force
	m.mu.Unlock()
	if cached {
		return m.update(ev, func(s *Snapshot) error {
			*s = Snapshot{State: StateBrowsing, Games: s.Games}
			return nil
		})
	}

	games, err := m.api.ListGames(ctx)
	if err != nil {
		return m.fail(ev, epoch, prev, err)
	}
	return m.update(ev, func(s *Snapshot) error {
		if m.epoch != epoch {
			return errNoChange
		}
		if games == nil {
			games = []story.Game{}
		}
		*s = Snapshot{State: StateBrowsing, Games: games}
		m.gamesCached = true
		return nil
	})
}

func (m *Machine) loadExistingGame(ctx context.Context, ev LoadExistingGame) error {
	epoch, prev, err := m.check(ev, StateIdle, StateCreating, StateBrowsing, StateCompleted)
	if err != nil {
		return err
	}
	if err := m.enterLoading(ev, epoch, prev.State, StageRestoring); err != nil {
		return err
	}

	full, err := m.api.GetGame(ctx, ev.ID)
	if err != nil {
		return m.fail(ev, epoch, prev, err)
	}
	game, segments := full.Game, full.StorySegments
	if len(segments) == 0 {
		if !m.api.HasAPIKey() {
			return m.fail(ev, epoch, prev, story.ErrMissingAPIKey)
		}
		if err := m.enterLoading(ev, epoch, StateLoading, StageInitializing); err != nil {
			return err
		}
		res, err := m.api.StartGame(ctx, ev.ID)
		if err != nil {
			return m.fail(ev, epoch, prev, err)
		}
		game, segments = *res.Game, []story.Segment{*res.FirstSegment}
	}
	return m.enterGame(ev, epoch, prev, &game, segments)
}

func (m *Machine) submitChoice(ctx context.Context, ev SubmitChoice) error {
	epoch, prev, err := m.check(ev, StatePlaying)
	if err != nil {
		return err
	}

	optionID := strings.TrimSpace(ev.OptionID)
	customText := strings.TrimSpace(ev.CustomText)
	if (optionID == "") == (customText == "") {
		return m.fail(ev, epoch, prev, story.ErrInvalidChoice)
	}
	if !m.api.HasAPIKey() {
		return m.fail(ev, epoch, prev, story.ErrMissingAPIKey)
	}
	if prev.Game.IsCompleted() {
		return m.fail(ev, epoch, prev, story.ErrGameCompleted)
	}
	if optionID != "" {
		if _, ok := prev.Current().FindOption(optionID); !ok {
			return m.fail(ev, epoch, prev, fmt.Errorf("%w: %s", story.ErrStaleOption, optionID))
		}
	}
	if err := m.enterLoading(ev, epoch, prev.State, StageAdvancing); err != nil {
		return err
	}

	gameID := prev.Game.ID
	res, err := m.api.SubmitChoice(ctx, gameID, optionID, customText)
	if err != nil {
		return m.fail(ev, epoch, prev, err)
	}
	m.invalidateGames()

	segments := appendSegment(prev.Segments, *res.Segment)
	if segments == nil {
		// a gap in sequence numbers means we missed a turn; reload the log
		full, err := m.api.GetGame(ctx, gameID)
		if err != nil {
			return m.fail(ev, epoch, prev, err)
		}
		segments = full.StorySegments
	}

	game := res.Game
	if game == nil || game.TurnCount < prev.Game.TurnCount {
		game = prev.Game
	}
	return m.enterGame(ev, epoch, prev, game, segments)
}

// appendSegment adds seg to log by sequence number. A segment already in the
// log is ignored. It returns nil when seg does not follow the log directly.
func appendSegment(log []story.Segment, seg story.Segment) []story.Segment {
	next := 0
	if len(log) > 0 {
		next = log[len(log)-1].SequenceNumber + 1
	}
	switch {
	case seg.SequenceNumber < next:
		return log
	case seg.SequenceNumber == next:
		out := make([]story.Segment, len(log), len(log)+1)
		copy(out, log)
		return append(out, seg)
	default:
		return nil
	}
}

func (m *Machine) returnToLauncher(ev ReturnToLauncher) error {
	return m.update(ev, func(s *Snapshot) error {
		m.epoch++
		m.resume = Snapshot{}
		*s = Snapshot{State: StateIdle, Games: s.Games}
		return nil
	})
}

func (m *Machine) retry(ctx context.Context, ev Retry) error {
	var failed Event
	err := m.update(ev, func(s *Snapshot) error {
		if err := guard(s.State, StateError); err != nil {
			return err
		}
		failed = s.FailedEvent
		*s = m.resume
		return nil
	})
	if err != nil {
		return err
	}
	if failed == nil {
		return nil
	}
	m.logger.Debug("retrying failed event", "event", failed.Name())
	return m.Dispatch(ctx, failed)
}

func (m *Machine) clearError(ev ClearError) error {
	return m.update(ev, func(s *Snapshot) error {
		if err := guard(s.State, StateError); err != nil {
			return err
		}
		*s = m.resume
		return nil
	})
}

func (m *Machine) generateTitles(ctx context.Context, ev GenerateTitles) error {
	epoch, prev, err := m.check(ev, StateCreating)
	if err != nil {
		return err
	}
	if !m.api.HasAPIKey() {
		return m.fail(ev, epoch, prev, story.ErrMissingAPIKey)
	}
	titles, err := m.api.GenerateTitles(ctx, ev.Genre)
	if err != nil {
		return m.fail(ev, epoch, prev, err)
	}
	return m.update(ev, func(s *Snapshot) error {
		if m.epoch != epoch || s.State != StateCreating {
			return errNoChange
		}
		s.Titles = titles
		return nil
	})
}

// check verifies ev is allowed now and returns the epoch and state it starts from.
func (m *Machine) check(ev Event, allowed ...State) (int, Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := guard(m.snap.State, allowed...); err != nil {
		m.logger.Debug("event rejected", "event", ev.Name(), "state", m.snap.State)
		return 0, Snapshot{}, err
	}
	return m.epoch, m.snap.clone(), nil
}

// enterLoading moves from the state the event was checked in to loading.
func (m *Machine) enterLoading(ev Event, epoch int, from State, stage Stage) error {
	return m.update(ev, func(s *Snapshot) error {
		if m.epoch != epoch {
			return fmt.Errorf("%w: session was abandoned", ErrInvalidTransition)
		}
		if s.State != from {
			return ErrBusy
		}
		s.State = StateLoading
		s.Stage = stage
		return nil
	})
}

// enterGame moves to playing, or completed when the game has ended.
func (m *Machine) enterGame(ev Event, epoch int, prev Snapshot, game *story.Game, segments []story.Segment) error {
	if game == nil || len(segments) == 0 {
		return m.fail(ev, epoch, prev, ErrNoSegments)
	}
	return m.update(ev, func(s *Snapshot) error {
		if m.epoch != epoch {
			m.logger.Debug("dropping result of abandoned session", "event", ev.Name())
			return errNoChange
		}
		state := StatePlaying
		if game.IsCompleted() || len(segments[len(segments)-1].Options) == 0 {
			state = StateCompleted
		}
		*s = Snapshot{State: state, Game: game, Segments: segments, Games: s.Games}
		return nil
	})
}

// fail enters StateError, remembering ev for Retry and prev for ClearError.
func (m *Machine) fail(ev Event, epoch int, prev Snapshot, cause error) error {
	msg := cause.Error()
	if errors.Is(cause, resilience.ErrRateLimited) {
		msg = RateLimitedMessage
	}
	m.logger.Warn("narrative event failed", "event", ev.Name(), "error", cause)

	_ = m.update(ev, func(s *Snapshot) error {
		if m.epoch != epoch {
			return errNoChange
		}
		m.resume = prev
		next := prev.clone()
		next.State = StateError
		next.Stage = StageNone
		next.Error = msg
		next.FailedEvent = ev
		*s = next
		return nil
	})
	return cause
}

func (m *Machine) invalidateGames() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gamesCached = false
}

// update mutates the snapshot under the lock and notifies observers when the
// mutation succeeds.
func (m *Machine) update(ev Event, mutate func(*Snapshot) error) error {
	m.mu.Lock()
	from := m.snap.State
	if err := mutate(&m.snap); err != nil {
		m.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	t := Transition{From: from, To: m.snap.State, Event: ev, Snapshot: m.snap.clone()}
	observers := append([]observer(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range observers {
		o.fn(t)
	}
	return nil
}

func guard(current State, allowed ...State) error {
	if current == StateLoading {
		return ErrBusy
	}
	for _, s := range allowed {
		if current == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidTransition, current)
}
