package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/adventure95/pkg/client"
	"github.com/jwebster45206/adventure95/pkg/resilience"
	"github.com/jwebster45206/adventure95/pkg/story"
)

// fakeAPI is an in-memory story server with call counters and failure hooks.
type fakeAPI struct {
	mu       sync.Mutex
	hasKey   bool
	games    map[uuid.UUID]*story.GameWithSegments
	listHits atomic.Int32
	advances atomic.Int32

	failNext  error
	advanceCh chan struct{} // when set, SubmitChoice blocks until it is closed
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{hasKey: true, games: make(map[uuid.UUID]*story.GameWithSegments)}
}

func (f *fakeAPI) takeFailure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeAPI) HasAPIKey() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasKey
}

func (f *fakeAPI) ListGames(ctx context.Context) ([]story.Game, error) {
	f.listHits.Add(1)
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]story.Game, 0, len(f.games))
	for _, g := range f.games {
		out = append(out, g.Game)
	}
	return out, nil
}

func (f *fakeAPI) GetGame(ctx context.Context, id uuid.UUID) (*story.GameWithSegments, error) {
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[id]
	if !ok {
		return nil, story.ErrGameNotFound
	}
	out := *g
	out.StorySegments = append([]story.Segment(nil), g.StorySegments...)
	return &out, nil
}

func (f *fakeAPI) CreateGame(ctx context.Context, ng client.NewGame) (*story.Game, error) {
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	g := story.NewGame(ng.Title, ng.Genre, ng.TotalTurns, ng.CharacterID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games[g.ID] = &story.GameWithSegments{Game: *g}
	return g, nil
}

func (f *fakeAPI) segment(g *story.GameWithSegments, choice *string) story.Segment {
	seq := len(g.StorySegments)
	seg := story.Segment{
		ID:             uuid.New(),
		GameID:         g.ID,
		SequenceNumber: seq,
		Content:        fmt.Sprintf("Scene %d", seq),
		UserChoice:     choice,
	}
	if !g.IsCompleted() {
		seg.Options = []story.Option{
			{ID: uuid.NewString(), Text: "Go left", Risk: story.RiskLow},
			{ID: uuid.NewString(), Text: "Go right", Risk: story.RiskHigh},
		}
	}
	g.StorySegments = append(g.StorySegments, seg)
	return seg
}

func (f *fakeAPI) StartGame(ctx context.Context, id uuid.UUID) (*client.StartResult, error) {
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[id]
	if !ok {
		return nil, story.ErrGameNotFound
	}
	if len(g.StorySegments) == 0 {
		f.segment(g, nil)
	}
	game, first := g.Game, g.StorySegments[0]
	return &client.StartResult{Game: &game, FirstSegment: &first}, nil
}

func (f *fakeAPI) SubmitChoice(ctx context.Context, id uuid.UUID, optionID, customText string) (*client.TurnResult, error) {
	f.advances.Add(1)
	f.mu.Lock()
	ch := f.advanceCh
	f.mu.Unlock()
	if ch != nil {
		<-ch
	}
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.games[id]
	choice := customText
	if optionID != "" {
		last := g.StorySegments[len(g.StorySegments)-1]
		opt, ok := last.FindOption(optionID)
		if !ok {
			return nil, &client.APIError{StatusCode: 409, Message: "stale option"}
		}
		choice = opt.Text
	}
	if g.ShouldEnd() {
		g.Status = story.StatusCompleted
	}
	g.TurnCount++
	seg := f.segment(g, &choice)
	game := g.Game
	return &client.TurnResult{Game: &game, Segment: &seg, Options: seg.Options}, nil
}

func (f *fakeAPI) GenerateTitles(ctx context.Context, genre story.Genre) ([]string, error) {
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	return []string{"The Hollow Crown", "Ashes"}, nil
}

func newTestMachine(t *testing.T) (*Machine, *fakeAPI, *[]Transition) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	api := newFakeAPI()
	m := New(api, logger)
	var mu sync.Mutex
	var seen []Transition
	m.Subscribe(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr)
	})
	return m, api, &seen
}

func newGame(t *testing.T, m *Machine, turns int) Snapshot {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.Dispatch(ctx, StartNewGame{}))
	require.NoError(t, m.Dispatch(ctx, SubmitNewGame{Genre: story.GenreFantasy, Title: "Cave", TotalTurns: turns}))
	snap := m.Snapshot()
	require.Equal(t, StatePlaying, snap.State)
	return snap
}

func TestMachine_NewGameToCompletion(t *testing.T) {
	m, _, seen := newTestMachine(t)
	ctx := context.Background()

	snap := newGame(t, m, 16)
	require.Len(t, snap.Segments, 1)
	assert.Equal(t, 0, snap.Game.TurnCount)

	var stages []Stage
	for _, tr := range *seen {
		if tr.To == StateLoading {
			stages = append(stages, tr.Snapshot.Stage)
		}
	}
	assert.Equal(t, []Stage{StageInitializing}, stages)

	for turn := 1; turn <= 16; turn++ {
		require.NoError(t, m.Dispatch(ctx, SubmitChoice{CustomText: "Enter the cave"}), "turn %d", turn)
		snap = m.Snapshot()
		assert.Equal(t, turn, snap.Game.TurnCount, "turn counter increments by one")
		assert.Len(t, snap.Segments, turn+1)
	}
	assert.Equal(t, StateCompleted, snap.State)
	assert.Empty(t, snap.Current().Options)

	err := m.Dispatch(ctx, SubmitChoice{CustomText: "more"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, m.Dispatch(ctx, ReturnToLauncher{}))
	snap = m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Game)
	assert.Nil(t, snap.Segments)
}

func TestMachine_OptionChoice(t *testing.T) {
	m, _, _ := newTestMachine(t)
	snap := newGame(t, m, 16)
	opt := snap.Current().Options[1]

	require.NoError(t, m.Dispatch(context.Background(), SubmitChoice{OptionID: opt.ID}))
	snap = m.Snapshot()
	assert.Equal(t, opt.Text, *snap.Current().UserChoice)
	assert.Equal(t, 1, snap.Game.TurnCount)
}

func TestMachine_LocalValidation(t *testing.T) {
	tests := []struct {
		name   string
		ev     SubmitChoice
		noKey  bool
		target error
	}{
		{"neither", SubmitChoice{}, false, story.ErrInvalidChoice},
		{"blank text", SubmitChoice{CustomText: "   "}, false, story.ErrInvalidChoice},
		{"both", SubmitChoice{OptionID: "x", CustomText: "y"}, false, story.ErrInvalidChoice},
		{"stale option", SubmitChoice{OptionID: "not-offered"}, false, story.ErrStaleOption},
		{"missing key", SubmitChoice{CustomText: "go"}, true, story.ErrMissingAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, api, _ := newTestMachine(t)
			before := newGame(t, m, 16)
			api.mu.Lock()
			api.hasKey = !tt.noKey
			api.mu.Unlock()

			err := m.Dispatch(context.Background(), tt.ev)
			assert.ErrorIs(t, err, tt.target)
			assert.Zero(t, api.advances.Load(), "no network call")

			snap := m.Snapshot()
			assert.Equal(t, StateError, snap.State)
			assert.NotEmpty(t, snap.Error)

			require.NoError(t, m.Dispatch(context.Background(), ClearError{}))
			after := m.Snapshot()
			assert.Equal(t, StatePlaying, after.State)
			assert.Equal(t, before.Segments, after.Segments)
		})
	}
}

func TestMachine_MissingKeyBlocksCreate(t *testing.T) {
	m, api, _ := newTestMachine(t)
	api.hasKey = false
	ctx := context.Background()

	require.NoError(t, m.Dispatch(ctx, StartNewGame{}))
	err := m.Dispatch(ctx, SubmitNewGame{Genre: story.GenreHorror})
	assert.ErrorIs(t, err, story.ErrMissingAPIKey)
	assert.Empty(t, api.games)

	err = m.Dispatch(ctx, GenerateTitles{Genre: story.GenreHorror})
	assert.ErrorIs(t, err, ErrInvalidTransition, "error state must be cleared first")
}

func TestMachine_ConcurrentSubmitIsRejected(t *testing.T) {
	m, api, _ := newTestMachine(t)
	newGame(t, m, 16)
	api.advanceCh = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- m.Dispatch(context.Background(), SubmitChoice{CustomText: "first"})
	}()
	require.Eventually(t, func() bool { return api.advances.Load() == 1 }, time.Second, 5*time.Millisecond)

	err := m.Dispatch(context.Background(), SubmitChoice{CustomText: "second"})
	assert.ErrorIs(t, err, ErrBusy)
	snap := m.Snapshot()
	assert.Equal(t, StateLoading, snap.State)
	assert.Equal(t, StageAdvancing, snap.Stage)

	close(api.advanceCh)
	require.NoError(t, <-done)
	snap = m.Snapshot()
	assert.Equal(t, 1, snap.Game.TurnCount)
	assert.Equal(t, int32(1), api.advances.Load())
}

func TestMachine_ErrorAndRetry(t *testing.T) {
	m, api, _ := newTestMachine(t)
	newGame(t, m, 16)
	ctx := context.Background()

	api.failNext = &client.APIError{StatusCode: 502, Message: "upstream failed"}
	err := m.Dispatch(ctx, SubmitChoice{CustomText: "jump"})
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Contains(t, snap.Error, "upstream failed")
	assert.Equal(t, SubmitChoice{CustomText: "jump"}, snap.FailedEvent)
	assert.Equal(t, 0, snap.Game.TurnCount)

	require.NoError(t, m.Dispatch(ctx, Retry{}))
	snap = m.Snapshot()
	assert.Equal(t, StatePlaying, snap.State)
	assert.Equal(t, 1, snap.Game.TurnCount)
	assert.Equal(t, "jump", *snap.Current().UserChoice)
}

func TestMachine_RateLimitedMessage(t *testing.T) {
	m, api, _ := newTestMachine(t)
	newGame(t, m, 16)

	api.failNext = fmt.Errorf("%w after 3 retries: %w", resilience.ErrRateLimited, &client.APIError{StatusCode: 429})
	err := m.Dispatch(context.Background(), SubmitChoice{CustomText: "wait"})
	assert.ErrorIs(t, err, resilience.ErrRateLimited)
	assert.Equal(t, RateLimitedMessage, m.Snapshot().Error)

	require.NoError(t, m.Dispatch(context.Background(), ReturnToLauncher{}))
	assert.Equal(t, StateIdle, m.Snapshot().State)
}

func TestMachine_StartFailureRetryResumesGame(t *testing.T) {
	m, api, _ := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, m.Dispatch(ctx, StartNewGame{}))

	// CreateGame succeeds, StartGame fails
	m.api = &onceFailing{api: api, err: errors.New("provider down")}

	err := m.Dispatch(ctx, SubmitNewGame{Genre: story.GenreMystery, Title: "Fog"})
	require.Error(t, err)
	snap := m.Snapshot()
	require.Equal(t, StateError, snap.State)
	require.IsType(t, LoadExistingGame{}, snap.FailedEvent)

	require.NoError(t, m.Dispatch(ctx, Retry{}))
	snap = m.Snapshot()
	assert.Equal(t, StatePlaying, snap.State)
	assert.Len(t, api.games, 1, "retry must not create a second game")
	assert.Len(t, snap.Segments, 1)
}

// onceFailing fails the first StartGame call.
type onceFailing struct {
	api    *fakeAPI
	err    error
	failed bool
}

func (o *onceFailing) HasAPIKey() bool { return o.api.HasAPIKey() }
func (o *onceFailing) ListGames(ctx context.Context) ([]story.Game, error) {
	return o.api.ListGames(ctx)
}
func (o *onceFailing) GetGame(ctx context.Context, id uuid.UUID) (*story.GameWithSegments, error) {
	return o.api.GetGame(ctx, id)
}
func (o *onceFailing) CreateGame(ctx context.Context, ng client.NewGame) (*story.Game, error) {
	return o.api.CreateGame(ctx, ng)
}
func (o *onceFailing) StartGame(ctx context.Context, id uuid.UUID) (*client.StartResult, error) {
	if !o.failed {
		o.failed = true
		return nil, o.err
	}
	return o.api.StartGame(ctx, id)
}
func (o *onceFailing) SubmitChoice(ctx context.Context, id uuid.UUID, optionID, customText string) (*client.TurnResult, error) {
	return o.api.SubmitChoice(ctx, id, optionID, customText)
}
func (o *onceFailing) GenerateTitles(ctx context.Context, genre story.Genre) ([]string, error) {
	return o.api.GenerateTitles(ctx, genre)
}

func TestMachine_BrowseAndLoad(t *testing.T) {
	m, api, _ := newTestMachine(t)
	ctx := context.Background()
	played := newGame(t, m, 16)
	require.NoError(t, m.Dispatch(ctx, SubmitChoice{CustomText: "look"}))
	require.NoError(t, m.Dispatch(ctx, ReturnToLauncher{}))

	require.NoError(t, m.Dispatch(ctx, RefreshGames{}))
	snap := m.Snapshot()
	assert.Equal(t, StateBrowsing, snap.State)
	require.Len(t, snap.Games, 1)
	assert.Equal(t, int32(1), api.listHits.Load())

	require.NoError(t, m.Dispatch(ctx, RefreshGames{}))
	assert.Equal(t, int32(1), api.listHits.Load(), "cached list is reused")
	require.NoError(t, m.Dispatch(ctx, RefreshGames{Force: true}))
	assert.Equal(t, int32(2), api.listHits.Load())

	require.NoError(t, m.Dispatch(ctx, LoadExistingGame{ID: played.Game.ID}))
	snap = m.Snapshot()
	assert.Equal(t, StatePlaying, snap.State)
	require.Len(t, snap.Segments, 2)
	assert.Equal(t, 1, snap.Current().SequenceNumber)
	assert.Len(t, snap.Current().Options, 2, "options of the latest segment are restored")

	require.NoError(t, m.Dispatch(ctx, ReturnToLauncher{}))
	err := m.Dispatch(ctx, LoadExistingGame{ID: uuid.New()})
	assert.ErrorIs(t, err, story.ErrGameNotFound)
	assert.Equal(t, StateError, m.Snapshot().State)
}

func TestMachine_LoadUnstartedGameInitializes(t *testing.T) {
	m, api, seen := newTestMachine(t)
	ctx := context.Background()
	g, err := api.CreateGame(ctx, client.NewGame{Genre: story.GenreWestern, Title: "Dust"})
	require.NoError(t, err)

	require.NoError(t, m.Dispatch(ctx, LoadExistingGame{ID: g.ID}))
	snap := m.Snapshot()
	assert.Equal(t, StatePlaying, snap.State)
	assert.Len(t, snap.Segments, 1)

	var stages []Stage
	for _, tr := range *seen {
		if tr.To == StateLoading {
			stages = append(stages, tr.Snapshot.Stage)
		}
	}
	assert.Equal(t, []Stage{StageRestoring, StageInitializing}, stages)
	for _, tr := range *seen {
		if tr.To == StatePlaying {
			assert.NotEmpty(t, tr.Snapshot.Segments, "playing is never entered without segments")
		}
	}
}

func TestMachine_GenerateTitles(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, m.Dispatch(ctx, StartNewGame{}))
	require.NoError(t, m.Dispatch(ctx, GenerateTitles{Genre: story.GenreFantasy}))
	snap := m.Snapshot()
	assert.Equal(t, StateCreating, snap.State)
	assert.Equal(t, []string{"The Hollow Crown", "Ashes"}, snap.Titles)
}

func TestMachine_InvalidTransitions(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.Dispatch(ctx, SubmitChoice{CustomText: "go"}), ErrInvalidTransition)
	assert.ErrorIs(t, m.Dispatch(ctx, SubmitNewGame{Genre: story.GenreFantasy}), ErrInvalidTransition)
	assert.ErrorIs(t, m.Dispatch(ctx, Retry{}), ErrInvalidTransition)
	assert.Equal(t, StateIdle, m.Snapshot().State)
}

func TestMachine_SnapshotIsACopy(t *testing.T) {
	m, _, _ := newTestMachine(t)
	snap := newGame(t, m, 16)
	snap.Game.TurnCount = 99
	snap.Segments[0].Options[0].Text = "tampered"
	snap.Segments = append(snap.Segments, story.Segment{})

	again := m.Snapshot()
	assert.Equal(t, 0, again.Game.TurnCount)
	assert.Len(t, again.Segments, 1)
	assert.NotEqual(t, "tampered", again.Segments[0].Options[0].Text)
}

func TestMachine_ReturnDuringLoadDropsResult(t *testing.T) {
	m, api, _ := newTestMachine(t)
	newGame(t, m, 16)
	api.advanceCh = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- m.Dispatch(context.Background(), SubmitChoice{CustomText: "late"})
	}()
	require.Eventually(t, func() bool { return api.advances.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Dispatch(context.Background(), ReturnToLauncher{}))
	close(api.advanceCh)
	require.NoError(t, <-done)

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Game)
}

func TestAppendSegment(t *testing.T) {
	log := []story.Segment{{SequenceNumber: 0}, {SequenceNumber: 1}}

	assert.Len(t, appendSegment(log, story.Segment{SequenceNumber: 1}), 2, "duplicate ignored")
	assert.Len(t, appendSegment(log, story.Segment{SequenceNumber: 2}), 3)
	assert.Nil(t, appendSegment(log, story.Segment{SequenceNumber: 4}), "gap")
	assert.Len(t, appendSegment(nil, story.Segment{SequenceNumber: 0}), 1)
}
