package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwebster45206/adventure95/pkg/story"
)

// MockStorage is a mock implementation of Storage for testing
type MockStorage struct {
	mu         sync.RWMutex
	games      map[uuid.UUID]story.Game
	segments   map[uuid.UUID][]story.Segment
	characters map[uuid.UUID]story.PlayerCharacter
	locks      map[uuid.UUID]string
	pingError  error
	saveError  error
}

// Ensure MockStorage implements Storage interface
var _ Storage = (*MockStorage)(nil)

// NewMockStorage creates a new mock storage
func NewMockStorage() *MockStorage {
	return &MockStorage{
		games:      make(map[uuid.UUID]story.Game),
		segments:   make(map[uuid.UUID][]story.Segment),
		characters: make(map[uuid.UUID]story.PlayerCharacter),
		locks:      make(map[uuid.UUID]string),
	}
}

// SetPingSuccess configures the mock to succeed on ping
func (m *MockStorage) SetPingSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingError = nil
}

// SetPingError configures the mock to fail on ping with the given error
func (m *MockStorage) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingError = err
}

// SetSaveGameError makes SaveGame fail with err until reset with nil
func (m *MockStorage) SetSaveGameError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// Ping mocks storage ping
func (m *MockStorage) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingError
}

// Close mocks storage close
func (m *MockStorage) Close() error {
	return nil
}

func (m *MockStorage) SaveGame(ctx context.Context, g *story.Game) error {
	if g == nil {
		return errors.New("game cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.games[g.ID] = g.Clone()
	return nil
}

func (m *MockStorage) LoadGame(ctx context.Context, id uuid.UUID) (*story.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, story.ErrGameNotFound
	}
	out := g.Clone()
	return &out, nil
}

func (m *MockStorage) ListGames(ctx context.Context) ([]story.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	games := make([]story.Game, 0, len(m.games))
	for _, g := range m.games {
		games = append(games, g.Clone())
	}
	sort.Slice(games, func(i, j int) bool {
		return games[i].LastPlayedAt.After(games[j].LastPlayedAt)
	})
	return games, nil
}

func (m *MockStorage) AppendSegment(ctx context.Context, seg *story.Segment) error {
	if seg == nil {
		return errors.New("segment cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.segments[seg.GameID]
	if seg.SequenceNumber != len(log) {
		return fmt.Errorf("%w: game %s sequence %d", ErrSequenceConflict, seg.GameID, seg.SequenceNumber)
	}
	m.segments[seg.GameID] = append(log, seg.Clone())
	return nil
}

func (m *MockStorage) ListSegments(ctx context.Context, gameID uuid.UUID) ([]story.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.segments[gameID]
	out := make([]story.Segment, len(log))
	for i, s := range log {
		out[i] = s.Clone()
	}
	return out, nil
}

func (m *MockStorage) UndoAppend(ctx context.Context, gameID uuid.UUID, seq int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log := m.segments[gameID]; len(log) == seq+1 {
		m.segments[gameID] = log[:seq]
	}
	return nil
}

func (m *MockStorage) SaveCharacter(ctx context.Context, pc *story.PlayerCharacter) error {
	if pc == nil {
		return errors.New("character cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *pc
	c.Traits = append([]string(nil), pc.Traits...)
	m.characters[pc.ID] = c
	return nil
}

func (m *MockStorage) LoadCharacter(ctx context.Context, id uuid.UUID) (*story.PlayerCharacter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.characters[id]
	if !ok {
		return nil, ErrCharacterNotFound
	}
	c.Traits = append([]string(nil), c.Traits...)
	return &c, nil
}

// AcquireLock ignores ttl; locks live until released.
func (m *MockStorage) AcquireLock(ctx context.Context, gameID uuid.UUID, owner string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[gameID]; held {
		return false, nil
	}
	m.locks[gameID] = owner
	return true, nil
}

func (m *MockStorage) ReleaseLock(ctx context.Context, gameID uuid.UUID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[gameID] == owner {
		delete(m.locks, gameID)
	}
	return nil
}

// IsLocked reports whether a game's lock is currently held.
func (m *MockStorage) IsLocked(gameID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, held := m.locks[gameID]
	return held
}
