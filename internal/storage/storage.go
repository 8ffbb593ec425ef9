package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwebster45206/adventure95/pkg/story"
)

var (
	// ErrSequenceConflict is returned when a segment's sequence number is not
	// the next one in its game's log.
	ErrSequenceConflict  = errors.New("segment sequence number is not next in log")
	ErrCharacterNotFound = errors.New("character not found")
)

// DefaultLockTTL bounds how long a crashed turn can hold a game.
const DefaultLockTTL = 2 * time.Minute

// Storage defines a unified interface for all storage operations
type Storage interface {
	// Health and lifecycle
	Ping(ctx context.Context) error
	Close() error

	// Game operations. LoadGame returns story.ErrGameNotFound when absent.
	SaveGame(ctx context.Context, g *story.Game) error
	LoadGame(ctx context.Context, id uuid.UUID) (*story.Game, error)
	ListGames(ctx context.Context) ([]story.Game, error)

	// Segment log operations. The log is append-only; AppendSegment rejects
	// anything but the next sequence number with ErrSequenceConflict.
	AppendSegment(ctx context.Context, seg *story.Segment) error
	ListSegments(ctx context.Context, gameID uuid.UUID) ([]story.Segment, error)
	// UndoAppend removes segment seq if it is the last one in the log. It
	// exists only to back out an append whose game record could not be saved.
	UndoAppend(ctx context.Context, gameID uuid.UUID, seq int) error

	// Player characters
	SaveCharacter(ctx context.Context, pc *story.PlayerCharacter) error
	LoadCharacter(ctx context.Context, id uuid.UUID) (*story.PlayerCharacter, error)

	// Per-game turn lock. AcquireLock reports false when another owner holds it.
	AcquireLock(ctx context.Context, gameID uuid.UUID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, gameID uuid.UUID, owner string) error
}
