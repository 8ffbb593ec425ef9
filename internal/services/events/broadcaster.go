package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventType represents the type of event being broadcast
type EventType string

const (
	EventTypeTurnStarted    EventType = "turn.started"
	EventTypeSegmentCreated EventType = "segment.created"
	EventTypeTurnFailed     EventType = "turn.failed"
	EventTypeGameCompleted  EventType = "game.completed"
)

// Event is the payload published on a game's channel.
type Event struct {
	Type   EventType      `json:"type"`
	GameID string         `json:"game_id"`
	Data   map[string]any `json:"data,omitempty"`
}

// Publisher is the subset of Broadcaster the story service depends on.
type Publisher interface {
	PublishTurnStarted(ctx context.Context, gameID uuid.UUID, turn int) error
	PublishSegmentCreated(ctx context.Context, gameID uuid.UUID, sequence int, location string, turn int) error
	PublishTurnFailed(ctx context.Context, gameID uuid.UUID, errMsg string) error
	PublishGameCompleted(ctx context.Context, gameID uuid.UUID, turn int) error
}

// Channel returns the pub/sub channel for a game.
func Channel(gameID uuid.UUID) string {
	return fmt.Sprintf("game-events:%s", gameID.String())
}

// Broadcaster publishes events to Redis Pub/Sub for SSE distribution
type Broadcaster struct {
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewBroadcaster creates a new event broadcaster
func NewBroadcaster(redisClient *redis.Client, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		redisClient: redisClient,
		logger:      logger,
	}
}

// PublishTurnStarted announces that a segment is being generated.
func (b *Broadcaster) PublishTurnStarted(ctx context.Context, gameID uuid.UUID, turn int) error {
	return b.publishToGame(ctx, gameID, Event{
		Type: EventTypeTurnStarted,
		Data: map[string]any{"turn": turn},
	})
}

// PublishSegmentCreated announces a new segment in the game's log.
func (b *Broadcaster) PublishSegmentCreated(ctx context.Context, gameID uuid.UUID, sequence int, location string, turn int) error {
	return b.publishToGame(ctx, gameID, Event{
		Type: EventTypeSegmentCreated,
		Data: map[string]any{
			"sequence_number": sequence,
			"location":        location,
			"turn":            turn,
		},
	})
}

// PublishTurnFailed announces a failed generation.
func (b *Broadcaster) PublishTurnFailed(ctx context.Context, gameID uuid.UUID, errMsg string) error {
	return b.publishToGame(ctx, gameID, Event{
		Type: EventTypeTurnFailed,
		Data: map[string]any{"error": errMsg},
	})
}

// PublishGameCompleted announces that the game reached its ending.
func (b *Broadcaster) PublishGameCompleted(ctx context.Context, gameID uuid.UUID, turn int) error {
	return b.publishToGame(ctx, gameID, Event{
		Type: EventTypeGameCompleted,
		Data: map[string]any{"turn": turn},
	})
}

// Subscribe opens a subscription to a game's channel. Callers close it.
func (b *Broadcaster) Subscribe(ctx context.Context, gameID uuid.UUID) *redis.PubSub {
	return b.redisClient.Subscribe(ctx, Channel(gameID))
}

// publishToGame publishes an event to the game-specific channel
func (b *Broadcaster) publishToGame(ctx context.Context, gameID uuid.UUID, event Event) error {
	channel := Channel(gameID)
	event.GameID = gameID.String()

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Failed to marshal event", "error", err, "event_type", event.Type)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.redisClient.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Error("Failed to publish event", "error", err, "channel", channel)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Event published",
		"channel", channel,
		"event_type", event.Type,
	)

	return nil
}

// Nop discards every event. Used when no broadcaster is configured.
type Nop struct{}

func (Nop) PublishTurnStarted(context.Context, uuid.UUID, int) error                 { return nil }
func (Nop) PublishSegmentCreated(context.Context, uuid.UUID, int, string, int) error { return nil }
func (Nop) PublishTurnFailed(context.Context, uuid.UUID, string) error               { return nil }
func (Nop) PublishGameCompleted(context.Context, uuid.UUID, int) error               { return nil }
