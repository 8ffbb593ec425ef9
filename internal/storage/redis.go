package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jwebster45206/adventure95/pkg/story"
)

// gamesIndexKey is a sorted set of game ids scored by last played time.
const gamesIndexKey = "games"

func gameKey(id uuid.UUID) string      { return "game:" + id.String() }
func segmentsKey(id uuid.UUID) string  { return "segments:" + id.String() }
func characterKey(id uuid.UUID) string { return "character:" + id.String() }
func lockKey(id uuid.UUID) string      { return "game-lock:" + id.String() }

// appendScript pushes a segment only if it carries the next sequence number.
var appendScript = redis.NewScript(`
	local n = redis.call("llen", KEYS[1])
	if n ~= tonumber(ARGV[1]) then
		return -1
	end
	return redis.call("rpush", KEYS[1], ARGV[2])
`)

// undoScript pops the last segment only while the log is exactly seq+1 long.
var undoScript = redis.NewScript(`
	local n = redis.call("llen", KEYS[1])
	if n ~= tonumber(ARGV[1]) + 1 then
		return 0
	end
	redis.call("rpop", KEYS[1])
	return 1
`)

// releaseScript deletes the lock only if we own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisStorage implements the Storage interface using Redis
type RedisStorage struct {
	client *redis.Client
	logger *slog.Logger
}

// Ensure RedisStorage implements Storage interface
var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage creates a new Redis storage instance. redisURL is either a
// redis:// URL or a bare host:port.
func NewRedisStorage(redisURL string, logger *slog.Logger) (*RedisStorage, error) {
	opts := &redis.Options{Addr: redisURL}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opts = parsed
	}
	return NewRedisStorageWithClient(redis.NewClient(opts), logger), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, logger *slog.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		logger: logger,
	}
}

// Client returns the underlying Redis client for pub/sub and other direct use
func (r *RedisStorage) Client() *redis.Client {
	return r.client
}

// Health and lifecycle methods

func (r *RedisStorage) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (r *RedisStorage) Close() error {
	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis connection", "error", err)
		return err
	}
	r.logger.Info("Redis connection closed")
	return nil
}

// WaitForConnection waits for Redis to become available (used during startup)
func (r *RedisStorage) WaitForConnection(ctx context.Context) error {
	maxRetries := 30
	retryDelay := 2 * time.Second

	for i := 0; i < maxRetries; i++ {
		if err := r.Ping(ctx); err != nil {
			r.logger.Debug("Redis not ready yet", "error", err, "attempt", i+1)

			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled while waiting for redis: %w", ctx.Err())
			case <-time.After(retryDelay):
				continue
			}
		}

		r.logger.Info("Redis connection established")
		return nil
	}

	return fmt.Errorf("redis did not become available after %d attempts", maxRetries)
}

// Game operations

func (r *RedisStorage) SaveGame(ctx context.Context, g *story.Game) error {
	if g == nil {
		return errors.New("game cannot be nil")
	}
	data, err := json.Marshal(g)
	if err != nil {
		r.logger.Error("Failed to marshal game", "game_id", g.ID, "error", err)
		return fmt.Errorf("failed to marshal game: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, gameKey(g.ID), data, 0)
		pipe.ZAdd(ctx, gamesIndexKey, redis.Z{
			Score:  float64(g.LastPlayedAt.UnixMilli()),
			Member: g.ID.String(),
		})
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to save game", "game_id", g.ID, "error", err)
		return fmt.Errorf("failed to save game: %w", err)
	}
	return nil
}

func (r *RedisStorage) LoadGame(ctx context.Context, id uuid.UUID) (*story.Game, error) {
	data, err := r.client.Get(ctx, gameKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, story.ErrGameNotFound
		}
		r.logger.Error("Failed to load game", "game_id", id, "error", err)
		return nil, fmt.Errorf("failed to load game: %w", err)
	}

	var g story.Game
	if err := json.Unmarshal(data, &g); err != nil {
		r.logger.Error("Failed to unmarshal game", "game_id", id, "error", err)
		return nil, fmt.Errorf("failed to unmarshal game: %w", err)
	}
	return &g, nil
}

// ListGames returns all games, most recently played first.
func (r *RedisStorage) ListGames(ctx context.Context) ([]story.Game, error) {
	ids, err := r.client.ZRevRange(ctx, gamesIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	games := make([]story.Game, 0, len(ids))
	if len(ids) == 0 {
		return games, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = "game:" + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load games: %w", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			r.logger.Warn("Game indexed but missing", "game_id", ids[i])
			continue
		}
		var g story.Game
		if err := json.Unmarshal([]byte(s), &g); err != nil {
			r.logger.Warn("Skipping unreadable game", "game_id", ids[i], "error", err)
			continue
		}
		games = append(games, g)
	}
	return games, nil
}

// Segment operations

func (r *RedisStorage) AppendSegment(ctx context.Context, seg *story.Segment) error {
	if seg == nil {
		return errors.New("segment cannot be nil")
	}
	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("failed to marshal segment: %w", err)
	}

	n, err := appendScript.Run(ctx, r.client, []string{segmentsKey(seg.GameID)}, seg.SequenceNumber, data).Int64()
	if err != nil {
		r.logger.Error("Failed to append segment", "game_id", seg.GameID, "sequence", seg.SequenceNumber, "error", err)
		return fmt.Errorf("failed to append segment: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("%w: game %s sequence %d", ErrSequenceConflict, seg.GameID, seg.SequenceNumber)
	}
	return nil
}

func (r *RedisStorage) ListSegments(ctx context.Context, gameID uuid.UUID) ([]story.Segment, error) {
	raw, err := r.client.LRange(ctx, segmentsKey(gameID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	segments := make([]story.Segment, 0, len(raw))
	for _, s := range raw {
		var seg story.Segment
		if err := json.Unmarshal([]byte(s), &seg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func (r *RedisStorage) UndoAppend(ctx context.Context, gameID uuid.UUID, seq int) error {
	n, err := undoScript.Run(ctx, r.client, []string{segmentsKey(gameID)}, seq).Int64()
	if err != nil {
		return fmt.Errorf("failed to undo segment append: %w", err)
	}
	if n == 0 {
		r.logger.Warn("Segment undo skipped, log moved on", "game_id", gameID, "sequence", seq)
	}
	return nil
}

// Character operations

func (r *RedisStorage) SaveCharacter(ctx context.Context, pc *story.PlayerCharacter) error {
	if pc == nil {
		return errors.New("character cannot be nil")
	}
	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("failed to marshal character: %w", err)
	}
	if err := r.client.Set(ctx, characterKey(pc.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save character: %w", err)
	}
	return nil
}

func (r *RedisStorage) LoadCharacter(ctx context.Context, id uuid.UUID) (*story.PlayerCharacter, error) {
	data, err := r.client.Get(ctx, characterKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCharacterNotFound
		}
		return nil, fmt.Errorf("failed to load character: %w", err)
	}
	var pc story.PlayerCharacter
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal character: %w", err)
	}
	return &pc, nil
}

// Lock operations

func (r *RedisStorage) AcquireLock(ctx context.Context, gameID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ok, err := r.client.SetNX(ctx, lockKey(gameID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire game lock: %w", err)
	}
	return ok, nil
}

func (r *RedisStorage) ReleaseLock(ctx context.Context, gameID uuid.UUID, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{lockKey(gameID)}, owner).Err(); err != nil {
		r.logger.Error("Failed to release game lock", "error", err, "game_id", gameID)
		return fmt.Errorf("failed to release game lock: %w", err)
	}
	return nil
}
