package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/formweaver/formweaver/internal/models"
)

// RedisStore persists transcripts as Redis lists: one JSON-encoded turn per
// element under "form_session:<id>", expiry refreshed on every append.
type RedisStore struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		slog.Error("RedisStore address not set")
		return nil, fmt.Errorf("redis address not set")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		slog.Error("RedisStore ping failed", "error", err, "addr", cfg.Addr)
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Debug("RedisStore connected", "addr", cfg.Addr, "ttl", cfg.TTL)
	return &RedisStore{rdb: rdb, ttl: cfg.TTL}, nil
}

// Append adds one turn to the end of the session's transcript and refreshes
// the TTL, creating the session if absent.
func (s *RedisStore) Append(ctx context.Context, sessionID string, turn models.ConversationTurn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}

	key := KeyPrefix + sessionID
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore.Append failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to append turn to session %s: %w", sessionID, err)
	}
	slog.Debug("RedisStore.Append succeeded", "sessionID", sessionID, "role", turn.Role)
	return nil
}

// Read returns the full ordered transcript, or an empty transcript if the
// session does not exist or has expired.
func (s *RedisStore) Read(ctx context.Context, sessionID string) ([]models.ConversationTurn, error) {
	entries, err := s.rdb.LRange(ctx, KeyPrefix+sessionID, 0, -1).Result()
	if err != nil {
		slog.Error("RedisStore.Read failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}

	transcript := make([]models.ConversationTurn, 0, len(entries))
	for _, entry := range entries {
		var turn models.ConversationTurn
		if err := json.Unmarshal([]byte(entry), &turn); err != nil {
			slog.Error("RedisStore.Read found malformed turn", "error", err, "sessionID", sessionID)
			return nil, fmt.Errorf("malformed turn in session %s: %w", sessionID, err)
		}
		transcript = append(transcript, turn)
	}
	slog.Debug("RedisStore.Read succeeded", "sessionID", sessionID, "turns", len(transcript))
	return transcript, nil
}

// Delete removes the session immediately; deleting an absent session is not
// an error.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, KeyPrefix+sessionID).Err(); err != nil {
		slog.Error("RedisStore.Delete failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	slog.Debug("RedisStore.Delete succeeded", "sessionID", sessionID)
	return nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
