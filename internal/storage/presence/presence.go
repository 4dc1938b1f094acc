// Package presence mirrors online status to Redis so the login and world
// roles can answer cross-instance liveness queries. The mirror is best
// effort: the registry remains the source of truth for this process.
package presence

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/waddlerhq/waddler/internal/config"
)

const (
	onlineSetKey  = "waddler:online"
	usernameKeyFs = "waddler:online:%d"
)

// Mirror publishes session online/offline transitions to Redis.
type Mirror struct {
	client *redis.Client
}

// NewMirror connects to Redis using the given configuration.
//
// Postcondition: Returns a Mirror whose client is verified with a ping,
// or a non-nil error.
func NewMirror(ctx context.Context, cfg config.RedisConfig) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Mirror{client: client}, nil
}

// SetOnline records the player as online.
func (m *Mirror) SetOnline(ctx context.Context, id int, username string) error {
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, onlineSetKey, id)
	pipe.Set(ctx, fmt.Sprintf(usernameKeyFs, id), username, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("marking %d online: %w", id, err)
	}
	return nil
}

// SetOffline clears the player's online marker.
func (m *Mirror) SetOffline(ctx context.Context, id int) error {
	pipe := m.client.TxPipeline()
	pipe.SRem(ctx, onlineSetKey, id)
	pipe.Del(ctx, fmt.Sprintf(usernameKeyFs, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("marking %d offline: %w", id, err)
	}
	return nil
}

// IsOnline reports whether any instance has the player marked online.
func (m *Mirror) IsOnline(ctx context.Context, id int) (bool, error) {
	online, err := m.client.SIsMember(ctx, onlineSetKey, strconv.Itoa(id)).Result()
	if err != nil {
		return false, fmt.Errorf("checking %d online: %w", id, err)
	}
	return online, nil
}

// Close releases the Redis client.
func (m *Mirror) Close() error {
	return m.client.Close()
}
