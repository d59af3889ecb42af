package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces presence hashes; one hash per server instance.
const KeyPrefix = "gonotify:presence:"

// Connect builds a Redis client from a redis:// URL or a bare host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStore keeps presence in a hash keyed by user ID.
type RedisStore struct {
	client redis.Cmdable
	key    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store writing to the hash of instanceID.
func NewRedisStore(client redis.Cmdable, instanceID string) *RedisStore {
	return &RedisStore{client: client, key: KeyPrefix + instanceID}
}

// Key returns the hash key used by this store.
func (s *RedisStore) Key() string {
	return s.key
}

func (s *RedisStore) SetOnline(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	return s.client.HSet(ctx, s.key, rec.UserID, payload).Err()
}

func (s *RedisStore) SetOffline(ctx context.Context, userID string) error {
	return s.client.HDel(ctx, s.key, userID).Err()
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// Online lists the records stored for this instance.
func (s *RedisStore) Online(ctx context.Context) ([]Record, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, v := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
