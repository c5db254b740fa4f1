package probe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisCachePrefix = "spacesaver:probe:"

// RedisBackend stores probe results in Redis with JSON serialization.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (Metadata, bool, error) {
	data, err := r.client.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, false, err
	}
	return meta, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, meta Metadata, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCachePrefix+key, data, ttl).Err()
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
