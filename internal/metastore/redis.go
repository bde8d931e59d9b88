package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"file-relay/internal/registry"
)

// DefaultRedisKey is the hash that holds the records when none is configured.
const DefaultRedisKey = "relay:files"

// RedisConfig defines the connection options for the redis backend.
type RedisConfig struct {
	// Addrs is a comma separated list in the form "host:port,host2:port2".
	Addrs    string
	Password string
	Key      string
}

// OpenRedis creates a client for cfg and checks that it answers.
func OpenRedis(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(cfg.Addrs, ","),
		Password: cfg.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Redis keeps every record as a JSON value in one hash, field = id.
type Redis struct {
	rdb redis.Cmdable
	key string
}

func NewRedis(rdb redis.Cmdable, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{rdb: rdb, key: key}
}

func (s *Redis) LoadAll(ctx context.Context) ([]registry.FileRecord, error) {
	values, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}

	out := make([]registry.FileRecord, 0, len(values))
	for id, v := range values {
		var rec registry.FileRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Redis) Save(ctx context.Context, rec registry.FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	if err := s.rdb.HSet(ctx, s.key, rec.ID, data).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	if err := s.rdb.HDel(ctx, s.key, id).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", id, err)
	}
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
