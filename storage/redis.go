package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/activity-flow/types"
)

const (
	definitionPrefix = "activity-flow:definition:"
	instancePrefix   = "activity-flow:instance:"
	completedSet     = "activity-flow:completed"
)

// RedisStorage stores snapshots as JSON values in Redis.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr         string        `validate:"required,hostname_port"`
	Password     string        `validate:"-"`
	DB           int           `validate:"gte=0"`
	PoolSize     int           `validate:"gte=0"`
	MinIdleConns int           `validate:"gte=0"`
	IdleTimeout  time.Duration `validate:"gte=0"`
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid redis options: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStorage{client: client}, nil
}

func (s *RedisStorage) save(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %w", key, err)
	}
	return nil
}

func getFromRedis[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var result T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return result, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return result, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return result, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

func instanceKey(id uint64) string {
	return fmt.Sprintf("%s%d", instancePrefix, id)
}

// SaveDefinition implements Storage.
func (s *RedisStorage) SaveDefinition(ctx context.Context, rec types.DefinitionRecord) error {
	if err := validate.Struct(rec); err != nil {
		return fmt.Errorf("invalid definition record: %w", err)
	}
	return withContextError(ctx, func() error {
		return s.save(ctx, definitionPrefix+rec.Name, rec)
	})
}

// GetDefinition implements Storage.
func (s *RedisStorage) GetDefinition(ctx context.Context, name string) (types.DefinitionRecord, error) {
	return getFromRedis[types.DefinitionRecord](ctx, s.client, definitionPrefix+name)
}

// SaveInstance implements Storage. Completed instances are also indexed in a
// set so ClearCompleted does not scan the keyspace.
func (s *RedisStorage) SaveInstance(ctx context.Context, rec types.InstanceRecord) error {
	if err := validate.Struct(rec); err != nil {
		return fmt.Errorf("invalid instance record: %w", err)
	}
	return withContextError(ctx, func() error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %w", rec.ID, err)
		}
		key := instanceKey(rec.ID)
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, key, data, 0)
		if rec.Completed {
			pipe.SAdd(ctx, completedSet, key)
		} else {
			pipe.SRem(ctx, completedSet, key)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save instance %d: %w", rec.ID, err)
		}
		return nil
	})
}

// GetInstance implements Storage.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.InstanceRecord, error) {
	return getFromRedis[types.InstanceRecord](ctx, s.client, instanceKey(id))
}

// ClearCompleted implements Storage.
func (s *RedisStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		keys, err := s.client.SMembers(ctx, completedSet).Result()
		if err != nil {
			return fmt.Errorf("failed to read completed instances: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, keys...)
		pipe.Del(ctx, completedSet)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete completed instances: %w", err)
		}
		return nil
	})
}

// Close closes the Redis client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
