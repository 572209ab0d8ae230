package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/grigta/eventpulse/pkg/logger"
)

type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(addr string, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", logger.Field{Key: "addr", Value: addr})

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// WithPrefix returns a cache view that namespaces every key with prefix.
func (r *RedisCache) WithPrefix(prefix string) *RedisCache {
	return &RedisCache{client: r.client, prefix: r.prefix + prefix}
}

func (r *RedisCache) key(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	return r.prefix + key, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	k, err := r.key(key)
	if err != nil {
		return "", err
	}
	val, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to get value: %w", err)
	}
	return val, nil
}

func (r *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := r.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	return nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	k, err := r.key(key)
	if err != nil {
		return err
	}

	var data string

	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := r.client.Set(ctx, k, data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}

	return nil
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, 0, len(keys))
	for _, key := range keys {
		k, err := r.key(key)
		if err != nil {
			return err
		}
		prefixed = append(prefixed, k)
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// PushCapped prepends values to a list and trims it to maxLen entries.
func (r *RedisCache) PushCapped(ctx context.Context, key string, maxLen int64, values ...interface{}) error {
	k, err := r.key(key)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, k, values...)
	if maxLen > 0 {
		pipe.LTrim(ctx, k, 0, maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push to list: %w", err)
	}
	return nil
}

func (r *RedisCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	k, err := r.key(key)
	if err != nil {
		return nil, err
	}
	values, err := r.client.LRange(ctx, k, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get list range: %w", err)
	}
	return values, nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
