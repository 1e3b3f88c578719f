package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is the Redis-backed Store (§4.7 "redis" mode). Namespace and
// key are joined into a single Redis key so List/Clear can scan by
// namespace prefix; values are JSON-encoded, matching the wire format
// the teacher's RedisMemory used for its own key encoding.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore dials redisURL and wraps it as a Store. keyPrefix
// namespaces this Store's keys away from any other application sharing
// the same Redis instance.
func NewRedisStore(redisURL, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("memory: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("memory: connect to redis: %w", err)
	}

	if keyPrefix == "" {
		keyPrefix = "visor"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (r *RedisStore) redisKey(ns, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.keyPrefix, namespaceOrDefault(ns), key)
}

func (r *RedisStore) nsPattern(ns string) string {
	return fmt.Sprintf("%s:%s:*", r.keyPrefix, namespaceOrDefault(ns))
}

func (r *RedisStore) stripPrefix(ns, redisKey string) string {
	return strings.TrimPrefix(redisKey, fmt.Sprintf("%s:%s:", r.keyPrefix, namespaceOrDefault(ns)))
}

func (r *RedisStore) Get(ctx context.Context, ns, key string) (interface{}, bool, error) {
	data, err := r.client.Get(ctx, r.redisKey(ns, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("memory: redis get %s/%s: %w", ns, key, err)
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("memory: decode %s/%s: %w", ns, key, err)
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, ns, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memory: encode %s/%s: %w", ns, key, err)
	}
	if err := r.client.Set(ctx, r.redisKey(ns, key), data, 0).Err(); err != nil {
		return fmt.Errorf("memory: redis set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (r *RedisStore) Append(ctx context.Context, ns, key string, value interface{}) error {
	existing, ok, err := r.Get(ctx, ns, key)
	if err != nil {
		return err
	}
	if !ok {
		return r.Set(ctx, ns, key, []interface{}{value})
	}
	list, ok := existing.([]interface{})
	if !ok {
		list = []interface{}{existing}
	}
	return r.Set(ctx, ns, key, append(list, value))
}

func (r *RedisStore) Increment(ctx context.Context, ns, key string, amount float64) (float64, error) {
	existing, ok, err := r.Get(ctx, ns, key)
	if err != nil {
		return 0, err
	}
	var total float64
	if ok {
		total, err = numericValue(existing)
		if err != nil {
			return 0, fmt.Errorf("memory: increment %s/%s: %w", ns, key, err)
		}
	}
	total += amount
	return total, r.Set(ctx, ns, key, total)
}

func (r *RedisStore) Delete(ctx context.Context, ns, key string) error {
	if err := r.client.Del(ctx, r.redisKey(ns, key)).Err(); err != nil {
		return fmt.Errorf("memory: redis del %s/%s: %w", ns, key, err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, ns string) error {
	keys, err := r.client.Keys(ctx, r.nsPattern(ns)).Result()
	if err != nil {
		return fmt.Errorf("memory: redis keys %s: %w", ns, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("memory: redis del-many %s: %w", ns, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, ns string) ([]string, error) {
	keys, err := r.client.Keys(ctx, r.nsPattern(ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("memory: redis keys %s: %w", ns, err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.stripPrefix(ns, k))
	}
	return out, nil
}

func (r *RedisStore) GetAll(ctx context.Context, ns string) (map[string]interface{}, error) {
	keys, err := r.List(ctx, ns)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		v, ok, err := r.Get(ctx, ns, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (r *RedisStore) Has(ctx context.Context, ns, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.redisKey(ns, key)).Result()
	if err != nil {
		return false, fmt.Errorf("memory: redis exists %s/%s: %w", ns, key, err)
	}
	return n > 0, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
