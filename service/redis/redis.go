package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"

	"github.com/SplitFi/go-salesindexer/env"
)

// CacheConfig namespaces the keys of one cache
type CacheConfig struct {
	Prefix string
}

var (
	// PriceCache holds daily token prices shared by every process
	PriceCache = CacheConfig{Prefix: "price"}
	// AggregationCache holds the unit map of the distributed statistics pass
	AggregationCache = CacheConfig{Prefix: "aggregation"}
	// LockCache holds the single writer locks of the adapters
	LockCache = CacheConfig{Prefix: "lock"}
)

// ErrKeyNotFound is returned when a key does not exist
var ErrKeyNotFound = errors.New("key not found")

// ErrLockHeld is returned when another process holds a lock
var ErrLockHeld = errors.New("lock is held by another process")

// Cache is a prefixed view over a redis client
type Cache struct {
	client *redis.Client
	prefix string
}

// Configured reports whether REDIS_URL is set
func Configured() bool {
	return env.GetString("REDIS_URL") != ""
}

// NewClientFromEnv connects to REDIS_URL
func NewClientFromEnv() (*redis.Client, error) {
	opts, err := redis.ParseURL(env.GetString("REDIS_URL"))
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewCache wraps client with the key prefix of config
func NewCache(client *redis.Client, config CacheConfig) *Cache {
	return &Cache{client: client, prefix: config.Prefix}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) key(k string) string {
	return c.prefix + ":" + k
}

// Get returns ErrKeyNotFound for a missing key
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return b, err
}

// Set stores value. A zero ttl keeps it forever.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	return c.client.Del(ctx, prefixed...).Err()
}

// HSet sets fields of a hash
func (c *Cache) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		values = append(values, f, v)
	}
	return c.client.HSet(ctx, c.key(key), values...).Err()
}

// HGetAll returns every field of a hash. A missing hash is empty, not an error.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, c.key(key)).Result()
}

// LockClient hands out distributed locks
type LockClient struct {
	prefix string
	locker *redislock.Client
}

func NewLockClient(cache *Cache) *LockClient {
	return &LockClient{prefix: cache.prefix, locker: redislock.New(cache.client)}
}

// Lock is a held distributed lock
type Lock struct {
	lock *redislock.Lock
}

// Obtain takes the lock on key for ttl without waiting. It returns ErrLockHeld if another process has it.
func (l *LockClient) Obtain(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lock, err := l.locker.Obtain(ctx, l.prefix+":"+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, err
	}
	return &Lock{lock: lock}, nil
}

// Refresh extends the lock. It returns ErrLockHeld if the lock expired and was taken by someone else.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) error {
	err := l.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLockHeld
	}
	return err
}

func (l *Lock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
