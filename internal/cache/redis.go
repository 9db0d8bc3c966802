package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss is returned by a Remote when the key does not exist.
var ErrMiss = errors.New("cache: miss")

// Remote is the shared cache tier. Entries expire by TTL only. Get also
// reports the entry's remaining lifetime, zero when the tier cannot tell.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	Ping(ctx context.Context) error
}

// RedisRemote implements Remote on a redis client.
type RedisRemote struct {
	client *redis.Client
}

// NewRedisRemote parses a redis:// URL and returns a remote tier. The
// connection is established lazily.
func NewRedisRemote(url string) (*RedisRemote, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	return &RedisRemote{client: redis.NewClient(opts)}, nil
}

// Get reads the value and its remaining TTL in one round trip.
func (r *RedisRemote) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, key)
		pttl = p.PTTL(ctx, key)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrMiss
	}
	if err != nil {
		return nil, 0, err
	}
	value, err := get.Bytes()
	if err != nil {
		return nil, 0, err
	}
	// -1 means no expiry and -2 a key gone between the two commands
	remaining := pttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return value, remaining, nil
}

func (r *RedisRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisRemote) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisRemote) Flush(ctx context.Context) error {
	return r.client.FlushDB(ctx).Err()
}

func (r *RedisRemote) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRemote) Close() error {
	return r.client.Close()
}
