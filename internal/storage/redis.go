package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultFlagTTL bounds how long an unconsumed flag lingers in Redis.
const DefaultFlagTTL = 24 * time.Hour

// RedisOptions configures a Redis flag store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys; defaults to "idleguard:".
	Prefix string
	TTL    time.Duration
}

// Redis shares flags between daemons pointed at the same server.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(opts RedisOptions) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), opts.Prefix, opts.TTL)
}

func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "idleguard:"
	}
	if ttl <= 0 {
		ttl = DefaultFlagTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (*Redis) Name() string { return "redis" }

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Consume uses GETDEL so two guards racing on one flag see it once.
func (r *Redis) Consume(ctx context.Context, key string) (bool, error) {
	_, err := r.client.GetDel(ctx, r.prefix+key).Result()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (r *Redis) Set(ctx context.Context, key string) error {
	if err := r.client.Set(ctx, r.prefix+key, "true", r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
