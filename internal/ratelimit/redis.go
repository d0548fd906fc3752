package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisLimiter shares counters between gateway instances through Redis.
// Redis failures fail open.
type RedisLimiter struct {
	client *redis.Client
	opts   Options
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(ctx context.Context, addr, password string, db int, opts Options) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisLimiterWithClient(client, opts), nil
}

// NewRedisLimiterWithClient creates a limiter on an existing client.
func NewRedisLimiterWithClient(client *redis.Client, opts Options) *RedisLimiter {
	return &RedisLimiter{client: client, opts: opts.withDefaults()}
}

// Close closes the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

func (l *RedisLimiter) Check(ctx context.Context, ip string) (Result, error) {
	res, err := l.check(ctx, ip)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("ip", ip).Msg("Redis rate limit check failed")
		return allowed, nil
	}
	return res, nil
}

func (l *RedisLimiter) check(ctx context.Context, ip string) (Result, error) {
	blockKey := l.opts.KeyPrefix + "block:" + ip
	countKey := l.opts.KeyPrefix + "count:" + ip

	strikes, err := l.client.Get(ctx, blockKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Result{}, err
	}
	if strikes >= l.opts.MaxBlocks {
		return blocked, nil
	}

	count, err := l.client.Incr(ctx, countKey).Result()
	if err != nil {
		return Result{}, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, countKey, time.Second).Err(); err != nil {
			return Result{}, err
		}
	}
	// count includes this request.
	if count-1 < l.opts.MaxPerSecond {
		return allowed, nil
	}

	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, blockKey)
	pipe.Expire(ctx, blockKey, l.opts.BlockTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}
	return tooFast, nil
}
