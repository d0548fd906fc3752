// Package ratelimit guards the API against request floods from a single
// client address. An address that exceeds the per-second budget collects a
// strike; an address with enough live strikes is refused outright until the
// strikes expire.
package ratelimit

import (
	"context"
	"time"

	"github.com/ossgate/ossgate/internal/config"
)

// Default settings.
const (
	DefaultMaxPerSecond = 30
	DefaultBlockTTL     = 2 * time.Hour
	DefaultMaxBlocks    = 2
)

// Result is the outcome of a check.
type Result struct {
	Allowed bool
	// Blocked is set when the address is refused for its strikes rather than
	// for the current burst.
	Blocked bool
	Reason  string
}

// Limiter checks one request from a client address.
type Limiter interface {
	Check(ctx context.Context, ip string) (Result, error)
}

// Options configures both limiter implementations.
type Options struct {
	MaxPerSecond int64
	BlockTTL     time.Duration
	MaxBlocks    int64
	KeyPrefix    string
}

func (o Options) withDefaults() Options {
	if o.MaxPerSecond <= 0 {
		o.MaxPerSecond = DefaultMaxPerSecond
	}
	if o.BlockTTL <= 0 {
		o.BlockTTL = DefaultBlockTTL
	}
	if o.MaxBlocks <= 0 {
		o.MaxBlocks = DefaultMaxBlocks
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "ossgate:ratelimit:"
	}
	return o
}

// FromConfig returns options for cfg.
func FromConfig(cfg config.RateLimitConfig) Options {
	return Options{
		MaxPerSecond: cfg.MaxPerSecond,
		BlockTTL:     cfg.BlockTTL,
		MaxBlocks:    cfg.MaxBlocks,
	}.withDefaults()
}

var (
	allowed = Result{Allowed: true}
	blocked = Result{Blocked: true, Reason: "your ip address is blocked, will be auto resume later"}
	tooFast = Result{Reason: "your operation frequency is too high"}
)

// New returns a Redis limiter when cfg names a Redis address, else an
// in-process limiter.
func New(ctx context.Context, cfg config.RateLimitConfig) (Limiter, error) {
	opts := FromConfig(cfg)
	if cfg.RedisAddr == "" {
		return NewMemoryLimiter(opts), nil
	}
	return NewRedisLimiter(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, opts)
}
