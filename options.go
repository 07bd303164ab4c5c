package toolgate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options holds shared limiter and core configuration applied via functional
// options.
type Options struct {
	// RedisClient enables distributed limiter state. Accepts standalone,
	// Cluster, and Sentinel clients via redis.UniversalClient. When nil,
	// limiters keep state in process memory.
	RedisClient redis.UniversalClient

	// KeyPrefix is prepended to all storage keys. Default "toolgate".
	KeyPrefix string

	// HashTag wraps keys in {braces} so Redis Cluster co-locates a key's
	// state on one slot.
	HashTag bool

	// FailOpen controls behavior when the Redis backend is unreachable:
	// true admits the request, false denies it. Default false.
	FailOpen bool

	// MaxKeys caps the number of tracked keys for in-memory limiters.
	// Least-recently-used keys are evicted beyond it. Default 100000.
	MaxKeys int

	// LimitFunc returns a per-key limit override. A zero return falls
	// back to the limiter's configured default.
	LimitFunc func(key string) int64

	// Logger receives operational events (shadow conversions, retry
	// attempts, invariant violations). Default slog.Default().
	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Option configures Options.
type Option func(*Options)

// WithRedis sets the Redis backend for distributed limiter state.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *Options) { o.RedisClient = client }
}

// WithKeyPrefix sets the prefix prepended to all storage keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) { o.KeyPrefix = prefix }
}

// WithHashTag enables Redis Cluster hash-tag wrapping on keys.
func WithHashTag() Option {
	return func(o *Options) { o.HashTag = true }
}

// WithFailOpen sets the fail-open/fail-closed behavior when the backend is
// unreachable.
func WithFailOpen(v bool) Option {
	return func(o *Options) { o.FailOpen = v }
}

// WithLimitFunc sets a per-key limit override. The function is called on
// every check; returning 0 falls back to the configured default.
func WithLimitFunc(fn func(key string) int64) Option {
	return func(o *Options) { o.LimitFunc = fn }
}

// WithMaxKeys caps tracked keys for in-memory limiter state.
func WithMaxKeys(n int) Option {
	return func(o *Options) { o.MaxKeys = n }
}

// WithLogger sets the structured logger used for operational events.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

func applyOptions(opts []Option) *Options {
	o := &Options{
		KeyPrefix: "toolgate",
		MaxKeys:   100000,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// FormatKey renders a storage key with the configured prefix and optional
// cluster hash tag.
func (o *Options) FormatKey(key string) string {
	if o.HashTag {
		return fmt.Sprintf("%s:{%s}", o.KeyPrefix, key)
	}
	return fmt.Sprintf("%s:%s", o.KeyPrefix, key)
}
