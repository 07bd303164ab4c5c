package toolgate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucketConfig configures the token bucket limiter.
// Zero Interval means one second.
type TokenBucketConfig struct {
	// Capacity is the maximum number of tokens (burst size).
	Capacity int64

	// RefillRate is the number of tokens added per interval.
	RefillRate int64

	// Interval is the refill period. Refill credits whole intervals only:
	// lastRefill advances by full intervals, so partial elapsed time is
	// never lost or double-counted.
	Interval time.Duration
}

// NewTokenBucket creates a Token Bucket rate limiter.
// Pass WithRedis for distributed mode; omit for in-memory.
func NewTokenBucket(cfg TokenBucketConfig, opts ...Option) (Limiter, error) {
	if cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return nil, fmt.Errorf("toolgate: capacity and refillRate must be positive")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	o := applyOptions(opts)

	if o.RedisClient != nil {
		return &tokenBucketRedis{
			redis: o.RedisClient,
			cfg:   cfg,
			opts:  o,
		}, nil
	}
	return &tokenBucketMemory{
		states: make(map[string]*tokenBucketState),
		cfg:    cfg,
		opts:   o,
	}, nil
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type tokenBucketState struct {
	tokens     int64
	lastRefill time.Time
	lastAccess time.Time
}

type tokenBucketMemory struct {
	mu     sync.Mutex
	states map[string]*tokenBucketState
	cfg    TokenBucketConfig
	opts   *Options
}

func (t *tokenBucketMemory) Allow(ctx context.Context, key string) (*Result, error) {
	return t.AllowN(ctx, key, 1)
}

func (t *tokenBucketMemory) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.opts.Now()
	state, ok := t.states[key]
	if !ok {
		if len(t.states) >= t.opts.MaxKeys {
			t.evictLRU()
		}
		state = &tokenBucketState{
			tokens:     t.cfg.Capacity,
			lastRefill: now,
		}
		t.states[key] = state
	}
	state.lastAccess = now

	// Credit whole elapsed intervals and advance lastRefill by exactly
	// that many intervals.
	intervals := int64(now.Sub(state.lastRefill) / t.cfg.Interval)
	if intervals > 0 {
		state.tokens += intervals * t.cfg.RefillRate
		if state.tokens > t.cfg.Capacity {
			state.tokens = t.cfg.Capacity
		}
		state.lastRefill = state.lastRefill.Add(time.Duration(intervals) * t.cfg.Interval)
	}

	cost := int64(n)
	if state.tokens >= cost {
		state.tokens -= cost
		return &Result{
			Allowed:   true,
			Remaining: state.tokens,
			Limit:     t.cfg.Capacity,
		}, nil
	}

	deficit := cost - state.tokens
	intervalsNeeded := (deficit + t.cfg.RefillRate - 1) / t.cfg.RefillRate
	retryAfter := time.Duration(intervalsNeeded) * t.cfg.Interval
	return &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      t.cfg.Capacity,
		RetryAfter: retryAfter,
	}, nil
}

// evictLRU drops the least-recently-used key. Called under mu.
func (t *tokenBucketMemory) evictLRU() {
	var victim string
	var oldest time.Time
	for k, st := range t.states {
		if victim == "" || st.lastAccess.Before(oldest) {
			victim = k
			oldest = st.lastAccess
		}
	}
	if victim != "" {
		delete(t.states, victim)
	}
}

func (t *tokenBucketMemory) Reset(ctx context.Context, key string) error {
	t.mu.Lock()
	delete(t.states, key)
	t.mu.Unlock()
	return nil
}

// ─── Redis ────────────────────────────────────────────────────────────────────

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local data = redis.call('HGETALL', key)
local tokens = capacity
local last_refill = now_ms

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  tokens = tonumber(fields['tokens']) or capacity
  last_refill = tonumber(fields['last_refill']) or now_ms
end

local intervals = math.floor((now_ms - last_refill) / interval_ms)
if intervals > 0 then
  tokens = math.min(capacity, tokens + intervals * refill_rate)
  last_refill = last_refill + intervals * interval_ms
end

local allowed = 0
local retry_ms = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local deficit = cost - tokens
  retry_ms = math.ceil(deficit / refill_rate) * interval_ms
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(last_refill))
redis.call('EXPIRE', key, math.ceil(capacity / refill_rate * interval_ms / 1000) + 1)

return { allowed, tokens, retry_ms }
`)

type tokenBucketRedis struct {
	redis redis.UniversalClient
	cfg   TokenBucketConfig
	opts  *Options
}

func (t *tokenBucketRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return t.AllowN(ctx, key, 1)
}

func (t *tokenBucketRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	fullKey := t.opts.FormatKey(key)
	now := t.opts.Now().UnixMilli()

	result, err := tokenBucketScript.Run(ctx, t.redis, []string{fullKey},
		t.cfg.Capacity,
		t.cfg.RefillRate,
		t.cfg.Interval.Milliseconds(),
		now,
		n,
	).Int64Slice()
	if err != nil {
		if t.opts.FailOpen {
			return &Result{Allowed: true, Remaining: t.cfg.Capacity - 1, Limit: t.cfg.Capacity}, nil
		}
		return &Result{Allowed: false, Remaining: 0, Limit: t.cfg.Capacity}, fmt.Errorf("toolgate: redis error: %w", err)
	}

	return &Result{
		Allowed:    result[0] == 1,
		Remaining:  result[1],
		Limit:      t.cfg.Capacity,
		RetryAfter: time.Duration(result[2]) * time.Millisecond,
	}, nil
}

func (t *tokenBucketRedis) Reset(ctx context.Context, key string) error {
	fullKey := t.opts.FormatKey(key)
	return t.redis.Del(ctx, fullKey).Err()
}
