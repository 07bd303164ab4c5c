package toolgate

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewSlidingWindow creates a Sliding Window Log rate limiter.
// maxRequests is the maximum calls allowed per window.
// windowSeconds is the window duration in seconds; the gate uses 60 for its
// calls-per-minute admission check.
// Note: this algorithm stores every call timestamp and has O(n) memory per
// key, bounded globally by MaxKeys with least-recently-used eviction.
// Pass WithRedis for distributed mode; omit for in-memory.
func NewSlidingWindow(maxRequests, windowSeconds int64, opts ...Option) (Limiter, error) {
	if maxRequests <= 0 || windowSeconds <= 0 {
		return nil, fmt.Errorf("toolgate: maxRequests and windowSeconds must be positive")
	}
	o := applyOptions(opts)

	if o.RedisClient != nil {
		return &slidingWindowRedis{
			redis:         o.RedisClient,
			maxRequests:   maxRequests,
			windowSeconds: windowSeconds,
			opts:          o,
		}, nil
	}
	return &slidingWindowMemory{
		states:        make(map[string]*slidingWindowState),
		maxRequests:   maxRequests,
		windowSeconds: windowSeconds,
		opts:          o,
	}, nil
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type slidingWindowState struct {
	timestamps []time.Time
	lastAccess time.Time
}

type slidingWindowMemory struct {
	mu            sync.Mutex
	states        map[string]*slidingWindowState
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (s *slidingWindowMemory) Allow(ctx context.Context, key string) (*Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *slidingWindowMemory) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	state, ok := s.states[key]
	if !ok {
		if len(s.states) >= s.opts.MaxKeys {
			s.evictLRU()
		}
		state = &slidingWindowState{}
		s.states[key] = state
	}
	state.lastAccess = now

	limit := s.maxRequests
	if s.opts.LimitFunc != nil {
		if override := s.opts.LimitFunc(key); override > 0 {
			limit = override
		}
	}

	windowDuration := time.Duration(s.windowSeconds) * time.Second

	// Prune timestamps older than the window horizon.
	cutoff := 0
	for cutoff < len(state.timestamps) && now.Sub(state.timestamps[cutoff]) > windowDuration {
		cutoff++
	}
	state.timestamps = state.timestamps[cutoff:]

	cost := int64(n)
	if int64(len(state.timestamps))+cost <= limit {
		for i := 0; i < n; i++ {
			state.timestamps = append(state.timestamps, now)
		}
		remaining := limit - int64(len(state.timestamps))
		return &Result{
			Allowed:   true,
			Remaining: remaining,
			Limit:     limit,
		}, nil
	}

	var retryAfter time.Duration
	if len(state.timestamps) > 0 {
		oldest := state.timestamps[0]
		expiresAt := oldest.Add(windowDuration)
		retryAfter = expiresAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	return &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      limit,
		RetryAfter: retryAfter,
	}, nil
}

// evictLRU drops the least-recently-used key. Called under mu.
func (s *slidingWindowMemory) evictLRU() {
	var victim string
	var oldest time.Time
	for k, st := range s.states {
		if victim == "" || st.lastAccess.Before(oldest) {
			victim = k
			oldest = st.lastAccess
		}
	}
	if victim != "" {
		delete(s.states, victim)
	}
}

func (s *slidingWindowMemory) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
	return nil
}

// ─── Redis ────────────────────────────────────────────────────────────────────

type slidingWindowRedis struct {
	redis         redis.UniversalClient
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (s *slidingWindowRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *slidingWindowRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	fullKey := s.opts.FormatKey(key)
	now := s.opts.Now().UnixMilli()
	windowStart := now - s.windowSeconds*1000

	limit := s.maxRequests
	if s.opts.LimitFunc != nil {
		if override := s.opts.LimitFunc(key); override > 0 {
			limit = override
		}
	}

	// Remove expired entries
	err := s.redis.ZRemRangeByScore(ctx, fullKey, "0", fmt.Sprintf("%d", windowStart)).Err()
	if err != nil {
		return s.failResult(err)
	}

	count, err := s.redis.ZCard(ctx, fullKey).Result()
	if err != nil {
		return s.failResult(err)
	}

	cost := int64(n)
	if count+cost <= limit {
		pipe := s.redis.Pipeline()
		for i := 0; i < n; i++ {
			member := fmt.Sprintf("%d:%d", now, rand.Int63())
			pipe.ZAdd(ctx, fullKey, redis.Z{Score: float64(now), Member: member})
		}
		pipe.Expire(ctx, fullKey, time.Duration(s.windowSeconds)*time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			return s.failResult(err)
		}
		remaining := limit - count - cost
		return &Result{
			Allowed:   true,
			Remaining: remaining,
			Limit:     limit,
		}, nil
	}

	// Denied — compute retryAfter from oldest entry
	retryAfter := time.Duration(s.windowSeconds) * time.Second
	oldest, err := s.redis.ZRangeWithScores(ctx, fullKey, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		oldestMs := int64(oldest[0].Score)
		expiresAt := oldestMs + s.windowSeconds*1000
		retryMs := expiresAt - now
		if retryMs > 0 && retryMs <= s.windowSeconds*1000 {
			retryAfter = time.Duration(retryMs) * time.Millisecond
		}
	}

	return &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      limit,
		RetryAfter: retryAfter,
	}, nil
}

func (s *slidingWindowRedis) Reset(ctx context.Context, key string) error {
	fullKey := s.opts.FormatKey(key)
	return s.redis.Del(ctx, fullKey).Err()
}

func (s *slidingWindowRedis) failResult(err error) (*Result, error) {
	if s.opts.FailOpen {
		return &Result{Allowed: true, Remaining: s.maxRequests - 1, Limit: s.maxRequests}, nil
	}
	return &Result{Allowed: false, Remaining: 0, Limit: s.maxRequests}, fmt.Errorf("toolgate: redis error: %w", err)
}
