package toolgate

import (
	"context"
	"time"
)

// Limiter is the contract shared by the admission rate limiters. Business
// denials are reported in the Result, never as an error; errors are reserved
// for backend (Redis) failures.
type Limiter interface {
	// Allow checks whether a single call for key should be admitted.
	Allow(ctx context.Context, key string) (*Result, error)

	// AllowN checks whether n calls for key should be admitted at once.
	AllowN(ctx context.Context, key string, n int) (*Result, error)

	// Reset clears all state for key.
	Reset(ctx context.Context, key string) error
}

// Result is the outcome of one limiter check.
type Result struct {
	Allowed   bool
	Remaining int64
	Limit     int64

	// RetryAfter is how long the caller should wait before the next
	// attempt can succeed. Only set on denial.
	RetryAfter time.Duration
}
