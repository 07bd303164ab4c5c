// Package webhook batches lifecycle events per target URL and delivers them
// through a caller-supplied callback, with periodic flushing, pause/resume
// buffering, and a bounded global queue as backpressure.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned by Add when the global queue bound is reached.
var ErrQueueFull = errors.New("webhook: queue is full")

// DeliverFunc ships one batch to one URL. A non-nil error counts as a failed
// delivery.
type DeliverFunc func(ctx context.Context, url string, batch []any) error

// Failure records one failed delivery for the bounded history.
type Failure struct {
	URL       string
	Events    int
	Err       string
	Timestamp time.Time
}

// Config configures a Batcher.
type Config struct {
	// Deliver is the delivery callback (required).
	Deliver DeliverFunc

	// MaxBatchSize triggers an immediate synchronous flush of a URL's
	// queue when reached. Default 50.
	MaxBatchSize int

	// MaxQueueSize bounds queued events across all URLs. Default 10000.
	MaxQueueSize int

	// FlushInterval drives the periodic flush of every URL. Default 10s.
	FlushInterval time.Duration

	// MaxFailures bounds the retained failure history. Default 100.
	MaxFailures int

	// Logger receives delivery failures. Default slog.Default().
	Logger *slog.Logger
}

// Batcher queues events per URL. Not safe to copy.
type Batcher struct {
	mu      sync.Mutex
	cfg     Config
	queues  map[string][]any
	total   int
	paused  bool
	failed  int64
	history []Failure
	logger  *slog.Logger
}

// New creates a Batcher.
func New(cfg Config) (*Batcher, error) {
	if cfg.Deliver == nil {
		return nil, errors.New("webhook: Deliver callback is required")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		cfg:    cfg,
		queues: make(map[string][]any),
		logger: logger,
	}, nil
}

// Add queues one event for url. Reaching MaxBatchSize flushes that URL
// synchronously unless the batcher is paused. Beyond the global bound Add
// fails with ErrQueueFull.
func (b *Batcher) Add(ctx context.Context, url string, payload any) error {
	b.mu.Lock()
	if b.total >= b.cfg.MaxQueueSize {
		b.mu.Unlock()
		return ErrQueueFull
	}
	b.queues[url] = append(b.queues[url], payload)
	b.total++
	shouldFlush := !b.paused && len(b.queues[url]) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush {
		b.Flush(ctx, url)
	}
	return nil
}

// Flush delivers everything queued for url. Delivery runs outside the lock;
// failures are counted and retained in the history, and the events are not
// re-queued.
func (b *Batcher) Flush(ctx context.Context, url string) {
	b.mu.Lock()
	if b.paused {
		b.mu.Unlock()
		return
	}
	batch := b.queues[url]
	if len(batch) == 0 {
		b.mu.Unlock()
		return
	}
	delete(b.queues, url)
	b.total -= len(batch)
	b.mu.Unlock()

	if err := b.cfg.Deliver(ctx, url, batch); err != nil {
		b.recordFailure(url, len(batch), err)
	}
}

// FlushAll delivers every URL's queue.
func (b *Batcher) FlushAll(ctx context.Context) {
	b.mu.Lock()
	urls := make([]string, 0, len(b.queues))
	for url := range b.queues {
		urls = append(urls, url)
	}
	b.mu.Unlock()
	for _, url := range urls {
		b.Flush(ctx, url)
	}
}

func (b *Batcher) recordFailure(url string, events int, err error) {
	b.logger.Warn("webhook delivery failed", "url", url, "events", events, "error", err)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed++
	b.history = append(b.history, Failure{
		URL:       url,
		Events:    events,
		Err:       err.Error(),
		Timestamp: time.Now(),
	})
	if len(b.history) > b.cfg.MaxFailures {
		over := len(b.history) - b.cfg.MaxFailures
		b.history = append(b.history[:0], b.history[over:]...)
	}
}

// Pause buffers events instead of delivering them. Flushes become no-ops
// until Resume.
func (b *Batcher) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

// Resume re-enables delivery and flushes everything buffered during the
// pause.
func (b *Batcher) Resume(ctx context.Context) {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
	b.FlushAll(ctx)
}

// Paused reports the pause state.
func (b *Batcher) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Run flushes every URL on FlushInterval until ctx is cancelled, then
// performs a final drain.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.FlushAll(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.FlushAll(drainCtx)
			cancel()
			return
		}
	}
}

// QueueLen reports events queued across all URLs.
func (b *Batcher) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Failures reports the count of failed deliveries.
func (b *Batcher) Failures() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

// FailureHistory returns a copy of the bounded failure history, oldest
// first.
func (b *Batcher) FailureHistory() []Failure {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Failure(nil), b.history...)
}
