package toolgate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"

	"github.com/toolgate/toolgate/keystore"
	"github.com/toolgate/toolgate/meter"
	"github.com/toolgate/toolgate/trace"
)

// BackendResponse is what a backend returns for one tool call. A zero
// StatusCode is treated as 200.
type BackendResponse struct {
	StatusCode int
	Result     json.RawMessage
}

// Backend executes tool calls against the upstream tool server.
type Backend interface {
	CallTool(ctx context.Context, call ToolCall) (*BackendResponse, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, call ToolCall) (*BackendResponse, error)

func (f BackendFunc) CallTool(ctx context.Context, call ToolCall) (*BackendResponse, error) {
	return f(ctx, call)
}

// ProxyConfig configures the executor.
type ProxyConfig struct {
	// MaxAttempts is the total number of backend attempts per call.
	// Default 3. Only network errors and 5xx statuses are retried.
	MaxAttempts int

	// AttemptTimeout bounds each individual attempt. Default 30s.
	AttemptTimeout time.Duration

	// BackoffBase seeds the exponential back-off between attempts.
	// Default 100ms, doubling per attempt with jitter.
	BackoffBase time.Duration

	// MaxBackoff caps the back-off. Default 5s.
	MaxBackoff time.Duration

	// FailOn4xx bills 4xx backend statuses as failures and rolls the
	// charge back. By default a 4xx is a successful backend contact and
	// a committed charge.
	FailOn4xx bool

	Breaker BreakerConfig
}

// Outcome is the terminal result of one Evaluate followed by Execute.
type Outcome struct {
	Decision *Decision

	// Response is the backend response on success, nil otherwise.
	Response *BackendResponse

	// Err is the terminal backend error when every attempt failed.
	Err error

	// Attempts counts backend attempts made; zero when the call never
	// reached the backend.
	Attempts int
}

// Proxy is the call executor. Given an accepted Decision it reserves the
// debit, records the window counters, calls the backend through the circuit
// breaker with retries, then commits on success or rolls everything back on
// failure.
type Proxy struct {
	cfg     ProxyConfig
	backend Backend
	gate    *Gate
	breaker *CircuitBreaker
	meter   *meter.Meter
	tracer  *trace.Tracer
	emitter *trace.Emitter
	opts    *Options
}

// NewProxy builds a Proxy around a gate and backend. The tracer may be nil.
func NewProxy(cfg ProxyConfig, backend Backend, gate *Gate, m *meter.Meter, tr *trace.Tracer, opts ...Option) (*Proxy, error) {
	if backend == nil {
		return nil, fmt.Errorf("toolgate: proxy requires a backend")
	}
	if gate == nil {
		return nil, fmt.Errorf("toolgate: proxy requires a gate")
	}
	if m == nil {
		return nil, fmt.Errorf("toolgate: proxy requires a meter")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	o := applyOptions(opts)
	return &Proxy{
		cfg:     cfg,
		backend: backend,
		gate:    gate,
		breaker: NewCircuitBreaker(cfg.Breaker, opts...),
		meter:   m,
		tracer:  tr,
		opts:    o,
	}, nil
}

// Breaker returns the executor's circuit breaker.
func (p *Proxy) Breaker() *CircuitBreaker { return p.breaker }

// SetEmitter routes completed traces to an OTLP emitter.
func (p *Proxy) SetEmitter(e *trace.Emitter) { p.emitter = e }

// Execute runs an accepted Decision against the backend. It must be called
// exactly once per allowed Decision; it releases the concurrency slot on
// every terminating path.
func (p *Proxy) Execute(ctx context.Context, d *Decision, call ToolCall) *Outcome {
	metered := keystore.Truncate(d.Record.Key)
	start := p.opts.Now()

	release := func() {
		if d.AcquiredConcurrency {
			p.gate.conc.Release(d.Record.Key, call.Name)
			d.AcquiredConcurrency = false
		}
	}

	if !p.breaker.AllowRequest() {
		release()
		if !d.Shadow {
			p.gate.rollovers.Refund(metered, 1)
		}
		d.Allowed = false
		d.Shadow = false
		d.Reason = ReasonCircuitOpen
		d.Cost = 0
		p.record(d, call, metered, 0, start)
		p.end(d, trace.Summary{CircuitState: p.breaker.State().String(), Error: ReasonCircuitOpen})
		return &Outcome{Decision: d}
	}

	// Reserve the debit and charge the window counters before the backend
	// contact so a concurrent call for the same key cannot overdraw.
	// Shadow-converted calls observe only.
	if !d.Shadow {
		if err := p.gate.store.Reserve(d.Record.Key, d.Cost); err != nil {
			release()
			p.gate.rollovers.Refund(metered, 1)
			d.Allowed = false
			d.Reason = ReasonInsufficientCredit
			d.Cost = 0
			p.record(d, call, metered, 0, start)
			p.end(d, trace.Summary{Error: ReasonInsufficientCredit})
			return &Outcome{Decision: d}
		}
		_ = p.gate.store.With(d.Record.Key, func(rec *keystore.Key) error {
			p.gate.quota.Record(rec, d.Cost)
			return nil
		})
		p.gate.spendCaps.Record(metered, d.Cost)
	}

	resp, attempts, err := p.callBackend(ctx, call)
	release()

	if err != nil {
		p.breaker.RecordFailure()
		p.rollback(d, metered)
		d.Allowed = false
		d.Shadow = false
		d.Reason = ReasonBackendError
		d.Cost = 0
		p.record(d, call, metered, 0, start)
		p.end(d, trace.Summary{
			RetryAttempts: attempts - 1,
			CircuitState:  p.breaker.State().String(),
			Error:         err.Error(),
		})
		return &Outcome{Decision: d, Err: err, Attempts: attempts}
	}

	p.breaker.RecordSuccess()

	status := resp.StatusCode
	if status == 0 {
		status = 200
	}
	if p.cfg.FailOn4xx && status >= 400 && status < 500 {
		p.rollback(d, metered)
		d.Allowed = false
		d.Shadow = false
		d.Reason = ReasonBackendError
		d.Cost = 0
		p.record(d, call, metered, 0, start)
		p.end(d, trace.Summary{
			RetryAttempts: attempts - 1,
			CircuitState:  p.breaker.State().String(),
			StatusCode:    status,
			Error:         fmt.Sprintf("backend status %d", status),
		})
		return &Outcome{Decision: d, Response: resp, Attempts: attempts}
	}

	if !d.Shadow {
		if err := p.gate.store.Commit(d.Record.Key, d.Cost); err != nil {
			p.opts.Logger.Error("commit after reserve failed", "key", metered, "error", err)
		}
	}
	p.record(d, call, metered, d.Cost, start)
	p.end(d, trace.Summary{
		RetryAttempts: attempts - 1,
		CircuitState:  p.breaker.State().String(),
		CreditsCost:   d.Cost,
		StatusCode:    status,
	})
	return &Outcome{Decision: d, Response: resp, Attempts: attempts}
}

// callBackend runs the retry loop. Only transport errors and 5xx statuses
// are retried; a 4xx is a completed backend contact.
func (p *Proxy) callBackend(ctx context.Context, call ToolCall) (*BackendResponse, int, error) {
	var resp *BackendResponse
	attempts := 0

	err := retry.Do(
		func() error {
			attempts++
			actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
			defer cancel()
			r, err := p.backend.CallTool(actx, call)
			if err != nil {
				return err
			}
			if r.StatusCode >= 500 {
				return fmt.Errorf("toolgate: backend status %d", r.StatusCode)
			}
			resp = r
			return nil
		},
		retry.Attempts(uint(p.cfg.MaxAttempts)),
		retry.Delay(p.cfg.BackoffBase),
		retry.MaxDelay(p.cfg.MaxBackoff),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(p.cfg.BackoffBase),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.opts.Logger.Warn("backend attempt failed", "tool", call.Name, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}

// rollback compensates the pre-contact reservation after a terminal backend
// failure. Credits were only reserved, never committed.
func (p *Proxy) rollback(d *Decision, metered string) {
	if d.Shadow {
		return
	}
	if err := p.gate.store.Refund(d.Record.Key, d.Cost); err != nil {
		p.opts.Logger.Error("refund after failure failed", "key", metered, "error", err)
	}
	_ = p.gate.store.With(d.Record.Key, func(rec *keystore.Key) error {
		p.gate.quota.Unrecord(rec, d.Cost)
		return nil
	})
	p.gate.spendCaps.Unrecord(metered, d.Cost)
	p.gate.rollovers.Refund(metered, 1)
}

func (p *Proxy) record(d *Decision, call ToolCall, metered string, credits int64, start time.Time) {
	e := meter.Event{
		Timestamp:      p.opts.Now(),
		APIKey:         metered,
		Tool:           call.Name,
		CreditsCharged: credits,
		Allowed:        d.Allowed,
		ResponseTimeMs: p.opts.Now().Sub(start).Milliseconds(),
	}
	if d.Record != nil {
		e.KeyName = d.Record.Name
		e.Namespace = d.Record.Namespace
	}
	if !d.Allowed {
		e.DenyReason = d.Reason
	}
	p.meter.Record(e)
}

func (p *Proxy) end(d *Decision, s trace.Summary) {
	if p.tracer == nil || d.TraceID == "" {
		return
	}
	if tr := p.tracer.EndTrace(d.TraceID, s); tr != nil && p.emitter != nil {
		p.emitter.Enqueue(tr)
	}
}
