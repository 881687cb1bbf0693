package pos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auctiond/observability"
)

// State is the circuit breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultCallTimeout = 5 * time.Second
	defaultThreshold   = 5
	defaultCooldown    = 60 * time.Second
)

// Breaker wraps a Provider with a hard per-call timeout and a circuit
// breaker. After threshold consecutive failures the circuit opens and calls
// fail fast with ErrCircuitOpen until the cooldown elapses, at which point a
// single probe call is let through.
type Breaker struct {
	provider Provider
	metrics  *observability.PosMetrics
	now      func() time.Time

	callTimeout time.Duration
	threshold   int
	cooldown    time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// BreakerOption adjusts breaker behaviour.
type BreakerOption func(*Breaker)

// WithCallTimeout overrides the hard per-call deadline.
func WithCallTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.callTimeout = d }
}

// WithThreshold overrides the consecutive-failure trip threshold.
func WithThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithCooldown overrides the OPEN dwell time before a probe is allowed.
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.cooldown = d }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithMetrics attaches the POS metrics registry.
func WithMetrics(m *observability.PosMetrics) BreakerOption {
	return func(b *Breaker) { b.metrics = m }
}

// Wrap builds a breaker around the provider.
func Wrap(provider Provider, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		provider:    provider,
		now:         time.Now,
		callTimeout: defaultCallTimeout,
		threshold:   defaultThreshold,
		cooldown:    defaultCooldown,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State reports the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Capture forwards to the provider under breaker protection.
func (b *Breaker) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	var res CaptureResult
	err := b.do(ctx, func(callCtx context.Context) error {
		var callErr error
		res, callErr = b.provider.Capture(callCtx, req)
		return callErr
	})
	if err != nil {
		return CaptureResult{}, err
	}
	return res, nil
}

// Refund forwards to the provider under breaker protection.
func (b *Breaker) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	var res RefundResult
	err := b.do(ctx, func(callCtx context.Context) error {
		var callErr error
		res, callErr = b.provider.Refund(callCtx, req)
		return callErr
	})
	if err != nil {
		return RefundResult{}, err
	}
	return res, nil
}

func (b *Breaker) do(ctx context.Context, call func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	err := call(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrTimeout, b.callTimeout, err)
		b.metrics.RecordTimeout()
	}
	b.record(err == nil)
	return err
}

// allow decides whether a call may proceed. In HALF_OPEN exactly one probe is
// in flight at a time; everything else fails fast.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
		if ok {
			b.failures = 0
			b.transition(StateClosed)
			return
		}
		b.trip()
		return
	}
	if ok {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.failures = 0
	b.transition(StateOpen)
	b.metrics.RecordTrip()
	slog.Warn("pos circuit opened", "cooldown", b.cooldown)
}

// transition must be called with the mutex held.
func (b *Breaker) transition(next State) {
	b.state = next
	b.metrics.SetCircuitState(int(next))
}
