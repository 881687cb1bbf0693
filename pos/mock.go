package pos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInjectedFailure is returned by the mock when chaos mode decides a call
// should fail.
var ErrInjectedFailure = errors.New("pos: injected failure")

// MockProvider is an in-memory payment backend. It honours idempotency keys
// (a replayed key returns the original reference without a second movement)
// and can inject failures and slow calls to exercise the breaker and the
// settlement retry paths.
type MockProvider struct {
	mu   sync.Mutex
	refs map[string]string

	chaos       bool
	failureRate float64
	slowRate    float64
	slowDelay   time.Duration
	rng         *rand.Rand
}

// MockOption adjusts mock behaviour.
type MockOption func(*MockProvider)

// WithChaos enables probabilistic failures and slow calls.
func WithChaos(failureRate, slowRate float64) MockOption {
	return func(m *MockProvider) {
		m.chaos = true
		m.failureRate = failureRate
		m.slowRate = slowRate
	}
}

// WithSlowDelay overrides how long an injected slow call stalls.
func WithSlowDelay(d time.Duration) MockOption {
	return func(m *MockProvider) { m.slowDelay = d }
}

// WithSeed makes chaos decisions reproducible.
func WithSeed(seed int64) MockOption {
	return func(m *MockProvider) { m.rng = rand.New(rand.NewSource(seed)) }
}

// NewMock builds a mock provider.
func NewMock(opts ...MockOption) *MockProvider {
	m := &MockProvider{
		refs:      make(map[string]string),
		slowDelay: 10 * time.Second,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Capture settles a held deposit into revenue.
func (m *MockProvider) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	ref, err := m.process(ctx, req.IdempotencyKey)
	if err != nil {
		return CaptureResult{}, err
	}
	return CaptureResult{ProviderRef: ref}, nil
}

// Refund returns a held deposit to its owner.
func (m *MockProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	ref, err := m.process(ctx, req.IdempotencyKey)
	if err != nil {
		return RefundResult{}, err
	}
	return RefundResult{ProviderRef: ref}, nil
}

// Processed reports whether a movement was recorded for the key.
func (m *MockProvider) Processed(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[key]
	return ok
}

// MovementCount returns the number of distinct recorded movements.
func (m *MockProvider) MovementCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs)
}

func (m *MockProvider) process(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	if ref, ok := m.refs[key]; ok {
		m.mu.Unlock()
		return ref, nil
	}
	var fail, slow bool
	if m.chaos {
		fail = m.rng.Float64() < m.failureRate
		if !fail {
			slow = m.rng.Float64() < m.slowRate
		}
	}
	m.mu.Unlock()

	if fail {
		return "", ErrInjectedFailure
	}
	if slow {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.slowDelay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.refs[key]; ok {
		return ref, nil
	}
	ref := "mock-" + uuid.NewString()
	m.refs[key] = ref
	return ref, nil
}
