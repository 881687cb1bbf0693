package kv

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock key namespaces and time-to-live values used across the engine.
const (
	BidLockKeyPrefix        = "bid:lock:auction:"
	EndingLockKeyPrefix     = "auction:ending:lock:"
	SettlementLockKeyPrefix = "auction:settlement:lock:"
	UserRateKeyPrefix       = "ws:bid:rate:user:"
	AuctionRateKeyPrefix    = "ws:bid:rate:auction:"

	BidLockTTL        = 5 * time.Second
	EndingLockTTL     = 10 * time.Second
	SettlementLockTTL = 30 * time.Second
	RateWindow        = 3 * time.Second

	healthPingInterval = 5 * time.Second
	commandTimeout     = 2 * time.Second
)

// releaseScript deletes the lock key only when its value still matches the
// acquisition token, in a single round trip. A plain GET+DEL pair would race
// against TTL expiry and release a lock some other process now holds.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

// commander is the subset of redis commands the store issues. *redis.Client
// satisfies it; tests substitute a fake.
type commander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// HealthObserver receives KV health flips, typically to drive a gauge.
type HealthObserver func(healthy bool)

// Store provides distributed locks and fixed-window rate counters over a
// shared redis instance.
type Store struct {
	client   commander
	raw      *redis.Client
	instance string
	healthy  atomic.Bool
	observer HealthObserver
}

// Dial connects to the redis URL and verifies the connection with a ping.
func Dial(ctx context.Context, url string, observer HealthObserver) (*Store, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = commandTimeout
	opts.WriteTimeout = commandTimeout
	client := redis.NewClient(opts)
	store := newStore(client, observer)
	store.raw = client
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store.setHealthy(true)
	return store, nil
}

func newStore(client commander, observer HealthObserver) *Store {
	store := &Store{
		client:   client,
		instance: uuid.NewString(),
		observer: observer,
	}
	store.healthy.Store(true)
	return store
}

// Client exposes the underlying connection for pub/sub use.
func (s *Store) Client() *redis.Client { return s.raw }

// Close releases the connection.
func (s *Store) Close() error {
	if s == nil || s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

// MonitorHealth pings the connection on a fixed cadence until the context is
// cancelled, tracking the most recent outcome.
func (s *Store) MonitorHealth(ctx context.Context) {
	ticker := time.NewTicker(healthPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			err := s.client.Ping(pingCtx).Err()
			cancel()
			s.setHealthy(err == nil)
		}
	}
}

// Healthy reflects the most recent connection event. Callers must fail closed
// when this reports false.
func (s *Store) Healthy() bool {
	if s == nil {
		return false
	}
	return s.healthy.Load()
}

func (s *Store) setHealthy(healthy bool) {
	previous := s.healthy.Swap(healthy)
	if previous != healthy && s.observer != nil {
		s.observer(healthy)
	}
}

// Acquire takes the named lock for ttl if it is free. The returned token is
// empty on contention; a non-empty token must be passed back to Release. The
// token embeds the process instance so an expiry race cannot misrelease a
// lock now held elsewhere.
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := s.instance + ":" + uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		s.setHealthy(false)
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release deletes the lock only if the stored value still equals token.
func (s *Store) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := s.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		s.setHealthy(false)
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// RateResult reports the outcome of a fixed-window rate check.
type RateResult struct {
	Allowed bool
	Current int64
}

// Rate atomically increments the window counter for key, setting the window
// expiry on first increment. The window is fixed per key; that approximation
// is sufficient for burst suppression and is what callers contract for.
func (s *Store) Rate(ctx context.Context, key string, max int64, window time.Duration) (RateResult, error) {
	current, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.setHealthy(false)
		return RateResult{}, fmt.Errorf("rate incr %s: %w", key, err)
	}
	if current == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			s.setHealthy(false)
			return RateResult{}, fmt.Errorf("rate expire %s: %w", key, err)
		}
	}
	return RateResult{Allowed: current <= max, Current: current}, nil
}
