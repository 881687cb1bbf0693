package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"auctiond/kv"
	"auctiond/observability"
	"auctiond/storage"
)

const (
	// DefaultTick is the settlement sweep cadence.
	DefaultTick = 5 * time.Second
	// ItemsPerTick bounds item dispatches per manifest per tick so one large
	// settlement cannot starve the rest.
	ItemsPerTick = 5
	// MaxManifestsPerTick bounds how many manifests one tick touches.
	MaxManifestsPerTick = 3
	// MemorySafetyItemsLimit escalates implausibly large manifests instead of
	// decoding them tick after tick.
	MemorySafetyItemsLimit = 500
)

// Locker is the distributed lock surface the worker needs.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// Health gates settlement work on KV availability. Money movement without
// working locks is not attempted.
type Health interface {
	Healthy() bool
}

// Notifier receives settlement events for fan-out to connected clients.
// Implementations must not block.
type Notifier interface {
	SettlementPending(auctionID uuid.UUID)
	SettlementProgress(auctionID uuid.UUID, acknowledged, total int)
	AuctionSettled(auctionID uuid.UUID)
	SettlementFailed(auctionID uuid.UUID, reason string)
}

// Worker drives settlement in two phases per tick: manifests are created for
// freshly ENDED auctions, then ACTIVE manifests advance a bounded number of
// items each. All per-auction work happens under the settlement lock.
type Worker struct {
	db       *gorm.DB
	svc      *Service
	locks    Locker
	health   Health
	notifier Notifier
	tick     time.Duration
	now      func() time.Time
	metrics  *observability.SettlementMetrics
}

// WorkerOption adjusts worker construction.
type WorkerOption func(*Worker)

// WithTick overrides the sweep cadence.
func WithTick(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.tick = d
		}
	}
}

// WithWorkerClock substitutes the time source, for tests.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// WithWorkerMetrics attaches the settlement metrics registry.
func WithWorkerMetrics(m *observability.SettlementMetrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker builds a settlement worker.
func NewWorker(db *gorm.DB, svc *Service, locks Locker, health Health, notifier Notifier, opts ...WorkerOption) *Worker {
	w := &Worker{
		db:       db,
		svc:      svc,
		locks:    locks,
		health:   health,
		notifier: notifier,
		tick:     DefaultTick,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run ticks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	slog.Info("settlement worker started", "tick", w.tick)
	for {
		select {
		case <-ctx.Done():
			slog.Info("settlement worker stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one settlement pass.
func (w *Worker) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { w.metrics.ObserveTick(time.Since(start)) }()

	if w.health != nil && !w.health.Healthy() {
		slog.Warn("settlement tick skipped", "reason", "kv unhealthy")
		return
	}
	if err := w.initiatePending(ctx); err != nil {
		slog.Error("settlement initiation pass failed", "error", err)
	}
	if err := w.processActive(ctx); err != nil {
		slog.Error("settlement processing pass failed", "error", err)
	}
}

// initiatePending creates manifests for auctions that finished bidding.
func (w *Worker) initiatePending(ctx context.Context) error {
	var ended []uuid.UUID
	err := w.db.WithContext(ctx).Model(&storage.Auction{}).
		Where("status = ?", storage.AuctionEnded).
		Order("ended_at").
		Pluck("id", &ended).Error
	if err != nil {
		return err
	}
	for _, auctionID := range ended {
		auctionID := auctionID
		err := w.withLock(ctx, auctionID, func(ctx context.Context) error {
			manifest, err := w.svc.Initiate(ctx, auctionID)
			if err != nil {
				return err
			}
			if w.notifier != nil {
				w.notifier.SettlementPending(auctionID)
			}
			if manifest.ItemsTotal == 0 {
				// Nothing to move; settle immediately.
				outcome, err := w.svc.Finalize(ctx, manifest)
				if err != nil {
					return err
				}
				if outcome == OutcomeCompleted && w.notifier != nil {
					w.notifier.AuctionSettled(auctionID)
				}
			}
			return nil
		})
		if err != nil {
			slog.Error("settlement initiation failed", "auction_id", auctionID, "error", err)
		}
	}
	return nil
}

// processActive advances a bounded batch of ACTIVE manifests.
func (w *Worker) processActive(ctx context.Context) error {
	var backlog int64
	if err := w.db.WithContext(ctx).Model(&storage.SettlementManifest{}).
		Where("status = ?", storage.ManifestActive).Count(&backlog).Error; err != nil {
		return err
	}
	w.metrics.SetBacklog(int(backlog))

	var manifests []storage.SettlementManifest
	err := w.db.WithContext(ctx).
		Where("status = ?", storage.ManifestActive).
		Order("created_at").
		Limit(MaxManifestsPerTick).
		Find(&manifests).Error
	if err != nil {
		return err
	}
	for i := range manifests {
		auctionID := manifests[i].AuctionID
		err := w.withLock(ctx, auctionID, func(ctx context.Context) error {
			return w.advance(ctx, manifests[i].ID)
		})
		if err != nil {
			slog.Error("settlement advance failed", "auction_id", auctionID, "error", err)
		}
	}
	return nil
}

// advance processes one manifest under its lock: expiry and size guards
// first, then up to ItemsPerTick item dispatches, then finalization.
func (w *Worker) advance(ctx context.Context, manifestID uuid.UUID) error {
	var manifest storage.SettlementManifest
	if err := w.db.WithContext(ctx).First(&manifest, "id = ?", manifestID).Error; err != nil {
		return err
	}
	if manifest.Status != storage.ManifestActive {
		return nil
	}

	now := w.now().UTC()
	if now.After(manifest.ExpiresAt) {
		if err := w.svc.Expire(ctx, &manifest); err != nil {
			return err
		}
		if w.notifier != nil {
			w.notifier.SettlementFailed(manifest.AuctionID, "manifest expired")
		}
		return nil
	}
	if manifest.ItemsTotal > MemorySafetyItemsLimit {
		if err := w.svc.Escalate(ctx, manifest.AuctionID, "memory safety limit exceeded"); err != nil {
			return err
		}
		if w.notifier != nil {
			w.notifier.SettlementFailed(manifest.AuctionID, "memory safety limit exceeded")
		}
		return nil
	}

	items, err := manifest.DecodeItems()
	if err != nil {
		return err
	}
	dispatched := 0
	for idx := range items {
		if dispatched >= ItemsPerTick {
			break
		}
		if !workable(items[idx]) {
			continue
		}
		if err := w.svc.ProcessItem(ctx, &manifest, items, idx); err != nil {
			return err
		}
		dispatched++
	}
	if dispatched > 0 && w.notifier != nil {
		w.notifier.SettlementProgress(manifest.AuctionID, manifest.ItemsAcknowledged, manifest.ItemsTotal)
	}

	outcome, err := w.svc.Finalize(ctx, &manifest)
	if err != nil {
		return err
	}
	if w.notifier != nil {
		switch outcome {
		case OutcomeCompleted:
			w.notifier.AuctionSettled(manifest.AuctionID)
		case OutcomeEscalated:
			w.notifier.SettlementFailed(manifest.AuctionID, "item retry budget exhausted")
		}
	}
	return nil
}

// workable reports whether an item still needs a dispatch attempt. Items in
// sent are resumed (a crash mid-call); failed items retry inside the budget.
func workable(item storage.ManifestItem) bool {
	switch item.Status {
	case storage.ItemPending, storage.ItemSent:
		return true
	case storage.ItemFailed:
		return item.RetryCount < MaxItemRetries
	default:
		return false
	}
}

func (w *Worker) withLock(ctx context.Context, auctionID uuid.UUID, fn func(context.Context) error) error {
	key := kv.SettlementLockKeyPrefix + auctionID.String()
	token, err := w.locks.Acquire(ctx, key, kv.SettlementLockTTL)
	if err != nil {
		return err
	}
	if token == "" {
		w.metrics.RecordLockFailure()
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.locks.Release(releaseCtx, key, token); err != nil {
			slog.Warn("settlement lock release failed", "auction_id", auctionID, "error", err)
		}
	}()
	return fn(ctx)
}
