package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"auctiond/kv"
	"auctiond/observability"
	"auctiond/storage"
)

// DefaultTick is the sweep cadence for ending detection.
const DefaultTick = time.Second

// Locker is the distributed lock surface the worker needs.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// Notifier receives lifecycle events for fan-out to connected clients.
// Implementations must not block.
type Notifier interface {
	AuctionEnding(auctionID uuid.UUID, endTime time.Time)
	AuctionEnded(auctionID uuid.UUID, finalPrice string, winnerID, winnerBidID *uuid.UUID)
}

// Worker closes auctions whose bidding window has elapsed: LIVE auctions move
// to ENDING with a broadcast, then to ENDED with the winner selected. Each
// transition runs in its own transaction under a per-auction lock so any
// instance can resume after a crash mid-sequence.
type Worker struct {
	db       *gorm.DB
	locks    Locker
	notifier Notifier
	tick     time.Duration
	now      func() time.Time
	metrics  *observability.SettlementMetrics
}

// Option adjusts worker construction.
type Option func(*Worker)

// WithTick overrides the sweep cadence.
func WithTick(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.tick = d
		}
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithMetrics attaches the settlement metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New builds a lifecycle worker.
func New(db *gorm.DB, locks Locker, notifier Notifier, opts ...Option) *Worker {
	w := &Worker{
		db:       db,
		locks:    locks,
		notifier: notifier,
		tick:     DefaultTick,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	slog.Info("lifecycle worker started", "tick", w.tick)
	for {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle worker stopped")
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				slog.Error("lifecycle sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one ending-detection pass.
func (w *Worker) Sweep(ctx context.Context) error {
	now := w.now().UTC()
	var due []uuid.UUID
	err := w.db.WithContext(ctx).Model(&storage.Auction{}).
		Where("status IN ? AND COALESCE(extended_until, scheduled_end) <= ?",
			[]storage.AuctionStatus{storage.AuctionLive, storage.AuctionEnding}, now).
		Pluck("id", &due).Error
	if err != nil {
		return fmt.Errorf("lifecycle: query due auctions: %w", err)
	}
	for _, auctionID := range due {
		if err := w.close(ctx, auctionID); err != nil {
			slog.Error("auction close failed", "auction_id", auctionID, "error", err)
		}
	}
	return nil
}

// close drives one auction through ENDING into ENDED under its lock.
func (w *Worker) close(ctx context.Context, auctionID uuid.UUID) error {
	lockKey := kv.EndingLockKeyPrefix + auctionID.String()
	token, err := w.locks.Acquire(ctx, lockKey, kv.EndingLockTTL)
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
		if err := w.locks.Release(releaseCtx, lockKey, token); err != nil {
			slog.Warn("ending lock release failed", "auction_id", auctionID, "error", err)
		}
	}()

	if err := w.markEnding(ctx, auctionID); err != nil {
		return err
	}
	return w.markEnded(ctx, auctionID)
}

// markEnding moves a due LIVE auction to ENDING. Already-ENDING auctions
// (a crashed predecessor) pass through untouched.
func (w *Worker) markEnding(ctx context.Context, auctionID uuid.UUID) error {
	var endTime time.Time
	moved := false
	err := storage.WithRetry(ctx, func() error {
		moved = false
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var auction storage.Auction
			if err := storage.ForUpdate(tx).First(&auction, "id = ?", auctionID).Error; err != nil {
				return err
			}
			if auction.Status != storage.AuctionLive {
				return nil
			}
			now := w.now().UTC()
			if now.Before(auction.EffectiveEnd()) {
				// Extended by a sniper bid after the sweep query ran.
				return nil
			}
			res := tx.Model(&storage.Auction{}).
				Where("id = ? AND version = ?", auction.ID, auction.Version).
				Updates(map[string]interface{}{
					"status":  storage.AuctionEnding,
					"version": auction.Version + 1,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("lifecycle: auction %s version conflict", auction.ID)
			}
			moved = true
			endTime = auction.EffectiveEnd()
			return nil
		})
	})
	if err != nil {
		return err
	}
	if moved {
		w.metrics.RecordTransition(string(storage.AuctionLive), string(storage.AuctionEnding))
		if w.notifier != nil {
			w.notifier.AuctionEnding(auctionID, endTime)
		}
	}
	return nil
}

// markEnded selects the winner and closes an ENDING auction.
func (w *Worker) markEnded(ctx context.Context, auctionID uuid.UUID) error {
	var (
		moved       bool
		finalPrice  string
		winnerID    *uuid.UUID
		winnerBidID *uuid.UUID
	)
	err := storage.WithRetry(ctx, func() error {
		moved = false
		winnerID = nil
		winnerBidID = nil
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var auction storage.Auction
			if err := storage.ForUpdate(tx).First(&auction, "id = ?", auctionID).Error; err != nil {
				return err
			}
			if auction.Status != storage.AuctionEnding {
				return nil
			}

			var winner storage.Bid
			err := tx.Where("auction_id = ?", auctionID).
				Order("CAST(amount AS DECIMAL) DESC, server_ts ASC").
				First(&winner).Error
			hasWinner := err == nil
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			now := w.now().UTC()
			finalPrice = auction.CurrentPrice
			updates := map[string]interface{}{
				"status":   storage.AuctionEnded,
				"ended_at": now,
				"version":  auction.Version + 1,
			}
			if hasWinner {
				finalPrice = winner.Amount
				updates["final_price"] = winner.Amount
				updates["winner_id"] = winner.UserID
				updates["winner_bid_id"] = winner.ID
				winnerUser, winnerBid := winner.UserID, winner.ID
				winnerID, winnerBidID = &winnerUser, &winnerBid
			} else {
				updates["final_price"] = auction.CurrentPrice
			}
			res := tx.Model(&storage.Auction{}).
				Where("id = ? AND version = ?", auction.ID, auction.Version).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("lifecycle: auction %s version conflict", auction.ID)
			}
			moved = true
			return nil
		})
	})
	if err != nil {
		return err
	}
	if moved {
		w.metrics.RecordTransition(string(storage.AuctionEnding), string(storage.AuctionEnded))
		slog.Info("auction ended", "auction_id", auctionID, "final_price", finalPrice, "has_winner", winnerID != nil)
		if w.notifier != nil {
			w.notifier.AuctionEnded(auctionID, finalPrice, winnerID, winnerBidID)
		}
	}
	return nil
}
