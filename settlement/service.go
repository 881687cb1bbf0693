package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"auctiond/observability"
	"auctiond/pos"
	"auctiond/storage"
)

const (
	// ManifestExpiry bounds how long a manifest may stay unfinished before
	// the auction escalates to operators.
	ManifestExpiry = 48 * time.Hour
	// MaxItemRetries is the per-item automatic retry budget.
	MaxItemRetries = 3
)

// Ledger and transition event names. Reconciliation depends on exactly one
// ledger row per deposit per event.
const (
	EventDepositCaptured = "deposit_captured"
	EventRefundInitiated = "deposit_refund_initiated"
	EventDepositRefunded = "deposit_refunded"
)

// Outcome is the result of a finalization check.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeCompleted
	OutcomeEscalated
)

// Service drives post-auction money movement: manifest creation, per-item
// capture and refund dispatch against the POS provider, and terminal-state
// resolution. All mutating paths are idempotent so any instance can resume
// another's work after a crash.
type Service struct {
	db       *gorm.DB
	provider pos.Provider
	now      func() time.Time
	metrics  *observability.SettlementMetrics
}

// Option adjusts service construction.
type Option func(*Service)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches the settlement metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService builds a settlement service.
func NewService(db *gorm.DB, provider pos.Provider, opts ...Option) *Service {
	s := &Service{
		db:       db,
		provider: provider,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate creates the settlement manifest for an ENDED auction and moves it
// to SETTLING. Exactly one item per eligible participant whose deposit is
// still HELD: the winner's deposit is captured, every other deposit is
// refunded. Deposits of revoked participants are left to operators. A second
// call (or a call after a crash between the manifest insert and the status
// flip) returns the existing manifest.
func (s *Service) Initiate(ctx context.Context, auctionID uuid.UUID) (*storage.SettlementManifest, error) {
	var (
		manifest *storage.SettlementManifest
		created  bool
	)
	err := storage.WithRetry(ctx, func() error {
		manifest = nil
		created = false
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var auction storage.Auction
			if err := storage.ForUpdate(tx).First(&auction, "id = ?", auctionID).Error; err != nil {
				return err
			}

			var existing storage.SettlementManifest
			err := tx.Where("auction_id = ?", auctionID).First(&existing).Error
			if err == nil {
				manifest = &existing
				if auction.Status == storage.AuctionEnded {
					return s.flip(tx, &auction, storage.AuctionSettling)
				}
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			if auction.Status != storage.AuctionEnded {
				return fmt.Errorf("settlement: auction %s is %s, not ENDED", auctionID, auction.Status)
			}

			var participants []storage.AuctionParticipant
			if err := tx.Where("auction_id = ? AND eligible = ?", auctionID, true).Find(&participants).Error; err != nil {
				return err
			}
			userIDs := make([]uuid.UUID, 0, len(participants))
			for _, participant := range participants {
				userIDs = append(userIDs, participant.UserID)
			}

			var deposits []storage.Deposit
			if len(userIDs) > 0 {
				if err := tx.Where("auction_id = ? AND status = ? AND user_id IN ?", auctionID, storage.DepositHeld, userIDs).
					Order("created_at").Find(&deposits).Error; err != nil {
					return err
				}
			}

			items := make([]storage.ManifestItem, 0, len(deposits))
			for _, deposit := range deposits {
				action := storage.ActionRefund
				if auction.WinnerID != nil && deposit.UserID == *auction.WinnerID {
					action = storage.ActionCapture
				}
				items = append(items, storage.ManifestItem{
					DepositID:      deposit.ID,
					UserID:         deposit.UserID,
					Action:         action,
					Status:         storage.ItemPending,
					Amount:         deposit.Amount,
					Currency:       deposit.Currency,
					IdempotencyKey: storage.ItemIdempotencyKey(auctionID, deposit.ID, action),
				})
			}

			fresh := &storage.SettlementManifest{
				ID:        uuid.New(),
				AuctionID: auctionID,
				Status:    storage.ManifestActive,
				ExpiresAt: s.now().UTC().Add(ManifestExpiry),
			}
			if err := fresh.EncodeItems(items); err != nil {
				return err
			}
			if err := tx.Create(fresh).Error; err != nil {
				return err
			}
			if err := s.flip(tx, &auction, storage.AuctionSettling); err != nil {
				return err
			}
			manifest = fresh
			created = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.metrics.RecordInitiated()
		slog.Info("settlement initiated", "auction_id", auctionID, "items", manifest.ItemsTotal)
	}
	return manifest, nil
}

// ProcessItem dispatches one manifest item against the POS provider. The item
// state (and the manifest row) is persisted before and after the external
// call so a crash at any point is recoverable. Item failures are recorded in
// place and never returned as errors; only infrastructure trouble is.
func (s *Service) ProcessItem(ctx context.Context, manifest *storage.SettlementManifest, items []storage.ManifestItem, idx int) error {
	item := &items[idx]
	switch item.Action {
	case storage.ActionCapture:
		return s.processCapture(ctx, manifest, items, idx)
	case storage.ActionRefund:
		return s.processRefund(ctx, manifest, items, idx)
	default:
		s.failItem(item, fmt.Sprintf("unknown action %q", item.Action))
		return s.SaveItems(ctx, manifest, items)
	}
}

func (s *Service) processCapture(ctx context.Context, manifest *storage.SettlementManifest, items []storage.ManifestItem, idx int) error {
	item := &items[idx]
	var deposit storage.Deposit
	if err := s.db.WithContext(ctx).First(&deposit, "id = ?", item.DepositID).Error; err != nil {
		return err
	}

	switch deposit.Status {
	case storage.DepositCaptured:
		// The capture landed before a crash; only the ack is missing.
		s.ackItem(item, deposit.PosTransactionID)
		s.metrics.RecordCapture()
		return s.SaveItems(ctx, manifest, items)
	case storage.DepositHeld:
	default:
		s.failItem(item, fmt.Sprintf("deposit is %s, expected HELD", deposit.Status))
		s.metrics.RecordItemFailure(string(storage.ActionCapture))
		return s.SaveItems(ctx, manifest, items)
	}

	s.markSent(item)
	if err := s.SaveItems(ctx, manifest, items); err != nil {
		return err
	}

	res, err := s.provider.Capture(ctx, pos.CaptureRequest{
		IdempotencyKey: item.IdempotencyKey,
		AuctionID:      manifest.AuctionID,
		DepositID:      deposit.ID,
		UserID:         deposit.UserID,
		Amount:         deposit.Amount,
		Currency:       deposit.Currency,
	})
	if err != nil {
		// The movement may have landed even though the call errored: the
		// response was lost, or another instance finished the item. A
		// CAPTURED deposit means the money moved, so acknowledge instead of
		// burning a retry. Circuit-open calls never went out.
		if !errors.Is(err, pos.ErrCircuitOpen) {
			var after storage.Deposit
			if readErr := s.db.WithContext(ctx).First(&after, "id = ?", deposit.ID).Error; readErr == nil && after.Status == storage.DepositCaptured {
				s.ackItem(item, after.PosTransactionID)
				s.metrics.RecordCapture()
				return s.SaveItems(ctx, manifest, items)
			}
		}
		s.failItem(item, posFailureReason("capture", err))
		s.metrics.RecordItemFailure(string(storage.ActionCapture))
		return s.SaveItems(ctx, manifest, items)
	}

	if err := s.captureDeposit(ctx, deposit.ID, res.ProviderRef); err != nil {
		s.failItem(item, "record capture: "+err.Error())
		s.metrics.RecordItemFailure(string(storage.ActionCapture))
		return s.SaveItems(ctx, manifest, items)
	}
	s.ackItem(item, res.ProviderRef)
	s.metrics.RecordCapture()
	return s.SaveItems(ctx, manifest, items)
}

func (s *Service) processRefund(ctx context.Context, manifest *storage.SettlementManifest, items []storage.ManifestItem, idx int) error {
	item := &items[idx]
	var deposit storage.Deposit
	if err := s.db.WithContext(ctx).First(&deposit, "id = ?", item.DepositID).Error; err != nil {
		return err
	}

	switch deposit.Status {
	case storage.DepositRefunded:
		s.ackItem(item, deposit.PosTransactionID)
		s.metrics.RecordRefund()
		return s.SaveItems(ctx, manifest, items)
	case storage.DepositHeld:
		if err := s.pendRefund(ctx, deposit.ID, item); err != nil {
			s.failItem(item, "stage refund: "+err.Error())
			s.metrics.RecordItemFailure(string(storage.ActionRefund))
			return s.SaveItems(ctx, manifest, items)
		}
	case storage.DepositRefundPending:
		// Resuming after a crash between the two refund stages.
	default:
		s.failItem(item, fmt.Sprintf("deposit is %s, expected HELD", deposit.Status))
		s.metrics.RecordItemFailure(string(storage.ActionRefund))
		return s.SaveItems(ctx, manifest, items)
	}

	s.markSent(item)
	if err := s.SaveItems(ctx, manifest, items); err != nil {
		return err
	}

	res, err := s.provider.Refund(ctx, pos.RefundRequest{
		IdempotencyKey: item.IdempotencyKey,
		AuctionID:      manifest.AuctionID,
		DepositID:      deposit.ID,
		UserID:         deposit.UserID,
		Amount:         deposit.Amount,
		Currency:       deposit.Currency,
	})
	if err != nil {
		// Mirror of the capture path: a REFUNDED deposit means the movement
		// completed despite the error.
		if !errors.Is(err, pos.ErrCircuitOpen) {
			var after storage.Deposit
			if readErr := s.db.WithContext(ctx).First(&after, "id = ?", deposit.ID).Error; readErr == nil && after.Status == storage.DepositRefunded {
				s.ackItem(item, after.PosTransactionID)
				s.metrics.RecordRefund()
				return s.SaveItems(ctx, manifest, items)
			}
		}
		s.failItem(item, posFailureReason("refund", err))
		s.metrics.RecordItemFailure(string(storage.ActionRefund))
		return s.SaveItems(ctx, manifest, items)
	}

	if err := s.completeRefund(ctx, deposit.ID, item.IdempotencyKey, res.ProviderRef); err != nil {
		s.failItem(item, "record refund: "+err.Error())
		s.metrics.RecordItemFailure(string(storage.ActionRefund))
		return s.SaveItems(ctx, manifest, items)
	}
	s.ackItem(item, res.ProviderRef)
	s.metrics.RecordRefund()
	return s.SaveItems(ctx, manifest, items)
}

// captureDeposit commits the deposit to CAPTURED with its transition and
// ledger rows in one transaction. A deposit already CAPTURED is a no-op.
func (s *Service) captureDeposit(ctx context.Context, depositID uuid.UUID, providerRef string) error {
	return storage.WithRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var deposit storage.Deposit
			if err := storage.ForUpdate(tx).First(&deposit, "id = ?", depositID).Error; err != nil {
				return err
			}
			if deposit.Status == storage.DepositCaptured {
				return nil
			}
			if deposit.Status != storage.DepositHeld {
				return fmt.Errorf("deposit %s is %s, expected HELD", deposit.ID, deposit.Status)
			}
			if err := tx.Model(&storage.Deposit{}).Where("id = ?", deposit.ID).Updates(map[string]interface{}{
				"status":             storage.DepositCaptured,
				"pos_transaction_id": providerRef,
			}).Error; err != nil {
				return err
			}
			if err := tx.Create(&storage.DepositTransition{
				ID:         uuid.New(),
				DepositID:  deposit.ID,
				FromStatus: storage.DepositHeld,
				ToStatus:   storage.DepositCaptured,
				Event:      EventDepositCaptured,
			}).Error; err != nil {
				return err
			}
			return tx.Create(&storage.PaymentLedgerEntry{
				ID:        uuid.New(),
				DepositID: deposit.ID,
				Event:     EventDepositCaptured,
				Amount:    deposit.Amount,
				Currency:  deposit.Currency,
				Metadata:  fmt.Sprintf(`{"pos_reference":%q}`, providerRef),
			}).Error
		})
	})
}

// pendRefund stages a HELD deposit into REFUND_PENDING and records the
// refund intent before the provider is contacted.
func (s *Service) pendRefund(ctx context.Context, depositID uuid.UUID, item *storage.ManifestItem) error {
	return storage.WithRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var deposit storage.Deposit
			if err := storage.ForUpdate(tx).First(&deposit, "id = ?", depositID).Error; err != nil {
				return err
			}
			if deposit.Status == storage.DepositRefundPending {
				return nil
			}
			if deposit.Status != storage.DepositHeld {
				return fmt.Errorf("deposit %s is %s, expected HELD", deposit.ID, deposit.Status)
			}
			if err := tx.Model(&storage.Deposit{}).Where("id = ?", deposit.ID).
				Update("status", storage.DepositRefundPending).Error; err != nil {
				return err
			}
			if err := tx.Create(&storage.DepositTransition{
				ID:         uuid.New(),
				DepositID:  deposit.ID,
				FromStatus: storage.DepositHeld,
				ToStatus:   storage.DepositRefundPending,
				Event:      EventRefundInitiated,
			}).Error; err != nil {
				return err
			}
			if err := tx.Create(&storage.PaymentLedgerEntry{
				ID:        uuid.New(),
				DepositID: deposit.ID,
				Event:     EventRefundInitiated,
				Amount:    deposit.Amount,
				Currency:  deposit.Currency,
			}).Error; err != nil {
				return err
			}
			var existing int64
			if err := tx.Model(&storage.Refund{}).Where("idempotency_key = ?", item.IdempotencyKey).Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return nil
			}
			return tx.Create(&storage.Refund{
				ID:             uuid.New(),
				DepositID:      deposit.ID,
				IdempotencyKey: item.IdempotencyKey,
				Status:         storage.RefundPending,
				Amount:         deposit.Amount,
				Currency:       deposit.Currency,
			}).Error
		})
	})
}

// completeRefund commits REFUND_PENDING into REFUNDED once the provider has
// acknowledged the movement.
func (s *Service) completeRefund(ctx context.Context, depositID uuid.UUID, idempotencyKey, providerRef string) error {
	return storage.WithRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var deposit storage.Deposit
			if err := storage.ForUpdate(tx).First(&deposit, "id = ?", depositID).Error; err != nil {
				return err
			}
			if deposit.Status == storage.DepositRefunded {
				return nil
			}
			if deposit.Status != storage.DepositRefundPending {
				return fmt.Errorf("deposit %s is %s, expected REFUND_PENDING", deposit.ID, deposit.Status)
			}
			if err := tx.Model(&storage.Deposit{}).Where("id = ?", deposit.ID).Updates(map[string]interface{}{
				"status":             storage.DepositRefunded,
				"pos_transaction_id": providerRef,
			}).Error; err != nil {
				return err
			}
			if err := tx.Create(&storage.DepositTransition{
				ID:         uuid.New(),
				DepositID:  deposit.ID,
				FromStatus: storage.DepositRefundPending,
				ToStatus:   storage.DepositRefunded,
				Event:      EventDepositRefunded,
			}).Error; err != nil {
				return err
			}
			if err := tx.Create(&storage.PaymentLedgerEntry{
				ID:        uuid.New(),
				DepositID: deposit.ID,
				Event:     EventDepositRefunded,
				Amount:    deposit.Amount,
				Currency:  deposit.Currency,
				Metadata:  fmt.Sprintf(`{"pos_reference":%q}`, providerRef),
			}).Error; err != nil {
				return err
			}
			now := s.now().UTC()
			return tx.Model(&storage.Refund{}).Where("idempotency_key = ?", idempotencyKey).Updates(map[string]interface{}{
				"status":        storage.RefundCompleted,
				"pos_refund_id": providerRef,
				"completed_at":  now,
			}).Error
		})
	})
}

// SaveItems persists the item document and its counters.
func (s *Service) SaveItems(ctx context.Context, manifest *storage.SettlementManifest, items []storage.ManifestItem) error {
	if err := manifest.EncodeItems(items); err != nil {
		return err
	}
	return storage.WithRetry(ctx, func() error {
		return s.db.WithContext(ctx).Model(&storage.SettlementManifest{}).Where("id = ?", manifest.ID).Updates(map[string]interface{}{
			"items":              manifest.Items,
			"items_total":        manifest.ItemsTotal,
			"items_acknowledged": manifest.ItemsAcknowledged,
		}).Error
	})
}

// Finalize resolves a manifest whose items have all settled one way or the
// other: everything acknowledged completes the settlement, any item past its
// retry budget escalates it, anything else stays ACTIVE.
func (s *Service) Finalize(ctx context.Context, manifest *storage.SettlementManifest) (Outcome, error) {
	items, err := manifest.DecodeItems()
	if err != nil {
		return OutcomePending, err
	}
	acknowledged := 0
	exhausted := false
	for _, item := range items {
		switch {
		case item.Status == storage.ItemAcknowledged:
			acknowledged++
		case item.Status == storage.ItemFailed && item.RetryCount >= MaxItemRetries:
			exhausted = true
		}
	}
	if acknowledged == len(items) {
		if err := s.complete(ctx, manifest); err != nil {
			return OutcomePending, err
		}
		return OutcomeCompleted, nil
	}
	if exhausted {
		if err := s.Escalate(ctx, manifest.AuctionID, "item retry budget exhausted"); err != nil {
			return OutcomePending, err
		}
		return OutcomeEscalated, nil
	}
	return OutcomePending, nil
}

func (s *Service) complete(ctx context.Context, manifest *storage.SettlementManifest) error {
	err := storage.WithRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var auction storage.Auction
			if err := storage.ForUpdate(tx).First(&auction, "id = ?", manifest.AuctionID).Error; err != nil {
				return err
			}
			now := s.now().UTC()
			if err := tx.Model(&storage.SettlementManifest{}).Where("id = ?", manifest.ID).Updates(map[string]interface{}{
				"status":       storage.ManifestCompleted,
				"completed_at": now,
			}).Error; err != nil {
				return err
			}
			if auction.Status == storage.AuctionSettled {
				return nil
			}
			return s.flip(tx, &auction, storage.AuctionSettled)
		})
	})
	if err != nil {
		return err
	}
	s.metrics.RecordCompleted()
	slog.Info("settlement completed", "auction_id", manifest.AuctionID)
	return nil
}

// Escalate hands a manifest to operators and fails the auction settlement.
func (s *Service) Escalate(ctx context.Context, auctionID uuid.UUID, reason string) error {
	err := storage.WithRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var auction storage.Auction
			if err := storage.ForUpdate(tx).First(&auction, "id = ?", auctionID).Error; err != nil {
				return err
			}
			if err := tx.Model(&storage.SettlementManifest{}).Where("auction_id = ?", auctionID).
				Update("status", storage.ManifestEscalated).Error; err != nil {
				return err
			}
			if auction.Status == storage.AuctionSettlementFailed {
				return nil
			}
			return s.flip(tx, &auction, storage.AuctionSettlementFailed)
		})
	})
	if err != nil {
		return err
	}
	s.metrics.RecordFailed()
	slog.Error("settlement escalated", "auction_id", auctionID, "reason", reason)
	return nil
}

// Expire marks an overdue manifest EXPIRED and fails the auction settlement.
func (s *Service) Expire(ctx context.Context, manifest *storage.SettlementManifest) error {
	err := storage.WithRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var auction storage.Auction
			if err := storage.ForUpdate(tx).First(&auction, "id = ?", manifest.AuctionID).Error; err != nil {
				return err
			}
			if err := tx.Model(&storage.SettlementManifest{}).Where("id = ?", manifest.ID).
				Update("status", storage.ManifestExpired).Error; err != nil {
				return err
			}
			if auction.Status == storage.AuctionSettlementFailed {
				return nil
			}
			return s.flip(tx, &auction, storage.AuctionSettlementFailed)
		})
	})
	if err != nil {
		return err
	}
	s.metrics.RecordExpired()
	slog.Error("settlement manifest expired", "auction_id", manifest.AuctionID)
	return nil
}

// RetryEscalated re-activates an ESCALATED or EXPIRED manifest on operator
// request: failed items return to pending, exhausted retry budgets are
// reset, and the auction resumes SETTLING. Items with budget left keep
// their count.
func (s *Service) RetryEscalated(ctx context.Context, auctionID uuid.UUID) error {
	err := storage.WithRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var auction storage.Auction
			if err := storage.ForUpdate(tx).First(&auction, "id = ?", auctionID).Error; err != nil {
				return err
			}
			var manifest storage.SettlementManifest
			if err := tx.Where("auction_id = ?", auctionID).First(&manifest).Error; err != nil {
				return err
			}
			if manifest.Status != storage.ManifestEscalated && manifest.Status != storage.ManifestExpired {
				return fmt.Errorf("settlement: manifest for auction %s is %s, not retryable", auctionID, manifest.Status)
			}
			items, err := manifest.DecodeItems()
			if err != nil {
				return err
			}
			for i := range items {
				if items[i].Status == storage.ItemFailed || items[i].Status == storage.ItemSent {
					items[i].Status = storage.ItemPending
					if items[i].RetryCount >= MaxItemRetries {
						items[i].RetryCount = 0
					}
					items[i].FailedAt = nil
					items[i].FailureReason = ""
				}
			}
			if err := manifest.EncodeItems(items); err != nil {
				return err
			}
			if err := tx.Model(&storage.SettlementManifest{}).Where("id = ?", manifest.ID).Updates(map[string]interface{}{
				"status":             storage.ManifestActive,
				"items":              manifest.Items,
				"items_acknowledged": manifest.ItemsAcknowledged,
				"expires_at":         s.now().UTC().Add(ManifestExpiry),
			}).Error; err != nil {
				return err
			}
			if auction.Status != storage.AuctionSettlementFailed {
				return nil
			}
			return s.flip(tx, &auction, storage.AuctionSettling)
		})
	})
	if err != nil {
		return err
	}
	s.metrics.RecordAdminRetry()
	slog.Info("settlement retry requested", "auction_id", auctionID)
	return nil
}

// flip advances the auction status with an optimistic version check. The
// caller holds the row lock, so a conflict means a logic error, not a race.
func (s *Service) flip(tx *gorm.DB, auction *storage.Auction, to storage.AuctionStatus) error {
	from := auction.Status
	res := tx.Model(&storage.Auction{}).Where("id = ? AND version = ?", auction.ID, auction.Version).Updates(map[string]interface{}{
		"status":  to,
		"version": auction.Version + 1,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("settlement: auction %s version conflict", auction.ID)
	}
	auction.Status = to
	auction.Version++
	s.metrics.RecordTransition(string(from), string(to))
	return nil
}

func (s *Service) markSent(item *storage.ManifestItem) {
	now := s.now().UTC()
	item.Status = storage.ItemSent
	item.SentAt = &now
}

func (s *Service) ackItem(item *storage.ManifestItem, providerRef string) {
	now := s.now().UTC()
	item.Status = storage.ItemAcknowledged
	item.AcknowledgedAt = &now
	if providerRef != "" {
		item.PosReference = providerRef
	}
	item.FailedAt = nil
	item.FailureReason = ""
}

func (s *Service) failItem(item *storage.ManifestItem, reason string) {
	now := s.now().UTC()
	item.Status = storage.ItemFailed
	item.RetryCount++
	item.FailedAt = &now
	item.FailureReason = reason
}

func posFailureReason(action string, err error) string {
	if errors.Is(err, pos.ErrCircuitOpen) {
		return action + " skipped: pos circuit open"
	}
	if errors.Is(err, pos.ErrTimeout) {
		return action + " timed out"
	}
	return action + " failed: " + err.Error()
}
