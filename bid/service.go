package bid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"auctiond/kv"
	"auctiond/observability"
	"auctiond/storage"
)

// Stable rejection reason codes. These reach clients and dashboards verbatim.
const (
	ReasonAuctionNotLive        = "AUCTION_NOT_LIVE"
	ReasonUserNotEligible       = "USER_NOT_ELIGIBLE"
	ReasonInsufficientDeposit   = "INSUFFICIENT_DEPOSIT"
	ReasonConsentMissing        = "CONSENT_MISSING"
	ReasonPriceChanged          = "PRICE_CHANGED"
	ReasonBelowMinimumIncrement = "BELOW_MINIMUM_INCREMENT"
	ReasonAmountAlreadyBid      = "AMOUNT_ALREADY_BID"
	ReasonInvalidAmount         = "INVALID_AMOUNT"
	// ReasonRateLimited is raised at the gateway's submission windows before
	// the pipeline is entered.
	ReasonRateLimited = "RATE_LIMITED"
)

// ErrLockContention means another bid on the same auction holds the write
// lock. The condition is transient and carries no audit record; clients may
// retry with the same idempotency key.
var ErrLockContention = errors.New("bid: auction lock contention")

// errRolledBack aborts the write transaction after a business rejection so
// the rejection audit can be committed separately.
var errRolledBack = errors.New("bid: rolled back")

// RejectionError is a refused bid. The transaction that evaluated the bid is
// rolled back; the rejection audit row is committed independently.
// CurrentPrice carries the price the auction held when the bid was refused,
// when the pipeline got far enough to read it.
type RejectionError struct {
	Code         string
	Detail       string
	CurrentPrice string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("bid rejected: %s (%s)", e.Code, e.Detail)
}

// Locker is the distributed lock surface the service needs.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// Request is one bid attempt.
type Request struct {
	AuctionID      uuid.UUID
	UserID         uuid.UUID
	Amount         string
	ReferencePrice string
	IdempotencyKey string
	ClientSentAt   *time.Time
	IP             string
}

// Result is an accepted (or replayed) bid with the auction state it produced.
type Result struct {
	Bid           *storage.Bid
	CurrentPrice  string
	BidCount      int
	ExtendedUntil *time.Time
	Replayed      bool
}

// Service validates and records bids under a per-auction distributed lock.
type Service struct {
	db           *gorm.DB
	locks        Locker
	sniperWindow time.Duration
	now          func() time.Time
	metrics      *observability.BidMetrics
}

// Option adjusts service construction.
type Option func(*Service)

// WithSniperWindow overrides the anti-sniping extension window.
func WithSniperWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sniperWindow = d
		}
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches the bid metrics registry.
func WithMetrics(m *observability.BidMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService builds a bid service.
func NewService(db *gorm.DB, locks Locker, opts ...Option) *Service {
	s := &Service{
		db:           db,
		locks:        locks,
		sniperWindow: 60 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Place runs one bid attempt end to end: idempotency fast path, per-auction
// lock, transactional validation and insert, optimistic auction update, and
// anti-sniping extension. A RejectionError return always has a committed
// audit row behind it.
func (s *Service) Place(ctx context.Context, req Request) (*Result, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, fmt.Errorf("bid: idempotency key required")
	}

	amount, err := Parse(req.Amount)
	if err != nil {
		return nil, s.reject(ctx, req, &RejectionError{Code: ReasonInvalidAmount, Detail: err.Error()})
	}
	reference, err := Parse(req.ReferencePrice)
	if err != nil {
		return nil, s.reject(ctx, req, &RejectionError{Code: ReasonInvalidAmount, Detail: "reference price: " + err.Error()})
	}

	// Replayed keys answer from the bid log without taking the lock.
	if replayed, err := s.findReplay(s.db.WithContext(ctx), key); err != nil {
		return nil, err
	} else if replayed != nil {
		return replayed, nil
	}

	lockKey := kv.BidLockKeyPrefix + req.AuctionID.String()
	token, err := s.locks.Acquire(ctx, lockKey, kv.BidLockTTL)
	if err != nil {
		return nil, fmt.Errorf("bid: %w", err)
	}
	if token == "" {
		return nil, ErrLockContention
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locks.Release(releaseCtx, lockKey, token); err != nil {
			slog.Warn("bid lock release failed", "auction_id", req.AuctionID, "error", err)
		}
	}()

	var (
		result    *Result
		rejection *RejectionError
	)
	txErr := storage.WithRetry(ctx, func() error {
		result = nil
		rejection = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			result, rejection, err = s.evaluate(tx, req, key, amount, reference)
			if err != nil {
				return err
			}
			if rejection != nil {
				return errRolledBack
			}
			return nil
		})
	})
	if rejection != nil {
		return nil, s.reject(ctx, req, rejection)
	}
	if txErr != nil {
		return nil, txErr
	}
	if !result.Replayed {
		s.metrics.RecordAccepted()
	}
	return result, nil
}

// evaluate runs the validation ladder inside the write transaction. Exactly
// one of result or rejection is set on a nil error.
func (s *Service) evaluate(tx *gorm.DB, req Request, key string, amount, reference decimal.Decimal) (*Result, *RejectionError, error) {
	// Re-check idempotency under the lock: the fast path may have raced a
	// concurrent insert of the same key.
	if replayed, err := s.findReplay(tx, key); err != nil {
		return nil, nil, err
	} else if replayed != nil {
		return replayed, nil, nil
	}

	var auction storage.Auction
	if err := storage.ForUpdate(tx).First(&auction, "id = ?", req.AuctionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RejectionError{Code: ReasonAuctionNotLive, Detail: "auction not found"}, nil
		}
		return nil, nil, err
	}

	// Once the auction row is in hand every refusal reports the live price.
	refuse := func(code, detail string) *RejectionError {
		return &RejectionError{Code: code, Detail: detail, CurrentPrice: auction.CurrentPrice}
	}

	now := s.now().UTC()
	if auction.Status != storage.AuctionLive {
		return nil, refuse(ReasonAuctionNotLive, fmt.Sprintf("auction is %s", auction.Status)), nil
	}
	if now.After(auction.EffectiveEnd()) {
		return nil, refuse(ReasonAuctionNotLive, "bidding window closed"), nil
	}

	var participant storage.AuctionParticipant
	err := tx.Where("auction_id = ? AND user_id = ?", req.AuctionID, req.UserID).First(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !participant.Eligible) {
		return nil, refuse(ReasonUserNotEligible, "user is not an eligible participant"), nil
	}
	if err != nil {
		return nil, nil, err
	}

	var deposit storage.Deposit
	err = tx.Where("auction_id = ? AND user_id = ?", req.AuctionID, req.UserID).First(&deposit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && deposit.Status != storage.DepositHeld) {
		return nil, refuse(ReasonInsufficientDeposit, "no held deposit for this auction"), nil
	}
	if err != nil {
		return nil, nil, err
	}

	var consents int64
	if err := tx.Model(&storage.AuctionConsent{}).Where("auction_id = ? AND user_id = ?", req.AuctionID, req.UserID).Count(&consents).Error; err != nil {
		return nil, nil, err
	}
	if consents == 0 {
		return nil, refuse(ReasonConsentMissing, "terms consent not granted"), nil
	}

	currentPrice, err := storedDecimal(auction.CurrentPrice)
	if err != nil {
		return nil, nil, err
	}
	increment, err := storedDecimal(auction.MinimumIncrement)
	if err != nil {
		return nil, nil, err
	}

	if !reference.Equal(currentPrice) {
		return nil, refuse(ReasonPriceChanged, fmt.Sprintf("current price is %s", auction.CurrentPrice)), nil
	}
	minimum := currentPrice.Add(increment)
	if amount.LessThan(minimum) {
		return nil, refuse(ReasonBelowMinimumIncrement, fmt.Sprintf("minimum acceptable bid is %s", Canonical(minimum))), nil
	}

	canonical := Canonical(amount)
	var clashes int64
	if err := tx.Model(&storage.Bid{}).Where("auction_id = ? AND amount = ?", req.AuctionID, canonical).Count(&clashes).Error; err != nil {
		return nil, nil, err
	}
	if clashes > 0 {
		return nil, refuse(ReasonAmountAlreadyBid, "amount already bid on this auction"), nil
	}

	var extendedUntil *time.Time
	effective := auction.EffectiveEnd()
	if remaining := effective.Sub(now); remaining > 0 && remaining <= s.sniperWindow {
		candidate := now.Add(s.sniperWindow)
		if candidate.After(effective) {
			extendedUntil = &candidate
		}
	}

	row := &storage.Bid{
		ID:             uuid.New(),
		AuctionID:      req.AuctionID,
		UserID:         req.UserID,
		Amount:         canonical,
		ReferencePrice: Canonical(reference),
		IdempotencyKey: key,
		ServerTS:       now,
		ClientSentAt:   req.ClientSentAt,
		IP:             req.IP,
		ExtendedEnd:    extendedUntil,
	}
	if err := tx.Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, refuse(ReasonAmountAlreadyBid, "amount already bid on this auction"), nil
		}
		return nil, nil, err
	}

	updates := map[string]interface{}{
		"current_price": canonical,
		"bid_count":     auction.BidCount + 1,
		"version":       auction.Version + 1,
	}
	if extendedUntil != nil {
		updates["extended_until"] = *extendedUntil
	}
	res := tx.Model(&storage.Auction{}).Where("id = ? AND version = ?", auction.ID, auction.Version).Updates(updates)
	if res.Error != nil {
		return nil, nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Unreachable while the row lock is held, but a defeated version
		// check always means the price moved under the bidder.
		return nil, refuse(ReasonPriceChanged, "auction advanced concurrently"), nil
	}

	return &Result{
		Bid:           row,
		CurrentPrice:  canonical,
		BidCount:      auction.BidCount + 1,
		ExtendedUntil: extendedUntil,
	}, nil, nil
}

// findReplay resolves an idempotency key against the bid log, reconstructing
// the state the original acceptance reported.
func (s *Service) findReplay(tx *gorm.DB, key string) (*Result, error) {
	var existing storage.Bid
	err := tx.Where("idempotency_key = ?", key).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var count int64
	if err := tx.Model(&storage.Bid{}).Where("auction_id = ? AND server_ts <= ?", existing.AuctionID, existing.ServerTS).Count(&count).Error; err != nil {
		return nil, err
	}
	return &Result{
		Bid:           &existing,
		CurrentPrice:  existing.Amount,
		BidCount:      int(count),
		ExtendedUntil: existing.ExtendedEnd,
		Replayed:      true,
	}, nil
}

// reject commits the audit row for a refused bid and returns the rejection.
func (s *Service) reject(ctx context.Context, req Request, rejection *RejectionError) error {
	s.metrics.RecordRejection(rejection.Code)
	row := &storage.BidRejection{
		ID:         uuid.New(),
		AuctionID:  req.AuctionID,
		UserID:     req.UserID,
		Amount:     strings.TrimSpace(req.Amount),
		ReasonCode: rejection.Code,
		Detail:     rejection.Detail,
		IP:         req.IP,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		slog.Warn("bid rejection audit failed", "auction_id", req.AuctionID, "reason", rejection.Code, "error", err)
	}
	return rejection
}

func storedDecimal(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("stored amount %q corrupt: %w", raw, err)
	}
	return value, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
