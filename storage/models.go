package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuctionStatus enumerates the auction lifecycle states. The database enum is
// authoritative; DRAFT rows exist in historical data and remain legal.
type AuctionStatus string

// All lifecycle states.
const (
	AuctionDraft            AuctionStatus = "DRAFT"
	AuctionScheduled        AuctionStatus = "SCHEDULED"
	AuctionDepositOpen      AuctionStatus = "DEPOSIT_OPEN"
	AuctionLive             AuctionStatus = "LIVE"
	AuctionEnding           AuctionStatus = "ENDING"
	AuctionEnded            AuctionStatus = "ENDED"
	AuctionSettling         AuctionStatus = "SETTLING"
	AuctionSettled          AuctionStatus = "SETTLED"
	AuctionSettlementFailed AuctionStatus = "SETTLEMENT_FAILED"
	AuctionCancelled        AuctionStatus = "CANCELLED"
)

// DepositStatus enumerates deposit monetary states.
type DepositStatus string

// Deposit states. Legal transitions are enforced by storage triggers in
// addition to service-level source-state checks.
const (
	DepositCollected     DepositStatus = "COLLECTED"
	DepositHeld          DepositStatus = "HELD"
	DepositCaptured      DepositStatus = "CAPTURED"
	DepositRefundPending DepositStatus = "REFUND_PENDING"
	DepositRefunded      DepositStatus = "REFUNDED"
	DepositExpired       DepositStatus = "EXPIRED"
)

// ManifestStatus enumerates settlement manifest states.
type ManifestStatus string

// Manifest states.
const (
	ManifestActive    ManifestStatus = "ACTIVE"
	ManifestCompleted ManifestStatus = "COMPLETED"
	ManifestExpired   ManifestStatus = "EXPIRED"
	ManifestEscalated ManifestStatus = "ESCALATED"
)

// ManifestAction is the monetary action required for a manifest item.
type ManifestAction string

// Manifest item actions.
const (
	ActionCapture ManifestAction = "capture"
	ActionRefund  ManifestAction = "refund"
)

// ManifestItemStatus tracks per-item dispatch progress.
type ManifestItemStatus string

// Manifest item states.
const (
	ItemPending      ManifestItemStatus = "pending"
	ItemSent         ManifestItemStatus = "sent"
	ItemAcknowledged ManifestItemStatus = "acknowledged"
	ItemFailed       ManifestItemStatus = "failed"
)

// RefundStatus tracks refund record progress.
type RefundStatus string

// Refund states.
const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
)

// Auction is the lifecycle root aggregate. Monetary fields are fixed-point
// decimal strings with two fractional digits.
type Auction struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Status           AuctionStatus `gorm:"size:32;index"`
	StartingPrice    string        `gorm:"size:32;not null"`
	MinimumIncrement string        `gorm:"size:32;not null"`
	CurrentPrice     string        `gorm:"size:32;not null"`
	RequiredDeposit  string        `gorm:"size:32;not null"`
	Currency         string        `gorm:"size:8;not null"`

	ScheduledStart time.Time
	ScheduledEnd   time.Time `gorm:"index"`
	ExtendedUntil  *time.Time
	ActualStart    *time.Time
	EndedAt        *time.Time

	FinalPrice  *string    `gorm:"size:32"`
	WinnerID    *uuid.UUID `gorm:"type:uuid"`
	WinnerBidID *uuid.UUID `gorm:"type:uuid"`

	BidCount           int
	SettlementMetadata string `gorm:"type:text"`
	Version            int64  `gorm:"not null;default:1"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveEnd returns the extension-aware end of the bidding window.
func (a *Auction) EffectiveEnd() time.Time {
	if a.ExtendedUntil != nil {
		return *a.ExtendedUntil
	}
	return a.ScheduledEnd
}

// Bid is append-only. (auction_id, amount) is unique so no two accepted bids
// share a price, and the idempotency key is globally unique.
type Bid struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID      uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_bids_auction_amount"`
	UserID         uuid.UUID `gorm:"type:uuid;index"`
	Amount         string    `gorm:"size:32;uniqueIndex:idx_bids_auction_amount"`
	ReferencePrice string    `gorm:"size:32"`
	IdempotencyKey string    `gorm:"size:128;uniqueIndex"`
	ServerTS       time.Time `gorm:"index"`
	ClientSentAt   *time.Time
	IP             string `gorm:"size:64"`
	// ExtendedEnd records the anti-sniping extension this bid triggered, if
	// any. Set at insert; the row itself never changes.
	ExtendedEnd *time.Time
	CreatedAt   time.Time
}

// BidRejection is the append-only audit of refused bids.
type BidRejection struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID  uuid.UUID `gorm:"type:uuid;index"`
	UserID     uuid.UUID `gorm:"type:uuid;index"`
	Amount     string    `gorm:"size:32"`
	ReasonCode string    `gorm:"size:64;index"`
	Detail     string    `gorm:"size:255"`
	IP         string    `gorm:"size:64"`
	CreatedAt  time.Time
}

// AuctionParticipant records deposit-backed membership in an auction.
// Eligibility may be revoked without deleting the row.
type AuctionParticipant struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_participants_auction_user"`
	UserID    uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_participants_auction_user"`
	DepositID uuid.UUID `gorm:"type:uuid"`
	Eligible  bool      `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuctionConsent must exist before a participant's bid is accepted.
type AuctionConsent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_consents_auction_user"`
	UserID    uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_consents_auction_user"`
	GrantedAt time.Time
}

// Deposit is the per-(user, auction) pre-authorization shared with the
// payments subsystem.
type Deposit struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey"`
	AuctionID        uuid.UUID     `gorm:"type:uuid;uniqueIndex:idx_deposits_auction_user"`
	UserID           uuid.UUID     `gorm:"type:uuid;uniqueIndex:idx_deposits_auction_user"`
	Amount           string        `gorm:"size:32;not null"`
	Currency         string        `gorm:"size:8;not null"`
	Status           DepositStatus `gorm:"size:32;index"`
	PosTransactionID string        `gorm:"size:128"`
	PosProvider      string        `gorm:"size:64"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DepositTransition is the append-only transition audit keyed by deposit.
type DepositTransition struct {
	ID         uuid.UUID     `gorm:"type:uuid;primaryKey"`
	DepositID  uuid.UUID     `gorm:"type:uuid;index"`
	FromStatus DepositStatus `gorm:"size:32"`
	ToStatus   DepositStatus `gorm:"size:32"`
	Event      string        `gorm:"size:64"`
	CreatedAt  time.Time
}

// PaymentLedgerEntry is the append-only monetary event trail. Every deposit
// state change writes exactly one transition and one ledger event in the same
// transaction as the deposit update.
type PaymentLedgerEntry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DepositID uuid.UUID `gorm:"type:uuid;index"`
	Event     string    `gorm:"size:64;index"`
	Amount    string    `gorm:"size:32"`
	Currency  string    `gorm:"size:8"`
	Metadata  string    `gorm:"type:text"`
	CreatedAt time.Time
}

// TableName keeps the historical singular table name.
func (PaymentLedgerEntry) TableName() string { return "payment_ledger" }

// Refund tracks one refund per idempotency key.
type Refund struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey"`
	DepositID      uuid.UUID    `gorm:"type:uuid;index"`
	IdempotencyKey string       `gorm:"size:128;uniqueIndex"`
	Status         RefundStatus `gorm:"size:16"`
	Amount         string       `gorm:"size:32"`
	Currency       string       `gorm:"size:8"`
	PosRefundID    string       `gorm:"size:128"`
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ManifestItem is one unit of settlement work. Items live as a JSON document
// inside the manifest row; the per-auction lock is the only writer.
type ManifestItem struct {
	DepositID      uuid.UUID          `json:"deposit_id"`
	UserID         uuid.UUID          `json:"user_id"`
	Action         ManifestAction     `json:"action"`
	Status         ManifestItemStatus `json:"status"`
	Amount         string             `json:"amount"`
	Currency       string             `json:"currency"`
	RetryCount     int                `json:"retry_count"`
	IdempotencyKey string             `json:"idempotency_key"`
	PosReference   string             `json:"pos_reference,omitempty"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time         `json:"acknowledged_at,omitempty"`
	FailedAt       *time.Time         `json:"failed_at,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty"`
}

// ItemIdempotencyKey derives the deterministic key the POS provider and the
// refund table deduplicate on.
func ItemIdempotencyKey(auctionID, depositID uuid.UUID, action ManifestAction) string {
	return fmt.Sprintf("settlement:%s:%s:%s", auctionID, depositID, action)
}

// SettlementManifest is the per-auction settlement work plan. UNIQUE on
// auction_id guarantees at most one manifest per auction.
type SettlementManifest struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey"`
	AuctionID         uuid.UUID      `gorm:"type:uuid;uniqueIndex"`
	Status            ManifestStatus `gorm:"size:16;index"`
	Items             string         `gorm:"type:text"`
	ItemsTotal        int
	ItemsAcknowledged int
	ExpiresAt         time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DecodeItems unmarshals the item document.
func (m *SettlementManifest) DecodeItems() ([]ManifestItem, error) {
	if m == nil || m.Items == "" {
		return nil, nil
	}
	var items []ManifestItem
	if err := json.Unmarshal([]byte(m.Items), &items); err != nil {
		return nil, fmt.Errorf("decode manifest items: %w", err)
	}
	return items, nil
}

// EncodeItems replaces the item document and refreshes the acknowledged
// counter.
func (m *SettlementManifest) EncodeItems(items []ManifestItem) error {
	if m == nil {
		return fmt.Errorf("manifest not initialised")
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode manifest items: %w", err)
	}
	m.Items = string(raw)
	m.ItemsTotal = len(items)
	acknowledged := 0
	for _, item := range items {
		if item.Status == ItemAcknowledged {
			acknowledged++
		}
	}
	m.ItemsAcknowledged = acknowledged
	return nil
}

// AutoMigrate performs all schema migrations for the engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Auction{},
		&Bid{},
		&BidRejection{},
		&AuctionParticipant{},
		&AuctionConsent{},
		&Deposit{},
		&DepositTransition{},
		&PaymentLedgerEntry{},
		&Refund{},
		&SettlementManifest{},
	)
}
