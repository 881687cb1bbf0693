package ws

import "time"

// Server-to-client event types.
const (
	EventAuctionState       = "AUCTION_STATE"
	EventWatcherCount       = "WATCHER_COUNT"
	EventBidAccepted        = "BID_ACCEPTED"
	EventBidRejected        = "BID_REJECTED"
	EventAuctionExtended    = "AUCTION_EXTENDED"
	EventAuctionEnding      = "AUCTION_ENDING"
	EventAuctionEnded       = "AUCTION_ENDED"
	EventSettlementPending  = "AUCTION_SETTLEMENT_PENDING"
	EventSettlementProgress = "AUCTION_SETTLEMENT_PROGRESS"
	EventAuctionSettled     = "AUCTION_SETTLED"
	EventSettlementFailed   = "AUCTION_SETTLEMENT_FAILED"
	EventError              = "ERROR"
)

// Client-to-server message types.
const (
	ActionJoin  = "JOIN_AUCTION"
	ActionLeave = "LEAVE_AUCTION"
	ActionBid   = "PLACE_BID"
	ActionPing  = "PING"
)

// Gateway-level error codes carried in ERROR frames.
const (
	CodeInvalidMessage     = "invalid_message"
	CodeInvalidAuctionID   = "invalid_auction_id"
	CodeJoinDenied         = "join_denied"
	CodeLockContention     = "lock_contention"
	CodeServiceUnavailable = "service_unavailable"
)

// ClientMessage is the single inbound frame shape.
type ClientMessage struct {
	Type           string `json:"type"`
	AuctionID      string `json:"auction_id,omitempty"`
	Amount         string `json:"amount,omitempty"`
	ReferencePrice string `json:"reference_price,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ServerMessage is the single outbound frame shape.
type ServerMessage struct {
	Type      string      `json:"type"`
	AuctionID string      `json:"auction_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// StatePayload is the room snapshot sent on join.
type StatePayload struct {
	Status           string     `json:"status"`
	CurrentPrice     string     `json:"current_price"`
	MinimumIncrement string     `json:"minimum_increment"`
	BidCount         int        `json:"bid_count"`
	Participants     int        `json:"participant_count"`
	Watchers         int        `json:"watcher_count"`
	EndTime          time.Time  `json:"end_time"`
	TimeRemainingMS  int64      `json:"time_remaining_ms"`
	ExtendedUntil    *time.Time `json:"extended_until,omitempty"`
}

// WatcherPayload carries the live watcher count for a room.
type WatcherPayload struct {
	Watchers int `json:"watchers"`
}

// BidAcceptedPayload announces a new leading bid. Bidder is masked; BidID is
// present only in the private acknowledgement to the bidder.
type BidAcceptedPayload struct {
	BidID    string    `json:"bid_id,omitempty"`
	Bidder   string    `json:"user_id_masked"`
	Amount   string    `json:"amount"`
	BidCount int       `json:"new_bid_count"`
	ServerTS time.Time `json:"server_timestamp"`
	Replayed bool      `json:"replayed,omitempty"`
}

// BidRejectedPayload is sent privately to the refused bidder. CurrentPrice is
// set when the pipeline got far enough to read the auction row.
type BidRejectedPayload struct {
	ReasonCode   string `json:"reason_code"`
	CurrentPrice string `json:"current_price,omitempty"`
	Detail       string `json:"message,omitempty"`
}

// ExtendedPayload announces an anti-sniping extension.
type ExtendedPayload struct {
	NewEndTime       time.Time `json:"new_end_time"`
	TriggeredByBidID string    `json:"triggered_by_bid_id,omitempty"`
}

// EndingPayload announces the start of the closing sequence.
type EndingPayload struct {
	EndTime time.Time `json:"end_time"`
}

// EndedPayload announces the final result. Winner fields are empty for
// no-bid auctions.
type EndedPayload struct {
	FinalPrice  string `json:"final_price"`
	Winner      string `json:"winner_id_masked,omitempty"`
	WinnerBidID string `json:"winner_bid_id,omitempty"`
}

// ProgressPayload reports settlement dispatch progress.
type ProgressPayload struct {
	Acknowledged int `json:"acknowledged"`
	Total        int `json:"total"`
}

// FailedPayload explains a settlement failure broadcast.
type FailedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload carries a gateway-level error to one client.
type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}
