package pos

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors callers branch on. ErrCircuitOpen means the call was never
// attempted; ErrTimeout means the provider did not answer inside the hard
// call deadline and the outcome is unknown.
var (
	ErrCircuitOpen = errors.New("pos: circuit open")
	ErrTimeout     = errors.New("pos: call timed out")
)

// CaptureRequest asks the provider to convert a held deposit into revenue.
// IdempotencyKey is stable per (auction, deposit, action) so replays after a
// crash cannot double-charge.
type CaptureRequest struct {
	IdempotencyKey string
	AuctionID      uuid.UUID
	DepositID      uuid.UUID
	UserID         uuid.UUID
	Amount         string
	Currency       string
}

// CaptureResult carries the provider's reference for the movement.
type CaptureResult struct {
	ProviderRef string
}

// RefundRequest asks the provider to return a held deposit to its owner.
type RefundRequest struct {
	IdempotencyKey string
	AuctionID      uuid.UUID
	DepositID      uuid.UUID
	UserID         uuid.UUID
	Amount         string
	Currency       string
}

// RefundResult carries the provider's reference for the movement.
type RefundResult struct {
	ProviderRef string
}

// Provider is the payment backend the settlement pipeline drives. Both
// operations must be idempotent on IdempotencyKey.
type Provider interface {
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}
