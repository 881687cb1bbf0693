package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"auctiond/bid"
	"auctiond/gateway/auth"
	"auctiond/kv"
	"auctiond/storage"
)

type fakeBids struct {
	requests []bid.Request
	result   *bid.Result
	err      error
}

func (f *fakeBids) Place(_ context.Context, req bid.Request) (*bid.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeRates struct {
	counts map[string]int64
	err    error
}

func newFakeRates() *fakeRates {
	return &fakeRates{counts: map[string]int64{}}
}

func (f *fakeRates) Rate(_ context.Context, key string, max int64, _ time.Duration) (kv.RateResult, error) {
	if f.err != nil {
		return kv.RateResult{}, f.err
	}
	f.counts[key]++
	return kv.RateResult{Allowed: f.counts[key] <= max, Current: f.counts[key]}, nil
}

type fakeHealth struct{ healthy bool }

func (f *fakeHealth) Healthy() bool { return f.healthy }

// frame mirrors ServerMessage with raw data for per-type decoding.
type frame struct {
	Type      string          `json:"type"`
	AuctionID string          `json:"auction_id"`
	Data      json.RawMessage `json:"data"`
}

type fixture struct {
	t       *testing.T
	db      *gorm.DB
	hub     *Hub
	bids    *fakeBids
	rates   *fakeRates
	health  *fakeHealth
	gateway *Gateway
	auction *storage.Auction
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)

	f := &fixture{
		t:      t,
		db:     db,
		hub:    NewHub(nil, nil),
		bids:   &fakeBids{},
		rates:  newFakeRates(),
		health: &fakeHealth{healthy: true},
	}
	verifier := auth.NewVerifier([]byte("0123456789abcdef0123456789abcdef"), "auctiond", "auction-clients")
	f.gateway = New(db, f.hub, f.bids, f.rates, f.health, verifier)

	f.auction = &storage.Auction{
		ID:               uuid.New(),
		Status:           storage.AuctionLive,
		StartingPrice:    "1000.00",
		MinimumIncrement: "50.00",
		CurrentPrice:     "1000.00",
		RequiredDeposit:  "100.00",
		Currency:         "USD",
		ScheduledStart:   time.Now().Add(-time.Hour),
		ScheduledEnd:     time.Now().Add(time.Hour),
		Version:          1,
	}
	require.NoError(t, db.Create(f.auction).Error)
	return f
}

// participant creates an eligible client ready to join the fixture auction.
func (f *fixture) participant() *client {
	f.t.Helper()
	userID := uuid.New()
	require.NoError(f.t, f.db.Create(&storage.AuctionParticipant{
		ID:        uuid.New(),
		AuctionID: f.auction.ID,
		UserID:    userID,
		DepositID: uuid.New(),
		Eligible:  true,
	}).Error)
	return newClient(nil, &auth.Claims{UserID: userID}, "203.0.113.9")
}

func (f *fixture) next(c *client) frame {
	f.t.Helper()
	select {
	case raw := <-c.send:
		var fr frame
		require.NoError(f.t, json.Unmarshal(raw, &fr))
		return fr
	case <-time.After(time.Second):
		f.t.Fatal("no frame received")
		return frame{}
	}
}

func (f *fixture) noFrame(c *client) {
	f.t.Helper()
	select {
	case raw := <-c.send:
		f.t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func (f *fixture) handle(c *client, msg ClientMessage) {
	f.t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(f.t, err)
	f.gateway.handleMessage(context.Background(), c, raw)
}

func (f *fixture) join(c *client) {
	f.t.Helper()
	f.handle(c, ClientMessage{Type: ActionJoin, AuctionID: f.auction.ID.String()})
	state := f.next(c)
	require.Equal(f.t, EventAuctionState, state.Type)
	watchers := f.next(c)
	require.Equal(f.t, EventWatcherCount, watchers.Type)
}

func errorCode(t *testing.T, fr frame) string {
	t.Helper()
	require.Equal(t, EventError, fr.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(fr.Data, &payload))
	return payload.Code
}

func rejectionReason(t *testing.T, fr frame) string {
	t.Helper()
	require.Equal(t, EventBidRejected, fr.Type)
	var payload BidRejectedPayload
	require.NoError(t, json.Unmarshal(fr.Data, &payload))
	return payload.ReasonCode
}

func TestJoinSendsSnapshot(t *testing.T) {
	f := newFixture(t)
	c := f.participant()

	f.handle(c, ClientMessage{Type: ActionJoin, AuctionID: f.auction.ID.String()})

	state := f.next(c)
	require.Equal(t, EventAuctionState, state.Type)
	require.Equal(t, f.auction.ID.String(), state.AuctionID)
	var payload StatePayload
	require.NoError(t, json.Unmarshal(state.Data, &payload))
	require.Equal(t, "LIVE", payload.Status)
	require.Equal(t, "1000.00", payload.CurrentPrice)
	require.Equal(t, "50.00", payload.MinimumIncrement)
	require.Equal(t, 1, payload.Participants)
	require.Equal(t, 1, payload.Watchers)
	require.Positive(t, payload.TimeRemainingMS)
	require.Nil(t, payload.ExtendedUntil)

	watchers := f.next(c)
	require.Equal(t, EventWatcherCount, watchers.Type)
}

func TestJoinRefusalsAreOpaque(t *testing.T) {
	f := newFixture(t)

	outsider := newClient(nil, &auth.Claims{UserID: uuid.New()}, "")

	// Malformed ID, unknown auction, and ineligible user must be
	// indistinguishable to the caller.
	f.handle(outsider, ClientMessage{Type: ActionJoin, AuctionID: "not-a-uuid"})
	shapeFrame := f.next(outsider)
	f.handle(outsider, ClientMessage{Type: ActionJoin, AuctionID: uuid.NewString()})
	unknownFrame := f.next(outsider)
	f.handle(outsider, ClientMessage{Type: ActionJoin, AuctionID: f.auction.ID.String()})
	ineligibleFrame := f.next(outsider)

	require.Equal(t, CodeJoinDenied, errorCode(t, shapeFrame))
	require.Equal(t, shapeFrame, unknownFrame)
	require.Equal(t, shapeFrame, ineligibleFrame)
}

func TestJoinRequiresEligibility(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	require.NoError(t, f.db.Create(&storage.AuctionParticipant{
		ID:        uuid.New(),
		AuctionID: f.auction.ID,
		UserID:    userID,
		DepositID: uuid.New(),
		Eligible:  false,
	}).Error)
	c := newClient(nil, &auth.Claims{UserID: userID}, "")

	f.handle(c, ClientMessage{Type: ActionJoin, AuctionID: f.auction.ID.String()})
	require.Equal(t, CodeJoinDenied, errorCode(t, f.next(c)))
}

func TestBidBroadcastsToRoom(t *testing.T) {
	f := newFixture(t)
	bidder := f.participant()
	watcher := f.participant()
	f.join(bidder)
	f.join(watcher)
	// Drain the second watcher-count broadcast the bidder saw.
	f.next(bidder)

	serverTS := time.Now().UTC()
	f.bids.result = &bid.Result{
		Bid:          &storage.Bid{ID: uuid.New(), AuctionID: f.auction.ID, UserID: bidder.claims.UserID, Amount: "1050.00", ServerTS: serverTS},
		CurrentPrice: "1050.00",
		BidCount:     1,
	}

	f.handle(bidder, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "1050.00",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	require.Len(t, f.bids.requests, 1)
	require.Equal(t, bidder.claims.UserID, f.bids.requests[0].UserID)
	require.Equal(t, "203.0.113.9", f.bids.requests[0].IP)

	// Private ack carries the bid ID; the room broadcast does not.
	private := f.next(bidder)
	require.Equal(t, EventBidAccepted, private.Type)
	var ack BidAcceptedPayload
	require.NoError(t, json.Unmarshal(private.Data, &ack))
	require.NotEmpty(t, ack.BidID)
	require.Equal(t, maskUser(bidder.claims.UserID), ack.Bidder)

	broadcast := f.next(watcher)
	require.Equal(t, EventBidAccepted, broadcast.Type)
	var public BidAcceptedPayload
	require.NoError(t, json.Unmarshal(broadcast.Data, &public))
	require.Empty(t, public.BidID)
	require.Equal(t, "1050.00", public.Amount)
	require.Equal(t, 1, public.BidCount)
}

func TestBidExtensionBroadcast(t *testing.T) {
	f := newFixture(t)
	bidder := f.participant()
	f.join(bidder)

	extended := time.Now().Add(time.Minute).UTC()
	bidID := uuid.New()
	f.bids.result = &bid.Result{
		Bid:           &storage.Bid{ID: bidID, Amount: "1050.00", ServerTS: time.Now().UTC()},
		CurrentPrice:  "1050.00",
		BidCount:      1,
		ExtendedUntil: &extended,
	}

	f.handle(bidder, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "1050.00",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	require.Equal(t, EventBidAccepted, f.next(bidder).Type) // private ack
	require.Equal(t, EventBidAccepted, f.next(bidder).Type) // room broadcast
	extension := f.next(bidder)
	require.Equal(t, EventAuctionExtended, extension.Type)
	var payload ExtendedPayload
	require.NoError(t, json.Unmarshal(extension.Data, &payload))
	require.Equal(t, extended.Unix(), payload.NewEndTime.Unix())
	require.Equal(t, bidID.String(), payload.TriggeredByBidID)
}

func TestBidInvalidAmountShortCircuits(t *testing.T) {
	f := newFixture(t)
	c := f.participant()

	f.handle(c, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "not-money",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	rejected := f.next(c)
	require.Equal(t, EventBidRejected, rejected.Type)
	var payload BidRejectedPayload
	require.NoError(t, json.Unmarshal(rejected.Data, &payload))
	require.Equal(t, bid.ReasonInvalidAmount, payload.ReasonCode)
	require.Empty(t, f.bids.requests)
}

func TestBidFailsClosedWhenKVUnhealthy(t *testing.T) {
	f := newFixture(t)
	c := f.participant()
	f.health.healthy = false

	f.handle(c, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "1050.00",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	require.Equal(t, CodeServiceUnavailable, errorCode(t, f.next(c)))
	require.Empty(t, f.bids.requests)
}

func TestBidSharedUserWindow(t *testing.T) {
	f := newFixture(t)
	c := f.participant()
	f.rates.counts[kv.UserRateKeyPrefix+c.claims.UserID.String()] = MaxUserBidsPerWindow

	f.handle(c, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "1050.00",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	require.Equal(t, bid.ReasonRateLimited, rejectionReason(t, f.next(c)))
	require.Empty(t, f.bids.requests)
}

func TestBidSharedAuctionWindow(t *testing.T) {
	f := newFixture(t)
	c := f.participant()
	f.rates.counts[kv.AuctionRateKeyPrefix+f.auction.ID.String()] = MaxAuctionBidsPerWindow

	f.handle(c, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "1050.00",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	require.Equal(t, bid.ReasonRateLimited, rejectionReason(t, f.next(c)))
	require.Empty(t, f.bids.requests)
}

func TestBidLocalThrottleRejects(t *testing.T) {
	f := newFixture(t)
	c := f.participant()
	for c.limiter.Allow() {
	}

	f.handle(c, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "1050.00",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	require.Equal(t, bid.ReasonRateLimited, rejectionReason(t, f.next(c)))
	require.Empty(t, f.bids.requests)
}

func TestBidRateStoreErrorFailsClosed(t *testing.T) {
	f := newFixture(t)
	c := f.participant()
	f.rates.err = context.DeadlineExceeded

	f.handle(c, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "1050.00",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	require.Equal(t, CodeServiceUnavailable, errorCode(t, f.next(c)))
	require.Empty(t, f.bids.requests)
}

func TestBidRejectionTranslated(t *testing.T) {
	f := newFixture(t)
	c := f.participant()
	f.bids.err = &bid.RejectionError{Code: bid.ReasonBelowMinimumIncrement, Detail: "minimum acceptable bid is 1050.00", CurrentPrice: "1000.00"}

	f.handle(c, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "1010.00",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	rejected := f.next(c)
	require.Equal(t, EventBidRejected, rejected.Type)
	var payload BidRejectedPayload
	require.NoError(t, json.Unmarshal(rejected.Data, &payload))
	require.Equal(t, bid.ReasonBelowMinimumIncrement, payload.ReasonCode)
	require.Equal(t, "1000.00", payload.CurrentPrice)
}

func TestBidLockContentionTranslated(t *testing.T) {
	f := newFixture(t)
	c := f.participant()
	f.bids.err = bid.ErrLockContention

	f.handle(c, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "1050.00",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	require.Equal(t, CodeLockContention, errorCode(t, f.next(c)))
}

func TestBidReplayIsNotRebroadcast(t *testing.T) {
	f := newFixture(t)
	bidder := f.participant()
	watcher := f.participant()
	f.join(bidder)
	f.join(watcher)
	f.next(bidder)

	f.bids.result = &bid.Result{
		Bid:          &storage.Bid{ID: uuid.New(), Amount: "1050.00", ServerTS: time.Now().UTC()},
		CurrentPrice: "1050.00",
		BidCount:     1,
		Replayed:     true,
	}

	f.handle(bidder, ClientMessage{
		Type:           ActionBid,
		AuctionID:      f.auction.ID.String(),
		Amount:         "1050.00",
		ReferencePrice: "1000.00",
		IdempotencyKey: "k1",
	})

	private := f.next(bidder)
	require.Equal(t, EventBidAccepted, private.Type)
	var ack BidAcceptedPayload
	require.NoError(t, json.Unmarshal(private.Data, &ack))
	require.True(t, ack.Replayed)

	f.noFrame(watcher)
}

func TestLeaveUpdatesWatcherCount(t *testing.T) {
	f := newFixture(t)
	a := f.participant()
	b := f.participant()
	f.join(a)
	f.join(b)
	f.next(a) // b's join broadcast

	f.handle(b, ClientMessage{Type: ActionLeave, AuctionID: f.auction.ID.String()})

	fr := f.next(a)
	require.Equal(t, EventWatcherCount, fr.Type)
	var payload WatcherPayload
	require.NoError(t, json.Unmarshal(fr.Data, &payload))
	require.Equal(t, 1, payload.Watchers)
}

func TestWorkerNotificationsReachRoom(t *testing.T) {
	f := newFixture(t)
	c := f.participant()
	f.join(c)

	winner := uuid.New()
	winnerBid := uuid.New()
	f.gateway.AuctionEnding(f.auction.ID, f.auction.ScheduledEnd)
	f.gateway.AuctionEnded(f.auction.ID, "1200.00", &winner, &winnerBid)
	f.gateway.SettlementPending(f.auction.ID)
	f.gateway.SettlementProgress(f.auction.ID, 1, 3)
	f.gateway.AuctionSettled(f.auction.ID)

	require.Equal(t, EventAuctionEnding, f.next(c).Type)

	ended := f.next(c)
	require.Equal(t, EventAuctionEnded, ended.Type)
	var payload EndedPayload
	require.NoError(t, json.Unmarshal(ended.Data, &payload))
	require.Equal(t, "1200.00", payload.FinalPrice)
	require.Equal(t, maskUser(winner), payload.Winner)

	require.Equal(t, EventSettlementPending, f.next(c).Type)
	require.Equal(t, EventSettlementProgress, f.next(c).Type)
	require.Equal(t, EventAuctionSettled, f.next(c).Type)
}

func TestUnknownActionRejected(t *testing.T) {
	f := newFixture(t)
	c := f.participant()

	f.handle(c, ClientMessage{Type: "shout"})
	require.Equal(t, CodeInvalidMessage, errorCode(t, f.next(c)))

	f.gateway.handleMessage(context.Background(), c, []byte("{not json"))
	require.Equal(t, CodeInvalidMessage, errorCode(t, f.next(c)))
}

func TestMaskUser(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	require.Equal(t, "11111111***", maskUser(id))
}
