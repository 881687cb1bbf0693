package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"auctiond/storage"
)

type memLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]string{}}
}

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return "", nil
	}
	token := uuid.NewString()
	l.held[key] = token
	return token, nil
}

func (l *memLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

type endingEvent struct {
	auctionID uuid.UUID
	endTime   time.Time
}

type endedEvent struct {
	auctionID   uuid.UUID
	finalPrice  string
	winnerID    *uuid.UUID
	winnerBidID *uuid.UUID
}

type recordingNotifier struct {
	mu     sync.Mutex
	ending []endingEvent
	ended  []endedEvent
}

func (n *recordingNotifier) AuctionEnding(auctionID uuid.UUID, endTime time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ending = append(n.ending, endingEvent{auctionID, endTime})
}

func (n *recordingNotifier) AuctionEnded(auctionID uuid.UUID, finalPrice string, winnerID, winnerBidID *uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, endedEvent{auctionID, finalPrice, winnerID, winnerBidID})
}

type fixture struct {
	t        *testing.T
	db       *gorm.DB
	locks    *memLocker
	notifier *recordingNotifier
	worker   *Worker
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	f := &fixture{
		t:        t,
		db:       db,
		locks:    newMemLocker(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	f.worker = New(db, f.locks, f.notifier, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) createAuction(status storage.AuctionStatus, end time.Time) *storage.Auction {
	f.t.Helper()
	auction := &storage.Auction{
		ID:               uuid.New(),
		Status:           status,
		StartingPrice:    "1000.00",
		MinimumIncrement: "50.00",
		CurrentPrice:     "1000.00",
		RequiredDeposit:  "100.00",
		Currency:         "USD",
		ScheduledStart:   end.Add(-2 * time.Hour),
		ScheduledEnd:     end,
		Version:          1,
	}
	require.NoError(f.t, f.db.Create(auction).Error)
	return auction
}

func (f *fixture) addBid(auction *storage.Auction, amount string, ts time.Time) *storage.Bid {
	f.t.Helper()
	bid := &storage.Bid{
		ID:             uuid.New(),
		AuctionID:      auction.ID,
		UserID:         uuid.New(),
		Amount:         amount,
		ReferencePrice: "1000.00",
		IdempotencyKey: uuid.NewString(),
		ServerTS:       ts,
	}
	require.NoError(f.t, f.db.Create(bid).Error)
	return bid
}

func (f *fixture) reload(id uuid.UUID) *storage.Auction {
	f.t.Helper()
	var auction storage.Auction
	require.NoError(f.t, f.db.First(&auction, "id = ?", id).Error)
	return &auction
}

func TestSweepClosesDueAuctionWithHighestBid(t *testing.T) {
	f := newFixture(t)
	auction := f.createAuction(storage.AuctionLive, f.now.Add(-time.Second))

	// Numeric ordering must win over lexicographic: "950.00" > "1050.00" as
	// strings but not as amounts.
	f.addBid(auction, "950.00", f.now.Add(-time.Minute))
	top := f.addBid(auction, "1050.00", f.now.Add(-30*time.Second))
	require.NoError(t, f.db.Model(auction).Updates(map[string]interface{}{"current_price": "1050.00", "bid_count": 2}).Error)

	require.NoError(t, f.worker.Sweep(context.Background()))

	closed := f.reload(auction.ID)
	require.Equal(t, storage.AuctionEnded, closed.Status)
	require.NotNil(t, closed.EndedAt)
	require.NotNil(t, closed.FinalPrice)
	require.Equal(t, "1050.00", *closed.FinalPrice)
	require.NotNil(t, closed.WinnerID)
	require.Equal(t, top.UserID, *closed.WinnerID)
	require.NotNil(t, closed.WinnerBidID)
	require.Equal(t, top.ID, *closed.WinnerBidID)

	require.Len(t, f.notifier.ending, 1)
	require.Len(t, f.notifier.ended, 1)
	require.Equal(t, "1050.00", f.notifier.ended[0].finalPrice)
	require.Equal(t, top.UserID, *f.notifier.ended[0].winnerID)
}

func TestSweepHonoursExtension(t *testing.T) {
	f := newFixture(t)
	auction := f.createAuction(storage.AuctionLive, f.now.Add(-time.Minute))
	extended := f.now.Add(45 * time.Second)
	require.NoError(t, f.db.Model(auction).Update("extended_until", extended).Error)

	require.NoError(t, f.worker.Sweep(context.Background()))
	require.Equal(t, storage.AuctionLive, f.reload(auction.ID).Status)
	require.Empty(t, f.notifier.ending)

	// Past the extension the auction closes.
	f.now = extended.Add(time.Second)
	require.NoError(t, f.worker.Sweep(context.Background()))
	require.Equal(t, storage.AuctionEnded, f.reload(auction.ID).Status)
}

func TestSweepClosesAuctionWithoutBids(t *testing.T) {
	f := newFixture(t)
	auction := f.createAuction(storage.AuctionLive, f.now.Add(-time.Second))

	require.NoError(t, f.worker.Sweep(context.Background()))

	closed := f.reload(auction.ID)
	require.Equal(t, storage.AuctionEnded, closed.Status)
	require.Nil(t, closed.WinnerID)
	require.Nil(t, closed.WinnerBidID)
	require.NotNil(t, closed.FinalPrice)
	require.Equal(t, "1000.00", *closed.FinalPrice)

	require.Len(t, f.notifier.ended, 1)
	require.Nil(t, f.notifier.ended[0].winnerID)
}

func TestSweepResumesFromEnding(t *testing.T) {
	// An auction stuck in ENDING after a crash is finished by the next sweep
	// without a second ENDING broadcast.
	f := newFixture(t)
	auction := f.createAuction(storage.AuctionEnding, f.now.Add(-time.Minute))
	f.addBid(auction, "1100.00", f.now.Add(-2*time.Minute))

	require.NoError(t, f.worker.Sweep(context.Background()))

	require.Equal(t, storage.AuctionEnded, f.reload(auction.ID).Status)
	require.Empty(t, f.notifier.ending)
	require.Len(t, f.notifier.ended, 1)
}

func TestSweepSkipsLockedAuction(t *testing.T) {
	f := newFixture(t)
	auction := f.createAuction(storage.AuctionLive, f.now.Add(-time.Second))

	_, err := f.locks.Acquire(context.Background(), "auction:ending:lock:"+auction.ID.String(), time.Second)
	require.NoError(t, err)

	require.NoError(t, f.worker.Sweep(context.Background()))
	require.Equal(t, storage.AuctionLive, f.reload(auction.ID).Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	auction := f.createAuction(storage.AuctionLive, f.now.Add(-time.Second))
	f.addBid(auction, "1050.00", f.now.Add(-time.Minute))

	require.NoError(t, f.worker.Sweep(context.Background()))
	require.NoError(t, f.worker.Sweep(context.Background()))

	require.Len(t, f.notifier.ending, 1)
	require.Len(t, f.notifier.ended, 1)
	require.Equal(t, storage.AuctionEnded, f.reload(auction.ID).Status)
}
