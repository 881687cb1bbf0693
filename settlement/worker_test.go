package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"auctiond/pos"
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

// flakyProvider fails every call while failing is set, delegating to the
// mock otherwise.
type flakyProvider struct {
	mu      sync.Mutex
	failing bool
	err     error
	inner   *pos.MockProvider
}

func newFlakyProvider() *flakyProvider {
	return &flakyProvider{inner: pos.NewMock(), err: errors.New("provider unavailable")}
}

func (p *flakyProvider) setFailing(failing bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = failing
	if err != nil {
		p.err = err
	}
}

func (p *flakyProvider) Capture(ctx context.Context, req pos.CaptureRequest) (pos.CaptureResult, error) {
	p.mu.Lock()
	failing, err := p.failing, p.err
	p.mu.Unlock()
	if failing {
		return pos.CaptureResult{}, err
	}
	return p.inner.Capture(ctx, req)
}

func (p *flakyProvider) Refund(ctx context.Context, req pos.RefundRequest) (pos.RefundResult, error) {
	p.mu.Lock()
	failing, err := p.failing, p.err
	p.mu.Unlock()
	if failing {
		return pos.RefundResult{}, err
	}
	return p.inner.Refund(ctx, req)
}

type healthStub struct {
	mu      sync.Mutex
	healthy bool
}

func (h *healthStub) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *healthStub) set(healthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = healthy
}

type recordingNotifier struct {
	mu       sync.Mutex
	pending  []uuid.UUID
	progress int
	settled  []uuid.UUID
	failed   map[uuid.UUID]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{failed: map[uuid.UUID]string{}}
}

func (n *recordingNotifier) SettlementPending(auctionID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, auctionID)
}

func (n *recordingNotifier) SettlementProgress(uuid.UUID, int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress++
}

func (n *recordingNotifier) AuctionSettled(auctionID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settled = append(n.settled, auctionID)
}

func (n *recordingNotifier) SettlementFailed(auctionID uuid.UUID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[auctionID] = reason
}

type fixture struct {
	t        *testing.T
	db       *gorm.DB
	provider *flakyProvider
	svc      *Service
	worker   *Worker
	health   *healthStub
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)

	f := &fixture{
		t:        t,
		db:       db,
		provider: newFlakyProvider(),
		health:   &healthStub{healthy: true},
		notifier: newRecordingNotifier(),
		now:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.svc = NewService(db, f.provider, WithClock(clock))
	f.worker = NewWorker(db, f.svc, newMemLocker(), f.health, f.notifier, WithWorkerClock(clock))
	return f
}

// endedAuction seeds an ENDED auction with held deposits: one winner plus
// the given number of losers.
func (f *fixture) endedAuction(losers int) (*storage.Auction, uuid.UUID, []uuid.UUID) {
	f.t.Helper()
	winnerID := uuid.New()
	winnerBidID := uuid.New()
	endedAt := f.now.Add(-time.Minute)
	finalPrice := "1200.00"
	auction := &storage.Auction{
		ID:               uuid.New(),
		Status:           storage.AuctionEnded,
		StartingPrice:    "1000.00",
		MinimumIncrement: "50.00",
		CurrentPrice:     finalPrice,
		RequiredDeposit:  "100.00",
		Currency:         "USD",
		ScheduledStart:   f.now.Add(-3 * time.Hour),
		ScheduledEnd:     f.now.Add(-time.Minute),
		EndedAt:          &endedAt,
		FinalPrice:       &finalPrice,
		WinnerID:         &winnerID,
		WinnerBidID:      &winnerBidID,
		Version:          1,
	}
	require.NoError(f.t, f.db.Create(auction).Error)

	f.holdDeposit(auction.ID, winnerID)
	loserIDs := make([]uuid.UUID, 0, losers)
	for i := 0; i < losers; i++ {
		userID := uuid.New()
		f.holdDeposit(auction.ID, userID)
		loserIDs = append(loserIDs, userID)
	}
	return auction, winnerID, loserIDs
}

// holdDeposit enrols an eligible participant with a held deposit.
func (f *fixture) holdDeposit(auctionID, userID uuid.UUID) *storage.Deposit {
	f.t.Helper()
	deposit := &storage.Deposit{
		ID:        uuid.New(),
		AuctionID: auctionID,
		UserID:    userID,
		Amount:    "100.00",
		Currency:  "USD",
		Status:    storage.DepositHeld,
	}
	require.NoError(f.t, f.db.Create(deposit).Error)
	require.NoError(f.t, f.db.Create(&storage.AuctionParticipant{
		ID:        uuid.New(),
		AuctionID: auctionID,
		UserID:    userID,
		DepositID: deposit.ID,
		Eligible:  true,
	}).Error)
	return deposit
}

func (f *fixture) reloadAuction(id uuid.UUID) *storage.Auction {
	f.t.Helper()
	var auction storage.Auction
	require.NoError(f.t, f.db.First(&auction, "id = ?", id).Error)
	return &auction
}

func (f *fixture) manifest(auctionID uuid.UUID) *storage.SettlementManifest {
	f.t.Helper()
	var manifest storage.SettlementManifest
	require.NoError(f.t, f.db.First(&manifest, "auction_id = ?", auctionID).Error)
	return &manifest
}

func (f *fixture) deposit(auctionID, userID uuid.UUID) *storage.Deposit {
	f.t.Helper()
	var deposit storage.Deposit
	require.NoError(f.t, f.db.First(&deposit, "auction_id = ? AND user_id = ?", auctionID, userID).Error)
	return &deposit
}

func (f *fixture) ticks(n int) {
	for i := 0; i < n; i++ {
		f.worker.Tick(context.Background())
	}
}

func TestSettlementCapturesWinnerAndRefundsLosers(t *testing.T) {
	f := newFixture(t)
	auction, winnerID, loserIDs := f.endedAuction(2)

	f.ticks(2)

	require.Equal(t, storage.AuctionSettled, f.reloadAuction(auction.ID).Status)
	manifest := f.manifest(auction.ID)
	require.Equal(t, storage.ManifestCompleted, manifest.Status)
	require.Equal(t, 3, manifest.ItemsTotal)
	require.Equal(t, 3, manifest.ItemsAcknowledged)
	require.NotNil(t, manifest.CompletedAt)

	require.Equal(t, storage.DepositCaptured, f.deposit(auction.ID, winnerID).Status)
	for _, loserID := range loserIDs {
		require.Equal(t, storage.DepositRefunded, f.deposit(auction.ID, loserID).Status)
	}

	// One POS movement per deposit, no duplicates.
	require.Equal(t, 3, f.provider.inner.MovementCount())

	// Exactly one terminal ledger event per deposit.
	var captureEvents, refundEvents int64
	require.NoError(t, f.db.Model(&storage.PaymentLedgerEntry{}).Where("event = ?", EventDepositCaptured).Count(&captureEvents).Error)
	require.NoError(t, f.db.Model(&storage.PaymentLedgerEntry{}).Where("event = ?", EventDepositRefunded).Count(&refundEvents).Error)
	require.Equal(t, int64(1), captureEvents)
	require.Equal(t, int64(2), refundEvents)

	// Refund rows completed with provider references.
	var refunds []storage.Refund
	require.NoError(t, f.db.Find(&refunds).Error)
	require.Len(t, refunds, 2)
	for _, refund := range refunds {
		require.Equal(t, storage.RefundCompleted, refund.Status)
		require.NotEmpty(t, refund.PosRefundID)
	}

	require.Len(t, f.notifier.pending, 1)
	require.Len(t, f.notifier.settled, 1)
	require.Empty(t, f.notifier.failed)
}

func TestSettlementWithoutDepositsCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	auction := &storage.Auction{
		ID:               uuid.New(),
		Status:           storage.AuctionEnded,
		StartingPrice:    "1000.00",
		MinimumIncrement: "50.00",
		CurrentPrice:     "1000.00",
		RequiredDeposit:  "100.00",
		Currency:         "USD",
		ScheduledStart:   f.now.Add(-2 * time.Hour),
		ScheduledEnd:     f.now.Add(-time.Minute),
		Version:          1,
	}
	require.NoError(t, f.db.Create(auction).Error)

	f.ticks(1)

	require.Equal(t, storage.AuctionSettled, f.reloadAuction(auction.ID).Status)
	require.Equal(t, storage.ManifestCompleted, f.manifest(auction.ID).Status)
	require.Len(t, f.notifier.settled, 1)
}

func TestSettlementRetriesThenEscalates(t *testing.T) {
	f := newFixture(t)
	f.provider.setFailing(true, nil)
	auction, winnerID, _ := f.endedAuction(0)

	// One failed attempt per tick until the retry budget runs out, then the
	// next pass escalates.
	f.ticks(MaxItemRetries + 2)

	require.Equal(t, storage.AuctionSettlementFailed, f.reloadAuction(auction.ID).Status)
	require.Equal(t, storage.ManifestEscalated, f.manifest(auction.ID).Status)
	require.Contains(t, f.notifier.failed[auction.ID], "retry budget")

	// The deposit was never captured.
	require.Equal(t, storage.DepositHeld, f.deposit(auction.ID, winnerID).Status)
	require.Zero(t, f.provider.inner.MovementCount())
}

func TestSettlementAdminRetryRecovers(t *testing.T) {
	f := newFixture(t)
	f.provider.setFailing(true, nil)
	auction, winnerID, _ := f.endedAuction(1)

	f.ticks(MaxItemRetries + 2)
	require.Equal(t, storage.ManifestEscalated, f.manifest(auction.ID).Status)

	f.provider.setFailing(false, nil)
	require.NoError(t, f.svc.RetryEscalated(context.Background(), auction.ID))

	require.Equal(t, storage.AuctionSettling, f.reloadAuction(auction.ID).Status)
	require.Equal(t, storage.ManifestActive, f.manifest(auction.ID).Status)

	f.ticks(2)

	require.Equal(t, storage.AuctionSettled, f.reloadAuction(auction.ID).Status)
	require.Equal(t, storage.DepositCaptured, f.deposit(auction.ID, winnerID).Status)
}

func TestSettlementManifestSkipsRevokedParticipants(t *testing.T) {
	f := newFixture(t)
	auction, winnerID, loserIDs := f.endedAuction(1)

	// The revoked loser keeps a held deposit, but it must not enter the
	// manifest.
	require.NoError(t, f.db.Model(&storage.AuctionParticipant{}).
		Where("auction_id = ? AND user_id = ?", auction.ID, loserIDs[0]).
		Update("eligible", false).Error)

	manifest, err := f.svc.Initiate(context.Background(), auction.ID)
	require.NoError(t, err)
	require.Equal(t, 1, manifest.ItemsTotal)
	items, err := manifest.DecodeItems()
	require.NoError(t, err)
	require.Equal(t, winnerID, items[0].UserID)
	require.Equal(t, storage.ActionCapture, items[0].Action)
	require.Equal(t, storage.DepositHeld, f.deposit(auction.ID, loserIDs[0]).Status)
}

func TestSettlementAdminRetryPreservesPartialBudgets(t *testing.T) {
	f := newFixture(t)
	auction, _, _ := f.endedAuction(1)
	ctx := context.Background()

	manifest, err := f.svc.Initiate(ctx, auction.ID)
	require.NoError(t, err)
	items, err := manifest.DecodeItems()
	require.NoError(t, err)
	require.Len(t, items, 2)
	failedAt := f.now
	for i := range items {
		items[i].Status = storage.ItemFailed
		items[i].FailedAt = &failedAt
		items[i].FailureReason = "capture failed: provider unavailable"
	}
	items[0].RetryCount = MaxItemRetries
	items[1].RetryCount = 1
	require.NoError(t, f.svc.SaveItems(ctx, manifest, items))
	require.NoError(t, f.svc.Escalate(ctx, auction.ID, "item retry budget exhausted"))

	require.NoError(t, f.svc.RetryEscalated(ctx, auction.ID))

	items, err = f.manifest(auction.ID).DecodeItems()
	require.NoError(t, err)
	// Only the exhausted budget is reset; the partial one keeps its count.
	require.Equal(t, storage.ItemPending, items[0].Status)
	require.Zero(t, items[0].RetryCount)
	require.Equal(t, storage.ItemPending, items[1].Status)
	require.Equal(t, 1, items[1].RetryCount)
}

// racedProvider finishes each movement through the service before returning
// a timeout, mimicking another instance completing the item while this
// call's response is lost.
type racedProvider struct {
	svc *Service
}

func (p *racedProvider) Capture(ctx context.Context, req pos.CaptureRequest) (pos.CaptureResult, error) {
	if err := p.svc.captureDeposit(ctx, req.DepositID, "raced-ref"); err != nil {
		return pos.CaptureResult{}, err
	}
	return pos.CaptureResult{}, pos.ErrTimeout
}

func (p *racedProvider) Refund(ctx context.Context, req pos.RefundRequest) (pos.RefundResult, error) {
	if err := p.svc.completeRefund(ctx, req.DepositID, req.IdempotencyKey, "raced-ref"); err != nil {
		return pos.RefundResult{}, err
	}
	return pos.RefundResult{}, pos.ErrTimeout
}

func TestSettlementAcknowledgesMovementFinishedElsewhere(t *testing.T) {
	f := newFixture(t)
	auction, winnerID, loserIDs := f.endedAuction(1)

	raced := &racedProvider{}
	svc := NewService(f.db, raced, WithClock(func() time.Time { return f.now }))
	raced.svc = svc

	manifest, err := svc.Initiate(context.Background(), auction.ID)
	require.NoError(t, err)
	items, err := manifest.DecodeItems()
	require.NoError(t, err)
	require.Len(t, items, 2)
	for idx := range items {
		require.NoError(t, svc.ProcessItem(context.Background(), manifest, items, idx))
	}

	// The lost responses must not count against the retry budget.
	for _, item := range items {
		require.Equal(t, storage.ItemAcknowledged, item.Status)
		require.Zero(t, item.RetryCount)
		require.Equal(t, "raced-ref", item.PosReference)
	}
	require.Equal(t, storage.DepositCaptured, f.deposit(auction.ID, winnerID).Status)
	require.Equal(t, storage.DepositRefunded, f.deposit(auction.ID, loserIDs[0]).Status)
}

func TestSettlementCircuitOpenFailsSafe(t *testing.T) {
	f := newFixture(t)
	f.provider.setFailing(true, pos.ErrCircuitOpen)
	auction, winnerID, _ := f.endedAuction(0)

	f.ticks(1)

	items, err := f.manifest(auction.ID).DecodeItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, storage.ItemFailed, items[0].Status)
	require.Contains(t, items[0].FailureReason, "circuit open")

	// No movement and no deposit mutation happened.
	require.Equal(t, storage.DepositHeld, f.deposit(auction.ID, winnerID).Status)
	var transitions int64
	require.NoError(t, f.db.Model(&storage.DepositTransition{}).Count(&transitions).Error)
	require.Zero(t, transitions)
}

func TestSettlementSkipsWhenKVUnhealthy(t *testing.T) {
	f := newFixture(t)
	auction, _, _ := f.endedAuction(1)

	f.health.set(false)
	f.ticks(3)

	require.Equal(t, storage.AuctionEnded, f.reloadAuction(auction.ID).Status)
	var manifests int64
	require.NoError(t, f.db.Model(&storage.SettlementManifest{}).Count(&manifests).Error)
	require.Zero(t, manifests)

	f.health.set(true)
	f.ticks(2)
	require.Equal(t, storage.AuctionSettled, f.reloadAuction(auction.ID).Status)
}

func TestSettlementManifestExpiry(t *testing.T) {
	f := newFixture(t)
	f.provider.setFailing(true, nil)
	auction, _, _ := f.endedAuction(0)

	f.ticks(1)
	require.Equal(t, storage.ManifestActive, f.manifest(auction.ID).Status)

	f.now = f.now.Add(ManifestExpiry + time.Hour)
	f.ticks(1)

	require.Equal(t, storage.ManifestExpired, f.manifest(auction.ID).Status)
	require.Equal(t, storage.AuctionSettlementFailed, f.reloadAuction(auction.ID).Status)
	require.Equal(t, "manifest expired", f.notifier.failed[auction.ID])
}

func TestSettlementEscalatesOversizedManifest(t *testing.T) {
	f := newFixture(t)
	f.provider.setFailing(true, nil)
	auction, _, _ := f.endedAuction(0)

	f.ticks(1)
	manifest := f.manifest(auction.ID)
	require.Equal(t, storage.ManifestActive, manifest.Status)

	// Force the manifest over the decode limit.
	require.NoError(t, f.db.Model(manifest).Update("items_total", MemorySafetyItemsLimit+1).Error)
	f.ticks(1)

	require.Equal(t, storage.ManifestEscalated, f.manifest(auction.ID).Status)
	require.Equal(t, storage.AuctionSettlementFailed, f.reloadAuction(auction.ID).Status)
	require.Equal(t, "memory safety limit exceeded", f.notifier.failed[auction.ID])
}

func TestSettlementResumesAfterCrashBeforeAck(t *testing.T) {
	// Simulate a crash after the capture landed but before the manifest ack
	// was persisted: the deposit is CAPTURED, the item still pending.
	f := newFixture(t)
	auction, winnerID, _ := f.endedAuction(0)

	manifest, err := f.svc.Initiate(context.Background(), auction.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.captureDeposit(context.Background(), f.deposit(auction.ID, winnerID).ID, "crashed-ref"))

	f.ticks(1)

	items, err := f.manifest(auction.ID).DecodeItems()
	require.NoError(t, err)
	require.Equal(t, storage.ItemAcknowledged, items[0].Status)
	require.Equal(t, "crashed-ref", items[0].PosReference)
	require.Equal(t, storage.AuctionSettled, f.reloadAuction(auction.ID).Status)

	// No second POS movement was issued.
	require.Zero(t, f.provider.inner.MovementCount())
	_ = manifest
}
