// Package recon cross-checks the financial trail of a settled auction:
// manifest bookkeeping, ledger completeness, deposit balance, and bid-log
// ordering invariants.
package recon

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"auctiond/observability"
	"auctiond/settlement"
	"auctiond/storage"
)

// tolerance absorbs representation noise in the balance equation. All stores
// are fixed-point strings, so anything above a cent is a real discrepancy.
var tolerance = decimal.RequireFromString("0.01")

// Check is one verification outcome.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report aggregates all checks for one auction.
type Report struct {
	AuctionID uuid.UUID `json:"auction_id"`
	Passed    bool      `json:"passed"`
	Checks    []Check   `json:"checks"`
}

// Runner executes reconciliation against the primary store.
type Runner struct {
	db      *gorm.DB
	metrics *observability.SettlementMetrics
}

// NewRunner builds a reconciliation runner.
func NewRunner(db *gorm.DB, metrics *observability.SettlementMetrics) *Runner {
	return &Runner{db: db, metrics: metrics}
}

// Run verifies one auction and reports every check outcome. Failures are
// counted but never mutate anything; reconciliation is read-only.
func (r *Runner) Run(ctx context.Context, auctionID uuid.UUID) (*Report, error) {
	db := r.db.WithContext(ctx)

	var auction storage.Auction
	if err := db.First(&auction, "id = ?", auctionID).Error; err != nil {
		return nil, fmt.Errorf("recon: load auction: %w", err)
	}
	var deposits []storage.Deposit
	if err := db.Where("auction_id = ?", auctionID).Find(&deposits).Error; err != nil {
		return nil, fmt.Errorf("recon: load deposits: %w", err)
	}
	var bids []storage.Bid
	if err := db.Where("auction_id = ?", auctionID).Find(&bids).Error; err != nil {
		return nil, fmt.Errorf("recon: load bids: %w", err)
	}
	var manifests []storage.SettlementManifest
	if err := db.Where("auction_id = ?", auctionID).Find(&manifests).Error; err != nil {
		return nil, fmt.Errorf("recon: load manifests: %w", err)
	}
	depositIDs := make([]uuid.UUID, 0, len(deposits))
	for _, deposit := range deposits {
		depositIDs = append(depositIDs, deposit.ID)
	}
	var ledger []storage.PaymentLedgerEntry
	if len(depositIDs) > 0 {
		if err := db.Where("deposit_id IN ?", depositIDs).Find(&ledger).Error; err != nil {
			return nil, fmt.Errorf("recon: load ledger: %w", err)
		}
	}

	report := &Report{AuctionID: auctionID, Passed: true}
	add := func(check Check) {
		if !check.Passed {
			report.Passed = false
			r.metrics.RecordReconFailure()
		}
		report.Checks = append(report.Checks, check)
	}

	add(checkManifestCount(&auction, manifests))
	add(checkManifestCounters(manifests))
	add(checkLedgerEvents(deposits, ledger))
	add(checkNonNegativeAmounts(deposits, bids, ledger))
	add(checkDepositBalance(deposits))
	add(checkBidUniqueness(bids))
	add(checkBidProgression(&auction, bids))
	add(checkWinnerMaximality(&auction, bids))
	add(checkFinalPrice(&auction, bids))

	return report, nil
}

// checkManifestCount verifies at most one manifest exists, and exactly one
// once settlement has started.
func checkManifestCount(auction *storage.Auction, manifests []storage.SettlementManifest) Check {
	check := Check{Name: "manifest_count", Passed: true}
	settling := auction.Status == storage.AuctionSettling ||
		auction.Status == storage.AuctionSettled ||
		auction.Status == storage.AuctionSettlementFailed
	switch {
	case len(manifests) > 1:
		check.Passed = false
		check.Detail = fmt.Sprintf("%d manifests found", len(manifests))
	case settling && len(manifests) != 1:
		check.Passed = false
		check.Detail = fmt.Sprintf("auction is %s but has %d manifests", auction.Status, len(manifests))
	}
	return check
}

// checkManifestCounters verifies the stored counters match the item
// document.
func checkManifestCounters(manifests []storage.SettlementManifest) Check {
	check := Check{Name: "manifest_counters", Passed: true}
	for i := range manifests {
		items, err := manifests[i].DecodeItems()
		if err != nil {
			return Check{Name: check.Name, Detail: err.Error()}
		}
		acknowledged := 0
		for _, item := range items {
			if item.Status == storage.ItemAcknowledged {
				acknowledged++
			}
		}
		if manifests[i].ItemsTotal != len(items) || manifests[i].ItemsAcknowledged != acknowledged {
			check.Passed = false
			check.Detail = fmt.Sprintf("counters say %d/%d, items say %d/%d",
				manifests[i].ItemsAcknowledged, manifests[i].ItemsTotal, acknowledged, len(items))
		}
	}
	return check
}

// checkLedgerEvents verifies each terminal deposit state left exactly the
// expected ledger rows.
func checkLedgerEvents(deposits []storage.Deposit, ledger []storage.PaymentLedgerEntry) Check {
	check := Check{Name: "ledger_events", Passed: true}
	counts := make(map[uuid.UUID]map[string]int)
	for _, entry := range ledger {
		if counts[entry.DepositID] == nil {
			counts[entry.DepositID] = make(map[string]int)
		}
		counts[entry.DepositID][entry.Event]++
	}
	expect := func(depositID uuid.UUID, event string, want int) {
		if got := counts[depositID][event]; got != want {
			check.Passed = false
			check.Detail = fmt.Sprintf("deposit %s has %d %s events, want %d", depositID, got, event, want)
		}
	}
	for _, deposit := range deposits {
		switch deposit.Status {
		case storage.DepositCaptured:
			expect(deposit.ID, settlement.EventDepositCaptured, 1)
			expect(deposit.ID, settlement.EventDepositRefunded, 0)
		case storage.DepositRefunded:
			expect(deposit.ID, settlement.EventRefundInitiated, 1)
			expect(deposit.ID, settlement.EventDepositRefunded, 1)
			expect(deposit.ID, settlement.EventDepositCaptured, 0)
		}
	}
	return check
}

// checkNonNegativeAmounts verifies no stored amount is negative or
// unparseable.
func checkNonNegativeAmounts(deposits []storage.Deposit, bids []storage.Bid, ledger []storage.PaymentLedgerEntry) Check {
	check := Check{Name: "non_negative_amounts", Passed: true}
	flag := func(kind string, raw string) {
		value, err := decimal.NewFromString(raw)
		if err != nil || value.IsNegative() {
			check.Passed = false
			check.Detail = fmt.Sprintf("%s amount %q", kind, raw)
		}
	}
	for _, deposit := range deposits {
		flag("deposit", deposit.Amount)
	}
	for _, bid := range bids {
		flag("bid", bid.Amount)
	}
	for _, entry := range ledger {
		flag("ledger", entry.Amount)
	}
	return check
}

// checkDepositBalance verifies the balance equation over every deposit of
// the auction: refunded == total - captured. Deposits still in flight make
// the equation fail, which is the point; a settled auction must balance.
func checkDepositBalance(deposits []storage.Deposit) Check {
	check := Check{Name: "deposit_balance", Passed: true}
	total := decimal.Zero
	captured := decimal.Zero
	refunded := decimal.Zero
	for _, deposit := range deposits {
		amount, err := decimal.NewFromString(deposit.Amount)
		if err != nil {
			return Check{Name: check.Name, Detail: fmt.Sprintf("deposit %s amount %q", deposit.ID, deposit.Amount)}
		}
		total = total.Add(amount)
		switch deposit.Status {
		case storage.DepositCaptured:
			captured = captured.Add(amount)
		case storage.DepositRefunded:
			refunded = refunded.Add(amount)
		}
	}
	if refunded.Sub(total.Sub(captured)).Abs().GreaterThan(tolerance) {
		check.Passed = false
		check.Detail = fmt.Sprintf("refunded %s, expected %s (total %s, captured %s)",
			refunded, total.Sub(captured), total, captured)
	}
	return check
}

// checkBidUniqueness verifies no amount appears twice in the bid log.
func checkBidUniqueness(bids []storage.Bid) Check {
	check := Check{Name: "bid_uniqueness", Passed: true}
	seen := make(map[string]struct{}, len(bids))
	for _, bid := range bids {
		if _, dup := seen[bid.Amount]; dup {
			check.Passed = false
			check.Detail = fmt.Sprintf("amount %s bid more than once", bid.Amount)
		}
		seen[bid.Amount] = struct{}{}
	}
	return check
}

// checkBidProgression verifies bids ordered by server time climb by at least
// the minimum increment.
func checkBidProgression(auction *storage.Auction, bids []storage.Bid) Check {
	check := Check{Name: "bid_progression", Passed: true}
	if len(bids) < 2 {
		return check
	}
	increment, err := decimal.NewFromString(auction.MinimumIncrement)
	if err != nil {
		return Check{Name: check.Name, Detail: fmt.Sprintf("increment %q", auction.MinimumIncrement)}
	}
	ordered := make([]storage.Bid, len(bids))
	copy(ordered, bids)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ServerTS.Before(ordered[j].ServerTS) })
	previous, err := decimal.NewFromString(ordered[0].Amount)
	if err != nil {
		return Check{Name: check.Name, Detail: fmt.Sprintf("bid amount %q", ordered[0].Amount)}
	}
	for _, bid := range ordered[1:] {
		amount, err := decimal.NewFromString(bid.Amount)
		if err != nil {
			return Check{Name: check.Name, Detail: fmt.Sprintf("bid amount %q", bid.Amount)}
		}
		if amount.LessThan(previous.Add(increment)) {
			check.Passed = false
			check.Detail = fmt.Sprintf("bid %s follows %s with step below %s", amount, previous, increment)
		}
		previous = amount
	}
	return check
}

// checkWinnerMaximality verifies the recorded winner holds the highest bid.
func checkWinnerMaximality(auction *storage.Auction, bids []storage.Bid) Check {
	check := Check{Name: "winner_maximality", Passed: true}
	if auction.WinnerBidID == nil {
		if terminal(auction.Status) && len(bids) > 0 {
			check.Passed = false
			check.Detail = "bids exist but no winner recorded"
		}
		return check
	}
	var winner *storage.Bid
	highest := decimal.Zero
	for i := range bids {
		amount, err := decimal.NewFromString(bids[i].Amount)
		if err != nil {
			return Check{Name: check.Name, Detail: fmt.Sprintf("bid amount %q", bids[i].Amount)}
		}
		if amount.GreaterThan(highest) {
			highest = amount
		}
		if bids[i].ID == *auction.WinnerBidID {
			winner = &bids[i]
		}
	}
	switch {
	case winner == nil:
		check.Passed = false
		check.Detail = "winning bid not in bid log"
	case !decimal.RequireFromString(winner.Amount).Equal(highest):
		check.Passed = false
		check.Detail = fmt.Sprintf("winner bid %s but highest is %s", winner.Amount, highest)
	}
	return check
}

// checkFinalPrice verifies the recorded final price matches the winning bid.
func checkFinalPrice(auction *storage.Auction, bids []storage.Bid) Check {
	check := Check{Name: "final_price", Passed: true}
	if auction.FinalPrice == nil || auction.WinnerBidID == nil {
		return check
	}
	for i := range bids {
		if bids[i].ID == *auction.WinnerBidID {
			if bids[i].Amount != *auction.FinalPrice {
				check.Passed = false
				check.Detail = fmt.Sprintf("final price %s, winning bid %s", *auction.FinalPrice, bids[i].Amount)
			}
			return check
		}
	}
	return check
}

func terminal(status storage.AuctionStatus) bool {
	switch status {
	case storage.AuctionEnded, storage.AuctionSettling, storage.AuctionSettled, storage.AuctionSettlementFailed:
		return true
	default:
		return false
	}
}
