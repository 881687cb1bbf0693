// Package admin exposes the operator HTTP API: settlement manifest
// inspection, escalation retries, the finance summary, and on-demand
// reconciliation. Every route requires an admin-role bearer token.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"auctiond/gateway/auth"
	"auctiond/recon"
	"auctiond/storage"
)

const listLimit = 100

// Settler is the slice of the settlement service the operator API drives.
type Settler interface {
	RetryEscalated(ctx context.Context, auctionID uuid.UUID) error
}

// Reconciler runs the read-only consistency checks for one auction.
type Reconciler interface {
	Run(ctx context.Context, auctionID uuid.UUID) (*recon.Report, error)
}

// Handler serves the operator API.
type Handler struct {
	db         *gorm.DB
	verifier   *auth.Verifier
	settler    Settler
	reconciler Reconciler
}

// NewHandler builds the operator API handler.
func NewHandler(db *gorm.DB, verifier *auth.Verifier, settler Settler, reconciler Reconciler) *Handler {
	return &Handler{db: db, verifier: verifier, settler: settler, reconciler: reconciler}
}

// Routes mounts the operator API on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireAdmin)
	r.Get("/manifests", h.listManifests)
	r.Get("/manifests/{auctionID}", h.getManifest)
	r.Post("/auctions/{auctionID}/settlement/retry", h.retrySettlement)
	r.Get("/auctions/{auctionID}/reconciliation", h.reconcile)
	r.Get("/finance/summary", h.financeSummary)
	return r
}

// requireAdmin authenticates the bearer token and checks the operator role.
// Token failures and missing role use distinct status codes but share the
// same empty body shape.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := h.verifier.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// manifestSummary is the list-view shape; the item document is omitted.
type manifestSummary struct {
	ID                uuid.UUID              `json:"id"`
	AuctionID         uuid.UUID              `json:"auction_id"`
	Status            storage.ManifestStatus `json:"status"`
	ItemsTotal        int                    `json:"items_total"`
	ItemsAcknowledged int                    `json:"items_acknowledged"`
	ExpiresAt         time.Time              `json:"expires_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

type manifestDetail struct {
	manifestSummary
	Items []storage.ManifestItem `json:"items"`
}

func (h *Handler) listManifests(w http.ResponseWriter, r *http.Request) {
	query := h.db.WithContext(r.Context()).Order("created_at DESC").Limit(listLimit)
	if status := r.URL.Query().Get("status"); status != "" {
		switch storage.ManifestStatus(status) {
		case storage.ManifestActive, storage.ManifestCompleted, storage.ManifestExpired, storage.ManifestEscalated:
			query = query.Where("status = ?", status)
		default:
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
	}
	var manifests []storage.SettlementManifest
	if err := query.Find(&manifests).Error; err != nil {
		slog.Error("admin: list manifests failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	summaries := make([]manifestSummary, 0, len(manifests))
	for i := range manifests {
		summaries = append(summaries, summarize(&manifests[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"manifests": summaries})
}

func (h *Handler) getManifest(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := pathUUID(w, r, "auctionID")
	if !ok {
		return
	}
	var manifest storage.SettlementManifest
	err := h.db.WithContext(r.Context()).Where("auction_id = ?", auctionID).First(&manifest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "manifest not found")
		return
	}
	if err != nil {
		slog.Error("admin: load manifest failed", "auction_id", auctionID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	items, err := manifest.DecodeItems()
	if err != nil {
		slog.Error("admin: manifest items corrupt", "auction_id", auctionID, "error", err)
		writeError(w, http.StatusInternalServerError, "manifest corrupt")
		return
	}
	writeJSON(w, http.StatusOK, manifestDetail{manifestSummary: summarize(&manifest), Items: items})
}

func (h *Handler) retrySettlement(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := pathUUID(w, r, "auctionID")
	if !ok {
		return
	}
	err := h.settler.RetryEscalated(r.Context(), auctionID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "auction not found")
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"auction_id": auctionID, "status": "retrying"})
	}
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := pathUUID(w, r, "auctionID")
	if !ok {
		return
	}
	report, err := h.reconciler.Run(r.Context(), auctionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "auction not found")
		return
	}
	if err != nil {
		slog.Error("admin: reconciliation failed", "auction_id", auctionID, "error", err)
		writeError(w, http.StatusInternalServerError, "reconciliation error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// financeSummary aggregates deposit money by status and ledger money by
// event, plus auction counts by status. Sums are computed in decimal over
// the stored fixed-point strings.
func (h *Handler) financeSummary(w http.ResponseWriter, r *http.Request) {
	db := h.db.WithContext(r.Context())

	var deposits []storage.Deposit
	if err := db.Find(&deposits).Error; err != nil {
		slog.Error("admin: finance summary deposits failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	var ledger []storage.PaymentLedgerEntry
	if err := db.Find(&ledger).Error; err != nil {
		slog.Error("admin: finance summary ledger failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	type statusCount struct {
		Status string
		Count  int64
	}
	var auctions []statusCount
	if err := db.Model(&storage.Auction{}).Select("status, COUNT(*) as count").
		Group("status").Scan(&auctions).Error; err != nil {
		slog.Error("admin: finance summary auctions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	depositTotals := make(map[string]decimal.Decimal)
	for _, deposit := range deposits {
		amount, err := decimal.NewFromString(deposit.Amount)
		if err != nil {
			slog.Error("admin: deposit amount corrupt", "deposit_id", deposit.ID, "amount", deposit.Amount)
			continue
		}
		depositTotals[string(deposit.Status)] = depositTotals[string(deposit.Status)].Add(amount)
	}
	ledgerTotals := make(map[string]decimal.Decimal)
	for _, entry := range ledger {
		amount, err := decimal.NewFromString(entry.Amount)
		if err != nil {
			slog.Error("admin: ledger amount corrupt", "entry_id", entry.ID, "amount", entry.Amount)
			continue
		}
		ledgerTotals[entry.Event] = ledgerTotals[entry.Event].Add(amount)
	}
	auctionCounts := make(map[string]int64, len(auctions))
	for _, row := range auctions {
		auctionCounts[row.Status] = row.Count
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deposits": fixed(depositTotals),
		"ledger":   fixed(ledgerTotals),
		"auctions": auctionCounts,
	})
}

func summarize(m *storage.SettlementManifest) manifestSummary {
	return manifestSummary{
		ID:                m.ID,
		AuctionID:         m.AuctionID,
		Status:            m.Status,
		ItemsTotal:        m.ItemsTotal,
		ItemsAcknowledged: m.ItemsAcknowledged,
		ExpiresAt:         m.ExpiresAt,
		CompletedAt:       m.CompletedAt,
		CreatedAt:         m.CreatedAt,
	}
}

func fixed(totals map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(totals))
	for key, value := range totals {
		out[key] = value.StringFixed(2)
	}
	return out
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid auction id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
