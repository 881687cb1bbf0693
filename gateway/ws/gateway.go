package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"auctiond/bid"
	"auctiond/gateway/auth"
	"auctiond/kv"
	"auctiond/observability"
	"auctiond/storage"
)

// Distributed rate limits for bid submission, counted in a fixed window
// shared across gateway instances.
const (
	MaxUserBidsPerWindow    = 5
	MaxAuctionBidsPerWindow = 50
)

// Per-connection local throttle, a cheap first line before the shared
// counters are consulted.
const (
	localRateInterval = 200 * time.Millisecond
	localRateBurst    = 5
)

const (
	sendBufferSize   = 32
	broadcastTimeout = 2 * time.Second
)

// BidService is the bid pipeline surface the gateway drives.
type BidService interface {
	Place(ctx context.Context, req bid.Request) (*bid.Result, error)
}

// RateLimiter is the shared fixed-window counter surface.
type RateLimiter interface {
	Rate(ctx context.Context, key string, max int64, window time.Duration) (kv.RateResult, error)
}

// Health reports KV availability. Bids are refused while it is down.
type Health interface {
	Healthy() bool
}

// Gateway terminates websocket connections, routes client actions into the
// bid pipeline, and fans lifecycle and settlement events out to auction
// rooms. It implements the worker Notifier interfaces.
type Gateway struct {
	db       *gorm.DB
	hub      *Hub
	bids     BidService
	rates    RateLimiter
	health   Health
	verifier *auth.Verifier
	metrics  *observability.GatewayMetrics
	origins  []string
}

// Option adjusts gateway construction.
type Option func(*Gateway)

// WithOriginPatterns sets the browser origins allowed to connect.
func WithOriginPatterns(patterns ...string) Option {
	return func(g *Gateway) { g.origins = patterns }
}

// WithMetrics attaches the gateway metrics registry.
func WithMetrics(m *observability.GatewayMetrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New builds a gateway.
func New(db *gorm.DB, hub *Hub, bids BidService, rates RateLimiter, health Health, verifier *auth.Verifier, opts ...Option) *Gateway {
	g := &Gateway{
		db:       db,
		hub:      hub,
		bids:     bids,
		rates:    rates,
		health:   health,
		verifier: verifier,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// client is one live websocket connection.
type client struct {
	conn    *websocket.Conn
	claims  *auth.Claims
	ip      string
	send    chan []byte
	limiter *rate.Limiter

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newClient(conn *websocket.Conn, claims *auth.Claims, ip string) *client {
	return &client{
		conn:    conn,
		claims:  claims,
		ip:      ip,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(rate.Every(localRateInterval), localRateBurst),
		rooms:   make(map[string]struct{}),
	}
}

// enqueue hands a frame to the write loop, dropping it if the client cannot
// keep up. Slow consumers miss broadcasts rather than stalling the room.
func (c *client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		slog.Warn("slow websocket client, frame dropped", "user_id", c.claims.UserID)
	}
}

func (c *client) addRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = struct{}{}
}

func (c *client) removeRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

func (c *client) roomList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// ServeHTTP upgrades an authenticated request to a websocket session.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.origins})
	if err != nil {
		return
	}

	ip := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		ip = host
	}
	c := newClient(conn, claims, ip)
	g.metrics.ConnectionOpened()
	slog.Info("websocket connected", "user_id", claims.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writeLoop(ctx)

	g.readLoop(ctx, c)

	// Departure updates watcher counts in every room the client was in.
	for room, watchers := range g.hub.leaveAll(c) {
		g.hub.Broadcast(context.Background(), room, ServerMessage{
			Type:      EventWatcherCount,
			AuctionID: room,
			Data:      WatcherPayload{Watchers: watchers},
		})
	}
	g.metrics.ConnectionClosed()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("websocket disconnected", "user_id", claims.UserID)
}

func (g *Gateway) authenticate(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return g.verifier.Verify(token)
}

func (g *Gateway) readLoop(ctx context.Context, c *client) {
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		g.handleMessage(ctx, c, raw)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, c *client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendError(c, CodeInvalidMessage, "malformed frame")
		return
	}
	switch msg.Type {
	case ActionJoin:
		g.handleJoin(ctx, c, msg)
	case ActionLeave:
		g.handleLeave(ctx, c, msg)
	case ActionBid:
		g.handleBid(ctx, c, msg)
	case ActionPing:
		// Heartbeat only; the read itself resets any idle tracking.
	default:
		g.sendError(c, CodeInvalidMessage, "unknown message type")
	}
}

// handleJoin admits an eligible participant into an auction room. Bad IDs
// and ineligible users get the same opaque refusal so room membership leaks
// nothing about which auctions exist.
func (g *Gateway) handleJoin(ctx context.Context, c *client, msg ClientMessage) {
	auctionID, err := uuid.Parse(strings.TrimSpace(msg.AuctionID))
	if err != nil {
		g.sendError(c, CodeJoinDenied, "")
		return
	}

	var auction storage.Auction
	if err := g.db.WithContext(ctx).First(&auction, "id = ?", auctionID).Error; err != nil {
		g.sendError(c, CodeJoinDenied, "")
		return
	}
	var participant storage.AuctionParticipant
	err = g.db.WithContext(ctx).Where("auction_id = ? AND user_id = ?", auctionID, c.claims.UserID).First(&participant).Error
	if err != nil || !participant.Eligible {
		g.sendError(c, CodeJoinDenied, "")
		return
	}

	var participants int64
	if err := g.db.WithContext(ctx).Model(&storage.AuctionParticipant{}).
		Where("auction_id = ? AND eligible = ?", auctionID, true).Count(&participants).Error; err != nil {
		g.sendError(c, CodeServiceUnavailable, "")
		return
	}

	room := auctionID.String()
	watchers := g.hub.join(room, c)

	remaining := time.Until(auction.EffectiveEnd()).Milliseconds()
	if remaining < 0 {
		remaining = 0
	}
	g.hub.Send(c, ServerMessage{
		Type:      EventAuctionState,
		AuctionID: room,
		Data: StatePayload{
			Status:           string(auction.Status),
			CurrentPrice:     auction.CurrentPrice,
			MinimumIncrement: auction.MinimumIncrement,
			BidCount:         auction.BidCount,
			Participants:     int(participants),
			Watchers:         watchers,
			EndTime:          auction.EffectiveEnd(),
			TimeRemainingMS:  remaining,
			ExtendedUntil:    auction.ExtendedUntil,
		},
	})
	g.hub.Broadcast(ctx, room, ServerMessage{
		Type:      EventWatcherCount,
		AuctionID: room,
		Data:      WatcherPayload{Watchers: watchers},
	})
}

func (g *Gateway) handleLeave(ctx context.Context, c *client, msg ClientMessage) {
	auctionID, err := uuid.Parse(strings.TrimSpace(msg.AuctionID))
	if err != nil {
		g.sendError(c, CodeInvalidAuctionID, "")
		return
	}
	room := auctionID.String()
	watchers := g.hub.leave(room, c)
	g.hub.Broadcast(ctx, room, ServerMessage{
		Type:      EventWatcherCount,
		AuctionID: room,
		Data:      WatcherPayload{Watchers: watchers},
	})
}

// handleBid runs the gateway-side gauntlet: shape checks, KV health
// fail-closed, local throttle, shared per-user and per-auction windows, then
// the bid service. Rejections, including rate refusals, come back as
// BID_REJECTED; infrastructure trouble comes back as ERROR frames the client
// may retry.
func (g *Gateway) handleBid(ctx context.Context, c *client, msg ClientMessage) {
	auctionID, err := uuid.Parse(strings.TrimSpace(msg.AuctionID))
	if err != nil {
		g.sendError(c, CodeInvalidAuctionID, "")
		return
	}
	room := auctionID.String()

	if _, err := bid.Parse(msg.Amount); err != nil {
		g.hub.Send(c, ServerMessage{
			Type:      EventBidRejected,
			AuctionID: room,
			Data:      BidRejectedPayload{ReasonCode: bid.ReasonInvalidAmount, Detail: err.Error()},
		})
		return
	}
	if strings.TrimSpace(msg.IdempotencyKey) == "" {
		g.sendError(c, CodeInvalidMessage, "idempotency_key required")
		return
	}

	// Money paths fail closed while the lock store is down.
	if g.health != nil && !g.health.Healthy() {
		g.sendError(c, CodeServiceUnavailable, "")
		return
	}

	if !c.limiter.Allow() {
		g.rejectRateLimited(c, room)
		return
	}
	if !g.allowShared(ctx, c, room, kv.UserRateKeyPrefix+c.claims.UserID.String(), MaxUserBidsPerWindow) {
		return
	}
	if !g.allowShared(ctx, c, room, kv.AuctionRateKeyPrefix+room, MaxAuctionBidsPerWindow) {
		return
	}

	res, err := g.bids.Place(ctx, bid.Request{
		AuctionID:      auctionID,
		UserID:         c.claims.UserID,
		Amount:         msg.Amount,
		ReferencePrice: msg.ReferencePrice,
		IdempotencyKey: msg.IdempotencyKey,
		IP:             c.ip,
	})
	if err != nil {
		var rejection *bid.RejectionError
		switch {
		case errors.As(err, &rejection):
			g.hub.Send(c, ServerMessage{
				Type:      EventBidRejected,
				AuctionID: room,
				Data: BidRejectedPayload{
					ReasonCode:   rejection.Code,
					CurrentPrice: rejection.CurrentPrice,
					Detail:       rejection.Detail,
				},
			})
		case errors.Is(err, bid.ErrLockContention):
			g.sendError(c, CodeLockContention, "")
		default:
			slog.Error("bid pipeline error", "auction_id", auctionID, "error", err)
			g.sendError(c, CodeServiceUnavailable, "")
		}
		return
	}

	accepted := BidAcceptedPayload{
		Bidder:   maskUser(c.claims.UserID),
		Amount:   res.CurrentPrice,
		BidCount: res.BidCount,
		ServerTS: res.Bid.ServerTS,
	}
	private := accepted
	private.BidID = res.Bid.ID.String()
	private.Replayed = res.Replayed
	g.hub.Send(c, ServerMessage{Type: EventBidAccepted, AuctionID: room, Data: private})

	if res.Replayed {
		return
	}
	g.hub.Broadcast(ctx, room, ServerMessage{Type: EventBidAccepted, AuctionID: room, Data: accepted})
	if res.ExtendedUntil != nil {
		g.hub.Broadcast(ctx, room, ServerMessage{
			Type:      EventAuctionExtended,
			AuctionID: room,
			Data: ExtendedPayload{
				NewEndTime:       *res.ExtendedUntil,
				TriggeredByBidID: res.Bid.ID.String(),
			},
		})
	}
}

// allowShared checks one fixed-window counter, failing closed on store
// trouble.
func (g *Gateway) allowShared(ctx context.Context, c *client, room, key string, max int64) bool {
	res, err := g.rates.Rate(ctx, key, max, kv.RateWindow)
	if err != nil {
		g.sendError(c, CodeServiceUnavailable, "")
		return false
	}
	if !res.Allowed {
		g.rejectRateLimited(c, room)
		return false
	}
	return true
}

// rejectRateLimited refuses a bid before the pipeline is entered, in the
// same frame shape as service rejections.
func (g *Gateway) rejectRateLimited(c *client, room string) {
	g.hub.Send(c, ServerMessage{
		Type:      EventBidRejected,
		AuctionID: room,
		Data:      BidRejectedPayload{ReasonCode: bid.ReasonRateLimited},
	})
}

func (g *Gateway) sendError(c *client, code, detail string) {
	g.hub.Send(c, ServerMessage{Type: EventError, Data: ErrorPayload{Code: code, Detail: detail}})
}

// maskUser shows only a stable prefix of the bidder identity.
func maskUser(id uuid.UUID) string {
	return id.String()[:8] + "***"
}

// broadcastCtx bounds worker-originated broadcasts so a stuck bridge cannot
// stall a worker.
func broadcastCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), broadcastTimeout)
}

// AuctionEnding implements the lifecycle notifier.
func (g *Gateway) AuctionEnding(auctionID uuid.UUID, endTime time.Time) {
	ctx, cancel := broadcastCtx()
	defer cancel()
	room := auctionID.String()
	g.hub.Broadcast(ctx, room, ServerMessage{Type: EventAuctionEnding, AuctionID: room, Data: EndingPayload{EndTime: endTime}})
}

// AuctionEnded implements the lifecycle notifier.
func (g *Gateway) AuctionEnded(auctionID uuid.UUID, finalPrice string, winnerID, winnerBidID *uuid.UUID) {
	ctx, cancel := broadcastCtx()
	defer cancel()
	payload := EndedPayload{FinalPrice: finalPrice}
	if winnerID != nil {
		payload.Winner = maskUser(*winnerID)
	}
	if winnerBidID != nil {
		payload.WinnerBidID = winnerBidID.String()
	}
	room := auctionID.String()
	g.hub.Broadcast(ctx, room, ServerMessage{Type: EventAuctionEnded, AuctionID: room, Data: payload})
}

// SettlementPending implements the settlement notifier.
func (g *Gateway) SettlementPending(auctionID uuid.UUID) {
	ctx, cancel := broadcastCtx()
	defer cancel()
	room := auctionID.String()
	g.hub.Broadcast(ctx, room, ServerMessage{Type: EventSettlementPending, AuctionID: room})
}

// SettlementProgress implements the settlement notifier.
func (g *Gateway) SettlementProgress(auctionID uuid.UUID, acknowledged, total int) {
	ctx, cancel := broadcastCtx()
	defer cancel()
	room := auctionID.String()
	g.hub.Broadcast(ctx, room, ServerMessage{
		Type:      EventSettlementProgress,
		AuctionID: room,
		Data:      ProgressPayload{Acknowledged: acknowledged, Total: total},
	})
}

// AuctionSettled implements the settlement notifier.
func (g *Gateway) AuctionSettled(auctionID uuid.UUID) {
	ctx, cancel := broadcastCtx()
	defer cancel()
	room := auctionID.String()
	g.hub.Broadcast(ctx, room, ServerMessage{Type: EventAuctionSettled, AuctionID: room})
}

// SettlementFailed implements the settlement notifier.
func (g *Gateway) SettlementFailed(auctionID uuid.UUID, reason string) {
	ctx, cancel := broadcastCtx()
	defer cancel()
	room := auctionID.String()
	g.hub.Broadcast(ctx, room, ServerMessage{Type: EventSettlementFailed, AuctionID: room, Data: FailedPayload{Reason: reason}})
}
