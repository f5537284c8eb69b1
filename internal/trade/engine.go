// Package trade runs the per-user trade lifecycle: claiming entry signals,
// sizing and opening positions in paper or live mode, monitoring ticks for
// target/stop/time exits, and reporting mark-to-market PnL.
package trade

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"moverbot-go/internal/config"
	"moverbot-go/internal/hub"
	"moverbot-go/internal/market"
	"moverbot-go/internal/metrics"
	"moverbot-go/internal/policy"
	"moverbot-go/internal/provider"
	"moverbot-go/internal/store"
)

// Owner identifies this engine's hub subscriptions.
const Owner = "trade-engine"

// EntryResult reports one entry pass. Skips are non-fatal; the signal stays
// unclaimed for the next cycle or another user.
type EntryResult struct {
	OK      bool
	Reason  string
	Entered []store.Position
}

// UserPnL is one user's mark-to-market snapshot.
type UserPnL struct {
	UnrealizedAbs float64
	RealizedToday float64
	NetToday      float64
}

// PnLSnapshot groups live PnL per user with a grand total.
type PnLSnapshot struct {
	PerUser map[string]UserPnL
	Total   UserPnL
}

// Engine is the trade engine.
type Engine struct {
	log      zerolog.Logger
	md       provider.MarketData
	hub      *hub.Hub
	store    store.Store
	policy   policy.Provider
	broker   provider.Broker
	resolver provider.InstrumentResolver
	session  *market.Session
	cfg      config.Trade
	clock    func() time.Time

	mu      sync.Mutex
	remove  func()
	started bool
}

// New constructs the trade engine.
func New(
	log zerolog.Logger,
	md provider.MarketData,
	h *hub.Hub,
	st store.Store,
	pol policy.Provider,
	broker provider.Broker,
	resolver provider.InstrumentResolver,
	session *market.Session,
	cfg config.Trade,
) *Engine {
	return &Engine{
		log:      log.With().Str("component", "trade").Logger(),
		md:       md,
		hub:      h,
		store:    st,
		policy:   pol,
		broker:   broker,
		resolver: resolver,
		session:  session,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// Start attaches the tick monitor and resubscribes symbols that still carry
// open positions, so a restart keeps monitoring existing trades.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.remove = e.hub.AddListener(func(tick market.Tick) { e.onTick(ctx, tick) })
	e.mu.Unlock()

	open, err := e.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	symbols := make([]string, 0, len(open))
	for _, pos := range open {
		symbols = append(symbols, pos.Symbol)
	}
	e.hub.Subscribe(symbols, Owner)
	return nil
}

// Stop detaches the tick monitor and releases subscriptions.
func (e *Engine) Stop() {
	e.mu.Lock()
	remove := e.remove
	e.remove = nil
	e.started = false
	e.mu.Unlock()
	if remove != nil {
		remove()
	}
	e.hub.UnsubscribeOwner(Owner)
}

// AutoEnterOnSignal attempts entries: for the named user, or for every
// auto-trading user when userID is empty. Each user sources the oldest
// unconsumed, non-stale, in-zone signal not already taken in this pass.
func (e *Engine) AutoEnterOnSignal(ctx context.Context, userID string) EntryResult {
	now := e.clock()
	if e.session.AfterEntryCutoff(now) {
		return EntryResult{Reason: "entry cutoff passed"}
	}
	if e.policy.Halted() {
		return EntryResult{Reason: "market halt"}
	}

	var users []policy.User
	if userID != "" {
		users = []policy.User{{ID: userID, MarginFraction: 1}}
		for _, u := range e.policy.Users() {
			if u.ID == userID {
				users[0] = u
			}
		}
	} else {
		users = e.policy.Users()
	}
	if len(users) == 0 {
		return EntryResult{Reason: "no eligible users"}
	}

	taken := make(map[string]struct{})
	result := EntryResult{}
	reasons := make([]string, 0)
	for _, user := range users {
		pos, reason := e.enterForUser(ctx, user, taken)
		if reason != "" {
			reasons = append(reasons, user.ID+": "+reason)
			continue
		}
		taken[pos.Symbol] = struct{}{}
		result.Entered = append(result.Entered, pos)
	}
	result.OK = len(result.Entered) > 0
	result.Reason = strings.Join(reasons, "; ")
	return result
}

// enterForUser runs the guarded entry path for one user. An empty reason
// means a position was opened.
func (e *Engine) enterForUser(ctx context.Context, user policy.User, taken map[string]struct{}) (store.Position, string) {
	mode := e.policy.ResolveMode(user.ID)
	if mode == policy.ModeOff {
		return store.Position{}, "trading off"
	}

	locked, err := e.store.AcquireLock(ctx, "entry:"+user.ID, e.cfg.LockTTL())
	if err != nil {
		return store.Position{}, "lock error: " + err.Error()
	}
	if !locked {
		return store.Position{}, "entry in progress"
	}
	defer func() { _ = e.store.ReleaseLock(ctx, "entry:"+user.ID) }()

	// One OPEN position per user, re-checked under the lock.
	if _, open, err := e.store.OpenPositionByUser(ctx, user.ID); err != nil {
		return store.Position{}, "position lookup: " + err.Error()
	} else if open {
		return store.Position{}, "position already open"
	}

	sig, found, err := e.nextSignal(ctx, taken)
	if err != nil {
		return store.Position{}, "signal lookup: " + err.Error()
	}
	if !found {
		return store.Position{}, "no claimable signal"
	}

	price, ok := e.freshPrice(ctx, sig.Symbol)
	if !ok {
		return store.Position{}, "no price for " + sig.Symbol
	}

	qty, reason := e.sizePosition(ctx, user, mode, price)
	if reason != "" {
		return store.Position{}, reason
	}

	target := price * (1 + e.cfg.TargetPct/100)
	stop := price * (1 - e.cfg.StopPct/100)

	var orderID string
	if mode == policy.ModeLive {
		orderID, reason = e.placeBracket(ctx, user.ID, sig.Symbol, qty, target-price, price-stop)
		if reason != "" {
			return store.Position{}, reason
		}
	}

	now := e.clock().UTC()
	pos := store.Position{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Symbol:      sig.Symbol,
		Qty:         int(qty),
		EntryPrice:  price,
		TargetPrice: target,
		StopPrice:   stop,
		Mode:        string(mode),
		Status:      store.StatusOpen,
		OrderID:     orderID,
		OpenedAt:    now,
	}

	// Persist first, claim second: a crash in between leaves the signal
	// reusable instead of lost. Losing the claim race undoes the position.
	if err := e.store.CreatePosition(ctx, pos); err != nil {
		return store.Position{}, "persist: " + err.Error()
	}
	claimed, err := e.store.ClaimSignal(ctx, sig.Symbol)
	if err != nil || !claimed {
		if derr := e.store.DeletePosition(ctx, pos.ID); derr != nil {
			e.log.Error().Err(derr).Str("position", pos.ID).Msg("claim-race compensation failed")
		}
		if err != nil {
			return store.Position{}, "claim error: " + err.Error()
		}
		return store.Position{}, "signal already claimed"
	}
	metrics.SignalClaims.Inc()
	metrics.OrdersTotal.WithLabelValues(pos.Symbol, pos.Mode).Inc()

	e.hub.Subscribe([]string{pos.Symbol}, Owner)
	e.log.Info().Str("user", user.ID).Str("symbol", pos.Symbol).Str("mode", pos.Mode).
		Float64("entry", price).Int("qty", pos.Qty).Msg("position opened")
	return pos, ""
}

// nextSignal picks the oldest unconsumed in-zone non-stale signal not taken
// earlier in this pass.
func (e *Engine) nextSignal(ctx context.Context, taken map[string]struct{}) (store.SignalRecord, bool, error) {
	sigs, err := e.store.Signals(ctx)
	if err != nil {
		return store.SignalRecord{}, false, err
	}
	cutoff := e.clock().Add(-e.cfg.Staleness())
	var best store.SignalRecord
	found := false
	for _, sig := range sigs {
		if sig.Claimed() || !sig.InEntryZone {
			continue
		}
		if _, dup := taken[sig.Symbol]; dup {
			continue
		}
		if sig.UpdatedAt.Before(cutoff) {
			continue
		}
		if !found || sig.CapturedAt.Before(best.CapturedAt) {
			best = sig
			found = true
		}
	}
	return best, found, nil
}

// freshPrice resolves the entry price: hub tick cache first, then a direct
// quote fallback.
func (e *Engine) freshPrice(ctx context.Context, symbol string) (float64, bool) {
	if tick, ok := e.hub.LastTick(symbol); ok && tick.Price > 0 {
		return tick.Price, true
	}
	quotes, err := e.md.Quotes(ctx, []string{symbol})
	if err != nil || len(quotes) == 0 || quotes[0].LastPrice <= 0 {
		return 0, false
	}
	return quotes[0].LastPrice, true
}

// sizePosition computes qty: fixed for paper, margin-derived for live.
func (e *Engine) sizePosition(ctx context.Context, user policy.User, mode policy.Mode, price float64) (int64, string) {
	if mode == policy.ModePaper {
		return e.cfg.PaperQty, ""
	}
	margin, err := e.broker.AvailableMargin(ctx, user.ID)
	if err != nil {
		return 0, "margin lookup: " + err.Error()
	}
	qty := int64(math.Floor(margin * user.MarginFraction / price))
	if qty < 1 {
		return 0, "insufficient margin"
	}
	return qty, ""
}

// placeBracket resolves the instrument token and places the bracket order,
// retrying once on failure.
func (e *Engine) placeBracket(ctx context.Context, userID, symbol string, qty int64, targetOffset, stopOffset float64) (string, string) {
	token, ok := e.resolver.ResolveToken(symbol)
	if !ok {
		return "", "no instrument token for " + symbol
	}
	order := provider.BracketOrder{
		UserID:          userID,
		Symbol:          symbol,
		InstrumentToken: token,
		Qty:             qty,
		Side:            "BUY",
		TargetOffset:    targetOffset,
		StopOffset:      stopOffset,
	}

	attempts := e.cfg.OrderRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr string
	for i := 0; i < attempts; i++ {
		ack, err := e.broker.PlaceBracketOrder(ctx, order)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		if !ack.OK {
			lastErr = ack.Err
			continue
		}
		return ack.OrderID, ""
	}
	return "", "bracket order failed: " + lastErr
}

// onTick evaluates exits for every open position on the ticking symbol.
func (e *Engine) onTick(ctx context.Context, tick market.Tick) {
	open, err := e.store.OpenPositions(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("open positions lookup failed")
		return
	}
	now := e.clock()
	for _, pos := range open {
		if pos.Symbol != tick.Symbol {
			continue
		}
		if reason := exitReason(pos, tick.Price, e.session.AfterHardExit(now)); reason != "" {
			e.closePosition(ctx, pos, tick.Price, reason)
		}
	}
}

// exitReason applies the exit priority: time cutoff outranks target, target
// outranks stop.
func exitReason(pos store.Position, price float64, afterHardExit bool) string {
	switch {
	case afterHardExit:
		return store.ExitCutoff
	case price >= pos.TargetPrice:
		return store.ExitTarget
	case price <= pos.StopPrice:
		return store.ExitStop
	default:
		return ""
	}
}

func (e *Engine) closePosition(ctx context.Context, pos store.Position, price float64, reason string) {
	now := e.clock().UTC()
	pos.Status = store.StatusClosed
	pos.ClosedAt = &now
	pos.ExitPrice = price
	pos.CloseReason = reason
	pos.PnL = (price - pos.EntryPrice) * float64(pos.Qty)
	if pos.EntryPrice > 0 {
		pos.PnLPct = (price - pos.EntryPrice) / pos.EntryPrice * 100
	}
	if err := e.store.UpdatePosition(ctx, pos); err != nil {
		e.log.Error().Err(err).Str("position", pos.ID).Msg("close persist failed")
		return
	}
	metrics.ExitsTotal.WithLabelValues(pos.Symbol, reason).Inc()
	e.log.Info().Str("user", pos.UserID).Str("symbol", pos.Symbol).Str("reason", reason).
		Float64("pnl", pos.PnL).Msg("position closed")

	e.releaseSymbolIfIdle(ctx, pos.Symbol)

	// Self re-arm: immediately try to source the next signal.
	if !e.session.AfterEntryCutoff(e.clock()) {
		go e.AutoEnterOnSignal(context.WithoutCancel(ctx), "")
	}
}

// releaseSymbolIfIdle drops the monitor subscription once no open position
// references the symbol.
func (e *Engine) releaseSymbolIfIdle(ctx context.Context, symbol string) {
	open, err := e.store.OpenPositions(ctx)
	if err != nil {
		return
	}
	for _, pos := range open {
		if pos.Symbol == symbol {
			return
		}
	}
	e.hub.Unsubscribe([]string{symbol}, Owner)
}

// CheckOpenTrades re-evaluates open positions from a batched quote fetch, a
// fallback that guarantees exits even when the tick stream stalls. Empty
// userID checks everyone.
func (e *Engine) CheckOpenTrades(ctx context.Context, userID string) error {
	open, err := e.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	symbols := make([]string, 0, len(open))
	seen := make(map[string]struct{})
	for _, pos := range open {
		if userID != "" && pos.UserID != userID {
			continue
		}
		if _, ok := seen[pos.Symbol]; ok {
			continue
		}
		seen[pos.Symbol] = struct{}{}
		symbols = append(symbols, pos.Symbol)
	}
	if len(symbols) == 0 {
		return nil
	}

	quotes, err := e.md.Quotes(ctx, symbols)
	if err != nil {
		return fmt.Errorf("quote fallback: %w", err)
	}
	prices := make(map[string]float64, len(quotes))
	for _, q := range quotes {
		prices[q.Symbol] = q.LastPrice
	}

	now := e.clock()
	afterHardExit := e.session.AfterHardExit(now)
	for _, pos := range open {
		if userID != "" && pos.UserID != userID {
			continue
		}
		price, ok := prices[pos.Symbol]
		if !ok || price <= 0 {
			continue
		}
		if reason := exitReason(pos, price, afterHardExit); reason != "" {
			e.closePosition(ctx, pos, price, reason)
		}
	}
	return nil
}

// LivePnLSnapshot marks open positions to the freshest price and sums today's
// realized PnL. Empty userID returns all users.
func (e *Engine) LivePnLSnapshot(ctx context.Context, userID string) (PnLSnapshot, error) {
	snap := PnLSnapshot{PerUser: make(map[string]UserPnL)}

	open, err := e.store.OpenPositions(ctx)
	if err != nil {
		return snap, fmt.Errorf("load open positions: %w", err)
	}
	for _, pos := range open {
		if userID != "" && pos.UserID != userID {
			continue
		}
		price, ok := e.freshPrice(ctx, pos.Symbol)
		if !ok {
			price = pos.EntryPrice
		}
		u := snap.PerUser[pos.UserID]
		u.UnrealizedAbs += (price - pos.EntryPrice) * float64(pos.Qty)
		snap.PerUser[pos.UserID] = u
	}

	dayStart := e.dayStart()
	closed, err := e.store.ClosedPositionsSince(ctx, dayStart)
	if err != nil {
		return snap, fmt.Errorf("load closed positions: %w", err)
	}
	for _, pos := range closed {
		if userID != "" && pos.UserID != userID {
			continue
		}
		u := snap.PerUser[pos.UserID]
		u.RealizedToday += pos.PnL
		snap.PerUser[pos.UserID] = u
	}

	for id, u := range snap.PerUser {
		u.NetToday = u.UnrealizedAbs + u.RealizedToday
		snap.PerUser[id] = u
		snap.Total.UnrealizedAbs += u.UnrealizedAbs
		snap.Total.RealizedToday += u.RealizedToday
		snap.Total.NetToday += u.NetToday
	}
	return snap, nil
}

func (e *Engine) dayStart() time.Time {
	now := e.clock().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
