// Package signalengine turns mover tick streams into minute bars, computes
// the RSI oscillator per symbol, and maintains entry-zone signal records.
package signalengine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"moverbot-go/internal/bars"
	"moverbot-go/internal/config"
	"moverbot-go/internal/hub"
	"moverbot-go/internal/market"
	"moverbot-go/internal/metrics"
	"moverbot-go/internal/oscillator"
	"moverbot-go/internal/provider"
	"moverbot-go/internal/retry"
	"moverbot-go/internal/store"
)

// Owner identifies this engine's hub subscriptions, distinct from the mover
// engine's so ref counting keeps overlapping symbols alive.
const Owner = "signal-engine"

// OnSignal fires when a symbol transitions into the entry zone.
type OnSignal func(symbol string)

type symbolState struct {
	ring       *bars.Ring
	limiter    *rate.Limiter
	inZone     bool
	lastRSI    float64
	hasWritten bool
	capturedAt time.Time
}

// Engine is the signal engine.
type Engine struct {
	log    zerolog.Logger
	md     provider.MarketData
	hub    *hub.Hub
	store  store.SignalStore
	movers store.MoverStore
	cfg    config.Signal
	now    func() time.Time

	mu       sync.Mutex
	started  bool
	remove   func()
	ctx      context.Context
	cancel   context.CancelFunc
	onSignal OnSignal
	state    map[string]*symbolState
}

// New constructs the signal engine.
func New(log zerolog.Logger, md provider.MarketData, h *hub.Hub, signals store.SignalStore, movers store.MoverStore, cfg config.Signal) *Engine {
	return &Engine{
		log:    log.With().Str("component", "signal").Logger(),
		md:     md,
		hub:    h,
		store:  signals,
		movers: movers,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (e *Engine) timeframe() time.Duration {
	if d, err := time.ParseDuration(e.cfg.Timeframe); err == nil && d > 0 {
		return d
	}
	return time.Minute
}

// Start subscribes to the current mover set, seeds each symbol's bar ring
// from history so the oscillator is computable immediately, and attaches the
// tick listener. Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context, onSignal OnSignal) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.onSignal = onSignal
	e.state = make(map[string]*symbolState)
	e.mu.Unlock()

	movers, err := e.movers.Movers(ctx)
	if err != nil {
		e.Stop()
		return err
	}

	symbols := make([]string, 0, len(movers))
	throttle := e.cfg.Throttle()
	if throttle <= 0 {
		throttle = 300 * time.Millisecond
	}
	e.mu.Lock()
	for _, m := range movers {
		symbols = append(symbols, m.Symbol)
		e.state[m.Symbol] = &symbolState{
			ring:    bars.NewRing(e.timeframe(), e.cfg.MaxBars),
			limiter: rate.NewLimiter(rate.Every(throttle), 1),
		}
	}
	e.mu.Unlock()

	e.hub.Subscribe(symbols, Owner)
	e.seed(symbols)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started { // stopped while seeding
		return nil
	}
	e.remove = e.hub.AddListener(e.onTick)
	e.log.Info().Int("symbols", len(symbols)).Msg("signal engine started")
	return nil
}

// seed pre-populates each ring from a bounded, retried history fetch, keeping
// only bars inside the observation window.
func (e *Engine) seed(symbols []string) {
	lookback := e.cfg.SeedLookback()
	if lookback <= 0 {
		lookback = 60 * time.Minute
	}
	to := e.now()
	from := to.Add(-lookback)

	for _, sym := range symbols {
		var candles []market.Candle
		err := retry.Do(e.ctx, 3, 500*time.Millisecond, 5*time.Second, func(ctx context.Context) error {
			var herr error
			candles, herr = e.md.History(ctx, sym, e.timeframe(), from, to)
			return herr
		})
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", sym).Msg("history seed failed")
			continue
		}
		e.mu.Lock()
		if st, ok := e.state[sym]; ok {
			st.ring.Seed(candles)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) onTick(tick market.Tick) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	st, ok := e.state[tick.Symbol]
	if !ok {
		e.mu.Unlock()
		return
	}
	st.ring.Apply(tick)

	if !st.limiter.Allow() {
		e.mu.Unlock()
		return
	}
	closes := st.ring.Closes()
	period := e.cfg.Period
	if period <= 0 {
		period = 14
	}
	minBars := e.cfg.MinBars
	if minBars < period+1 {
		minBars = period + 1
	}
	if len(closes) < minBars {
		e.mu.Unlock()
		return
	}
	rsi, ready := oscillator.RSI(closes, period)
	if !ready || math.IsNaN(rsi) || math.IsInf(rsi, 0) {
		e.mu.Unlock()
		return
	}

	inZone := rsi >= e.cfg.ZoneLow && rsi <= e.cfg.ZoneHigh
	entered := inZone && !st.inZone
	zoneChanged := inZone != st.inZone

	// Epsilon debounce: skip writes that move neither the value nor the zone.
	if st.hasWritten && !zoneChanged && math.Abs(rsi-st.lastRSI) <= e.cfg.Epsilon {
		e.mu.Unlock()
		return
	}

	now := e.now().UTC()
	if entered {
		st.capturedAt = now
	}
	st.inZone = inZone
	st.lastRSI = rsi
	st.hasWritten = true
	capturedAt := st.capturedAt
	if capturedAt.IsZero() {
		capturedAt = now
	}
	ctx := e.ctx
	onSignal := e.onSignal
	e.mu.Unlock()

	record := store.SignalRecord{
		Symbol:      tick.Symbol,
		RSI:         rsi,
		Price:       tick.Price,
		Timeframe:   e.cfg.Timeframe,
		InEntryZone: inZone,
		CapturedAt:  capturedAt,
		UpdatedAt:   now,
	}
	if err := e.store.UpsertSignal(ctx, record); err != nil {
		e.log.Warn().Err(err).Str("symbol", tick.Symbol).Msg("signal upsert failed")
		return
	}
	metrics.SignalWrites.WithLabelValues(tick.Symbol).Inc()
	e.log.Debug().Str("symbol", tick.Symbol).Float64("rsi", rsi).Bool("in_zone", inZone).Msg("signal written")

	if entered && onSignal != nil {
		go onSignal(tick.Symbol)
	}
}

// Stop detaches the listener, releases subscriptions, and clears in-memory
// oscillator state. Safe to call repeatedly or before Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	remove := e.remove
	e.remove = nil
	cancel := e.cancel
	e.state = nil
	e.mu.Unlock()

	if remove != nil {
		remove()
	}
	if cancel != nil {
		cancel()
	}
	e.hub.UnsubscribeOwner(Owner)
	e.log.Info().Msg("signal engine stopped")
}

// Running reports whether the engine is started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}
