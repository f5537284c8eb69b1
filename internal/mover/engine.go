// Package mover scans the symbol universe for abnormal price movement and
// maintains the hub subscriptions the downstream engines depend on.
package mover

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"moverbot-go/internal/config"
	"moverbot-go/internal/hub"
	"moverbot-go/internal/market"
	"moverbot-go/internal/provider"
	"moverbot-go/internal/retry"
	"moverbot-go/internal/store"
	"moverbot-go/internal/universe"
)

// Owner identifies this engine's hub subscriptions.
const Owner = "mover-engine"

// ScanResult reports one universe scan. A not-OK result carries the reason;
// per-symbol failures never make a scan not-OK, they just exclude the symbol.
type ScanResult struct {
	OK      bool
	Reason  string
	Scanned int
	Movers  []store.MoverRecord
}

// Engine detects movers: symbols whose live price deviates from the prior
// close by at least the configured percentage.
type Engine struct {
	log   zerolog.Logger
	md    provider.MarketData
	hub   *hub.Hub
	store store.MoverStore
	cfg   config.Mover

	quoteBatch int
	now        func() time.Time

	mu         sync.Mutex
	universe   []string
	movers     []store.MoverRecord
	rotateIdx  int
	rotateStop chan struct{}
}

// New constructs the mover engine.
func New(log zerolog.Logger, md provider.MarketData, h *hub.Hub, st store.MoverStore, cfg config.Mover, quoteBatch int) *Engine {
	if quoteBatch <= 0 {
		quoteBatch = 50
	}
	return &Engine{
		log:        log.With().Str("component", "mover").Logger(),
		md:         md,
		hub:        h,
		store:      st,
		cfg:        cfg,
		quoteBatch: quoteBatch,
		now:        time.Now,
	}
}

// StartScan runs one full universe scan: reference prices via the batched
// snapshot fast path, a bounded-concurrency history fallback for symbols the
// snapshot missed, the threshold test, persistence, and hub subscriptions.
func (e *Engine) StartScan(ctx context.Context) ScanResult {
	symbols, err := universe.Load(e.cfg.UniversePath)
	if err != nil {
		e.log.Error().Err(err).Str("path", e.cfg.UniversePath).Msg("universe load failed")
		return ScanResult{Reason: "universe unreadable: " + err.Error()}
	}
	if len(symbols) == 0 {
		return ScanResult{Reason: "universe empty"}
	}

	quotes := e.snapshot(ctx, symbols)
	e.backfillFromHistory(ctx, symbols, quotes)

	scannedAt := e.now().UTC()
	movers := make([]store.MoverRecord, 0)
	for _, sym := range symbols {
		quote, ok := quotes[sym]
		if !ok || quote.PrevClose <= 0 {
			continue
		}
		changePct := quote.ChangePct
		if changePct == 0 {
			changePct = (quote.LastPrice - quote.PrevClose) / quote.PrevClose * 100
		}
		if math.IsNaN(changePct) || math.IsInf(changePct, 0) {
			continue
		}
		if changePct < e.cfg.ThresholdPct {
			continue
		}
		movers = append(movers, store.MoverRecord{
			Symbol:    sym,
			LastPrice: quote.LastPrice,
			PrevClose: quote.PrevClose,
			ChangePct: changePct,
			ScannedAt: scannedAt,
		})
	}
	sort.Slice(movers, func(i, j int) bool { return movers[i].ChangePct > movers[j].ChangePct })

	if err := e.store.ReplaceMovers(ctx, movers); err != nil {
		e.log.Error().Err(err).Msg("persist movers failed")
		return ScanResult{Reason: "persist failed: " + err.Error(), Scanned: len(symbols)}
	}

	e.mu.Lock()
	e.universe = symbols
	e.movers = movers
	e.mu.Unlock()

	e.resubscribe(movers)
	e.log.Info().Int("universe", len(symbols)).Int("movers", len(movers)).Msg("scan complete")
	return ScanResult{OK: true, Scanned: len(symbols), Movers: movers}
}

// snapshot is the fast path: batched quote calls across the universe.
func (e *Engine) snapshot(ctx context.Context, symbols []string) map[string]market.Quote {
	out := make(map[string]market.Quote, len(symbols))
	for start := 0; start < len(symbols); start += e.quoteBatch {
		end := start + e.quoteBatch
		if end > len(symbols) {
			end = len(symbols)
		}
		quotes, err := e.md.Quotes(ctx, symbols[start:end])
		if err != nil {
			e.log.Warn().Err(err).Int("batch", start/e.quoteBatch).Msg("quote batch failed")
			continue
		}
		for _, q := range quotes {
			out[q.Symbol] = q
		}
	}
	return out
}

// backfillFromHistory is the slow path: per-symbol daily-candle lookback for
// symbols the snapshot could not price, bounded concurrency, retried with
// backoff, one bad symbol never blocks the rest.
func (e *Engine) backfillFromHistory(ctx context.Context, symbols []string, quotes map[string]market.Quote) {
	missing := make([]string, 0)
	for _, sym := range symbols {
		if q, ok := quotes[sym]; !ok || q.PrevClose <= 0 {
			missing = append(missing, sym)
		}
	}
	if len(missing) == 0 {
		return
	}

	maxConc := e.cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 10
	}
	lookbackDays := e.cfg.HistoryLookbackDays
	if lookbackDays <= 0 {
		lookbackDays = 5
	}
	from := e.now().AddDate(0, 0, -lookbackDays)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConc)
	for _, sym := range missing {
		wg.Add(1)
		sem <- struct{}{}
		go func(sym string) {
			defer wg.Done()
			defer func() { <-sem }()

			var candles []market.Candle
			err := retry.Do(ctx, 3, 500*time.Millisecond, 5*time.Second, func(ctx context.Context) error {
				var herr error
				candles, herr = e.md.History(ctx, sym, 24*time.Hour, from, e.now())
				return herr
			})
			if err != nil {
				e.log.Debug().Err(err).Str("symbol", sym).Msg("history fallback failed")
				return
			}
			if len(candles) < 2 {
				return
			}
			last := candles[len(candles)-1]
			prev := candles[len(candles)-2]
			if prev.Close <= 0 {
				return
			}
			mu.Lock()
			quotes[sym] = market.Quote{Symbol: sym, LastPrice: last.Close, PrevClose: prev.Close}
			mu.Unlock()
		}(sym)
	}
	wg.Wait()
}

// resubscribe narrows the live subscription set to the fresh movers, or keeps
// rotating a capped window across the whole universe when configured.
func (e *Engine) resubscribe(movers []store.MoverRecord) {
	e.hub.UnsubscribeOwner(Owner)

	if e.cfg.RotateWindow {
		e.startRotation()
		return
	}

	limit := e.hub.Capacity()
	symbols := make([]string, 0, len(movers))
	for _, m := range movers {
		if len(symbols) >= limit {
			break
		}
		symbols = append(symbols, m.Symbol)
	}
	e.hub.Subscribe(symbols, Owner)
}

// startRotation walks a capacity-sized window across the universe on a timer
// so every symbol gets live-tick coverage despite the subscription cap.
func (e *Engine) startRotation() {
	e.mu.Lock()
	if e.rotateStop != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.rotateStop = stop
	e.mu.Unlock()

	e.rotateStep()
	interval := e.cfg.RotateEvery()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.rotateStep()
			}
		}
	}()
}

func (e *Engine) rotateStep() {
	e.mu.Lock()
	if len(e.universe) == 0 {
		e.mu.Unlock()
		return
	}
	window := e.hub.Capacity()
	if window > len(e.universe) {
		window = len(e.universe)
	}
	symbols := make([]string, 0, window)
	for i := 0; i < window; i++ {
		symbols = append(symbols, e.universe[(e.rotateIdx+i)%len(e.universe)])
	}
	e.rotateIdx = (e.rotateIdx + window) % len(e.universe)
	e.mu.Unlock()

	e.hub.UnsubscribeOwner(Owner)
	e.hub.Subscribe(symbols, Owner)
}

// Movers returns the last scan's result.
func (e *Engine) Movers() []store.MoverRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]store.MoverRecord(nil), e.movers...)
}

// Stop halts rotation and releases this engine's subscriptions.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.rotateStop != nil {
		close(e.rotateStop)
		e.rotateStop = nil
	}
	e.mu.Unlock()
	e.hub.UnsubscribeOwner(Owner)
}
