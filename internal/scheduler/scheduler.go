// Package scheduler sequences the engines across the trading day: daily flag
// reset, ordered startup, periodic entry/exit cycles, a redundant signal
// watcher, and the market-close teardown.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"moverbot-go/internal/config"
	"moverbot-go/internal/market"
	"moverbot-go/internal/mover"
	"moverbot-go/internal/signalengine"
	"moverbot-go/internal/store"
	"moverbot-go/internal/trade"
)

// DayFlags is the per-day engine state, reset at session rollover.
type DayFlags struct {
	Day             string
	SocketConnected bool
	MoverStarted    bool
	SignalStarted   bool
	TradeStarted    bool
	Stopped         bool
}

// Status is the control-surface snapshot.
type Status struct {
	Flags            DayFlags
	AfterEntryCutoff bool
	MarketOpen       bool
	Movers           int
	TicksDropped     uint64
	LastError        string
}

// Feed is the hub surface the scheduler drives.
type Feed interface {
	Connect(ctx context.Context) error
	Connected() bool
	Dropped() uint64
}

// MoverEngine runs universe scans.
type MoverEngine interface {
	StartScan(ctx context.Context) mover.ScanResult
	Stop()
}

// SignalEngine computes oscillator signals.
type SignalEngine interface {
	Start(ctx context.Context, onSignal signalengine.OnSignal) error
	Stop()
	Running() bool
}

// TradeEngine runs entries and exits.
type TradeEngine interface {
	Start(ctx context.Context) error
	Stop()
	AutoEnterOnSignal(ctx context.Context, userID string) trade.EntryResult
	CheckOpenTrades(ctx context.Context, userID string) error
}

// Scheduler coordinates the engines; it holds sequencing state only, no
// business logic.
type Scheduler struct {
	log       zerolog.Logger
	feed      Feed
	movers    MoverEngine
	signals   SignalEngine
	trades    TradeEngine
	store     store.SignalStore
	session   *market.Session
	cfg       config.Scheduler
	staleness time.Duration
	clock     func() time.Time

	mu      sync.Mutex
	flags   DayFlags
	nMovers int
	lastErr string
}

// New constructs the scheduler. staleness is the signal age beyond which a
// claimable signal no longer warrants kicking the trade engine; it should
// match the trade engine's own staleness window.
func New(
	log zerolog.Logger,
	feed Feed,
	movers MoverEngine,
	signals SignalEngine,
	trades TradeEngine,
	signalStore store.SignalStore,
	session *market.Session,
	cfg config.Scheduler,
	staleness time.Duration,
) *Scheduler {
	if staleness <= 0 {
		staleness = 30 * time.Minute
	}
	return &Scheduler{
		log:       log.With().Str("component", "scheduler").Logger(),
		feed:      feed,
		movers:    movers,
		signals:   signals,
		trades:    trades,
		store:     signalStore,
		session:   session,
		cfg:       cfg,
		staleness: staleness,
		clock:     time.Now,
	}
}

// hasClaimable reports whether a fresh, unclaimed in-zone signal exists.
func (s *Scheduler) hasClaimable(ctx context.Context) bool {
	cutoff := s.clock().Add(-s.staleness)
	_, found, err := s.store.OldestClaimable(ctx, cutoff)
	return err == nil && found
}

// resetIfNewDay reinitializes the day flags when the exchange-local date has
// rolled over. It reports true for a rollover from a previous trading day; a
// process start mid-day is not a rollover.
func (s *Scheduler) resetIfNewDay(now time.Time) bool {
	today := s.session.Day(now)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags.Day == today {
		return false
	}
	rolled := s.flags.Day != ""
	s.flags = DayFlags{Day: today}
	s.nMovers = 0
	s.lastErr = ""
	s.log.Info().Str("day", today).Msg("day flags reset")
	return rolled
}

// clearSignals drops yesterday's signal records, claim latches included, so a
// consumed symbol becomes claimable again on the new day.
func (s *Scheduler) clearSignals(ctx context.Context) {
	sigs, err := s.store.Signals(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("signal listing failed at rollover")
		return
	}
	for _, sig := range sigs {
		if err := s.store.ClearSignal(ctx, sig.Symbol); err != nil {
			s.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("signal clear failed")
		}
	}
}

// Run drives the four periodic cycles until ctx is cancelled, then stops the
// engines.
func (s *Scheduler) Run(ctx context.Context) {
	startup := time.NewTicker(s.cfg.StartupEvery())
	tradeT := time.NewTicker(s.cfg.TradeEvery())
	watcher := time.NewTicker(s.cfg.WatcherEvery())
	closeT := time.NewTicker(s.cfg.CloseEvery())
	defer startup.Stop()
	defer tradeT.Stop()
	defer watcher.Stop()
	defer closeT.Stop()

	s.StartupCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-startup.C:
			s.StartupCycle(ctx)
		case <-tradeT.C:
			s.TradeCycle(ctx)
		case <-watcher.C:
			s.WatchSignals(ctx)
		case <-closeT.C:
			s.CloseCycle(ctx)
		}
	}
}

// StartupCycle ensures the feed, then starts engines in dependency order:
// mover scan, signal engine once movers exist, trade kick once a claimable
// signal exists before the cutoff.
func (s *Scheduler) StartupCycle(ctx context.Context) {
	now := s.clock()
	if s.resetIfNewDay(now) {
		s.clearSignals(ctx)
	}
	if !s.session.IsOpen(now) {
		return
	}

	if !s.feed.Connected() {
		if err := s.feed.Connect(ctx); err != nil {
			s.setError("feed connect: " + err.Error())
			return
		}
	}
	s.mu.Lock()
	s.flags.SocketConnected = true
	moverStarted := s.flags.MoverStarted
	s.mu.Unlock()

	if !moverStarted {
		result := s.movers.StartScan(ctx)
		if !result.OK {
			s.setError("mover scan: " + result.Reason)
			return
		}
		s.mu.Lock()
		s.flags.MoverStarted = true
		s.nMovers = len(result.Movers)
		s.mu.Unlock()
	}

	s.mu.Lock()
	readyForSignals := s.flags.MoverStarted && !s.flags.SignalStarted && s.nMovers > 0
	s.mu.Unlock()
	if readyForSignals {
		if err := s.signals.Start(ctx, func(string) { s.kickTrade(ctx) }); err != nil {
			s.setError("signal start: " + err.Error())
			return
		}
		s.mu.Lock()
		s.flags.SignalStarted = true
		s.mu.Unlock()
	}

	s.mu.Lock()
	readyForTrades := s.flags.SignalStarted && !s.flags.TradeStarted
	s.mu.Unlock()
	if readyForTrades && !s.session.AfterEntryCutoff(now) {
		if s.hasClaimable(ctx) {
			if err := s.trades.Start(ctx); err != nil {
				s.setError("trade start: " + err.Error())
				return
			}
			s.mu.Lock()
			s.flags.TradeStarted = true
			s.mu.Unlock()
			s.trades.AutoEnterOnSignal(ctx, "")
		}
	}
}

// TradeCycle runs bulk entries before the cutoff and exit checks always;
// exits must keep running after entries stop.
func (s *Scheduler) TradeCycle(ctx context.Context) {
	now := s.clock()
	s.mu.Lock()
	started := s.flags.TradeStarted
	s.mu.Unlock()
	if !started {
		return
	}
	if s.session.IsOpen(now) && !s.session.AfterEntryCutoff(now) {
		s.trades.AutoEnterOnSignal(ctx, "")
	}
	if err := s.trades.CheckOpenTrades(ctx, ""); err != nil {
		s.setError("exit check: " + err.Error())
	}
}

// WatchSignals is the redundant path: it inspects the store directly and
// kicks the trade engine if the callback path missed a zone entry.
func (s *Scheduler) WatchSignals(ctx context.Context) {
	s.mu.Lock()
	signalStarted := s.flags.SignalStarted
	s.mu.Unlock()
	if !signalStarted {
		return
	}
	if !s.hasClaimable(ctx) {
		return
	}
	s.kickTrade(ctx)
}

// kickTrade starts the trade engine if needed and runs one entry pass,
// respecting the cutoff.
func (s *Scheduler) kickTrade(ctx context.Context) {
	now := s.clock()
	if !s.session.IsOpen(now) || s.session.AfterEntryCutoff(now) {
		return
	}
	s.mu.Lock()
	started := s.flags.TradeStarted
	s.mu.Unlock()
	if !started {
		if err := s.trades.Start(ctx); err != nil {
			s.setError("trade start: " + err.Error())
			return
		}
		s.mu.Lock()
		s.flags.TradeStarted = true
		s.mu.Unlock()
	}
	s.trades.AutoEnterOnSignal(ctx, "")
}

// CloseCycle stops the signal path exactly once after the session ends.
func (s *Scheduler) CloseCycle(ctx context.Context) {
	now := s.clock()
	if !s.session.AfterClose(now) {
		return
	}
	s.mu.Lock()
	if s.flags.Stopped {
		s.mu.Unlock()
		return
	}
	s.flags.Stopped = true
	s.mu.Unlock()

	s.signals.Stop()
	s.movers.Stop()
	s.trades.Stop()
	s.log.Info().Msg("market closed, engines stopped")
}

func (s *Scheduler) shutdown() {
	s.signals.Stop()
	s.movers.Stop()
	s.trades.Stop()
}

func (s *Scheduler) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
	s.log.Warn().Str("error", msg).Msg("cycle error")
}

// Status returns the control-surface snapshot.
func (s *Scheduler) Status() Status {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Flags:            s.flags,
		AfterEntryCutoff: s.session.AfterEntryCutoff(now),
		MarketOpen:       s.session.IsOpen(now),
		Movers:           s.nMovers,
		TicksDropped:     s.feed.Dropped(),
		LastError:        s.lastErr,
	}
}
