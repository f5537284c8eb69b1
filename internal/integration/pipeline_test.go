// Package integration exercises the full pipeline end to end against the
// stub provider and the in-memory store: scan -> signal -> entry -> exit.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"moverbot-go/internal/config"
	"moverbot-go/internal/hub"
	"moverbot-go/internal/market"
	"moverbot-go/internal/mover"
	"moverbot-go/internal/policy"
	"moverbot-go/internal/provider"
	"moverbot-go/internal/scheduler"
	"moverbot-go/internal/signalengine"
	"moverbot-go/internal/store"
	"moverbot-go/internal/trade"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// seedCloses builds 14 one-minute closes whose RSI lands at 45 once a 15th
// close of lastClose-5.5 arrives.
func seedCloses() []float64 {
	closes := make([]float64, 0, 14)
	price := 100.0
	closes = append(closes, price)
	for i := 0; i < 13; i++ {
		if i%2 == 0 {
			price += 4.5
		} else {
			price -= 5.5
		}
		closes = append(closes, price)
	}
	return closes
}

func TestPipelineScanSignalEntryExit(t *testing.T) {
	ctx := context.Background()
	log := zerolog.Nop()

	universePath := filepath.Join(t.TempDir(), "universe.txt")
	if err := os.WriteFile(universePath, []byte("A\nB\n"), 0o644); err != nil {
		t.Fatalf("write universe: %v", err)
	}

	stub := provider.NewStub()
	stub.SetQuote("A", 107, 100) // +7%: mover
	stub.SetQuote("B", 102, 100) // +2%: not a mover

	seedEnd := time.Now().Truncate(time.Minute)
	closes := seedCloses()
	candles := make([]market.Candle, len(closes))
	for i, c := range closes {
		candles[i] = market.Candle{
			Start: seedEnd.Add(time.Duration(i-len(closes)) * time.Minute),
			Open:  c, High: c, Low: c, Close: c, Samples: 1,
		}
	}
	stub.SetHistory("A", candles)

	h := hub.New(log, stub, hub.Options{Debounce: time.Millisecond})
	defer h.Close()
	mem := store.NewMemory()

	// A permissive session keeps this test independent of wall-clock time.
	session, err := market.NewSession("UTC", "00:00", "23:59", "23:58", "23:57")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	moverCfg := config.Mover{UniversePath: universePath, ThresholdPct: 5}
	movers := mover.New(log, stub, h, mem, moverCfg, 10)
	defer movers.Stop()

	signalCfg := config.Signal{
		Period: 14, MinBars: 15, Epsilon: 0.15, ZoneLow: 40, ZoneHigh: 50,
		MaxBars: 120, SeedLookbackMin: 60, ThrottleMs: 1, Timeframe: "1m",
	}
	signals := signalengine.New(log, stub, h, mem, mem, signalCfg)
	defer signals.Stop()

	pol := policy.NewStatic(config.Policy{
		PaperTradingActive: true,
		Users:              []config.UserPolicy{{ID: "u1", AutoTradingEnabled: true}},
	})
	trades := trade.New(
		log, stub, h, mem, pol, provider.NewPaperBroker(100000),
		provider.StaticResolver{}, session,
		config.Trade{TargetPct: 1.5, StopPct: 0.75, PaperQty: 1, StalenessMin: 30, LockTTLMs: 15000, OrderRetries: 2},
	)
	defer trades.Stop()

	sched := scheduler.New(
		log, h, movers, signals, trades, mem, session,
		config.Scheduler{StartupIntervalMs: 10, TradeIntervalMs: 10, WatcherIntervalMs: 10, CloseIntervalMs: 60000},
		30*time.Minute,
	)

	// Startup: feed + scan + signal engine. No entry-zone signal exists yet.
	sched.StartupCycle(ctx)
	status := sched.Status()
	if !status.Flags.SocketConnected || !status.Flags.MoverStarted || !status.Flags.SignalStarted {
		t.Fatalf("startup incomplete: %+v", status.Flags)
	}

	persisted, err := mem.Movers(ctx)
	if err != nil || len(persisted) != 1 || persisted[0].Symbol != "A" {
		t.Fatalf("expected only A persisted as mover, got %+v err=%v", persisted, err)
	}

	h.ForceFlush()
	for _, sym := range stub.Subscribed() {
		if sym == "B" {
			t.Fatal("non-mover B must not be subscribed")
		}
	}

	// The 15th close drops RSI to 45: zone entry, callback, paper position.
	stub.Push("A", 93.0, seedEnd)

	waitFor(t, 2*time.Second, func() bool {
		sig, found, _ := mem.Signal(ctx, "A")
		return found && sig.InEntryZone
	})
	waitFor(t, 2*time.Second, func() bool {
		open, _ := mem.OpenPositions(ctx)
		return len(open) == 1
	})

	open, _ := mem.OpenPositions(ctx)
	pos := open[0]
	if pos.UserID != "u1" || pos.Mode != store.ModePaper || pos.Symbol != "A" {
		t.Fatalf("unexpected position %+v", pos)
	}
	if pos.EntryPrice != 93.0 {
		t.Fatalf("entry should use the freshest tick price, got %g", pos.EntryPrice)
	}
	sig, _, _ := mem.Signal(ctx, "A")
	if !sig.Claimed() {
		t.Fatal("entry must claim the signal")
	}

	// +2% in the next bucket clears the +1.5% target.
	stub.Push("A", pos.EntryPrice*1.02, seedEnd.Add(time.Minute))

	waitFor(t, 2*time.Second, func() bool {
		closed, _ := mem.ClosedPositionsSince(ctx, time.Now().Add(-time.Hour))
		return len(closed) == 1
	})
	closed, _ := mem.ClosedPositionsSince(ctx, time.Now().Add(-time.Hour))
	got := closed[0]
	if got.CloseReason != store.ExitTarget {
		t.Fatalf("expected TARGET close, got %+v", got)
	}
	if got.PnL <= 0 {
		t.Fatalf("target exit must realize positive pnl, got %g", got.PnL)
	}
	if remaining, _ := mem.OpenPositions(ctx); len(remaining) != 0 {
		t.Fatalf("no positions should remain open, got %d", len(remaining))
	}
}
