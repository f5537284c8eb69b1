package trade

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"moverbot-go/internal/config"
	"moverbot-go/internal/hub"
	"moverbot-go/internal/market"
	"moverbot-go/internal/policy"
	"moverbot-go/internal/provider"
	"moverbot-go/internal/store"
)

type fixture struct {
	stub   *provider.Stub
	hub    *hub.Hub
	store  *store.Memory
	broker *provider.PaperBroker
	engine *Engine

	mu  sync.Mutex
	now time.Time
}

func (fx *fixture) setNow(t time.Time) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.now = t
}

func (fx *fixture) clock() time.Time {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.now
}

func defaultPolicy() config.Policy {
	return config.Policy{
		PaperTradingActive:   true,
		LiveExecutionAllowed: false,
		Users: []config.UserPolicy{
			{ID: "u1", AutoTradingEnabled: true},
		},
		Instruments: map[string]string{"TCS": "11536"},
	}
}

func newFixture(t *testing.T, pol config.Policy) *fixture {
	t.Helper()
	stub := provider.NewStub()
	h := hub.New(zerolog.Nop(), stub, hub.Options{Debounce: time.Millisecond})
	t.Cleanup(func() { _ = h.Close() })
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("hub connect: %v", err)
	}

	session, err := market.NewSession("UTC", "09:15", "15:30", "14:45", "15:20")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	fx := &fixture{
		stub:   stub,
		hub:    h,
		store:  store.NewMemory(),
		broker: provider.NewPaperBroker(100000),
		now:    time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
	resolver := provider.StaticResolver(pol.Instruments)
	fx.engine = New(
		zerolog.Nop(), stub, h, fx.store, policy.NewStatic(pol),
		fx.broker, resolver, session,
		config.Trade{TargetPct: 1.5, StopPct: 0.75, PaperQty: 1, StalenessMin: 30, LockTTLMs: 15000, OrderRetries: 2},
	)
	fx.engine.clock = fx.clock
	t.Cleanup(fx.engine.Stop)
	return fx
}

func (fx *fixture) seedSignal(t *testing.T, symbol string, capturedAgo time.Duration) {
	t.Helper()
	at := fx.clock().Add(-capturedAgo)
	sig := store.SignalRecord{
		Symbol: symbol, RSI: 45, Price: 100, Timeframe: "1m",
		InEntryZone: true, CapturedAt: at, UpdatedAt: at,
	}
	if err := fx.store.UpsertSignal(context.Background(), sig); err != nil {
		t.Fatalf("seed signal: %v", err)
	}
}

func TestPaperEntryClaimsAfterPersist(t *testing.T) {
	fx := newFixture(t, defaultPolicy())
	fx.seedSignal(t, "TCS", time.Minute)
	fx.stub.SetQuote("TCS", 4100, 4000)

	result := fx.engine.AutoEnterOnSignal(context.Background(), "")
	if !result.OK || len(result.Entered) != 1 {
		t.Fatalf("entry failed: %+v", result)
	}
	pos := result.Entered[0]
	if pos.Mode != store.ModePaper || pos.Qty != 1 || pos.EntryPrice != 4100 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if math.Abs(pos.TargetPrice-4100*1.015) > 1e-9 || math.Abs(pos.StopPrice-4100*0.9925) > 1e-9 {
		t.Fatalf("unexpected bracket %+v", pos)
	}

	sig, _, _ := fx.store.Signal(context.Background(), "TCS")
	if !sig.Claimed() {
		t.Fatal("signal must be claimed after entry")
	}
	open, _ := fx.store.OpenPositions(context.Background())
	if len(open) != 1 {
		t.Fatalf("expected one open position, got %d", len(open))
	}
}

func TestEntryCutoffBlocksEntries(t *testing.T) {
	fx := newFixture(t, defaultPolicy())
	fx.seedSignal(t, "TCS", time.Minute)
	fx.stub.SetQuote("TCS", 4100, 4000)
	fx.setNow(time.Date(2026, 8, 25, 14, 45, 0, 0, time.UTC))

	result := fx.engine.AutoEnterOnSignal(context.Background(), "")
	if result.OK {
		t.Fatal("entry after cutoff must be a no-op")
	}
	if sig, _, _ := fx.store.Signal(context.Background(), "TCS"); sig.Claimed() {
		t.Fatal("cutoff no-op must not claim")
	}
}

func TestOneOpenPositionPerUser(t *testing.T) {
	fx := newFixture(t, defaultPolicy())
	fx.seedSignal(t, "TCS", time.Minute)
	fx.stub.SetQuote("TCS", 4100, 4000)
	if result := fx.engine.AutoEnterOnSignal(context.Background(), ""); !result.OK {
		t.Fatalf("first entry failed: %+v", result)
	}

	fx.seedSignal(t, "INFY", time.Minute)
	fx.stub.SetQuote("INFY", 1500, 1400)
	result := fx.engine.AutoEnterOnSignal(context.Background(), "")
	if result.OK {
		t.Fatalf("second entry must be blocked: %+v", result)
	}
	open, _ := fx.store.OpenPositions(context.Background())
	if len(open) != 1 {
		t.Fatalf("user has %d open positions", len(open))
	}
}

func TestStaleSignalSkipped(t *testing.T) {
	fx := newFixture(t, defaultPolicy())
	fx.seedSignal(t, "TCS", 31*time.Minute)
	fx.stub.SetQuote("TCS", 4100, 4000)

	result := fx.engine.AutoEnterOnSignal(context.Background(), "")
	if result.OK {
		t.Fatalf("stale signal must not enter: %+v", result)
	}
}

func TestNoPriceLeavesSignalUnclaimed(t *testing.T) {
	fx := newFixture(t, defaultPolicy())
	fx.seedSignal(t, "TCS", time.Minute)
	// No tick, no quote.

	result := fx.engine.AutoEnterOnSignal(context.Background(), "")
	if result.OK {
		t.Fatalf("entry without a price must abort: %+v", result)
	}
	if sig, _, _ := fx.store.Signal(context.Background(), "TCS"); sig.Claimed() {
		t.Fatal("aborted attempt must leave the signal unclaimed")
	}
}

func TestHeldLockSkipsUser(t *testing.T) {
	fx := newFixture(t, defaultPolicy())
	fx.seedSignal(t, "TCS", time.Minute)
	fx.stub.SetQuote("TCS", 4100, 4000)
	if ok, _ := fx.store.AcquireLock(context.Background(), "entry:u1", 15*time.Second); !ok {
		t.Fatal("pre-acquire failed")
	}

	result := fx.engine.AutoEnterOnSignal(context.Background(), "")
	if result.OK {
		t.Fatalf("held lock must skip the user: %+v", result)
	}
}

func livePolicy() config.Policy {
	pol := defaultPolicy()
	pol.LiveExecutionAllowed = true
	pol.Users = []config.UserPolicy{
		{ID: "u1", AutoTradingEnabled: true, LiveEnabled: true, MarginFraction: 0.5},
	}
	return pol
}

func TestLiveEntrySizesFromMarginAndRetriesBracket(t *testing.T) {
	fx := newFixture(t, livePolicy())
	fx.seedSignal(t, "TCS", time.Minute)
	fx.stub.SetQuote("TCS", 100, 95)
	fx.broker.FailNext(1) // first placement fails, the retry must succeed

	result := fx.engine.AutoEnterOnSignal(context.Background(), "u1")
	if !result.OK || len(result.Entered) != 1 {
		t.Fatalf("live entry failed: %+v", result)
	}
	pos := result.Entered[0]
	// floor(100000 * 0.5 / 100) = 500
	if pos.Mode != store.ModeLive || pos.Qty != 500 || pos.OrderID == "" {
		t.Fatalf("unexpected live position %+v", pos)
	}
	accepted := fx.broker.Accepted()
	if len(accepted) != 1 || accepted[0].InstrumentToken != "11536" || accepted[0].Side != "BUY" {
		t.Fatalf("unexpected bracket order %+v", accepted)
	}
	if math.Abs(accepted[0].TargetOffset-1.5) > 1e-9 || math.Abs(accepted[0].StopOffset-0.75) > 1e-9 {
		t.Fatalf("offsets must be price deltas: %+v", accepted[0])
	}
}

func TestInsufficientMarginAbortsWithoutClaim(t *testing.T) {
	fx := newFixture(t, livePolicy())
	fx.seedSignal(t, "TCS", time.Minute)
	fx.stub.SetQuote("TCS", 300000, 290000) // qty floors to zero

	result := fx.engine.AutoEnterOnSignal(context.Background(), "u1")
	if result.OK {
		t.Fatalf("insufficient margin must abort: %+v", result)
	}
	if sig, _, _ := fx.store.Signal(context.Background(), "TCS"); sig.Claimed() {
		t.Fatal("aborted attempt must leave the signal unclaimed")
	}
}

func TestMissingInstrumentTokenAborts(t *testing.T) {
	pol := livePolicy()
	pol.Instruments = map[string]string{} // no mapping
	fx := newFixture(t, pol)
	fx.seedSignal(t, "TCS", time.Minute)
	fx.stub.SetQuote("TCS", 100, 95)

	result := fx.engine.AutoEnterOnSignal(context.Background(), "u1")
	if result.OK {
		t.Fatalf("missing token must abort: %+v", result)
	}
	if sig, _, _ := fx.store.Signal(context.Background(), "TCS"); sig.Claimed() {
		t.Fatal("aborted attempt must leave the signal unclaimed")
	}
}

func openPaperPosition(t *testing.T, fx *fixture) store.Position {
	t.Helper()
	fx.seedSignal(t, "TCS", time.Minute)
	fx.stub.SetQuote("TCS", 4100, 4000)
	result := fx.engine.AutoEnterOnSignal(context.Background(), "")
	if !result.OK || len(result.Entered) != 1 {
		t.Fatalf("entry failed: %+v", result)
	}
	return result.Entered[0]
}

func TestTickDrivenTargetExit(t *testing.T) {
	fx := newFixture(t, defaultPolicy())
	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pos := openPaperPosition(t, fx)

	fx.stub.Push("TCS", pos.EntryPrice*1.02, fx.clock())

	closed, _ := fx.store.ClosedPositionsSince(context.Background(), fx.clock().Add(-time.Hour))
	if len(closed) != 1 {
		t.Fatalf("expected closed position, got %d", len(closed))
	}
	got := closed[0]
	if got.CloseReason != store.ExitTarget || got.PnL <= 0 {
		t.Fatalf("unexpected close %+v", got)
	}

	fx.hub.ForceFlush()
	for _, sym := range fx.stub.Subscribed() {
		if sym == "TCS" {
			t.Fatal("symbol should be released once its last open position closes")
		}
	}
}

func TestCutoffOutranksTarget(t *testing.T) {
	fx := newFixture(t, defaultPolicy())
	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pos := openPaperPosition(t, fx)

	// Past the hard exit AND above target: the time cutoff must win.
	fx.setNow(time.Date(2026, 8, 25, 15, 20, 0, 0, time.UTC))
	fx.stub.Push("TCS", pos.EntryPrice*1.05, fx.clock())

	closed, _ := fx.store.ClosedPositionsSince(context.Background(), fx.clock().Add(-time.Hour))
	if len(closed) != 1 || closed[0].CloseReason != store.ExitCutoff {
		t.Fatalf("expected CUTOFF close, got %+v", closed)
	}
}

func TestQuoteFallbackStopExit(t *testing.T) {
	fx := newFixture(t, defaultPolicy())
	pos := openPaperPosition(t, fx)

	// No ticks flow; the fallback pass must still close on the stop.
	fx.stub.SetQuote("TCS", pos.StopPrice-1, 4000)
	if err := fx.engine.CheckOpenTrades(context.Background(), ""); err != nil {
		t.Fatalf("CheckOpenTrades: %v", err)
	}

	closed, _ := fx.store.ClosedPositionsSince(context.Background(), fx.clock().Add(-time.Hour))
	if len(closed) != 1 || closed[0].CloseReason != store.ExitStop {
		t.Fatalf("expected STOP close, got %+v", closed)
	}
	if closed[0].PnL >= 0 {
		t.Fatalf("stop exit should be negative pnl, got %g", closed[0].PnL)
	}
}

func TestConcurrentEntriesClaimOnce(t *testing.T) {
	pol := defaultPolicy()
	pol.Users = []config.UserPolicy{
		{ID: "u1", AutoTradingEnabled: true},
		{ID: "u2", AutoTradingEnabled: true},
		{ID: "u3", AutoTradingEnabled: true},
		{ID: "u4", AutoTradingEnabled: true},
	}
	fx := newFixture(t, pol)
	fx.seedSignal(t, "TCS", time.Minute)
	fx.stub.SetQuote("TCS", 4100, 4000)

	var wg sync.WaitGroup
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			fx.engine.AutoEnterOnSignal(context.Background(), id)
		}(id)
	}
	wg.Wait()

	open, _ := fx.store.OpenPositions(context.Background())
	if len(open) != 1 {
		t.Fatalf("one signal must yield exactly one position, got %d", len(open))
	}
	sig, _, _ := fx.store.Signal(context.Background(), "TCS")
	if !sig.Claimed() {
		t.Fatal("signal should be claimed")
	}
}

func TestLivePnLSnapshot(t *testing.T) {
	fx := newFixture(t, defaultPolicy())
	pos := openPaperPosition(t, fx)

	// Mark-to-market 2% above entry.
	fx.stub.SetQuote("TCS", pos.EntryPrice*1.02, 4000)

	// A second, already-closed trade realized +50 today.
	closedAt := fx.clock().Add(-time.Hour).UTC()
	if err := fx.store.CreatePosition(context.Background(), store.Position{
		ID: "done", UserID: "u1", Symbol: "INFY", Qty: 5, EntryPrice: 1000,
		Mode: store.ModePaper, Status: store.StatusClosed,
		OpenedAt: closedAt.Add(-time.Hour), ClosedAt: &closedAt,
		ExitPrice: 1010, CloseReason: store.ExitTarget, PnL: 50,
	}); err != nil {
		t.Fatalf("seed closed position: %v", err)
	}

	snap, err := fx.engine.LivePnLSnapshot(context.Background(), "")
	if err != nil {
		t.Fatalf("LivePnLSnapshot: %v", err)
	}
	u1 := snap.PerUser["u1"]
	wantUnrealized := pos.EntryPrice * 0.02 * float64(pos.Qty)
	if math.Abs(u1.UnrealizedAbs-wantUnrealized) > 1e-6 {
		t.Fatalf("unrealized = %g, want %g", u1.UnrealizedAbs, wantUnrealized)
	}
	if u1.RealizedToday != 50 {
		t.Fatalf("realized = %g, want 50", u1.RealizedToday)
	}
	if math.Abs(u1.NetToday-(wantUnrealized+50)) > 1e-6 {
		t.Fatalf("net = %g", u1.NetToday)
	}
	if snap.Total.NetToday != u1.NetToday {
		t.Fatalf("total mismatch: %+v", snap.Total)
	}
}
