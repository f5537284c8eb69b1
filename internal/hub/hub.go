// Package hub owns the single live feed connection and fans normalized ticks
// out to in-process listeners. Subscriptions are ref-counted per owner and
// coalesced into batched upstream calls; reconnects use bounded backoff.
package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"moverbot-go/internal/market"
	"moverbot-go/internal/metrics"
	"moverbot-go/internal/provider"
	"moverbot-go/internal/retry"
)

// Listener receives every normalized tick. A panicking listener is isolated;
// it never breaks fan-out to the others.
type Listener func(market.Tick)

// Options tunes debounce and reconnect behaviour.
type Options struct {
	Debounce    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Capacity    int // upstream subscription cap, consumed by the mover rotation
}

// Hub is the tick distribution hub.
type Hub struct {
	log      zerolog.Logger
	provider provider.MarketData
	opts     Options

	mu           sync.Mutex
	registry     map[string]map[string]struct{} // symbol -> owner set
	lastTicks    map[string]market.Tick
	listeners    map[int]Listener
	nextListener int
	pendingSub   map[string]struct{}
	pendingUnsub map[string]struct{}
	flushTimer   *time.Timer

	connected    bool
	inflight     chan struct{}
	connectErr   error
	reconnecting bool
	attempt      int
	dropped      uint64

	done chan struct{}
}

// New constructs a hub around the given provider. The hub installs its own
// message and disconnect handlers; nothing else may touch the feed socket.
func New(log zerolog.Logger, md provider.MarketData, opts Options) *Hub {
	if opts.Debounce <= 0 {
		opts.Debounce = 180 * time.Millisecond
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 200
	}
	h := &Hub{
		log:          log.With().Str("component", "hub").Logger(),
		provider:     md,
		opts:         opts,
		registry:     make(map[string]map[string]struct{}),
		lastTicks:    make(map[string]market.Tick),
		listeners:    make(map[int]Listener),
		pendingSub:   make(map[string]struct{}),
		pendingUnsub: make(map[string]struct{}),
		done:         make(chan struct{}),
	}
	md.SetHandlers(h.handleMessage, h.handleDisconnect)
	return h
}

// Connect is idempotent; concurrent callers share one in-flight attempt.
func (h *Hub) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.connected {
		h.mu.Unlock()
		return nil
	}
	if h.inflight == nil {
		h.inflight = make(chan struct{})
		go h.doConnect()
	}
	wait := h.inflight
	h.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectErr
}

func (h *Hub) doConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := h.provider.Connect(ctx)
	cancel()

	h.mu.Lock()
	h.connectErr = err
	if err == nil {
		h.connected = true
		h.attempt = 0
	}
	close(h.inflight)
	h.inflight = nil
	h.mu.Unlock()

	if err != nil {
		h.log.Warn().Err(err).Msg("feed connect failed")
		return
	}
	h.log.Info().Msg("feed connected")
	h.resubscribeAll()
}

// handleDisconnect reacts to upstream connection loss with jittered
// exponential backoff; the attempt counter resets on a successful connect.
func (h *Hub) handleDisconnect(cause error) {
	h.mu.Lock()
	h.connected = false
	already := h.reconnecting
	if !already {
		h.reconnecting = true
	}
	h.mu.Unlock()

	h.log.Warn().Err(cause).Msg("feed disconnected")
	if already {
		return
	}
	go h.reconnectLoop()
}

func (h *Hub) reconnectLoop() {
	defer func() {
		h.mu.Lock()
		h.reconnecting = false
		h.mu.Unlock()
	}()

	for {
		h.mu.Lock()
		h.attempt++
		attempt := h.attempt
		h.mu.Unlock()

		delay := retry.Jitter(retry.Delay(attempt, h.opts.BackoffBase, h.opts.BackoffMax))
		select {
		case <-h.done:
			return
		case <-time.After(delay):
		}

		metrics.Reconnects.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := h.provider.Connect(ctx)
		cancel()
		if err != nil {
			h.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}

		h.mu.Lock()
		h.connected = true
		h.attempt = 0
		h.mu.Unlock()
		h.log.Info().Int("attempt", attempt).Msg("feed reconnected")
		h.resubscribeAll()
		return
	}
}

// resubscribeAll replays the full registry key set in one batch after a
// (re)connect, superseding anything that was pending.
func (h *Hub) resubscribeAll() {
	h.mu.Lock()
	symbols := make([]string, 0, len(h.registry))
	for sym := range h.registry {
		symbols = append(symbols, sym)
	}
	h.pendingSub = make(map[string]struct{})
	h.pendingUnsub = make(map[string]struct{})
	h.mu.Unlock()

	if len(symbols) == 0 {
		return
	}
	sort.Strings(symbols)
	if err := h.provider.Subscribe(symbols); err != nil {
		h.log.Warn().Err(err).Msg("resubscribe failed")
		return
	}
	metrics.SubscribeBatches.WithLabelValues("subscribe").Inc()
}

// Subscribe adds owner references for the given symbols. Upstream calls are
// debounced; errors are logged, never returned to the caller.
func (h *Hub) Subscribe(symbols []string, owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, raw := range symbols {
		sym := market.CanonSymbol(raw)
		if sym == "" {
			continue
		}
		owners := h.registry[sym]
		if owners == nil {
			owners = make(map[string]struct{})
			h.registry[sym] = owners
		}
		if _, ok := owners[owner]; ok {
			continue
		}
		owners[owner] = struct{}{}
		if len(owners) == 1 {
			delete(h.pendingUnsub, sym)
			h.pendingSub[sym] = struct{}{}
		}
	}
	h.scheduleFlushLocked()
}

// Unsubscribe removes owner references; a symbol leaves the upstream feed
// the moment its owner set becomes empty.
func (h *Hub) Unsubscribe(symbols []string, owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, raw := range symbols {
		sym := market.CanonSymbol(raw)
		owners := h.registry[sym]
		if owners == nil {
			continue
		}
		if _, ok := owners[owner]; !ok {
			continue
		}
		delete(owners, owner)
		if len(owners) == 0 {
			delete(h.registry, sym)
			delete(h.pendingSub, sym)
			h.pendingUnsub[sym] = struct{}{}
		}
	}
	h.scheduleFlushLocked()
}

// UnsubscribeOwner drops every reference held by one owner.
func (h *Hub) UnsubscribeOwner(owner string) {
	h.mu.Lock()
	symbols := make([]string, 0)
	for sym, owners := range h.registry {
		if _, ok := owners[owner]; ok {
			symbols = append(symbols, sym)
		}
	}
	h.mu.Unlock()
	h.Unsubscribe(symbols, owner)
}

func (h *Hub) scheduleFlushLocked() {
	if len(h.pendingSub) == 0 && len(h.pendingUnsub) == 0 {
		return
	}
	if h.flushTimer != nil {
		return
	}
	h.flushTimer = time.AfterFunc(h.opts.Debounce, h.flush)
}

func (h *Hub) flush() {
	h.mu.Lock()
	h.flushTimer = nil
	sub := h.pendingSub
	unsub := h.pendingUnsub
	h.pendingSub = make(map[string]struct{})
	h.pendingUnsub = make(map[string]struct{})
	connected := h.connected
	h.mu.Unlock()

	// Without a connection the registry itself is the source of truth; the
	// next (re)connect replays it in full.
	if !connected {
		return
	}
	if len(sub) > 0 {
		if err := h.provider.Subscribe(keys(sub)); err != nil {
			h.log.Warn().Err(err).Msg("subscribe batch failed")
		} else {
			metrics.SubscribeBatches.WithLabelValues("subscribe").Inc()
		}
	}
	if len(unsub) > 0 {
		if err := h.provider.Unsubscribe(keys(unsub)); err != nil {
			h.log.Warn().Err(err).Msg("unsubscribe batch failed")
		} else {
			metrics.SubscribeBatches.WithLabelValues("unsubscribe").Inc()
		}
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ForceFlush pushes any pending batch immediately (shutdown, tests).
func (h *Hub) ForceFlush() {
	h.mu.Lock()
	if h.flushTimer != nil {
		h.flushTimer.Stop()
		h.flushTimer = nil
	}
	h.mu.Unlock()
	h.flush()
}

func (h *Hub) handleMessage(raw []byte) {
	tick, ok := market.NormalizeTick(raw)
	if !ok {
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		metrics.TicksDropped.Inc()
		return
	}

	h.mu.Lock()
	h.lastTicks[tick.Symbol] = tick
	fns := make([]Listener, 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()
	for _, fn := range fns {
		h.invoke(fn, tick)
	}
}

func (h *Hub) invoke(fn Listener, tick market.Tick) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("symbol", tick.Symbol).Msg("tick listener panicked")
		}
	}()
	fn(tick)
}

// AddListener registers a tick listener and returns its removal func.
func (h *Hub) AddListener(fn Listener) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextListener
	h.nextListener++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

// LastTick returns the freshest tick seen for a symbol.
func (h *Hub) LastTick(symbol string) (market.Tick, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tick, ok := h.lastTicks[market.CanonSymbol(symbol)]
	return tick, ok
}

// SubscribedSymbols returns the registry key set, sorted.
func (h *Hub) SubscribedSymbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.registry))
	for sym := range h.registry {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// OwnerCount reports how many owners hold a symbol (0 when unsubscribed).
func (h *Hub) OwnerCount(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registry[market.CanonSymbol(symbol)])
}

// Capacity is the upstream subscription cap the mover rotation must respect.
func (h *Hub) Capacity() int { return h.opts.Capacity }

// Connected reports the live-connection state.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Dropped reports how many malformed messages were discarded.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close stops reconnect attempts and releases the provider socket.
func (h *Hub) Close() error {
	h.ForceFlush()
	close(h.done)
	return h.provider.Close()
}
