package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"moverbot-go/internal/market"
)

// Stub is an in-memory provider for tests and offline runs. Tests script it
// directly: seed quotes and history, push ticks, force disconnects.
type Stub struct {
	mu           sync.Mutex
	onMessage    MessageHandler
	onDisconnect DisconnectHandler
	connected    bool
	failConnects int
	connects     int
	subscribed   map[string]struct{}
	quotes       map[string]market.Quote
	history      map[string][]market.Candle
}

var _ MarketData = (*Stub)(nil)

// NewStub constructs an empty stub provider.
func NewStub() *Stub {
	return &Stub{
		subscribed: make(map[string]struct{}),
		quotes:     make(map[string]market.Quote),
		history:    make(map[string][]market.Candle),
	}
}

// SetHandlers implements MarketData.
func (s *Stub) SetHandlers(onMessage MessageHandler, onDisconnect DisconnectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = onMessage
	s.onDisconnect = onDisconnect
}

// Connect implements MarketData. FailConnects makes the next N attempts fail.
func (s *Stub) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.failConnects > 0 {
		s.failConnects--
		return errors.New("stub: connect refused")
	}
	s.connected = true
	return nil
}

// Subscribe implements MarketData.
func (s *Stub) Subscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.New("stub: not connected")
	}
	for _, sym := range symbols {
		s.subscribed[market.CanonSymbol(sym)] = struct{}{}
	}
	return nil
}

// Unsubscribe implements MarketData.
func (s *Stub) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.subscribed, market.CanonSymbol(sym))
	}
	return nil
}

// Quotes implements MarketData from the seeded quote table.
func (s *Stub) Quotes(ctx context.Context, symbols []string) ([]market.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]market.Quote, 0, len(symbols))
	for _, sym := range symbols {
		if quote, ok := s.quotes[market.CanonSymbol(sym)]; ok {
			out = append(out, quote)
		}
	}
	return out, nil
}

// History implements MarketData, returning seeded candles within [from, to].
func (s *Stub) History(ctx context.Context, symbol string, interval time.Duration, from, to time.Time) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candles := s.history[market.CanonSymbol(symbol)]
	out := make([]market.Candle, 0, len(candles))
	for _, candle := range candles {
		if candle.Start.Before(from) || candle.Start.After(to) {
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

// Close implements MarketData.
func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// SetQuote seeds or updates the snapshot table.
func (s *Stub) SetQuote(symbol string, last, prevClose float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym := market.CanonSymbol(symbol)
	s.quotes[sym] = market.Quote{Symbol: sym, LastPrice: last, PrevClose: prevClose}
}

// SetHistory seeds the candle series returned by History.
func (s *Stub) SetHistory(symbol string, candles []market.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[market.CanonSymbol(symbol)] = append([]market.Candle(nil), candles...)
}

// Push emits one raw tick message through the feed handler, as the upstream
// socket would. The quote table's last price follows along.
func (s *Stub) Push(symbol string, price float64, ts time.Time) {
	s.mu.Lock()
	sym := market.CanonSymbol(symbol)
	if quote, ok := s.quotes[sym]; ok {
		quote.LastPrice = price
		s.quotes[sym] = quote
	}
	handler := s.onMessage
	s.mu.Unlock()
	if handler == nil {
		return
	}
	handler([]byte(fmt.Sprintf(`{"symbol":%q,"price":%g,"timestamp":%d}`, sym, price, ts.UnixMilli())))
}

// PushRaw emits an arbitrary payload, useful for malformed-message tests.
func (s *Stub) PushRaw(raw []byte) {
	s.mu.Lock()
	handler := s.onMessage
	s.mu.Unlock()
	if handler != nil {
		handler(raw)
	}
}

// DropConnection simulates an upstream disconnect. Subscriptions die with
// the socket, as they would on a real feed.
func (s *Stub) DropConnection(err error) {
	s.mu.Lock()
	s.connected = false
	s.subscribed = make(map[string]struct{})
	handler := s.onDisconnect
	s.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// FailConnects makes the next n Connect calls fail.
func (s *Stub) FailConnects(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnects = n
}

// Connects reports how many Connect attempts were made.
func (s *Stub) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Subscribed returns the upstream subscription set, sorted.
func (s *Stub) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
