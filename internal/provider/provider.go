// Package provider abstracts the market-data vendor, broker execution
// service, and instrument resolver behind narrow interfaces. The engines
// never see a vendor SDK; they see these contracts plus normalized payloads.
package provider

import (
	"context"
	"time"

	"moverbot-go/internal/market"
)

// MessageHandler receives raw feed payloads; normalization happens in the hub.
type MessageHandler func(raw []byte)

// DisconnectHandler is invoked once per connection loss with the cause.
type DisconnectHandler func(err error)

// MarketData is the upstream feed plus its snapshot/history endpoints.
type MarketData interface {
	// SetHandlers must be called before Connect.
	SetHandlers(onMessage MessageHandler, onDisconnect DisconnectHandler)
	Connect(ctx context.Context) error
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	Quotes(ctx context.Context, symbols []string) ([]market.Quote, error)
	History(ctx context.Context, symbol string, interval time.Duration, from, to time.Time) ([]market.Candle, error)
	Close() error
}

// BracketOrder is a single submission establishing entry, target, and stop.
// Offsets are price deltas from the entry, not absolute prices.
type BracketOrder struct {
	UserID          string
	Symbol          string
	InstrumentToken string
	Qty             int64
	Side            string // "BUY"
	TargetOffset    float64
	StopOffset      float64
}

// BracketAck reports the broker's answer to a bracket-order request.
type BracketAck struct {
	OK      bool
	OrderID string
	Err     string
}

// Broker is the opaque execution service used for live mode.
type Broker interface {
	AvailableMargin(ctx context.Context, userID string) (float64, error)
	PlaceBracketOrder(ctx context.Context, order BracketOrder) (BracketAck, error)
}

// InstrumentResolver maps exchange symbols to broker-side instrument tokens.
type InstrumentResolver interface {
	ResolveToken(symbol string) (string, bool)
}

// StaticResolver resolves tokens from a fixed map (loaded from config).
type StaticResolver map[string]string

// ResolveToken implements InstrumentResolver.
func (r StaticResolver) ResolveToken(symbol string) (string, bool) {
	token, ok := r[market.CanonSymbol(symbol)]
	return token, ok
}
