// Package market defines the normalized market-data payloads shared between
// the tick hub, engines, and provider adapters.
package market

import "time"

// Tick is a single normalized trade print. Ticks are ephemeral: only the
// freshest tick per symbol and the minute bars derived from them are kept.
type Tick struct {
	Symbol string
	Price  float64
	Ts     time.Time
}

// Quote is a point-in-time snapshot for a symbol, optionally carrying the
// prior session close used as the mover reference price.
type Quote struct {
	Symbol    string
	LastPrice float64
	PrevClose float64 // 0 when the provider had no reference close
	ChangePct float64 // 0 when the provider did not precompute it
}

// Candle is a single OHLC bar as returned by the provider's history endpoint.
type Candle struct {
	Start   time.Time
	Open    float64
	High    float64
	Low     float64
	Close   float64
	Samples int
}
