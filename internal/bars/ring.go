// Package bars aggregates ticks into fixed-timeframe candles held in a
// bounded ring, oldest first.
package bars

import (
	"time"

	"moverbot-go/internal/market"
)

// Ring builds one symbol's candle series from its tick stream. Finalization
// is monotonic: a tick can only ever roll the series forward, stale ticks
// from before the live bucket are dropped.
type Ring struct {
	timeframe time.Duration
	max       int
	finalized []market.Candle
	live      *market.Candle
}

// NewRing constructs a ring for the given timeframe holding at most max
// finalized candles.
func NewRing(timeframe time.Duration, max int) *Ring {
	if timeframe <= 0 {
		timeframe = time.Minute
	}
	if max <= 0 {
		max = 120
	}
	return &Ring{timeframe: timeframe, max: max}
}

// Seed installs finalized history, assumed sorted oldest first. Only the most
// recent max candles are kept.
func (r *Ring) Seed(candles []market.Candle) {
	if len(candles) > r.max {
		candles = candles[len(candles)-r.max:]
	}
	r.finalized = append(r.finalized[:0], candles...)
	r.live = nil
}

// Apply folds one tick into the series. When the tick opens a new bucket the
// previous live bar is finalized and returned.
func (r *Ring) Apply(tick market.Tick) (market.Candle, bool) {
	bucket := tick.Ts.Truncate(r.timeframe)

	if r.live == nil {
		if n := len(r.finalized); n > 0 && !bucket.After(r.finalized[n-1].Start) {
			return market.Candle{}, false
		}
		r.live = newCandle(bucket, tick.Price)
		return market.Candle{}, false
	}

	switch {
	case bucket.Equal(r.live.Start):
		r.live.Close = tick.Price
		if tick.Price > r.live.High {
			r.live.High = tick.Price
		}
		if tick.Price < r.live.Low {
			r.live.Low = tick.Price
		}
		r.live.Samples++
		return market.Candle{}, false
	case bucket.After(r.live.Start):
		done := *r.live
		r.finalized = append(r.finalized, done)
		if len(r.finalized) > r.max {
			r.finalized = r.finalized[len(r.finalized)-r.max:]
		}
		r.live = newCandle(bucket, tick.Price)
		return done, true
	default:
		// Stale tick from a bucket already finalized.
		return market.Candle{}, false
	}
}

func newCandle(start time.Time, price float64) *market.Candle {
	return &market.Candle{Start: start, Open: price, High: price, Low: price, Close: price, Samples: 1}
}

// Closes returns the close series, finalized bars first and the live bar
// last, which is what the oscillator reads.
func (r *Ring) Closes() []float64 {
	out := make([]float64, 0, len(r.finalized)+1)
	for _, c := range r.finalized {
		out = append(out, c.Close)
	}
	if r.live != nil {
		out = append(out, r.live.Close)
	}
	return out
}

// Len counts finalized candles.
func (r *Ring) Len() int { return len(r.finalized) }

// Live returns a copy of the in-progress bar, if any.
func (r *Ring) Live() (market.Candle, bool) {
	if r.live == nil {
		return market.Candle{}, false
	}
	return *r.live, true
}
