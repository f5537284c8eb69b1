// Package store persists pipeline state: the mover list, entry signals with
// their one-way claim latch, positions, and short-lived advisory locks.
// A memory implementation backs tests and single-process runs; the redis
// implementation survives restarts and coordinates multiple processes.
package store

import (
	"context"
	"time"
)

// Position lifecycle states and execution modes.
const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"

	ModePaper = "paper"
	ModeLive  = "live"
)

// Exit reasons recorded when a position closes, in priority order.
const (
	ExitCutoff = "CUTOFF"
	ExitTarget = "TARGET"
	ExitStop   = "STOP"
)

// MoverRecord is one row of the current mover list.
type MoverRecord struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	PrevClose float64   `json:"prev_close"`
	ChangePct float64   `json:"change_pct"`
	ScannedAt time.Time `json:"scanned_at"`
}

// SignalRecord is one symbol's oscillator signal, upserted on every
// qualifying recompute. InEntryZone flips with zone transitions; ConsumedAt
// latches exactly once when a trade claims the signal and is never reset by
// zone churn. Only clearing the record (day rollover) removes it.
type SignalRecord struct {
	Symbol      string     `json:"symbol"`
	RSI         float64    `json:"rsi"`
	Price       float64    `json:"price"`
	Timeframe   string     `json:"timeframe"`
	InEntryZone bool       `json:"in_entry_zone"`
	CapturedAt  time.Time  `json:"captured_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

// Claimed reports whether the one-way latch has fired.
func (s SignalRecord) Claimed() bool { return s.ConsumedAt != nil }

// Position is a tracked trade, open or closed.
type Position struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Symbol      string     `json:"symbol"`
	Qty         int        `json:"qty"`
	EntryPrice  float64    `json:"entry_price"`
	TargetPrice float64    `json:"target_price"`
	StopPrice   float64    `json:"stop_price"`
	Mode        string     `json:"mode"`
	Status      string     `json:"status"`
	OrderID     string     `json:"order_id,omitempty"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	ExitPrice   float64    `json:"exit_price,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	PnL         float64    `json:"pnl"`
	PnLPct      float64    `json:"pnl_pct"`
}

// MoverStore holds the scan output; each scan replaces the whole list.
type MoverStore interface {
	ReplaceMovers(ctx context.Context, movers []MoverRecord) error
	Movers(ctx context.Context) ([]MoverRecord, error)
}

// SignalStore holds signals keyed by symbol.
//
// UpsertSignal always preserves an existing claim latch, so neither in-zone
// refreshes nor zone exits can re-open a consumed signal. ClearSignal removes
// record and latch together; the scheduler uses it at day rollover.
type SignalStore interface {
	UpsertSignal(ctx context.Context, sig SignalRecord) error
	ClearSignal(ctx context.Context, symbol string) error
	Signal(ctx context.Context, symbol string) (SignalRecord, bool, error)
	Signals(ctx context.Context) ([]SignalRecord, error)
	// OldestClaimable returns the unclaimed in-zone signal with the earliest
	// capture time, skipping records not updated since the cutoff. A zero
	// cutoff disables the staleness filter.
	OldestClaimable(ctx context.Context, updatedSince time.Time) (SignalRecord, bool, error)
	// ClaimSignal flips the latch exactly once; false means the signal was
	// missing or already claimed.
	ClaimSignal(ctx context.Context, symbol string) (bool, error)
}

// PositionStore persists positions. DeletePosition exists only to compensate
// when a persisted entry loses the signal-claim race.
type PositionStore interface {
	CreatePosition(ctx context.Context, pos Position) error
	UpdatePosition(ctx context.Context, pos Position) error
	DeletePosition(ctx context.Context, id string) error
	OpenPositions(ctx context.Context) ([]Position, error)
	OpenPositionByUser(ctx context.Context, userID string) (Position, bool, error)
	ClosedPositionsSince(ctx context.Context, since time.Time) ([]Position, error)
}

// LockStore provides expiring advisory locks.
type LockStore interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Store is the full persistence surface the engines depend on.
type Store interface {
	MoverStore
	SignalStore
	PositionStore
	LockStore
}
