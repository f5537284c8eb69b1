package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process store used by tests and single-node runs.
type Memory struct {
	mu        sync.Mutex
	movers    []MoverRecord
	signals   map[string]SignalRecord
	positions map[string]Position
	locks     map[string]time.Time // key -> expiry

	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		signals:   make(map[string]SignalRecord),
		positions: make(map[string]Position),
		locks:     make(map[string]time.Time),
		now:       time.Now,
	}
}

// ReplaceMovers implements MoverStore.
func (m *Memory) ReplaceMovers(ctx context.Context, movers []MoverRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movers = append([]MoverRecord(nil), movers...)
	return nil
}

// Movers implements MoverStore.
func (m *Memory) Movers(ctx context.Context) ([]MoverRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MoverRecord(nil), m.movers...), nil
}

// UpsertSignal implements SignalStore, carrying an existing claim forward.
func (m *Memory) UpsertSignal(ctx context.Context, sig SignalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.signals[sig.Symbol]; ok && prev.ConsumedAt != nil {
		sig.ConsumedAt = prev.ConsumedAt
	}
	m.signals[sig.Symbol] = sig
	return nil
}

// ClearSignal implements SignalStore.
func (m *Memory) ClearSignal(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signals, symbol)
	return nil
}

// Signal implements SignalStore.
func (m *Memory) Signal(ctx context.Context, symbol string) (SignalRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[symbol]
	return sig, ok, nil
}

// Signals implements SignalStore, sorted by symbol for stable output.
func (m *Memory) Signals(ctx context.Context) ([]SignalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SignalRecord, 0, len(m.signals))
	for _, sig := range m.signals {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// OldestClaimable implements SignalStore.
func (m *Memory) OldestClaimable(ctx context.Context, updatedSince time.Time) (SignalRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best SignalRecord
	found := false
	for _, sig := range m.signals {
		if sig.ConsumedAt != nil || !sig.InEntryZone {
			continue
		}
		if !updatedSince.IsZero() && sig.UpdatedAt.Before(updatedSince) {
			continue
		}
		if !found || sig.CapturedAt.Before(best.CapturedAt) {
			best = sig
			found = true
		}
	}
	return best, found, nil
}

// ClaimSignal implements SignalStore.
func (m *Memory) ClaimSignal(ctx context.Context, symbol string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[symbol]
	if !ok || sig.ConsumedAt != nil {
		return false, nil
	}
	ts := m.now()
	sig.ConsumedAt = &ts
	m.signals[symbol] = sig
	return true, nil
}

// CreatePosition implements PositionStore.
func (m *Memory) CreatePosition(ctx context.Context, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = pos
	return nil
}

// UpdatePosition implements PositionStore.
func (m *Memory) UpdatePosition(ctx context.Context, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = pos
	return nil
}

// DeletePosition implements PositionStore.
func (m *Memory) DeletePosition(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, id)
	return nil
}

// OpenPositions implements PositionStore, sorted by open time.
func (m *Memory) OpenPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0)
	for _, pos := range m.positions {
		if pos.Status == StatusOpen {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// OpenPositionByUser implements PositionStore.
func (m *Memory) OpenPositionByUser(ctx context.Context, userID string) (Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.positions {
		if pos.Status == StatusOpen && pos.UserID == userID {
			return pos, true, nil
		}
	}
	return Position{}, false, nil
}

// ClosedPositionsSince implements PositionStore.
func (m *Memory) ClosedPositionsSince(ctx context.Context, since time.Time) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0)
	for _, pos := range m.positions {
		if pos.Status != StatusClosed || pos.ClosedAt == nil {
			continue
		}
		if pos.ClosedAt.Before(since) {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	return out, nil
}

// AcquireLock implements LockStore.
func (m *Memory) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if expiry, ok := m.locks[key]; ok && now.Before(expiry) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

// ReleaseLock implements LockStore.
func (m *Memory) ReleaseLock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}
