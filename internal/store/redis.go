package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis persists pipeline state in a redis instance so trade state survives
// restarts and the advisory locks coordinate across processes.
//
// Keyspace (under the configured prefix):
//
//	movers             JSON array, replaced wholesale per scan
//	signals            set of symbols with a live signal
//	signal:<sym>       JSON signal record
//	signal:claim:<sym> claim latch, written with SET NX
//	positions:open     set of open position ids
//	positions:closed   set of closed position ids
//	position:<id>      JSON position
//	lock:<key>         advisory lock, SET NX PX
//
// The claim latch lives outside the record so signal refreshes can overwrite
// the record without ever re-opening a consumed signal.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Store = (*Redis)(nil)

// NewRedis wraps an existing client. The prefix namespaces every key.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "moverbot"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) key(parts ...string) string {
	out := r.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

// ReplaceMovers implements MoverStore.
func (r *Redis) ReplaceMovers(ctx context.Context, movers []MoverRecord) error {
	raw, err := json.Marshal(movers)
	if err != nil {
		return fmt.Errorf("marshal movers: %w", err)
	}
	if err := r.client.Set(ctx, r.key("movers"), raw, 0).Err(); err != nil {
		return fmt.Errorf("store movers: %w", err)
	}
	return nil
}

// Movers implements MoverStore.
func (r *Redis) Movers(ctx context.Context) ([]MoverRecord, error) {
	raw, err := r.client.Get(ctx, r.key("movers")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load movers: %w", err)
	}
	var out []MoverRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode movers: %w", err)
	}
	return out, nil
}

// UpsertSignal implements SignalStore. The claim latch key is untouched.
func (r *Redis) UpsertSignal(ctx context.Context, sig SignalRecord) error {
	sig.ConsumedAt = nil // latch state lives in its own key
	raw, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key("signal", sig.Symbol), raw, 0)
	pipe.SAdd(ctx, r.key("signals"), sig.Symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store signal %s: %w", sig.Symbol, err)
	}
	return nil
}

// ClearSignal implements SignalStore, dropping record and latch together.
func (r *Redis) ClearSignal(ctx context.Context, symbol string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key("signal", symbol))
	pipe.Del(ctx, r.key("signal", "claim", symbol))
	pipe.SRem(ctx, r.key("signals"), symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear signal %s: %w", symbol, err)
	}
	return nil
}

// Signal implements SignalStore, merging the latch into the record.
func (r *Redis) Signal(ctx context.Context, symbol string) (SignalRecord, bool, error) {
	raw, err := r.client.Get(ctx, r.key("signal", symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SignalRecord{}, false, nil
	}
	if err != nil {
		return SignalRecord{}, false, fmt.Errorf("load signal %s: %w", symbol, err)
	}
	var sig SignalRecord
	if err := json.Unmarshal(raw, &sig); err != nil {
		return SignalRecord{}, false, fmt.Errorf("decode signal %s: %w", symbol, err)
	}
	claimed, err := r.client.Get(ctx, r.key("signal", "claim", symbol)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return SignalRecord{}, false, fmt.Errorf("load claim %s: %w", symbol, err)
	}
	if err == nil {
		if ts, perr := time.Parse(time.RFC3339Nano, claimed); perr == nil {
			sig.ConsumedAt = &ts
		} else {
			now := r.now()
			sig.ConsumedAt = &now
		}
	}
	return sig, true, nil
}

// Signals implements SignalStore.
func (r *Redis) Signals(ctx context.Context) ([]SignalRecord, error) {
	symbols, err := r.client.SMembers(ctx, r.key("signals")).Result()
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	out := make([]SignalRecord, 0, len(symbols))
	for _, sym := range symbols {
		sig, ok, err := r.Signal(ctx, sym)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

// OldestClaimable implements SignalStore.
func (r *Redis) OldestClaimable(ctx context.Context, updatedSince time.Time) (SignalRecord, bool, error) {
	sigs, err := r.Signals(ctx)
	if err != nil {
		return SignalRecord{}, false, err
	}
	var best SignalRecord
	found := false
	for _, sig := range sigs {
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

// ClaimSignal implements SignalStore. SET NX on the latch key makes the claim
// atomic across processes.
func (r *Redis) ClaimSignal(ctx context.Context, symbol string) (bool, error) {
	exists, err := r.client.Exists(ctx, r.key("signal", symbol)).Result()
	if err != nil {
		return false, fmt.Errorf("check signal %s: %w", symbol, err)
	}
	if exists == 0 {
		return false, nil
	}
	ok, err := r.client.SetNX(ctx, r.key("signal", "claim", symbol), r.now().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return false, fmt.Errorf("claim signal %s: %w", symbol, err)
	}
	return ok, nil
}

func (r *Redis) writePosition(ctx context.Context, pos Position) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key("position", pos.ID), raw, 0)
	if pos.Status == StatusOpen {
		pipe.SAdd(ctx, r.key("positions", "open"), pos.ID)
		pipe.SRem(ctx, r.key("positions", "closed"), pos.ID)
	} else {
		pipe.SRem(ctx, r.key("positions", "open"), pos.ID)
		pipe.SAdd(ctx, r.key("positions", "closed"), pos.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store position %s: %w", pos.ID, err)
	}
	return nil
}

// CreatePosition implements PositionStore.
func (r *Redis) CreatePosition(ctx context.Context, pos Position) error {
	return r.writePosition(ctx, pos)
}

// UpdatePosition implements PositionStore.
func (r *Redis) UpdatePosition(ctx context.Context, pos Position) error {
	return r.writePosition(ctx, pos)
}

// DeletePosition implements PositionStore.
func (r *Redis) DeletePosition(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key("position", id))
	pipe.SRem(ctx, r.key("positions", "open"), id)
	pipe.SRem(ctx, r.key("positions", "closed"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	return nil
}

func (r *Redis) positionsIn(ctx context.Context, setKey string) ([]Position, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		raw, err := r.client.Get(ctx, r.key("position", id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load position %s: %w", id, err)
		}
		var pos Position
		if err := json.Unmarshal(raw, &pos); err != nil {
			return nil, fmt.Errorf("decode position %s: %w", id, err)
		}
		out = append(out, pos)
	}
	return out, nil
}

// OpenPositions implements PositionStore.
func (r *Redis) OpenPositions(ctx context.Context) ([]Position, error) {
	return r.positionsIn(ctx, r.key("positions", "open"))
}

// OpenPositionByUser implements PositionStore.
func (r *Redis) OpenPositionByUser(ctx context.Context, userID string) (Position, bool, error) {
	open, err := r.OpenPositions(ctx)
	if err != nil {
		return Position{}, false, err
	}
	for _, pos := range open {
		if pos.UserID == userID {
			return pos, true, nil
		}
	}
	return Position{}, false, nil
}

// ClosedPositionsSince implements PositionStore.
func (r *Redis) ClosedPositionsSince(ctx context.Context, since time.Time) ([]Position, error) {
	closed, err := r.positionsIn(ctx, r.key("positions", "closed"))
	if err != nil {
		return nil, err
	}
	out := closed[:0]
	for _, pos := range closed {
		if pos.ClosedAt != nil && !pos.ClosedAt.Before(since) {
			out = append(out, pos)
		}
	}
	return out, nil
}

// AcquireLock implements LockStore with SET NX PX.
func (r *Redis) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key("lock", key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock implements LockStore.
func (r *Redis) ReleaseLock(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key("lock", key)).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
