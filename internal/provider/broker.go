package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// PaperBroker accepts every bracket order and reports a fixed margin. It
// exists so live-mode sizing and order paths stay testable without a real
// execution venue; tests can also script failures to exercise retries.
type PaperBroker struct {
	mu       sync.Mutex
	margin   float64
	failNext int
	accepted []BracketOrder
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker builds a broker stub funded with the given margin.
func NewPaperBroker(margin float64) *PaperBroker {
	return &PaperBroker{margin: margin}
}

// AvailableMargin implements Broker.
func (b *PaperBroker) AvailableMargin(ctx context.Context, userID string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.margin, nil
}

// PlaceBracketOrder implements Broker. Orders are recorded, not routed.
func (b *PaperBroker) PlaceBracketOrder(ctx context.Context, order BracketOrder) (BracketAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return BracketAck{}, errors.New("paper broker: scripted failure")
	}
	if order.Qty <= 0 {
		return BracketAck{OK: false, Err: "non-positive quantity"}, nil
	}
	b.accepted = append(b.accepted, order)
	return BracketAck{OK: true, OrderID: uuid.NewString()}, nil
}

// FailNext makes the next n placements return an error.
func (b *PaperBroker) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Accepted returns a copy of the recorded orders.
func (b *PaperBroker) Accepted() []BracketOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BracketOrder, len(b.accepted))
	copy(out, b.accepted)
	return out
}
