package oscillator

import (
	"math"
	"testing"
)

func TestRSINeedsPeriodPlusOne(t *testing.T) {
	closes := make([]float64, 14)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	if _, ok := RSI(closes, 14); ok {
		t.Fatal("14 closes must not be enough for RSI(14)")
	}
	closes = append(closes, 115)
	if _, ok := RSI(closes, 14); !ok {
		t.Fatal("15 closes should be enough for RSI(14)")
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 20)
	down := make([]float64, 20)
	for i := range up {
		up[i] = 100 + float64(i)
		down[i] = 100 - float64(i)
	}
	if rsi, ok := RSI(up, 14); !ok || rsi != 100 {
		t.Fatalf("monotonic gains should read 100, got %.2f ok=%v", rsi, ok)
	}
	if rsi, ok := RSI(down, 14); !ok || rsi != 0 {
		t.Fatalf("monotonic losses should read 0, got %.2f ok=%v", rsi, ok)
	}
}

func TestRSIFlatSeries(t *testing.T) {
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 250
	}
	// No losses at all, so RS is unbounded.
	if rsi, ok := RSI(flat, 14); !ok || rsi != 100 {
		t.Fatalf("flat series should read 100, got %.2f ok=%v", rsi, ok)
	}
}

func TestRSIKnownSeries(t *testing.T) {
	// Classic worked example for RSI(14); the first smoothed value is ~70.46.
	closes := []float64{
		44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42,
		45.84, 46.08, 45.89, 46.03, 45.61, 46.28, 46.28,
	}
	rsi, ok := RSI(closes, 14)
	if !ok {
		t.Fatal("expected RSI to be ready")
	}
	if math.Abs(rsi-70.46) > 0.1 {
		t.Fatalf("expected ~70.46, got %.4f", rsi)
	}
}

func TestRSIInvalidPeriod(t *testing.T) {
	if _, ok := RSI([]float64{1, 2, 3}, 0); ok {
		t.Fatal("zero period must not compute")
	}
}
