package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	path := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Name != "moverbot-test" {
		t.Fatalf("unexpected App.Name: %s", cfg.App.Name)
	}
	if cfg.Provider.Name != "stub" {
		t.Fatalf("unexpected Provider.Name: %s", cfg.Provider.Name)
	}
	if cfg.Provider.QuoteBatchSize != 25 {
		t.Fatalf("unexpected quote batch size: %d", cfg.Provider.QuoteBatchSize)
	}
	if cfg.Market.Timezone != "Asia/Kolkata" {
		t.Fatalf("unexpected timezone: %s", cfg.Market.Timezone)
	}
	if cfg.Market.EntryCutoff != "14:45" {
		t.Fatalf("unexpected entry cutoff: %s", cfg.Market.EntryCutoff)
	}
	if cfg.Hub.DebounceMs != 150 {
		t.Fatalf("unexpected hub debounce: %d", cfg.Hub.DebounceMs)
	}
	if cfg.Hub.Debounce() != 150*time.Millisecond {
		t.Fatalf("unexpected debounce duration: %s", cfg.Hub.Debounce())
	}
	if cfg.Mover.ThresholdPct != 4.5 {
		t.Fatalf("unexpected mover threshold: %.2f", cfg.Mover.ThresholdPct)
	}
	if !cfg.Mover.RotateWindow {
		t.Fatalf("expected rotate window enabled")
	}
	if cfg.Signal.Period != 14 || cfg.Signal.MinBars != 15 {
		t.Fatalf("unexpected signal settings: %+v", cfg.Signal)
	}
	if cfg.Signal.Epsilon != 0.2 {
		t.Fatalf("unexpected epsilon: %.2f", cfg.Signal.Epsilon)
	}
	if cfg.Trade.TargetPct != 2.0 || cfg.Trade.StopPct != 1.0 {
		t.Fatalf("unexpected trade percents: %+v", cfg.Trade)
	}
	if cfg.Trade.Staleness() != 20*time.Minute {
		t.Fatalf("unexpected staleness: %s", cfg.Trade.Staleness())
	}
	if cfg.Broker.PaperMargin != 50000 {
		t.Fatalf("unexpected paper margin: %.0f", cfg.Broker.PaperMargin)
	}
	if len(cfg.Policy.Users) != 1 || cfg.Policy.Users[0].ID != "u1" {
		t.Fatalf("unexpected policy users: %+v", cfg.Policy.Users)
	}
	if !cfg.Policy.PaperTradingActive || cfg.Policy.LiveExecutionAllowed {
		t.Fatalf("unexpected policy flags: %+v", cfg.Policy)
	}
	if cfg.Policy.Instruments["RELIANCE"] != "738561" {
		t.Fatalf("unexpected instrument map: %+v", cfg.Policy.Instruments)
	}
	if cfg.Scheduler.WatcherEvery() != 500*time.Millisecond {
		t.Fatalf("unexpected watcher interval: %s", cfg.Scheduler.WatcherEvery())
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.yaml")
	if err := Save(path, &Config{}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Mover.ThresholdPct != 5 {
		t.Fatalf("expected default threshold 5, got %.2f", cfg.Mover.ThresholdPct)
	}
	if cfg.Signal.Epsilon != 0.15 {
		t.Fatalf("expected default epsilon 0.15, got %.2f", cfg.Signal.Epsilon)
	}
	if cfg.Trade.TargetPct != 1.5 || cfg.Trade.StopPct != 0.75 {
		t.Fatalf("unexpected default trade percents: %+v", cfg.Trade)
	}
	if cfg.Market.EntryCutoff != "14:45" || cfg.Market.HardExit != "15:20" {
		t.Fatalf("unexpected default session times: %+v", cfg.Market)
	}
	if cfg.Hub.BackoffBase() != time.Second || cfg.Hub.BackoffMax() != time.Minute {
		t.Fatalf("unexpected default backoff: %+v", cfg.Hub)
	}
	if cfg.Trade.LockTTL() != 15*time.Second {
		t.Fatalf("unexpected default lock ttl: %s", cfg.Trade.LockTTL())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
