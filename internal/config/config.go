// Package config exposes strongly typed engine configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Provider describes market-data provider connectivity.
type Provider struct {
	Name      string `yaml:"name"` // "stub" or "ws"
	WSURL     string `yaml:"ws_url"`
	RESTURL   string `yaml:"rest_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	// QuoteBatchSize bounds how many symbols go into one snapshot request.
	QuoteBatchSize int `yaml:"quote_batch_size"`
}

// Store selects the persistence backend for mover/signal/position records.
type Store struct {
	Backend   string `yaml:"backend"` // "memory" or "redis"
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// Market describes the exchange session in its local timezone. Times are
// "HH:MM" wall-clock values.
type Market struct {
	Timezone    string `yaml:"timezone"`
	Open        string `yaml:"open"`
	Close       string `yaml:"close"`
	EntryCutoff string `yaml:"entry_cutoff"`
	HardExit    string `yaml:"hard_exit"`
}

// Hub tunes the tick hub's coalescing and reconnect behaviour.
type Hub struct {
	DebounceMs       int `yaml:"debounce_ms"`
	BackoffBaseMs    int `yaml:"backoff_base_ms"`
	BackoffMaxMs     int `yaml:"backoff_max_ms"`
	MaxSubscriptions int `yaml:"max_subscriptions"`
}

// Mover configures the universe scan.
type Mover struct {
	UniversePath        string  `yaml:"universe_path"`
	ThresholdPct        float64 `yaml:"threshold_pct"`
	RotateWindow        bool    `yaml:"rotate_window"`
	RotateIntervalMs    int     `yaml:"rotate_interval_ms"`
	HistoryLookbackDays int     `yaml:"history_lookback_days"`
	MaxConcurrency      int     `yaml:"max_concurrency"`
}

// Signal configures minute-bar aggregation and the oscillator.
type Signal struct {
	Period          int     `yaml:"period"`
	MinBars         int     `yaml:"min_bars"`
	Epsilon         float64 `yaml:"epsilon"`
	ZoneLow         float64 `yaml:"zone_low"`
	ZoneHigh        float64 `yaml:"zone_high"`
	MaxBars         int     `yaml:"max_bars"`
	SeedLookbackMin int     `yaml:"seed_lookback_min"`
	ThrottleMs      int     `yaml:"throttle_ms"`
	Timeframe       string  `yaml:"timeframe"`
}

// Trade configures entries, exits, and sizing.
type Trade struct {
	TargetPct    float64 `yaml:"target_pct"`
	StopPct      float64 `yaml:"stop_pct"`
	PaperQty     int64   `yaml:"paper_qty"`
	StalenessMin int     `yaml:"staleness_min"`
	LockTTLMs    int     `yaml:"lock_ttl_ms"`
	OrderRetries int     `yaml:"order_retries"`
}

// Broker carries paper-broker settings; a live broker is wired externally.
type Broker struct {
	PaperMargin float64 `yaml:"paper_margin"`
}

// UserPolicy is one user's layered trading flags.
type UserPolicy struct {
	ID                 string  `yaml:"id"`
	AutoTradingEnabled bool    `yaml:"auto_trading_enabled"`
	LiveEnabled        bool    `yaml:"live_enabled"`
	MarginFraction     float64 `yaml:"margin_fraction"`
}

// Policy carries the global kill switches plus per-user flags.
type Policy struct {
	MarketHalt           bool              `yaml:"market_halt"`
	PaperTradingActive   bool              `yaml:"paper_trading_active"`
	LiveExecutionAllowed bool              `yaml:"live_execution_allowed"`
	Users                []UserPolicy      `yaml:"users"`
	Instruments          map[string]string `yaml:"instruments"` // symbol -> broker token
}

// Scheduler sets the cycle cadences.
type Scheduler struct {
	StartupIntervalMs int `yaml:"startup_interval_ms"`
	TradeIntervalMs   int `yaml:"trade_interval_ms"`
	WatcherIntervalMs int `yaml:"watcher_interval_ms"`
	CloseIntervalMs   int `yaml:"close_interval_ms"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Provider  Provider  `yaml:"provider"`
	Store     Store     `yaml:"store"`
	Market    Market    `yaml:"market"`
	Hub       Hub       `yaml:"hub"`
	Mover     Mover     `yaml:"mover"`
	Signal    Signal    `yaml:"signal"`
	Trade     Trade     `yaml:"trade"`
	Broker    Broker    `yaml:"broker"`
	Policy    Policy    `yaml:"policy"`
	Scheduler Scheduler `yaml:"scheduler"`
}

// Load reads a YAML file from disk, hydrates a Config struct, and applies defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.normalize()
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.MetricsAddr == "" {
		c.App.MetricsAddr = ":9100"
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "stub"
	}
	if c.Provider.QuoteBatchSize <= 0 {
		c.Provider.QuoteBatchSize = 50
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Market.Timezone == "" {
		c.Market.Timezone = "Asia/Kolkata"
	}
	if c.Market.Open == "" {
		c.Market.Open = "09:15"
	}
	if c.Market.Close == "" {
		c.Market.Close = "15:30"
	}
	if c.Market.EntryCutoff == "" {
		c.Market.EntryCutoff = "14:45"
	}
	if c.Market.HardExit == "" {
		c.Market.HardExit = "15:20"
	}
	if c.Hub.DebounceMs <= 0 {
		c.Hub.DebounceMs = 180
	}
	if c.Hub.BackoffBaseMs <= 0 {
		c.Hub.BackoffBaseMs = 1000
	}
	if c.Hub.BackoffMaxMs <= 0 {
		c.Hub.BackoffMaxMs = 60000
	}
	if c.Hub.MaxSubscriptions <= 0 {
		c.Hub.MaxSubscriptions = 200
	}
	if c.Mover.ThresholdPct <= 0 {
		c.Mover.ThresholdPct = 5
	}
	if c.Mover.RotateIntervalMs <= 0 {
		c.Mover.RotateIntervalMs = 20000
	}
	if c.Mover.HistoryLookbackDays <= 0 {
		c.Mover.HistoryLookbackDays = 5
	}
	if c.Mover.MaxConcurrency <= 0 {
		c.Mover.MaxConcurrency = 10
	}
	if c.Signal.Period <= 0 {
		c.Signal.Period = 14
	}
	if c.Signal.MinBars <= 0 {
		c.Signal.MinBars = c.Signal.Period + 1
	}
	if c.Signal.Epsilon <= 0 {
		c.Signal.Epsilon = 0.15
	}
	if c.Signal.ZoneLow <= 0 {
		c.Signal.ZoneLow = 40
	}
	if c.Signal.ZoneHigh <= 0 {
		c.Signal.ZoneHigh = 50
	}
	if c.Signal.MaxBars <= 0 {
		c.Signal.MaxBars = 120
	}
	if c.Signal.SeedLookbackMin <= 0 {
		c.Signal.SeedLookbackMin = 90
	}
	if c.Signal.ThrottleMs <= 0 {
		c.Signal.ThrottleMs = 300
	}
	if c.Signal.Timeframe == "" {
		c.Signal.Timeframe = "1m"
	}
	if c.Trade.TargetPct <= 0 {
		c.Trade.TargetPct = 1.5
	}
	if c.Trade.StopPct <= 0 {
		c.Trade.StopPct = 0.75
	}
	if c.Trade.PaperQty <= 0 {
		c.Trade.PaperQty = 1
	}
	if c.Trade.StalenessMin <= 0 {
		c.Trade.StalenessMin = 30
	}
	if c.Trade.LockTTLMs <= 0 {
		c.Trade.LockTTLMs = 15000
	}
	if c.Trade.OrderRetries <= 0 {
		c.Trade.OrderRetries = 2
	}
	if c.Broker.PaperMargin <= 0 {
		c.Broker.PaperMargin = 100000
	}
	if c.Scheduler.StartupIntervalMs <= 0 {
		c.Scheduler.StartupIntervalMs = 15000
	}
	if c.Scheduler.TradeIntervalMs <= 0 {
		c.Scheduler.TradeIntervalMs = 20000
	}
	if c.Scheduler.WatcherIntervalMs <= 0 {
		c.Scheduler.WatcherIntervalMs = 5000
	}
	if c.Scheduler.CloseIntervalMs <= 0 {
		c.Scheduler.CloseIntervalMs = 60000
	}
}

// Duration helpers so wiring code does not repeat millisecond math.

func (h Hub) Debounce() time.Duration    { return time.Duration(h.DebounceMs) * time.Millisecond }
func (h Hub) BackoffBase() time.Duration { return time.Duration(h.BackoffBaseMs) * time.Millisecond }
func (h Hub) BackoffMax() time.Duration  { return time.Duration(h.BackoffMaxMs) * time.Millisecond }

func (m Mover) RotateEvery() time.Duration {
	return time.Duration(m.RotateIntervalMs) * time.Millisecond
}

func (s Signal) Throttle() time.Duration { return time.Duration(s.ThrottleMs) * time.Millisecond }

func (s Signal) SeedLookback() time.Duration {
	return time.Duration(s.SeedLookbackMin) * time.Minute
}

func (t Trade) Staleness() time.Duration { return time.Duration(t.StalenessMin) * time.Minute }
func (t Trade) LockTTL() time.Duration   { return time.Duration(t.LockTTLMs) * time.Millisecond }

func (s Scheduler) StartupEvery() time.Duration {
	return time.Duration(s.StartupIntervalMs) * time.Millisecond
}

func (s Scheduler) TradeEvery() time.Duration {
	return time.Duration(s.TradeIntervalMs) * time.Millisecond
}

func (s Scheduler) WatcherEvery() time.Duration {
	return time.Duration(s.WatcherIntervalMs) * time.Millisecond
}

func (s Scheduler) CloseEvery() time.Duration {
	return time.Duration(s.CloseIntervalMs) * time.Millisecond
}
