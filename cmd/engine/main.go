package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"moverbot-go/internal/config"
	"moverbot-go/internal/hub"
	"moverbot-go/internal/market"
	"moverbot-go/internal/metrics"
	"moverbot-go/internal/mover"
	"moverbot-go/internal/policy"
	"moverbot-go/internal/provider"
	"moverbot-go/internal/scheduler"
	"moverbot-go/internal/signalengine"
	"moverbot-go/internal/store"
	"moverbot-go/internal/trade"
	"moverbot-go/internal/util"
)

func main() {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	log := util.NewLogger("info")
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	applyEnvOverrides(cfg)

	log = util.NewLogger(cfg.App.LogLevel)

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session, err := market.NewSession(
		cfg.Market.Timezone, cfg.Market.Open, cfg.Market.Close,
		cfg.Market.EntryCutoff, cfg.Market.HardExit,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("market session")
	}

	var md provider.MarketData
	switch cfg.Provider.Name {
	case "ws":
		md = provider.NewWS(log, cfg.Provider.WSURL, cfg.Provider.RESTURL, cfg.Provider.APIKey)
	default:
		md = provider.NewStub()
	}

	var st store.Store
	switch cfg.Store.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Store.RedisAddr, DB: cfg.Store.RedisDB})
		defer client.Close()
		st = store.NewRedis(client, cfg.App.Name)
	default:
		st = store.NewMemory()
	}

	h := hub.New(log, md, hub.Options{
		Debounce:    cfg.Hub.Debounce(),
		BackoffBase: cfg.Hub.BackoffBase(),
		BackoffMax:  cfg.Hub.BackoffMax(),
		Capacity:    cfg.Hub.MaxSubscriptions,
	})
	defer h.Close()

	pol := policy.NewStatic(cfg.Policy)
	movers := mover.New(log, md, h, st, cfg.Mover, cfg.Provider.QuoteBatchSize)
	signals := signalengine.New(log, md, h, st, st, cfg.Signal)
	trades := trade.New(
		log, md, h, st, pol,
		provider.NewPaperBroker(cfg.Broker.PaperMargin),
		provider.StaticResolver(cfg.Policy.Instruments),
		session, cfg.Trade,
	)

	sched := scheduler.New(log, h, movers, signals, trades, st, session, cfg.Scheduler, cfg.Trade.Staleness())

	log.Info().Str("provider", cfg.Provider.Name).Str("store", cfg.Store.Backend).Msg("engine started")
	sched.Run(ctx)
	log.Info().Msg("shut down")
}

// applyEnvOverrides lets deployment env (or a .env file) override secrets
// and endpoints without editing the config file.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("PROVIDER_WS_URL"); v != "" {
		cfg.Provider.WSURL = v
	}
	if v := os.Getenv("PROVIDER_REST_URL"); v != "" {
		cfg.Provider.RESTURL = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PROVIDER_API_SECRET"); v != "" {
		cfg.Provider.APISecret = v
	}
}
