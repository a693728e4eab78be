// Autonomous crypto futures trading engine: an hourly strategist and a fast
// trader drive an execution pipeline against Binance USDM futures, with an
// account-sync loop reconciling exchange truth into PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/accountsync"
	"futures-trading-engine/internal/api"
	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/decision"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/executor"
	"futures-trading-engine/internal/llm"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/portfolio"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Component("main").Fatal().Err(err).Msg("configuration invalid")
	}
	logging.Init(cfg.LogLevel)
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credentials: Vault wins when enabled.
	apiKey, secretKey := cfg.Binance.APIKey, cfg.Binance.SecretKey
	if cfg.Vault.Enabled {
		creds, err := vault.LoadCredentials(ctx, cfg.Vault)
		if err != nil {
			log.Fatal().Err(err).Msg("vault credential load failed")
		}
		apiKey, secretKey = creds.APIKey, creds.SecretKey
	}

	db, err := database.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepository(db)

	store, err := cache.New(cfg.Redis.URL, cfg.Redis.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("redis configuration invalid")
	}
	defer store.Close()

	client := exchange.NewBinance(exchange.Config{
		APIKey:    apiKey,
		SecretKey: secretKey,
		TestNet:   cfg.Binance.TestNet,
	})

	ex, err := repo.GetOrCreateExchange(ctx, "binance-futures", cfg.Binance.TestNet)
	if err != nil {
		log.Fatal().Err(err).Msg("exchange registration failed")
	}
	if _, err := repo.EnsureAccountSettings(ctx, ex.ID, cfg.Trading.InitialCapital.String()); err != nil {
		log.Fatal().Err(err).Msg("account settings initialization failed")
	}

	live := cfg.Trading.EnableTrading
	limits := risk.NewLimits(cfg.Risk)
	pm := portfolio.NewManager(client, repo, ex.ID, !live,
		cfg.Trading.InitialCapital, cfg.Trading.AccountSyncInterval)
	syncSvc := accountsync.NewService(client, repo, ex.ID,
		cfg.Trading.Symbols, cfg.Trading.AccountSyncInterval)
	exec := executor.New(client, repo, store, pm, syncSvc, limits, ex.ID, live)

	llmClient := llm.NewClient(cfg.AI)
	provider := market.NewProvider(repo, store, ex.ID)
	poller := market.NewPoller(client, repo, ex.ID, cfg.Trading.Symbols,
		cfg.Trading.DataCollectionInterval)
	strategist := decision.NewStrategist(llmClient, provider, cfg.Trading.PromptStyle)
	trader := decision.NewTrader(llmClient, cfg.Risk, cfg.Trading)
	coordinator := decision.NewCoordinator(strategist, trader, exec, pm, provider, repo,
		cfg.Trading.Symbols, cfg.Trading.TraderInterval, cfg.Trading.StrategistInterval)

	server := api.New(cfg.Server, db, repo, pm, coordinator, syncSvc, ex.ID)

	mode := "paper"
	if live {
		mode = "live"
	}
	log.Info().Str("mode", mode).Bool("testnet", cfg.Binance.TestNet).
		Strs("symbols", cfg.Trading.Symbols).Str("provider", cfg.AI.Provider).
		Msg("engine starting")
	repo.InsertEvent(ctx, &database.SystemEvent{
		EventType: "startup",
		Source:    "main",
		Message:   "engine started in " + mode + " mode",
		Severity:  "info",
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { poller.Run(gctx); return nil })
	g.Go(func() error {
		if live {
			syncSvc.Run(gctx)
		}
		return nil
	})
	g.Go(func() error { coordinator.Run(gctx); return nil })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("engine exited with error")
		os.Exit(1)
	}
	log.Info().Msg("engine stopped")
}
