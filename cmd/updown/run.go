package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/updown/config"
	"github.com/alejandrodnm/updown/internal/adapters/exchange"
	"github.com/alejandrodnm/updown/internal/adapters/notify"
	"github.com/alejandrodnm/updown/internal/adapters/oracle"
	"github.com/alejandrodnm/updown/internal/adapters/spot"
	"github.com/alejandrodnm/updown/internal/adapters/storage"
	"github.com/alejandrodnm/updown/internal/application/accounts"
	"github.com/alejandrodnm/updown/internal/application/engine"
	"github.com/alejandrodnm/updown/internal/application/execution"
	"github.com/alejandrodnm/updown/internal/application/ledger"
	"github.com/alejandrodnm/updown/internal/application/risk"
	"github.com/alejandrodnm/updown/internal/domain"
	"github.com/alejandrodnm/updown/internal/ports"
)

// run wires the full engine and blocks until the context is cancelled.
func run(ctx context.Context, cfg *config.Config, store *storage.Store, dryRun bool) error {
	exchangeClient, err := buildExchange(cfg)
	if err != nil {
		return fmt.Errorf("run: exchange: %w", err)
	}

	priceOracle, err := buildOracle(cfg, dryRun)
	if err != nil {
		return fmt.Errorf("run: oracle: %w", err)
	}

	spotFeed := spot.NewFeed(spot.NewBinance(), spot.NewCoinbase(""))

	acc := accounts.New(cfg.Engine.Assets, cfg.Engine.InitialBankrollUSDC)
	gov := risk.New(store, acc, store, risk.Config{
		MaxRiskFraction: cfg.Risk.MaxRiskFraction,
		HardCapPerTrade: cfg.Risk.HardCapPerTrade,
		GlobalCap:       cfg.Risk.GlobalCapUSDC,
	})
	led := ledger.New(store, acc, store)

	exec := execution.New(exchangeClient, led, acc, gov, store, domain.DefaultFeeModel(), execution.Config{
		Paper:       cfg.Paper(),
		MakerWait:   cfg.MakerWait(),
		MinNotional: cfg.Engine.MinNotionalUSDC,
		PriceTick:   cfg.Engine.PriceTick,
	})

	loopCfg := engine.LoopConfig{
		TickInterval:  cfg.TickInterval(),
		Cooldown:      cfg.Cooldown(),
		PriceTick:     cfg.Engine.PriceTick,
		BaseTradeSize: cfg.Engine.BaseTradeSizeUSDC,
		Tiers:         tierLadder(cfg.Engine.Tiers),
	}

	factory := func(m domain.Market) *engine.MarketLoop {
		return engine.NewMarketLoop(m, store, store, priceOracle, spotFeed,
			exchangeClient, exec, led, store, loopCfg)
	}

	go statusLoop(ctx, acc, notify.NewConsole(true))

	registry := engine.NewRegistry(store, factory, cfg.ControlPollInterval())
	return registry.Run(ctx)
}

// statusInterval controls how often the account table hits the console.
const statusInterval = 5 * time.Minute

// statusLoop prints the account snapshot on a slow cadence so a long
// paper run leaves a readable trail without flooding the log.
func statusLoop(ctx context.Context, acc *accounts.Manager, console *notify.Console) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			console.PrintAccounts(acc.Snapshot())
		}
	}
}

// tierLadder maps configured tiers to the domain ladder; empty config
// means the default ladder.
func tierLadder(tiers []config.TierConfig) []domain.Tier {
	out := make([]domain.Tier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, domain.Tier{
			Level:              t.Level,
			MinConfidence:      t.MinConfidence,
			PersistenceSamples: t.PersistenceSamples,
			WindowSize:         t.WindowSize,
			SizeMult:           t.SizeMult,
		})
	}
	return out
}

func buildExchange(cfg *config.Config) (ports.ExchangeClient, error) {
	if cfg.Paper() {
		slog.Info("exchange: paper client (real market data, simulated fills)")
		return exchange.NewPaperClient(exchange.NewClient(cfg.API.CLOBBase)), nil
	}

	auth, err := exchange.NewAuthClient(cfg.API.CLOBBase, cfg.API.PrivateKey)
	if err != nil {
		return nil, err
	}
	slog.Info("exchange: live trading client", "wallet", auth.Address())
	return exchange.NewTradingClient(auth), nil
}

func buildOracle(cfg *config.Config, dryRun bool) (ports.PriceOracle, error) {
	if dryRun || (cfg.Paper() && cfg.Oracle.RPCURL == "") {
		slog.Info("oracle: mock random walk", "dry_run", dryRun)
		return oracle.NewMock(map[string]float64{"BTC": 100_000, "ETH": 4_000}, 1), nil
	}
	return oracle.NewChainlink(cfg.Oracle.RPCURL, cfg.Oracle.Feeds, cfg.OracleMaxStaleness())
}
