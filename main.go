package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/api"
	"binance-signal-engine/internal/binance"
	"binance-signal-engine/internal/engine"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/market"
	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/notification"
	"binance-signal-engine/internal/risk"
	"binance-signal-engine/internal/signal"
	"binance-signal-engine/internal/strategy"
	"binance-signal-engine/internal/vault"
)

func main() {
	// Missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.Config{Level: "info", Format: "json"})
		fallbackLog := logging.Component("main")
		fallbackLog.Fatal().Err(err).Msg("configuration invalid")
	}

	logging.Setup(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := logging.Component("main")

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := overlaySinkCredentials(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("vault credential read failed")
	}

	store := market.NewStore(cfg.Universe.Symbols)
	restClient := binance.NewFuturesClient(os.Getenv("BINANCE_FUTURES_BASE_URL"), logging.Component("rest"))
	streamClient := binance.NewStreamClient(cfg.Universe.Symbols, os.Getenv("BINANCE_STREAM_BASE_URL"), logging.Component("stream"))

	sourceManager := market.NewSourceManager(store, restClient, streamClient, market.SourceConfig{
		Symbols:                 cfg.Universe.Symbols,
		PreferredMode:           cfg.Source.PreferredMode,
		StaleSeconds:            cfg.Source.StaleSeconds,
		KlineStaleMS:            cfg.Source.KlineStaleMS,
		WSBackoffMinSec:         cfg.Source.WSBackoffMinSec,
		WSBackoffMaxSec:         cfg.Source.WSBackoffMaxSec,
		WSRecoverGoodTicks:      cfg.Source.WSRecoverGoodTicks,
		RestPricePollSeconds:    cfg.Source.RestPricePollSeconds,
		RestKlinePollSeconds:    cfg.Source.RestKlinePollSeconds,
		PremiumIndexPollSeconds: cfg.Source.PremiumIndexPollSeconds,
		FundingPollSeconds:      cfg.Source.FundingPollSeconds,
		OIPollSeconds:           cfg.Source.OIPollSeconds,
		StateSyncKlines:         cfg.Universe.StateSyncKlines,
		Clock: market.ClockConfig{
			MaxClockErrorMS:   cfg.Clock.MaxClockErrorMS,
			RefreshSec:        cfg.Clock.RefreshSec,
			DegradedRetrySec:  cfg.Clock.DegradedRetrySec,
			RefreshCooldownMS: cfg.Clock.RefreshCooldownMS,
			DegradedTTLMS:     cfg.Clock.DegradedTTLMS,
		},
	}, logging.Component("source"))

	riskEngine, err := risk.NewEngine(risk.Config{
		StatePath:               cfg.Risk.StatePath,
		MaxDailyLossUSDT:        cfg.Risk.MaxDailyLossUSDT,
		MaxCardsPerDay:          cfg.Risk.MaxCardsPerDay,
		CooldownAfterTriggerMin: cfg.Risk.CooldownAfterTriggerMin,
		KillSwitch:              cfg.Risk.KillSwitch,
		PnLCSVPath:              cfg.Risk.PnLCSVPath,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("risk engine init failed")
	}

	lastSent := func(symbol string) *time.Time {
		last, err := riskEngine.LastTriggerTime(symbol)
		if err != nil {
			return nil
		}
		return last
	}
	arbitrator := signal.NewArbitrator(signal.ArbitratorConfig{
		DedupeWindowSeconds: cfg.Arbitrator.DedupeWindowSeconds,
		EntrySimilarPct:     cfg.Arbitrator.EntrySimilarPct,
		StopSimilarPct:      cfg.Arbitrator.StopSimilarPct,
	}, lastSent, logging.Component("arbitrator"))

	telegram := notification.NewTelegram(
		cfg.Notification.TelegramBotToken,
		cfg.Notification.TelegramChatID,
		notification.Formatter{},
		logging.Component("telegram"),
	)
	postback := notification.NewPostback(cfg.Notification.PostbackURL, logging.Component("postback"))

	var mirror engine.CardMirror
	var redisMirror *notification.RedisMirror
	if cfg.Redis.Enabled {
		redisMirror = notification.NewRedisMirror(
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CardChannel,
			logging.Component("redis"),
		)
		mirror = redisMirror
		defer redisMirror.Close()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	service := engine.NewService(engine.Config{
		Symbols:                 cfg.Universe.Symbols,
		PollSeconds:             cfg.Universe.PollSeconds,
		FundingStaleMS:          cfg.Freshness.FundingStaleMS,
		OIStaleMS:               cfg.Freshness.OIStaleMS,
		CooldownAfterTriggerMin: cfg.Risk.CooldownAfterTriggerMin,
		TestEmitEnabled:         cfg.TestEmit.Enabled,
		TestEmitSymbols:         cfg.TestEmit.Symbols,
		TestEmitIntervalSec:     cfg.TestEmit.IntervalSec,
		LeverageSuggest:         cfg.Strategy.LeverageSuggest,
		MaxRiskUSDT:             cfg.Strategy.MaxRiskUSDT,
	},
		store,
		sourceManager,
		buildStrategies(cfg),
		arbitrator,
		riskEngine,
		engine.NewEmitter("", telegram, postback, mirror, m, logging.Component("emitter")),
		telegram,
		m,
		logging.Component("engine"),
	)

	var opsServer *api.Server
	if cfg.Ops.Enabled {
		opsServer = api.NewServer(
			api.ServerConfig{ListenAddr: cfg.Ops.ListenAddr, ProductionMode: true},
			cfg.Universe.Symbols,
			service,
			riskEngine,
			store,
			registry,
			logging.Component("ops"),
		)
		go func() {
			if err := opsServer.Start(); err != nil {
				log.Error().Err(err).Msg("ops server exited")
			}
		}()
	}

	service.Run(ctx)

	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("ops server shutdown failed")
		}
	}
	log.Info().Msg("shutdown complete")
}

// overlaySinkCredentials fills empty notifier settings from the vault
// mount. Environment values always win.
func overlaySinkCredentials(ctx context.Context, cfg *config.Config) error {
	if !cfg.Vault.Enabled {
		return nil
	}
	client, err := vault.NewClient(cfg.Vault)
	if err != nil {
		return err
	}
	creds, err := client.ReadSinkCredentials(ctx)
	if err != nil {
		return err
	}
	if cfg.Notification.TelegramBotToken == "" {
		cfg.Notification.TelegramBotToken = creds.TelegramBotToken
	}
	if cfg.Notification.TelegramChatID == "" {
		cfg.Notification.TelegramChatID = creds.TelegramChatID
	}
	if cfg.Notification.PostbackURL == "" {
		cfg.Notification.PostbackURL = creds.PostbackURL
	}
	return nil
}

// buildStrategies wires the four detectors. The skew, liquidation and
// fake-breakout strategies carry their own leverage and TTL tuned to how
// long each edge tends to last.
func buildStrategies(cfg *config.Config) []strategy.Strategy {
	s := cfg.Strategy
	return []strategy.Strategy{
		strategy.VolBreakout{
			ReturnThreshold:    s.ReturnThreshold,
			ATRSpikeMultiplier: s.ATRSpikeMultiplier,
			LeverageSuggest:    s.LeverageSuggest,
			MaxRiskUSDT:        s.MaxRiskUSDT,
			TTLMinutes:         s.TTLMinutes,
			Priority:           s.PriorityVolBreakout,
		},
		strategy.FundingOISkew{
			FundingExtreme:    s.FundingExtreme,
			OIZScoreThreshold: s.OIZScoreThreshold,
			LeverageSuggest:   35,
			MaxRiskUSDT:       s.MaxRiskUSDT,
			TTLMinutes:        12,
			Priority:          s.PriorityFundingOISkew,
		},
		strategy.LiquidationFollow{
			OIDeltaPctThreshold: s.OIDeltaPctThreshold,
			LeverageSuggest:     30,
			MaxRiskUSDT:         s.MaxRiskUSDT,
			TTLMinutes:          10,
			Priority:            s.PriorityLiquidation,
		},
		strategy.FakeBreakoutReversal{
			SweepPct:        s.SweepPct,
			WickBodyRatio:   s.WickBodyRatio,
			StopBufferATR:   s.StopBufferATR,
			MinATRPct:       s.MinATRPct,
			LeverageSuggest: 50,
			MaxRiskUSDT:     s.MaxRiskUSDT,
			TTLMinutes:      5,
			Priority:        s.PriorityFakeBreakout,
		},
	}
}
