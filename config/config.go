// Package config loads the engine settings from the environment. Every
// option has a usable default so the binary runs against the production
// venue with nothing but SYMBOLS set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the full settings tree the engine is wired from.
type Config struct {
	Universe     UniverseConfig
	Source       SourceConfig
	Clock        ClockConfig
	Freshness    FreshnessConfig
	Risk         RiskConfig
	Strategy     StrategyConfig
	Arbitrator   ArbitratorConfig
	Notification NotificationConfig
	TestEmit     TestEmitConfig
	Logging      LoggingConfig
	Ops          OpsConfig
	Redis        RedisConfig
	Vault        VaultConfig
}

// UniverseConfig sets the symbols and the driver-loop cadence.
type UniverseConfig struct {
	Symbols         []string
	PollSeconds     float64
	StateSyncKlines int
}

// SourceConfig tunes ingestion: staleness thresholds, stream backoff, and
// REST poll periods.
type SourceConfig struct {
	PreferredMode           string // "ws" or "rest"
	StaleSeconds            int
	KlineStaleMS            int64
	WSBackoffMinSec         int
	WSBackoffMaxSec         int
	WSRecoverGoodTicks      int
	RestPricePollSeconds    float64
	RestKlinePollSeconds    float64
	PremiumIndexPollSeconds float64
	FundingPollSeconds      float64
	OIPollSeconds           float64
}

// ClockConfig tunes the server-time sync.
type ClockConfig struct {
	MaxClockErrorMS   int64
	RefreshSec        int
	DegradedRetrySec  int
	RefreshCooldownMS int64
	DegradedTTLMS     int64
}

// FreshnessConfig sets how old derivative inputs may be before the
// evaluation gate acts on them.
type FreshnessConfig struct {
	FundingStaleMS int64
	OIStaleMS      int64
}

// RiskConfig sets the daily guardrails.
type RiskConfig struct {
	MaxDailyLossUSDT        float64
	MaxCardsPerDay          int
	CooldownAfterTriggerMin int
	KillSwitch              bool
	StatePath               string
	PnLCSVPath              string
}

// StrategyConfig carries the shared card parameters and every strategy's
// trigger thresholds and priority.
type StrategyConfig struct {
	ReturnThreshold       float64
	ATRSpikeMultiplier    float64
	FundingExtreme        float64
	OIZScoreThreshold     float64
	OIDeltaPctThreshold   float64
	SweepPct              float64
	WickBodyRatio         float64
	StopBufferATR         float64
	MinATRPct             float64
	LeverageSuggest       int
	MaxRiskUSDT           float64
	TTLMinutes            int
	PriorityVolBreakout   int
	PriorityFundingOISkew int
	PriorityLiquidation   int
	PriorityFakeBreakout  int
}

// ArbitratorConfig sets the per-symbol dedupe window and the similarity
// thresholds.
type ArbitratorConfig struct {
	DedupeWindowSeconds int
	EntrySimilarPct     float64
	StopSimilarPct      float64
}

// NotificationConfig wires the delivery sinks. Empty values disable a sink.
type NotificationConfig struct {
	TelegramBotToken string
	TelegramChatID   string
	PostbackURL      string
}

// TestEmitConfig drives the dry-run card emitter.
type TestEmitConfig struct {
	Enabled     bool
	Symbols     []string
	IntervalSec int
}

// LoggingConfig sets the global log level and output format.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "console"
}

// OpsConfig controls the read-only HTTP surface.
type OpsConfig struct {
	Enabled    bool
	ListenAddr string
}

// RedisConfig wires the optional card mirror channel.
type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	CardChannel string
}

// VaultConfig wires the optional secret source for sink credentials.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Universe: UniverseConfig{
			Symbols:         splitSymbols(getEnvOrDefault("SYMBOLS", "BTCUSDT,ETHUSDT")),
			PollSeconds:     getEnvFloatOrDefault("POLL_SECONDS", 1),
			StateSyncKlines: getEnvIntOrDefault("STATE_SYNC_KLINES", 240),
		},
		Source: SourceConfig{
			PreferredMode:           strings.ToLower(getEnvOrDefault("DATA_SOURCE_PREFERRED", "ws")),
			StaleSeconds:            getEnvIntOrDefault("STALE_SECONDS", 5),
			KlineStaleMS:            int64(getEnvIntOrDefault("KLINE_STALE_MS", getEnvIntOrDefault("KLINE_STALE_SECONDS", 75)*1000)),
			WSBackoffMinSec:         getEnvIntOrDefault("WS_BACKOFF_MIN", 1),
			WSBackoffMaxSec:         getEnvIntOrDefault("WS_BACKOFF_MAX", 30),
			WSRecoverGoodTicks:      getEnvIntOrDefault("WS_RECOVER_GOOD_TICKS", 3),
			RestPricePollSeconds:    getEnvFloatOrDefault("REST_PRICE_POLL_SECONDS", 2),
			RestKlinePollSeconds:    getEnvFloatOrDefault("REST_KLINE_POLL_SECONDS", 30),
			PremiumIndexPollSeconds: getEnvFloatOrDefault("PREMIUMINDEX_POLL_SECONDS", 30),
			FundingPollSeconds:      getEnvFloatOrDefault("FUNDING_POLL_SECONDS", 300),
			OIPollSeconds:           getEnvFloatOrDefault("OI_POLL_SECONDS", 60),
		},
		Clock: ClockConfig{
			MaxClockErrorMS:   int64(getEnvIntOrDefault("MAX_CLOCK_ERROR_MS", 5000)),
			RefreshSec:        getEnvIntOrDefault("SERVER_TIME_REFRESH_SEC", 300),
			DegradedRetrySec:  getEnvIntOrDefault("SERVER_TIME_DEGRADED_RETRY_SEC", 30),
			RefreshCooldownMS: int64(getEnvIntOrDefault("CLOCK_REFRESH_COOLDOWN_MS", 10000)),
			DegradedTTLMS:     int64(getEnvIntOrDefault("CLOCK_DEGRADED_TTL_MS", 120000)),
		},
		Freshness: FreshnessConfig{
			FundingStaleMS: int64(getEnvIntOrDefault("FUNDING_STALE_MS", 180000)),
			OIStaleMS:      int64(getEnvIntOrDefault("OI_STALE_MS", 180000)),
		},
		Risk: RiskConfig{
			MaxDailyLossUSDT:        getEnvFloatOrDefault("MAX_DAILY_LOSS_USDT", 50),
			MaxCardsPerDay:          getEnvIntOrDefault("MAX_CARDS_PER_DAY", 12),
			CooldownAfterTriggerMin: getEnvIntOrDefault("COOLDOWN_AFTER_TRIGGER_MINUTES", 30),
			KillSwitch:              getEnvBoolOrDefault("KILL_SWITCH", false),
			StatePath:               getEnvOrDefault("RISK_STATE_PATH", "data/risk_state.json"),
			PnLCSVPath:              getEnvOrDefault("PNL_CSV_PATH", ""),
		},
		Strategy: StrategyConfig{
			ReturnThreshold:       getEnvFloatOrDefault("RETURN_THRESHOLD", 0.012),
			ATRSpikeMultiplier:    getEnvFloatOrDefault("ATR_SPIKE_MULTIPLIER", 2.0),
			FundingExtreme:        getEnvFloatOrDefault("FUNDING_EXTREME", 0.0008),
			OIZScoreThreshold:     getEnvFloatOrDefault("OI_ZSCORE", 2.0),
			OIDeltaPctThreshold:   getEnvFloatOrDefault("OI_DELTA_PCT", 0.05),
			SweepPct:              getEnvFloatOrDefault("SWEEP_PCT", 0.001),
			WickBodyRatio:         getEnvFloatOrDefault("WICK_BODY_RATIO", 2.0),
			StopBufferATR:         getEnvFloatOrDefault("STOP_BUFFER_ATR", 0.25),
			MinATRPct:             getEnvFloatOrDefault("MIN_ATR_PCT", 0.0008),
			LeverageSuggest:       getEnvIntOrDefault("LEVERAGE_SUGGEST", 50),
			MaxRiskUSDT:           getEnvFloatOrDefault("MAX_RISK_USDT", 10),
			TTLMinutes:            getEnvIntOrDefault("TTL_MINUTES", 15),
			PriorityVolBreakout:   getEnvIntOrDefault("PRIORITY_VOL_BREAKOUT", 40),
			PriorityFundingOISkew: getEnvIntOrDefault("PRIORITY_FUNDING_OI_SKEW", 60),
			PriorityLiquidation:   getEnvIntOrDefault("PRIORITY_LIQUIDATION_FOLLOW", 55),
			PriorityFakeBreakout:  getEnvIntOrDefault("PRIORITY_FAKE_BREAKOUT", 70),
		},
		Arbitrator: ArbitratorConfig{
			DedupeWindowSeconds: getEnvIntOrDefault("DEDUPE_WINDOW_SECONDS", 300),
			EntrySimilarPct:     getEnvFloatOrDefault("ENTRY_SIMILAR_PCT", 0.001),
			StopSimilarPct:      getEnvFloatOrDefault("STOP_SIMILAR_PCT", 0.002),
		},
		Notification: NotificationConfig{
			TelegramBotToken: getEnvOrDefault("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID:   getEnvOrDefault("TELEGRAM_CHAT_ID", ""),
			PostbackURL:      getEnvOrDefault("POSTBACK_URL", ""),
		},
		TestEmit: TestEmitConfig{
			Enabled:     getEnvBoolOrDefault("TEST_EMIT_ENABLED", false),
			Symbols:     splitSymbols(getEnvOrDefault("TEST_EMIT_SYMBOLS", "")),
			IntervalSec: getEnvIntOrDefault("TEST_EMIT_INTERVAL_SEC", 60),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		Ops: OpsConfig{
			Enabled:    getEnvBoolOrDefault("OPS_SERVER_ENABLED", true),
			ListenAddr: getEnvOrDefault("OPS_LISTEN_ADDR", ":8090"),
		},
		Redis: RedisConfig{
			Enabled:     getEnvBoolOrDefault("REDIS_ENABLED", false),
			Addr:        getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:    getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:          getEnvIntOrDefault("REDIS_DB", 0),
			CardChannel: getEnvOrDefault("REDIS_CARD_CHANNEL", "signal.cards"),
		},
		Vault: VaultConfig{
			Enabled:    getEnvBoolOrDefault("VAULT_ENABLED", false),
			Address:    getEnvOrDefault("VAULT_ADDR", ""),
			Token:      getEnvOrDefault("VAULT_TOKEN", ""),
			MountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "secret"),
			SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "signal-engine"),
		},
	}

	if len(cfg.TestEmit.Symbols) == 0 {
		cfg.TestEmit.Symbols = cfg.Universe.Symbols
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if len(c.Universe.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must name at least one symbol")
	}
	if c.Universe.PollSeconds <= 0 {
		return fmt.Errorf("POLL_SECONDS must be positive, got %v", c.Universe.PollSeconds)
	}
	if c.Universe.StateSyncKlines < 120 {
		c.Universe.StateSyncKlines = 120
	}
	if c.Source.PreferredMode != "ws" && c.Source.PreferredMode != "rest" {
		return fmt.Errorf("DATA_SOURCE_PREFERRED must be ws or rest, got %q", c.Source.PreferredMode)
	}
	if c.Source.WSBackoffMinSec <= 0 || c.Source.WSBackoffMaxSec < c.Source.WSBackoffMinSec {
		return fmt.Errorf("WS_BACKOFF_MIN/WS_BACKOFF_MAX invalid: min=%d max=%d",
			c.Source.WSBackoffMinSec, c.Source.WSBackoffMaxSec)
	}
	for _, poll := range []struct {
		name  string
		value float64
	}{
		{"REST_PRICE_POLL_SECONDS", c.Source.RestPricePollSeconds},
		{"REST_KLINE_POLL_SECONDS", c.Source.RestKlinePollSeconds},
		{"PREMIUMINDEX_POLL_SECONDS", c.Source.PremiumIndexPollSeconds},
		{"FUNDING_POLL_SECONDS", c.Source.FundingPollSeconds},
		{"OI_POLL_SECONDS", c.Source.OIPollSeconds},
	} {
		if poll.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", poll.name, poll.value)
		}
	}
	return nil
}

// splitSymbols parses a comma-separated symbol list, trimming and
// upper-casing each entry.
func splitSymbols(raw string) []string {
	var symbols []string
	for _, part := range strings.Split(raw, ",") {
		symbol := strings.ToUpper(strings.TrimSpace(part))
		if symbol != "" {
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
