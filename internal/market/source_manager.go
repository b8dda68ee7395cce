package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Ingestion modes.
const (
	ModeWS   = "ws"
	ModeRest = "rest"
)

// Poll deadlines start in the distant past so the first refresh polls
// everything immediately.
const pollNever = int64(-1) << 40

// SourceConfig tunes the source manager.
type SourceConfig struct {
	Symbols                 []string
	PreferredMode           string
	StaleSeconds            int
	KlineStaleMS            int64
	WSBackoffMinSec         int
	WSBackoffMaxSec         int
	RestPricePollSeconds    float64
	RestKlinePollSeconds    float64
	WSRecoverGoodTicks      int
	StateSyncKlines         int
	PremiumIndexPollSeconds float64
	FundingPollSeconds      float64
	OIPollSeconds           float64
	FundingHistoryLimit     int
	Clock                   ClockConfig
}

// SourceManager feeds the store from the websocket stream or from REST
// polling, whichever is currently healthy, and owns the clock sync. It
// is driven by a single loop and is not safe for concurrent use; shared
// readers go through the store and ClockStatus instead.
type SourceManager struct {
	symbols []string
	store   *Store
	rest    RestClient
	stream  StreamClient
	clock   *ClockSync
	log     zerolog.Logger

	preferredMode       string
	staleSeconds        int
	klineStaleMS        int64
	wsBackoffMinMS      int64
	wsBackoffMaxMS      int64
	restPricePollMS     int64
	restKlinePollMS     int64
	wsRecoverGoodTicks  int
	stateSyncKlines     int
	premiumPollMS       int64
	fundingPollMS       int64
	oiPollMS            int64
	fundingHistoryLimit int
	clockCfg            ClockConfig

	mode                string
	wsGoodTicks         int
	lastRestPricePollMS int64
	lastRestKlinePollMS int64
	lastPremiumPollMS   int64
	lastFundingPollMS   int64
	lastOIPollMS        int64
	lastHealthLogMS     int64
	wsBackoffMS         int64
	wsNextRetryAtMS     int64

	// Injectable for tests.
	localNowMS func() int64
	monoMS     func() int64
}

// NewSourceManager wires a manager over the given store and clients. No
// network traffic happens until Bootstrap.
func NewSourceManager(store *Store, rest RestClient, stream StreamClient, cfg SourceConfig, log zerolog.Logger) *SourceManager {
	start := time.Now()
	mode := ModeRest
	if cfg.PreferredMode == ModeWS {
		mode = ModeWS
	}
	historyLimit := cfg.FundingHistoryLimit
	if historyLimit <= 0 {
		historyLimit = 3
	}
	m := &SourceManager{
		symbols:             cfg.Symbols,
		store:               store,
		rest:                rest,
		stream:              stream,
		clock:               NewClockSync(rest, cfg.Clock, log),
		log:                 log,
		preferredMode:       cfg.PreferredMode,
		staleSeconds:        cfg.StaleSeconds,
		klineStaleMS:        cfg.KlineStaleMS,
		wsBackoffMinMS:      int64(cfg.WSBackoffMinSec) * 1000,
		wsBackoffMaxMS:      int64(cfg.WSBackoffMaxSec) * 1000,
		restPricePollMS:     int64(cfg.RestPricePollSeconds * 1000),
		restKlinePollMS:     int64(cfg.RestKlinePollSeconds * 1000),
		wsRecoverGoodTicks:  cfg.WSRecoverGoodTicks,
		stateSyncKlines:     cfg.StateSyncKlines,
		premiumPollMS:       int64(cfg.PremiumIndexPollSeconds * 1000),
		fundingPollMS:       int64(cfg.FundingPollSeconds * 1000),
		oiPollMS:            int64(cfg.OIPollSeconds * 1000),
		fundingHistoryLimit: historyLimit,
		clockCfg:            cfg.Clock,
		mode:                mode,
		lastRestPricePollMS: pollNever,
		lastRestKlinePollMS: pollNever,
		lastPremiumPollMS:   pollNever,
		lastFundingPollMS:   pollNever,
		lastOIPollMS:        pollNever,
		lastHealthLogMS:     pollNever,
		wsBackoffMS:         int64(cfg.WSBackoffMinSec) * 1000,
		localNowMS:          func() int64 { return time.Now().UnixMilli() },
		monoMS:              func() int64 { return time.Since(start).Milliseconds() },
	}
	m.store.SetMode(mode)
	return m
}

// Bootstrap performs the startup sequence: force a clock refresh, sync
// kline history over REST, and open the stream when it is the preferred
// source. Every step tolerates failure; a failed stream connect drops the
// manager straight into rest mode with backoff armed.
func (m *SourceManager) Bootstrap(ctx context.Context) {
	m.clock.Refresh(ctx, true)
	m.safeStateSync(ctx, "bootstrap")
	if m.mode == ModeWS {
		m.connectInitialWS(ctx)
	}
}

// Mode returns the current ingestion mode.
func (m *SourceManager) Mode() string {
	return m.mode
}

// ClockStatus exposes the clock sync state for health surfaces.
func (m *SourceManager) ClockStatus() ClockStatus {
	return m.clock.Status()
}

// NowMSCorrected returns the corrected now in milliseconds.
func (m *SourceManager) NowMSCorrected(ctx context.Context) int64 {
	return m.clock.NowMS(ctx)
}

func (m *SourceManager) nowCorrected(ctx context.Context) time.Time {
	return time.UnixMilli(m.clock.NowMS(ctx)).UTC()
}

// Refresh runs one ingestion pass: drain the stream, check staleness,
// poll derivatives, and in rest mode poll prices and klines and probe
// stream recovery. An error from the rest price or kline poll aborts the
// pass; everything else degrades in place.
func (m *SourceManager) Refresh(ctx context.Context) error {
	nowMono := m.monoMS()

	m.attemptWSEvents(ctx)
	m.evaluateStaleness(ctx)
	m.pollDerivatives(ctx, nowMono)

	if m.mode == ModeRest {
		if err := m.pollRestPrices(ctx, nowMono); err != nil {
			return err
		}
		if err := m.pollRestKlines(ctx, nowMono); err != nil {
			return err
		}
		m.attemptWSRecover(ctx, nowMono)
	}

	m.logHealthIfNeeded(ctx, nowMono)
	return nil
}

func (m *SourceManager) connectInitialWS(ctx context.Context) {
	if err := m.stream.Connect(ctx); err != nil {
		m.mode = ModeRest
		m.store.SetMode(ModeRest)
		m.wsNextRetryAtMS = m.monoMS() + m.wsBackoffMS
		m.wsBackoffMS = min(m.wsBackoffMS*2, m.wsBackoffMaxMS)
		m.log.Warn().Err(err).Msg("ws initial connect failed, falling back to rest")
		return
	}
	m.log.Info().Msg("ws initial connect ok")
}

func (m *SourceManager) attemptWSEvents(ctx context.Context) {
	if m.mode != ModeWS || !m.stream.Connected() {
		return
	}
	ticks, klineTicks, err := m.stream.ReadEvents()
	if err != nil {
		m.switchMode(ModeRest, "*", "exception:"+err.Error())
		m.stream.Close()
		return
	}
	m.applyWSEvents(ctx, ticks, klineTicks)
}

// applyWSEvents stores one batch of stream events under a single
// corrected timestamp and returns how many price ticks landed fresh.
func (m *SourceManager) applyWSEvents(ctx context.Context, ticks []PriceTick, klineTicks []KlineTick) int {
	if len(ticks) == 0 && len(klineTicks) == 0 {
		return 0
	}
	nowMS := m.clock.NowMS(ctx)
	nowDT := time.UnixMilli(nowMS).UTC()

	fresh := 0
	for _, tick := range ticks {
		m.store.UpdatePrice(tick.Symbol, tick.Price, nowDT)
		if rawAge := nowMS - nowDT.UnixMilli(); rawAge <= int64(m.staleSeconds)*1000 {
			fresh++
		}
	}
	for _, kt := range klineTicks {
		m.store.UpsertWSKline(kt.Symbol, kt.Candle, kt.OpenTimeMS, kt.IsClosed, nowDT)
	}
	return fresh
}

func (m *SourceManager) evaluateStaleness(ctx context.Context) {
	if m.mode != ModeWS {
		return
	}
	nowMS := m.clock.NowMS(ctx)
	for _, symbol := range m.symbols {
		snap := m.store.Snapshot(symbol)
		priceRaw := RawAgeMS(nowMS, TimeToMS(snap.LastPriceTS))
		klineRecvRaw := RawAgeMS(nowMS, TimeToMS(snap.LastKlineRecvTS))

		if priceRaw != nil && *priceRaw > int64(m.staleSeconds)*1000 {
			m.switchMode(ModeRest, symbol, "stale")
			return
		}
		if klineRecvRaw != nil && *klineRecvRaw > m.klineStaleMS {
			m.log.Warn().
				Str("unit", "ms").
				Str("symbol", symbol).
				Int64("now_ms_corrected", nowMS).
				Str("last_kline_recv_ms", fmtMSPtr(TimeToMS(snap.LastKlineRecvTS))).
				Int64("raw_age_ms", *klineRecvRaw).
				Int64("threshold_ms", m.klineStaleMS).
				Msg("kline_stale_switch")
			m.switchMode(ModeRest, symbol, "kline_stale")
			return
		}
	}
}

// pollDerivatives refreshes premium index, funding history and open
// interest on independent schedules. Failures are logged per symbol and
// never interrupt the pass.
func (m *SourceManager) pollDerivatives(ctx context.Context, nowMono int64) {
	if nowMono-m.lastPremiumPollMS >= m.premiumPollMS {
		for _, symbol := range m.symbols {
			pi, err := m.rest.FetchPremiumIndex(ctx, symbol)
			if err != nil {
				m.log.Warn().Str("symbol", symbol).Err(err).Msg("premiumIndex poll failed")
				continue
			}
			m.store.UpdatePremiumIndex(symbol, pi.MarkPrice, pi.LastFundingRate, pi.NextFundingTimeMS, m.nowCorrected(ctx))
		}
		m.lastPremiumPollMS = nowMono
	}

	if nowMono-m.lastFundingPollMS >= m.fundingPollMS {
		for _, symbol := range m.symbols {
			history, err := m.rest.FetchFundingRateHistory(ctx, symbol, m.fundingHistoryLimit)
			if err != nil {
				m.log.Warn().Str("symbol", symbol).Err(err).Msg("fundingRate poll failed")
				continue
			}
			m.store.UpdateFundingRateHistory(symbol, history, m.nowCorrected(ctx))
		}
		m.lastFundingPollMS = nowMono
	}

	if nowMono-m.lastOIPollMS >= m.oiPollMS {
		for _, symbol := range m.symbols {
			oi, err := m.rest.FetchOpenInterest(ctx, symbol)
			if err != nil {
				m.log.Warn().Str("symbol", symbol).Err(err).Msg("openInterest poll failed")
				continue
			}
			m.store.UpdateOpenInterest(symbol, oi, m.nowCorrected(ctx))
		}
		m.lastOIPollMS = nowMono
	}
}

func (m *SourceManager) pollRestPrices(ctx context.Context, nowMono int64) error {
	if nowMono-m.lastRestPricePollMS < m.restPricePollMS {
		return nil
	}
	for _, symbol := range m.symbols {
		price, err := m.rest.FetchPrice(ctx, symbol)
		if err != nil {
			return fmt.Errorf("rest price poll %s: %w", symbol, err)
		}
		m.store.UpdatePrice(symbol, price, m.nowCorrected(ctx))
	}
	m.lastRestPricePollMS = nowMono
	return nil
}

func (m *SourceManager) pollRestKlines(ctx context.Context, nowMono int64) error {
	if nowMono-m.lastRestKlinePollMS < m.restKlinePollMS {
		return nil
	}
	if err := m.stateSyncFromRest(ctx, "rest_poll", max(120, m.stateSyncKlines)); err != nil {
		return err
	}
	m.lastRestKlinePollMS = nowMono
	return nil
}

// attemptWSRecover probes the preferred stream while running on rest.
// The mode flips back only after enough fresh ticks accumulate and a
// full kline state sync succeeds.
func (m *SourceManager) attemptWSRecover(ctx context.Context, nowMono int64) {
	if m.preferredMode != ModeWS {
		return
	}
	if nowMono < m.wsNextRetryAtMS {
		return
	}

	if !m.stream.Connected() {
		if err := m.stream.Connect(ctx); err != nil {
			m.wsNextRetryAtMS = nowMono + m.wsBackoffMS
			m.wsBackoffMS = min(m.wsBackoffMS*2, m.wsBackoffMaxMS)
			m.log.Warn().Err(err).Msg("ws reconnect failed")
			return
		}
		m.wsBackoffMS = m.wsBackoffMinMS
	}

	ticks, klineTicks, err := m.stream.ReadEvents()
	if err != nil {
		m.stream.Close()
		m.wsNextRetryAtMS = nowMono + m.wsBackoffMS
		m.wsBackoffMS = min(m.wsBackoffMS*2, m.wsBackoffMaxMS)
		m.log.Warn().Err(err).Msg("ws recover read failed")
		return
	}

	if fresh := m.applyWSEvents(ctx, ticks, klineTicks); fresh > 0 {
		m.wsGoodTicks += fresh
	}
	if m.wsGoodTicks >= m.wsRecoverGoodTicks {
		if m.safeStateSync(ctx, "recovered") {
			m.switchMode(ModeWS, "*", "recovered")
			m.wsGoodTicks = 0
		}
	}
}

func (m *SourceManager) safeStateSync(ctx context.Context, reason string) bool {
	if err := m.stateSyncFromRest(ctx, reason, m.stateSyncKlines); err != nil {
		m.log.Warn().Str("reason", reason).Err(err).Msg("state sync failed")
		return false
	}
	return true
}

func (m *SourceManager) stateSyncFromRest(ctx context.Context, reason string, limit int) error {
	nowDT := m.nowCorrected(ctx)
	for _, symbol := range m.symbols {
		klines, err := m.rest.FetchKlines(ctx, symbol, limit)
		if err != nil {
			return fmt.Errorf("state sync %s: %w", symbol, err)
		}
		m.store.MergeKlines(symbol, klines, nowDT)
		m.log.Info().
			Str("reason", reason).
			Str("symbol", symbol).
			Int("klines", len(klines)).
			Msg("state_sync")
	}
	return nil
}

func (m *SourceManager) switchMode(toMode, symbol, reason string) {
	fromMode := m.mode
	if fromMode == toMode {
		return
	}
	m.mode = toMode
	m.store.SetMode(toMode)
	m.log.Warn().
		Str("from", fromMode).
		Str("to", toMode).
		Str("reason", reason).
		Str("symbol", symbol).
		Msg("source_mode_switch")
}

func (m *SourceManager) logHealthIfNeeded(ctx context.Context, nowMono int64) {
	if nowMono-m.lastHealthLogMS < 60_000 {
		return
	}
	m.lastHealthLogMS = nowMono

	nowMS := m.clock.NowMS(ctx)
	clockSt := m.clock.Status()
	localMS := m.localNowMS()

	var lastForceAgeMS *int64
	var cooldownRemainingMS int64
	if clockSt.LastForceRefreshLocalMS != nil {
		age := max(int64(0), localMS-*clockSt.LastForceRefreshLocalMS)
		lastForceAgeMS = &age
		cooldownRemainingMS = max(int64(0), m.clockCfg.RefreshCooldownMS-age)
	}
	var lastServerSyncAgeMS *int64
	if clockSt.LastSyncLocalMS != nil {
		age := max(int64(0), localMS-*clockSt.LastSyncLocalMS)
		lastServerSyncAgeMS = &age
	}

	for _, symbol := range m.symbols {
		snap := m.store.Snapshot(symbol)
		fields := []struct {
			name string
			ms   *int64
		}{
			{"last_price", TimeToMS(snap.LastPriceTS)},
			{"last_kline_close", TimeToMS(snap.LastKlineCloseTS)},
			{"last_kline_recv", TimeToMS(snap.LastKlineRecvTS)},
			{"funding", TimeToMS(snap.FundingTS)},
			{"open_interest", TimeToMS(snap.OpenInterestTS)},
		}
		raws := make([]*int64, len(fields))
		for i, f := range fields {
			raws[i] = RawAgeMS(nowMS, f.ms)
			if raws[i] != nil && *raws[i] < 0 {
				m.log.Warn().
					Str("unit", "ms").
					Str("symbol", symbol).
					Str("field", f.name).
					Int64("ahead_ms", -*raws[i]).
					Int64("now_ms_corrected", nowMS).
					Str("ts_ms", fmtMSPtr(f.ms)).
					Msg("timestamp_in_future")
			}
		}

		priceCount, klineCount := m.store.BufferSizes(symbol)
		m.log.Info().
			Str("mode", m.mode).
			Str("symbol", symbol).
			Int64("now_ms_corrected", nowMS).
			Int64("clock_skew_ms", clockSt.SkewMS).
			Str("clock_state", clockSt.State).
			Str("last_server_sync_age_ms", fmtMSPtr(lastServerSyncAgeMS)).
			Str("last_force_refresh_age_ms", fmtMSPtr(lastForceAgeMS)).
			Int64("refresh_cooldown_remaining_ms", cooldownRemainingMS).
			Str("last_price_ts_ms", fmtMSPtr(fields[0].ms)).
			Str("last_kline_close_ts_ms", fmtMSPtr(fields[1].ms)).
			Str("last_kline_recv_ts_ms", fmtMSPtr(fields[2].ms)).
			Str("funding_ts_ms", fmtMSPtr(fields[3].ms)).
			Str("open_interest_ts_ms", fmtMSPtr(fields[4].ms)).
			Str("last_price_raw_age_ms", fmtMSPtr(raws[0])).
			Str("last_kline_close_raw_age_ms", fmtMSPtr(raws[1])).
			Str("last_kline_recv_raw_age_ms", fmtMSPtr(raws[2])).
			Str("funding_raw_age_ms", fmtMSPtr(raws[3])).
			Str("oi_raw_age_ms", fmtMSPtr(raws[4])).
			Str("last_price_age_seconds", fmtAgePtr(AgeSecondsFromRaw(raws[0]))).
			Str("last_kline_age_seconds", fmtAgePtr(AgeSecondsFromRaw(raws[1]))).
			Str("last_kline_recv_age_seconds", fmtAgePtr(AgeSecondsFromRaw(raws[2]))).
			Str("funding_age_seconds", fmtAgePtr(AgeSecondsFromRaw(raws[3]))).
			Str("oi_age_seconds", fmtAgePtr(AgeSecondsFromRaw(raws[4]))).
			Int("price_buffer", priceCount).
			Int("kline_buffer", klineCount).
			Msg("health")
	}
}

func fmtMSPtr(v *int64) string {
	if v == nil {
		return "na"
	}
	return strconv.FormatInt(*v, 10)
}

func fmtAgePtr(v *float64) string {
	if v == nil {
		return "na"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}
