package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeRest struct {
	now *fakeNow

	price      float64
	priceErr   error
	klines     []Candle
	klinesErr  error
	premium    PremiumIndex
	premiumErr error
	funding    []FundingRatePoint
	fundingErr error
	oi         float64
	oiErr      error

	priceCalls     int
	klineCalls     int
	premiumCalls   int
	fundingCalls   int
	oiCalls        int
	serverCalls    int
	lastKlineLimit int
}

func (f *fakeRest) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	f.priceCalls++
	return f.price, f.priceErr
}

func (f *fakeRest) FetchKlines(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	f.klineCalls++
	f.lastKlineLimit = limit
	if f.klinesErr != nil {
		return nil, f.klinesErr
	}
	return f.klines, nil
}

func (f *fakeRest) FetchPremiumIndex(ctx context.Context, symbol string) (PremiumIndex, error) {
	f.premiumCalls++
	return f.premium, f.premiumErr
}

func (f *fakeRest) FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingRatePoint, error) {
	f.fundingCalls++
	if f.fundingErr != nil {
		return nil, f.fundingErr
	}
	return f.funding, nil
}

func (f *fakeRest) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	f.oiCalls++
	return f.oi, f.oiErr
}

func (f *fakeRest) FetchServerTimeMS(ctx context.Context) (int64, error) {
	f.serverCalls++
	return f.now.localMS, nil
}

type fakeStream struct {
	connected  bool
	connectErr error
	readErr    error
	ticks      []PriceTick
	klineTicks []KlineTick

	connectCalls int
	closeCalls   int
}

func (f *fakeStream) Connected() bool { return f.connected }

func (f *fakeStream) Connect(ctx context.Context) error {
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeStream) Close() {
	f.connected = false
	f.closeCalls++
}

func (f *fakeStream) ReadEvents() ([]PriceTick, []KlineTick, error) {
	if f.readErr != nil {
		return nil, nil, f.readErr
	}
	ticks, klines := f.ticks, f.klineTicks
	f.ticks, f.klineTicks = nil, nil
	return ticks, klines, nil
}

func makeCandles(n int) []Candle {
	out := make([]Candle, n)
	for i := range out {
		base := 100 + float64(i)*0.1
		out[i] = Candle{Open: base, High: base + 1, Low: base - 1, Close: base + 0.5}
	}
	return out
}

func newTestManager(preferred string) (*SourceManager, *Store, *fakeRest, *fakeStream, *fakeNow) {
	now := &fakeNow{localMS: 1_000_000}
	rest := &fakeRest{
		now:     now,
		price:   50_000,
		klines:  makeCandles(300),
		premium: PremiumIndex{MarkPrice: 50_010, LastFundingRate: 0.0001, NextFundingTimeMS: 1_800_000},
		funding: []FundingRatePoint{{FundingRate: 0.0001, FundingTimeMS: 500_000}},
		oi:      12_345,
	}
	stream := &fakeStream{}
	store := NewStore([]string{"BTCUSDT"})
	cfg := SourceConfig{
		Symbols:                 []string{"BTCUSDT"},
		PreferredMode:           preferred,
		StaleSeconds:            5,
		KlineStaleMS:            15_000,
		WSBackoffMinSec:         1,
		WSBackoffMaxSec:         8,
		RestPricePollSeconds:    1,
		RestKlinePollSeconds:    30,
		WSRecoverGoodTicks:      3,
		StateSyncKlines:         240,
		PremiumIndexPollSeconds: 10,
		FundingPollSeconds:      60,
		OIPollSeconds:           10,
		FundingHistoryLimit:     3,
		Clock: ClockConfig{
			// A huge drift budget keeps the clock sanity path out of
			// these tests; it has its own coverage.
			MaxClockErrorMS:   1 << 40,
			RefreshSec:        300,
			DegradedRetrySec:  30,
			RefreshCooldownMS: 10_000,
			DegradedTTLMS:     120_000,
		},
	}
	m := NewSourceManager(store, rest, stream, cfg, zerolog.Nop())
	m.localNowMS = func() int64 { return now.localMS }
	m.monoMS = func() int64 { return now.monoMS }
	m.clock.localNowMS = m.localNowMS
	m.clock.monoMS = m.monoMS
	return m, store, rest, stream, now
}

func TestBootstrapWS(t *testing.T) {
	m, store, rest, stream, _ := newTestManager(ModeWS)
	m.Bootstrap(context.Background())

	if m.Mode() != ModeWS || store.Mode() != ModeWS {
		t.Fatalf("mode = %q / store %q, want ws", m.Mode(), store.Mode())
	}
	if stream.connectCalls != 1 || !stream.Connected() {
		t.Fatalf("stream connect calls = %d connected = %v", stream.connectCalls, stream.Connected())
	}
	if rest.serverCalls != 1 {
		t.Fatalf("bootstrap should force one clock refresh, calls = %d", rest.serverCalls)
	}
	if rest.lastKlineLimit != 240 {
		t.Fatalf("bootstrap sync limit = %d, want state sync klines", rest.lastKlineLimit)
	}
	_, klineCount := store.BufferSizes("BTCUSDT")
	if klineCount != 300 {
		t.Fatalf("bootstrap klines = %d, want 300", klineCount)
	}
	if got := m.ClockStatus().State; got != ClockSynced {
		t.Fatalf("clock state after bootstrap = %q", got)
	}
}

func TestBootstrapWSConnectFailureFallsBackToRest(t *testing.T) {
	m, store, _, stream, _ := newTestManager(ModeWS)
	stream.connectErr = errors.New("dial refused")
	m.Bootstrap(context.Background())

	if m.Mode() != ModeRest || store.Mode() != ModeRest {
		t.Fatalf("mode = %q / store %q, want rest", m.Mode(), store.Mode())
	}
	if m.wsNextRetryAtMS != 1000 {
		t.Fatalf("next retry = %d, want min backoff 1000", m.wsNextRetryAtMS)
	}
	if m.wsBackoffMS != 2000 {
		t.Fatalf("backoff after failure = %d, want doubled 2000", m.wsBackoffMS)
	}
}

func TestBootstrapStateSyncFailureTolerated(t *testing.T) {
	m, store, rest, stream, _ := newTestManager(ModeWS)
	rest.klinesErr = errors.New("http 500")
	m.Bootstrap(context.Background())

	if m.Mode() != ModeWS {
		t.Fatalf("failed bootstrap sync must not change mode, got %q", m.Mode())
	}
	if !stream.Connected() {
		t.Fatalf("stream should still connect after failed sync")
	}
	_, klineCount := store.BufferSizes("BTCUSDT")
	if klineCount != 0 {
		t.Fatalf("klines = %d, want none", klineCount)
	}
}

func TestRefreshAppliesStreamEvents(t *testing.T) {
	m, store, _, stream, now := newTestManager(ModeWS)
	m.Bootstrap(context.Background())

	stream.ticks = []PriceTick{{Symbol: "BTCUSDT", Price: 51_000, TS: time.UnixMilli(now.localMS).UTC()}}
	stream.klineTicks = []KlineTick{{
		Symbol:     "BTCUSDT",
		Candle:     Candle{Open: 50_900, High: 51_100, Low: 50_800, Close: 51_000},
		OpenTimeMS: now.localMS - now.localMS%60_000,
		IsClosed:   true,
		TS:         time.UnixMilli(now.localMS).UTC(),
	}}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := store.Snapshot("BTCUSDT")
	if snap.Price == nil || *snap.Price != 51_000 {
		t.Fatalf("price = %v, want 51000", snap.Price)
	}
	if snap.LastPriceTS == nil || snap.LastPriceTS.UnixMilli() != now.localMS {
		t.Fatalf("price ts = %v, want corrected now", snap.LastPriceTS)
	}
	if snap.LastKlineRecvTS == nil || snap.LastKlineCloseTS == nil {
		t.Fatalf("kline timestamps missing: %+v", snap)
	}
	if m.Mode() != ModeWS {
		t.Fatalf("mode = %q, want ws", m.Mode())
	}
}

func TestStalePriceSwitchesToRest(t *testing.T) {
	m, store, _, _, now := newTestManager(ModeWS)
	m.Bootstrap(context.Background())
	store.UpdatePrice("BTCUSDT", 50_000, time.UnixMilli(now.localMS).UTC())

	// Ten seconds pass with no stream traffic against a 5s budget.
	now.localMS += 10_000
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if m.Mode() != ModeRest || store.Mode() != ModeRest {
		t.Fatalf("mode = %q / store %q, want rest after stale price", m.Mode(), store.Mode())
	}
}

func TestStaleKlineRecvSwitchesToRest(t *testing.T) {
	m, store, _, _, now := newTestManager(ModeWS)
	m.Bootstrap(context.Background())

	// Bootstrap synced klines at T0. Twenty seconds later the stream
	// still delivers prices but no candles; the 15s kline budget trips.
	now.localMS += 20_000
	store.UpdatePrice("BTCUSDT", 50_000, time.UnixMilli(now.localMS).UTC())
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if m.Mode() != ModeRest {
		t.Fatalf("mode = %q, want rest after stale kline recv", m.Mode())
	}
}

func TestStreamReadErrorSwitchesToRest(t *testing.T) {
	m, store, _, stream, _ := newTestManager(ModeWS)
	m.Bootstrap(context.Background())
	stream.readErr = errors.New("connection reset")

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if m.Mode() != ModeRest || store.Mode() != ModeRest {
		t.Fatalf("mode = %q, want rest after read error", m.Mode())
	}
	if stream.closeCalls == 0 {
		t.Fatalf("stream should be closed after read error")
	}
}

func TestWSRecoverAfterGoodTicks(t *testing.T) {
	m, store, rest, stream, now := newTestManager(ModeWS)
	m.Bootstrap(context.Background())
	m.switchMode(ModeRest, "BTCUSDT", "stale")
	if m.Mode() != ModeRest {
		t.Fatalf("precondition: mode = %q", m.Mode())
	}

	stream.ticks = []PriceTick{
		{Symbol: "BTCUSDT", Price: 50_001, TS: time.UnixMilli(now.localMS).UTC()},
		{Symbol: "BTCUSDT", Price: 50_002, TS: time.UnixMilli(now.localMS).UTC()},
		{Symbol: "BTCUSDT", Price: 50_003, TS: time.UnixMilli(now.localMS).UTC()},
	}
	rest.lastKlineLimit = 0
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if m.Mode() != ModeWS || store.Mode() != ModeWS {
		t.Fatalf("mode = %q / store %q, want recovered ws", m.Mode(), store.Mode())
	}
	if m.wsGoodTicks != 0 {
		t.Fatalf("good tick counter should reset, got %d", m.wsGoodTicks)
	}
	// Recovery must resync klines at the full state sync depth.
	if rest.lastKlineLimit != 240 {
		t.Fatalf("recovery sync limit = %d, want 240", rest.lastKlineLimit)
	}
}

func TestWSRecoverWaitsForEnoughTicks(t *testing.T) {
	m, _, _, stream, now := newTestManager(ModeWS)
	m.Bootstrap(context.Background())
	m.switchMode(ModeRest, "BTCUSDT", "stale")

	stream.ticks = []PriceTick{
		{Symbol: "BTCUSDT", Price: 50_001, TS: time.UnixMilli(now.localMS).UTC()},
		{Symbol: "BTCUSDT", Price: 50_002, TS: time.UnixMilli(now.localMS).UTC()},
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if m.Mode() != ModeRest {
		t.Fatalf("two fresh ticks must not recover yet, mode = %q", m.Mode())
	}
	if m.wsGoodTicks != 2 {
		t.Fatalf("good ticks = %d, want 2", m.wsGoodTicks)
	}
}

func TestWSRecoverBackoffDoublesAndCaps(t *testing.T) {
	m, _, _, stream, now := newTestManager(ModeWS)
	stream.connectErr = errors.New("dial refused")
	m.Bootstrap(context.Background())
	if m.Mode() != ModeRest {
		t.Fatalf("precondition: mode = %q", m.Mode())
	}
	// Bootstrap failure armed retry at 1000 with backoff 2000.

	refreshAt := func(monoMS int64) {
		now.monoMS = monoMS
		if err := m.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh at %d: %v", monoMS, err)
		}
	}

	refreshAt(500) // before the retry deadline
	if stream.connectCalls != 1 {
		t.Fatalf("connect before deadline, calls = %d", stream.connectCalls)
	}

	refreshAt(1000)
	if stream.connectCalls != 2 || m.wsBackoffMS != 4000 {
		t.Fatalf("after retry 1: calls = %d backoff = %d", stream.connectCalls, m.wsBackoffMS)
	}

	refreshAt(3000)
	if stream.connectCalls != 3 || m.wsBackoffMS != 8000 {
		t.Fatalf("after retry 2: calls = %d backoff = %d", stream.connectCalls, m.wsBackoffMS)
	}

	refreshAt(7000)
	if stream.connectCalls != 4 || m.wsBackoffMS != 8000 {
		t.Fatalf("backoff must cap at max: calls = %d backoff = %d", stream.connectCalls, m.wsBackoffMS)
	}
}

func TestRestPricePollErrorAbortsRefresh(t *testing.T) {
	m, _, rest, _, _ := newTestManager(ModeRest)
	m.Bootstrap(context.Background())
	rest.priceErr = errors.New("http 503")

	if err := m.Refresh(context.Background()); err == nil {
		t.Fatalf("refresh should surface rest price errors")
	}
	// The deadline must not advance, so the next pass retries.
	calls := rest.priceCalls
	if err := m.Refresh(context.Background()); err == nil {
		t.Fatalf("second refresh should also fail")
	}
	if rest.priceCalls != calls+1 {
		t.Fatalf("price poll not retried: %d -> %d", calls, rest.priceCalls)
	}
}

func TestDerivativePollFailuresTolerated(t *testing.T) {
	m, store, rest, _, _ := newTestManager(ModeRest)
	m.Bootstrap(context.Background())
	rest.premiumErr = errors.New("x")
	rest.fundingErr = errors.New("y")
	rest.oiErr = errors.New("z")

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("derivative failures must not abort refresh: %v", err)
	}
	snap := store.Snapshot("BTCUSDT")
	if snap.MarkPrice != nil || snap.OpenInterest != nil {
		t.Fatalf("failed polls should leave fields empty: %+v", snap)
	}
	if snap.Price == nil {
		t.Fatalf("rest price poll should still run")
	}

	// Failed derivative polls still consume their deadline.
	premiumCalls := rest.premiumCalls
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rest.premiumCalls != premiumCalls {
		t.Fatalf("premium poll should wait for its interval, calls %d -> %d", premiumCalls, rest.premiumCalls)
	}
}

func TestDerivativePollsPopulateStore(t *testing.T) {
	m, store, _, _, _ := newTestManager(ModeRest)
	m.Bootstrap(context.Background())
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := store.Snapshot("BTCUSDT")
	if snap.MarkPrice == nil || *snap.MarkPrice != 50_010 {
		t.Fatalf("mark price = %v", snap.MarkPrice)
	}
	if snap.LastFundingRate == nil || *snap.LastFundingRate != 0.0001 {
		t.Fatalf("funding rate = %v", snap.LastFundingRate)
	}
	if len(snap.FundingRateHistory) != 1 {
		t.Fatalf("funding history = %+v", snap.FundingRateHistory)
	}
	if snap.OpenInterest == nil || *snap.OpenInterest != 12_345 {
		t.Fatalf("open interest = %v", snap.OpenInterest)
	}
	if len(snap.OpenInterestSeries) != 1 {
		t.Fatalf("open interest series = %+v", snap.OpenInterestSeries)
	}
}
