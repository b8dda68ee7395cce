package market

import (
	"sync"
	"time"
)

// Default buffer capacities.
const (
	DefaultMaxPricePoints = 600
	DefaultMaxKlines      = 1440

	// One OI reading every 10s for a day.
	oiSeriesCapacity = 24 * 60 * 6
)

// Store keeps per-symbol rolling buffers and last-seen timestamps. All
// mutation and read paths are serialized by one mutex; Snapshot returns a
// deep copy so readers never hold the lock afterwards.
type Store struct {
	mu   sync.Mutex
	mode string

	prices             map[string]*ring[PricePoint]
	klines             map[string]*ring[Candle]
	lastPriceTS        map[string]*time.Time
	lastKlineCloseTS   map[string]*time.Time
	lastKlineRecvTS    map[string]*time.Time
	lastWSKlineOpenMS  map[string]*int64
	lastFundingRate    map[string]*float64
	nextFundingTimeMS  map[string]*int64
	markPrice          map[string]*float64
	fundingRateHistory map[string][]FundingRatePoint
	openInterest       map[string]*float64
	openInterestTS     map[string]*time.Time
	fundingTS          map[string]*time.Time
	openInterestSeries map[string]*ring[OIPoint]
}

// NewStore builds a store for the given symbols with default capacities.
func NewStore(symbols []string) *Store {
	return NewStoreWithCapacity(symbols, DefaultMaxPricePoints, DefaultMaxKlines)
}

// NewStoreWithCapacity builds a store with explicit price and kline caps.
func NewStoreWithCapacity(symbols []string, maxPricePoints, maxKlines int) *Store {
	s := &Store{
		mode:               "rest",
		prices:             make(map[string]*ring[PricePoint], len(symbols)),
		klines:             make(map[string]*ring[Candle], len(symbols)),
		lastPriceTS:        make(map[string]*time.Time, len(symbols)),
		lastKlineCloseTS:   make(map[string]*time.Time, len(symbols)),
		lastKlineRecvTS:    make(map[string]*time.Time, len(symbols)),
		lastWSKlineOpenMS:  make(map[string]*int64, len(symbols)),
		lastFundingRate:    make(map[string]*float64, len(symbols)),
		nextFundingTimeMS:  make(map[string]*int64, len(symbols)),
		markPrice:          make(map[string]*float64, len(symbols)),
		fundingRateHistory: make(map[string][]FundingRatePoint, len(symbols)),
		openInterest:       make(map[string]*float64, len(symbols)),
		openInterestTS:     make(map[string]*time.Time, len(symbols)),
		fundingTS:          make(map[string]*time.Time, len(symbols)),
		openInterestSeries: make(map[string]*ring[OIPoint], len(symbols)),
	}
	for _, symbol := range symbols {
		s.prices[symbol] = newRing[PricePoint](maxPricePoints)
		s.klines[symbol] = newRing[Candle](maxKlines)
		s.openInterestSeries[symbol] = newRing[OIPoint](oiSeriesCapacity)
		s.fundingRateHistory[symbol] = nil
	}
	return s
}

// SetMode records the process-wide ingestion mode ("ws" or "rest").
func (s *Store) SetMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// Mode returns the current ingestion mode.
func (s *Store) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// UpdatePrice appends a price observation and advances last_price_ts.
func (s *Store) UpdatePrice(symbol string, price float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.prices[symbol]
	if !ok {
		return
	}
	buf.Append(PricePoint{TS: ts, Price: price})
	t := ts
	s.lastPriceTS[symbol] = &t
}

// MergeKlines replaces the whole candle buffer from a REST sync. The
// stream's open-time tracking is reset so the next stream candle appends
// rather than overwriting the synced tail.
func (s *Store) MergeKlines(symbol string, klines []Candle, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.klines[symbol]
	if !ok || len(klines) == 0 {
		return
	}
	buf.Reset()
	for _, k := range klines {
		buf.Append(k)
	}
	t := ts
	s.lastKlineCloseTS[symbol] = &t
	t2 := ts
	s.lastKlineRecvTS[symbol] = &t2
	s.lastWSKlineOpenMS[symbol] = nil
}

// UpsertWSKline applies one stream candle. A repeat of the tracked open
// time replaces the tail in place; anything else appends and becomes the
// tracked open time. last_kline_close_ts advances only for closed bars.
func (s *Store) UpsertWSKline(symbol string, candle Candle, openTimeMS int64, isClosed bool, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.klines[symbol]
	if !ok {
		return
	}
	lastOpen := s.lastWSKlineOpenMS[symbol]
	if buf.Len() > 0 && lastOpen != nil && *lastOpen == openTimeMS {
		buf.ReplaceLast(candle)
	} else {
		buf.Append(candle)
		open := openTimeMS
		s.lastWSKlineOpenMS[symbol] = &open
	}

	recv := ts
	s.lastKlineRecvTS[symbol] = &recv
	if isClosed {
		closeTS := ts
		s.lastKlineCloseTS[symbol] = &closeTS
	}
}

// UpdatePremiumIndex stores mark price and the live funding slice.
func (s *Store) UpdatePremiumIndex(symbol string, markPrice, lastFundingRate float64, nextFundingTimeMS int64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prices[symbol]; !ok {
		return
	}
	mp := markPrice
	fr := lastFundingRate
	nft := nextFundingTimeMS
	t := ts
	s.markPrice[symbol] = &mp
	s.lastFundingRate[symbol] = &fr
	s.nextFundingTimeMS[symbol] = &nft
	s.fundingTS[symbol] = &t
}

// UpdateFundingRateHistory replaces the recent funding history.
func (s *Store) UpdateFundingRateHistory(symbol string, history []FundingRatePoint, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prices[symbol]; !ok {
		return
	}
	s.fundingRateHistory[symbol] = append([]FundingRatePoint(nil), history...)
	t := ts
	s.fundingTS[symbol] = &t
}

// UpdateOpenInterest stores the latest OI reading and appends it to the
// bounded series used for 15m bucketing.
func (s *Store) UpdateOpenInterest(symbol string, openInterest float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.openInterestSeries[symbol]
	if !ok {
		return
	}
	oi := openInterest
	t := ts
	s.openInterest[symbol] = &oi
	s.openInterestTS[symbol] = &t
	series.Append(OIPoint{TS: ts, Value: openInterest})
}

// Snapshot returns a deep copy of one symbol's state.
func (s *Store) Snapshot(symbol string) SymbolSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SymbolSnapshot{
		Symbol:         symbol,
		DataSourceMode: s.mode,
	}
	prices, ok := s.prices[symbol]
	if !ok {
		return snap
	}
	if prices.Len() > 0 {
		last := prices.Last()
		p := last.Price
		snap.Price = &p
	}
	snap.Klines1m = s.klines[symbol].Items()
	snap.LastPriceTS = copyTime(s.lastPriceTS[symbol])
	snap.LastKlineCloseTS = copyTime(s.lastKlineCloseTS[symbol])
	snap.LastKlineRecvTS = copyTime(s.lastKlineRecvTS[symbol])
	snap.LastFundingRate = copyFloat(s.lastFundingRate[symbol])
	snap.NextFundingTimeMS = copyInt64(s.nextFundingTimeMS[symbol])
	snap.MarkPrice = copyFloat(s.markPrice[symbol])
	snap.FundingRateHistory = append([]FundingRatePoint(nil), s.fundingRateHistory[symbol]...)
	snap.OpenInterest = copyFloat(s.openInterest[symbol])
	snap.OpenInterestTS = copyTime(s.openInterestTS[symbol])
	snap.FundingTS = copyTime(s.fundingTS[symbol])
	snap.OpenInterestSeries = s.openInterestSeries[symbol].Items()
	return snap
}

// BufferSizes reports the price and kline buffer lengths for health logging.
func (s *Store) BufferSizes(symbol string) (priceCount, klineCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prices, ok := s.prices[symbol]
	if !ok {
		return 0, 0
	}
	return prices.Len(), s.klines[symbol].Len()
}

func copyTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	t := *ts
	return &t
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	i := *v
	return &i
}
