// Package market holds the per-symbol rolling state for the signal engine:
// the thread-safe data store, the server-time clock sync, and the dual-mode
// source manager that feeds the store from the stream or from REST polling.
package market

import (
	"context"
	"time"
)

// Candle is a 1-minute OHLC bar. It carries no timestamp; ordering is
// positional within its containing sequence.
type Candle struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// PricePoint is one observed price with the corrected time it was stored.
type PricePoint struct {
	TS    time.Time
	Price float64
}

// OIPoint is one open-interest reading.
type OIPoint struct {
	TS    time.Time
	Value float64
}

// FundingRatePoint is one settled funding rate from the funding history.
type FundingRatePoint struct {
	FundingRate   float64
	FundingTimeMS int64
}

// PriceTick is a stream price event.
type PriceTick struct {
	Symbol string
	Price  float64
	TS     time.Time
}

// KlineTick is a stream candle event. IsClosed reports whether the venue
// marked the bar as final.
type KlineTick struct {
	Symbol     string
	Candle     Candle
	OpenTimeMS int64
	TS         time.Time
	IsClosed   bool
}

// PremiumIndex bundles the mark price and funding slice returned by the
// premium index endpoint.
type PremiumIndex struct {
	MarkPrice         float64
	LastFundingRate   float64
	NextFundingTimeMS int64
}

// RestClient is the REST surface the source manager polls.
type RestClient interface {
	FetchPrice(ctx context.Context, symbol string) (float64, error)
	FetchKlines(ctx context.Context, symbol string, limit int) ([]Candle, error)
	FetchPremiumIndex(ctx context.Context, symbol string) (PremiumIndex, error)
	FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingRatePoint, error)
	FetchOpenInterest(ctx context.Context, symbol string) (float64, error)
	FetchServerTimeMS(ctx context.Context) (int64, error)
}

// StreamClient is the combined-stream surface the source manager drains.
type StreamClient interface {
	Connected() bool
	Connect(ctx context.Context) error
	Close()
	ReadEvents() ([]PriceTick, []KlineTick, error)
}

// ServerTimeSource is the slice of RestClient the clock needs.
type ServerTimeSource interface {
	FetchServerTimeMS(ctx context.Context) (int64, error)
}

// SymbolSnapshot is a detached copy of one symbol's state. Readers never
// touch store internals after it is returned.
type SymbolSnapshot struct {
	Symbol             string
	Price              *float64
	Klines1m           []Candle
	LastPriceTS        *time.Time
	LastKlineCloseTS   *time.Time
	LastKlineRecvTS    *time.Time
	DataSourceMode     string
	LastFundingRate    *float64
	NextFundingTimeMS  *int64
	MarkPrice          *float64
	FundingRateHistory []FundingRatePoint
	OpenInterest       *float64
	OpenInterestTS     *time.Time
	FundingTS          *time.Time
	OpenInterestSeries []OIPoint
}

// TimeToMS converts a timestamp to UTC milliseconds; nil stays nil.
func TimeToMS(ts *time.Time) *int64 {
	if ts == nil {
		return nil
	}
	ms := ts.UnixMilli()
	return &ms
}

// RawAgeMS is now minus the timestamp, in milliseconds. The result can be
// negative when the timestamp is ahead of the clock; callers decide what a
// negative age means.
func RawAgeMS(nowMS int64, tsMS *int64) *int64 {
	if tsMS == nil {
		return nil
	}
	age := nowMS - *tsMS
	return &age
}

// AgeSecondsFromRaw converts a raw age to non-negative seconds for display.
func AgeSecondsFromRaw(rawAgeMS *int64) *float64 {
	if rawAgeMS == nil {
		return nil
	}
	secs := 0.0
	if *rawAgeMS > 0 {
		secs = float64(*rawAgeMS) / 1000.0
	}
	return &secs
}
