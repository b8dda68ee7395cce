package signal

import (
	"time"

	"binance-signal-engine/internal/analysis"
	"binance-signal-engine/internal/market"
)

// baselineWindows is how many previous 15m windows feed the ATR baseline
// and the open-interest z-score.
const baselineWindows = 96

// Context is the full picture one evaluation hands to the strategies:
// price, the 1m buffer, derived volatility numbers, and the derivatives
// state. Optional derived values are nil when their inputs were too thin.
type Context struct {
	Symbol           string
	Timestamp        time.Time
	Price            float64
	Klines1m         []market.Candle
	Return5m         float64
	ATR15m           float64
	ATR15mBaseline   float64
	FundingRate      float64
	OpenInterest     float64
	MarkPrice        float64
	OIZScore15m      *float64
	OIDeltaPct15m    *float64
	LastKlineCloseTS *time.Time
}

// ContextInput carries the snapshot values BuildContext derives from. The
// caller has already established that price, funding, open interest and
// mark price are present.
type ContextInput struct {
	Symbol             string
	Price              float64
	Klines1m           []market.Candle
	FundingRate        float64
	OpenInterest       float64
	MarkPrice          float64
	OpenInterestSeries []market.OIPoint
	LastKlineCloseTS   *time.Time
}

// BuildContext derives the signal context from raw snapshot data. It
// returns nil when the 1m buffer cannot support the 5m return or a full
// 15m ATR yet.
func BuildContext(in ContextInput) *Context {
	closes := make([]float64, len(in.Klines1m))
	for i, candle := range in.Klines1m {
		closes[i] = candle.Close
	}
	return5m, err := analysis.CalculateReturn(closes, 5)
	if err != nil {
		return nil
	}

	candles15m := analysis.AggregateKlinesToWindow(in.Klines1m, analysis.ATRWindowMinutes)
	atrValues := analysis.ATRSeries(analysis.TrueRanges(candles15m), analysis.ATRPeriod15m)
	if len(atrValues) == 0 {
		return nil
	}

	atr15m := atrValues[len(atrValues)-1]
	baseline := atr15m
	if window := min(baselineWindows, len(atrValues)-1); window > 0 {
		sum := 0.0
		for _, v := range atrValues[len(atrValues)-1-window : len(atrValues)-1] {
			sum += v
		}
		baseline = sum / float64(window)
	}

	oiWindows := analysis.AggregateOITo15m(in.OpenInterestSeries)
	var oiZScore, oiDelta *float64
	if z, ok := analysis.OIZScore15m(oiWindows, baselineWindows); ok {
		oiZScore = &z
	}
	if d, ok := analysis.OIDeltaPct15m(oiWindows); ok {
		oiDelta = &d
	}

	return &Context{
		Symbol:           in.Symbol,
		Timestamp:        time.Now().UTC(),
		Price:            in.Price,
		Klines1m:         in.Klines1m,
		Return5m:         return5m,
		ATR15m:           atr15m,
		ATR15mBaseline:   baseline,
		FundingRate:      in.FundingRate,
		OpenInterest:     in.OpenInterest,
		MarkPrice:        in.MarkPrice,
		OIZScore15m:      oiZScore,
		OIDeltaPct15m:    oiDelta,
		LastKlineCloseTS: in.LastKlineCloseTS,
	}
}
