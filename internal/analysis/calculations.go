// Package analysis holds the pure market math used by the signal
// pipeline: returns, candle aggregation, ATR and the open-interest
// series reductions. Nothing here touches the network or the clock.
package analysis

import (
	"errors"
	"math"

	"binance-signal-engine/internal/market"
)

// ATR parameters shared by the context builder and the strategies.
const (
	ATRPeriod15m     = 14
	ATRWindowMinutes = 15

	// Minimum 1m candles before a 15m ATR of period 14 exists:
	// 14 windows of 15 bars each.
	Min1mBarsForATR = ATRPeriod15m * ATRWindowMinutes
)

var (
	ErrNotEnoughCloses = errors.New("not enough closes for lookback")
	ErrZeroBaseClose   = errors.New("base close is zero")
	ErrBadRiskRatio    = errors.New("risk ratio must be positive")
)

// CalculateReturn computes the simple return over the last
// lookbackMinutes closes: (last - base) / base.
func CalculateReturn(closes []float64, lookbackMinutes int) (float64, error) {
	if len(closes) < lookbackMinutes+1 {
		return 0, ErrNotEnoughCloses
	}
	last := closes[len(closes)-1]
	base := closes[len(closes)-1-lookbackMinutes]
	if base == 0 {
		return 0, ErrZeroBaseClose
	}
	return (last - base) / base, nil
}

// AggregateKlinesToWindow rolls 1m candles up into window-minute candles.
// Chunks are aligned to the end of the series so the newest candle always
// completes the newest window; up to window-1 leading candles are dropped.
func AggregateKlinesToWindow(candles []market.Candle, window int) []market.Candle {
	if window <= 1 {
		out := make([]market.Candle, len(candles))
		copy(out, candles)
		return out
	}
	if len(candles) < window {
		return nil
	}
	start := len(candles) % window
	out := make([]market.Candle, 0, (len(candles)-start)/window)
	for i := start; i+window <= len(candles); i += window {
		chunk := candles[i : i+window]
		agg := market.Candle{
			Open:  chunk[0].Open,
			High:  chunk[0].High,
			Low:   chunk[0].Low,
			Close: chunk[len(chunk)-1].Close,
		}
		for _, c := range chunk[1:] {
			if c.High > agg.High {
				agg.High = c.High
			}
			if c.Low < agg.Low {
				agg.Low = c.Low
			}
		}
		out = append(out, agg)
	}
	return out
}

// TrueRanges computes the true range series. The first element has no
// previous close and falls back to high-low.
func TrueRanges(candles []market.Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	out := make([]float64, 0, len(candles))
	out = append(out, candles[0].High-candles[0].Low)
	for i := 1; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		hl := candles[i].High - candles[i].Low
		hc := math.Abs(candles[i].High - prevClose)
		lc := math.Abs(candles[i].Low - prevClose)
		out = append(out, math.Max(hl, math.Max(hc, lc)))
	}
	return out
}

// ATRSeries is the rolling mean of the true ranges. It is empty until
// period values exist; otherwise len(out) == len(trueRanges)-period+1.
func ATRSeries(trueRanges []float64, period int) []float64 {
	if period <= 0 || len(trueRanges) < period {
		return nil
	}
	out := make([]float64, 0, len(trueRanges)-period+1)
	var sum float64
	for i, tr := range trueRanges {
		sum += tr
		if i >= period {
			sum -= trueRanges[i-period]
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out
}

// CalculatePositionUSDT sizes a position so that the stop being hit loses
// at most maxRiskUSDT: size = maxRisk / (|entry-stop| / entry).
func CalculatePositionUSDT(entry, stop, maxRiskUSDT float64) (float64, error) {
	if entry == 0 {
		return 0, ErrBadRiskRatio
	}
	riskRatio := math.Abs(entry-stop) / entry
	if riskRatio <= 0 {
		return 0, ErrBadRiskRatio
	}
	return maxRiskUSDT / riskRatio, nil
}

// AggregateOITo15m reduces raw open-interest points to one value per 15m
// bucket. The last observation within a bucket wins; buckets appear in
// order of first observation.
func AggregateOITo15m(points []market.OIPoint) []float64 {
	if len(points) == 0 {
		return nil
	}
	values := make(map[int64]float64, len(points))
	var order []int64
	for _, p := range points {
		bucket := p.TS.Unix() / 900
		if _, seen := values[bucket]; !seen {
			order = append(order, bucket)
		}
		values[bucket] = p.Value
	}
	out := make([]float64, 0, len(order))
	for _, bucket := range order {
		out = append(out, values[bucket])
	}
	return out
}

// OIZScore15m scores the newest 15m open-interest value against a
// baseline of up to 96 prior windows (one day). The baseline excludes the
// current window. A flat baseline yields a score of zero. The bool is
// false when fewer than two windows exist.
func OIZScore15m(windows []float64, baselineWindows int) (float64, bool) {
	if len(windows) < 2 {
		return 0, false
	}
	current := windows[len(windows)-1]
	n := len(windows) - 1
	if baselineWindows > 0 && n > baselineWindows {
		n = baselineWindows
	}
	baseline := windows[len(windows)-1-n : len(windows)-1]

	var sum float64
	for _, v := range baseline {
		sum += v
	}
	mean := sum / float64(len(baseline))

	var variance float64
	for _, v := range baseline {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(baseline))
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return 0, true
	}
	return (current - mean) / sigma, true
}

// OIDeltaPct15m is the relative change between the two newest 15m
// open-interest windows. The bool is false when fewer than two windows
// exist or the previous window is zero.
func OIDeltaPct15m(windows []float64) (float64, bool) {
	if len(windows) < 2 {
		return 0, false
	}
	prev := windows[len(windows)-2]
	if prev == 0 {
		return 0, false
	}
	return (windows[len(windows)-1] - prev) / prev, true
}
