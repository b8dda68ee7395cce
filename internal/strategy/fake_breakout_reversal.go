package strategy

import (
	"fmt"
	"math"

	"binance-signal-engine/internal/analysis"
	"binance-signal-engine/internal/signal"
)

const (
	fakeBreakoutReversalName = "fake_breakout_reversal"

	// A sweep is only tradeable off a bar that just closed.
	defaultMaxKlineAgeSeconds = 90
)

// FakeBreakoutReversal fades a liquidity sweep: the latest bar pokes
// through the 20-minute high or low by SweepPct, closes back inside, and
// leaves a wick at least WickBodyRatio times the body. Only runs on fresh
// bars and when the ATR clears a floor relative to price.
type FakeBreakoutReversal struct {
	SweepPct        float64
	WickBodyRatio   float64
	StopBufferATR   float64
	MinATRPct       float64
	LeverageSuggest int
	MaxRiskUSDT     float64
	TTLMinutes      int
	Priority        int

	// MaxKlineAgeSeconds of zero falls back to the 90s default.
	MaxKlineAgeSeconds int
}

func (s FakeBreakoutReversal) Generate(ctx *signal.Context) *signal.ProposalCard {
	if ctx.LastKlineCloseTS == nil {
		return nil
	}
	maxAge := s.MaxKlineAgeSeconds
	if maxAge <= 0 {
		maxAge = defaultMaxKlineAgeSeconds
	}
	if ctx.Timestamp.Sub(*ctx.LastKlineCloseTS).Seconds() > float64(maxAge) {
		return nil
	}

	if ctx.ATR15m < s.MinATRPct*ctx.Price {
		return nil
	}
	if len(ctx.Klines1m) < 21 {
		return nil
	}

	latest := ctx.Klines1m[len(ctx.Klines1m)-1]
	recent := ctx.Klines1m[len(ctx.Klines1m)-21 : len(ctx.Klines1m)-1]
	prev20mHigh := recent[0].High
	prev20mLow := recent[0].Low
	for _, c := range recent[1:] {
		prev20mHigh = math.Max(prev20mHigh, c.High)
		prev20mLow = math.Min(prev20mLow, c.Low)
	}

	body := math.Max(math.Abs(latest.Close-latest.Open), 1e-9)
	upperWick := math.Max(0, latest.High-math.Max(latest.Open, latest.Close))
	lowerWick := math.Max(0, math.Min(latest.Open, latest.Close)-latest.Low)

	sweepHigh := latest.High > prev20mHigh*(1+s.SweepPct) &&
		latest.Close < prev20mHigh &&
		upperWick/body >= s.WickBodyRatio
	sweepLow := latest.Low < prev20mLow*(1-s.SweepPct) &&
		latest.Close > prev20mLow &&
		lowerWick/body >= s.WickBodyRatio
	if !sweepHigh && !sweepLow {
		return nil
	}

	entry := ctx.Price
	var side string
	var stop, sweepPctVal, wickRatio, reclaimLevel float64
	if sweepHigh {
		side = signal.SideShort
		stop = latest.High + s.StopBufferATR*ctx.ATR15m
		sweepPctVal = latest.High/prev20mHigh - 1
		wickRatio = upperWick / body
		reclaimLevel = prev20mHigh
	} else {
		side = signal.SideLong
		stop = latest.Low - s.StopBufferATR*ctx.ATR15m
		sweepPctVal = 1 - latest.Low/prev20mLow
		wickRatio = lowerWick / body
		reclaimLevel = prev20mLow
	}

	positionUSDT, err := analysis.CalculatePositionUSDT(entry, stop, s.MaxRiskUSDT)
	if err != nil {
		return nil
	}

	confidence := math.Min(100, 50+wickRatio*10+sweepPctVal*10000)
	rationale := fmt.Sprintf(
		"prev_20m_high=%.4f, prev_20m_low=%.4f, sweep_pct=%.4f%%, wick_body=%.2f, reclaim=%.4f -> %s",
		prev20mHigh, prev20mLow, sweepPctVal*100, wickRatio, reclaimLevel, side,
	)

	return &signal.ProposalCard{
		Symbol:          ctx.Symbol,
		Strategy:        fakeBreakoutReversalName,
		Side:            side,
		Entry:           entry,
		Stop:            stop,
		LeverageSuggest: s.LeverageSuggest,
		PositionUSDT:    positionUSDT,
		MaxRiskUSDT:     s.MaxRiskUSDT,
		TTLMinutes:      s.TTLMinutes,
		Rationale:       rationale,
		CreatedAt:       signal.CreatedAtTimestamp(),
		Priority:        s.Priority,
		Confidence:      confidence,
	}
}
