package strategy

import (
	"fmt"
	"math"

	"binance-signal-engine/internal/analysis"
	"binance-signal-engine/internal/signal"
)

const volBreakoutName = "vol_breakout_card"

// VolBreakout fires when the 5-minute return exceeds its threshold or the
// 15m ATR spikes above its baseline. Direction follows the sign of the
// return.
type VolBreakout struct {
	ReturnThreshold    float64
	ATRSpikeMultiplier float64
	LeverageSuggest    int
	MaxRiskUSDT        float64
	TTLMinutes         int
	Priority           int
}

func (s VolBreakout) Generate(ctx *signal.Context) *signal.ProposalCard {
	returnTrigger := math.Abs(ctx.Return5m) > s.ReturnThreshold
	atrTrigger := ctx.ATR15m > ctx.ATR15mBaseline*s.ATRSpikeMultiplier
	if !returnTrigger && !atrTrigger {
		return nil
	}

	side := signal.SideLong
	if ctx.Return5m < 0 {
		side = signal.SideShort
	}
	entry := ctx.Price
	stop := entry - 1.2*ctx.ATR15m
	if side == signal.SideShort {
		stop = entry + 1.2*ctx.ATR15m
	}
	positionUSDT, err := analysis.CalculatePositionUSDT(entry, stop, s.MaxRiskUSDT)
	if err != nil {
		return nil
	}

	scoreReturn := math.Abs(ctx.Return5m) / math.Max(s.ReturnThreshold, 1e-9)
	scoreATR := ctx.ATR15m / math.Max(ctx.ATR15mBaseline, 1e-9)
	confidence := math.Min(100, 40+scoreReturn*20+scoreATR*10)

	rationale := fmt.Sprintf(
		"triggered: return_5m=%.4f%% (th=%.2f%%), atr_15m=%.4f vs baseline=%.4f",
		ctx.Return5m*100, s.ReturnThreshold*100, ctx.ATR15m, ctx.ATR15mBaseline,
	)

	return &signal.ProposalCard{
		Symbol:          ctx.Symbol,
		Strategy:        volBreakoutName,
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
