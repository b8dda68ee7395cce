package strategy

import (
	"fmt"
	"math"

	"binance-signal-engine/internal/analysis"
	"binance-signal-engine/internal/signal"
)

const liquidationFollowName = "liquidation_follow"

// LiquidationFollow rides a liquidation cascade: a jump in open interest
// delta with a strong move whose direction agrees with the funding sign.
type LiquidationFollow struct {
	OIDeltaPctThreshold float64
	LeverageSuggest     int
	MaxRiskUSDT         float64
	TTLMinutes          int
	Priority            int
}

func (s LiquidationFollow) Generate(ctx *signal.Context) *signal.ProposalCard {
	if ctx.OIDeltaPct15m == nil {
		return nil
	}

	trendDir := -1
	if ctx.Return5m > 0 {
		trendDir = 1
	}
	fundingDir := -1
	if ctx.FundingRate > 0 {
		fundingDir = 1
	}
	aligned := trendDir == fundingDir

	trigger := *ctx.OIDeltaPct15m >= s.OIDeltaPctThreshold &&
		math.Abs(ctx.Return5m) >= 0.01 &&
		aligned
	if !trigger {
		return nil
	}

	side := signal.SideShort
	if ctx.Return5m > 0 {
		side = signal.SideLong
	}
	entry := ctx.Price
	stop := entry + 1.5*ctx.ATR15m
	if side == signal.SideLong {
		stop = entry - 1.5*ctx.ATR15m
	}
	positionUSDT, err := analysis.CalculatePositionUSDT(entry, stop, s.MaxRiskUSDT)
	if err != nil {
		return nil
	}

	confidence := math.Min(100, 40+*ctx.OIDeltaPct15m/math.Max(s.OIDeltaPctThreshold, 1e-9)*25+math.Abs(ctx.Return5m)*1000)

	rationale := fmt.Sprintf(
		"oi_delta_15m=%.2f%%, funding=%.6f, return_5m=%.2f%%, aligned_trend=%t",
		*ctx.OIDeltaPct15m*100, ctx.FundingRate, ctx.Return5m*100, aligned,
	)

	return &signal.ProposalCard{
		Symbol:          ctx.Symbol,
		Strategy:        liquidationFollowName,
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
