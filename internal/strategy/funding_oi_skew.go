package strategy

import (
	"fmt"
	"math"

	"binance-signal-engine/internal/analysis"
	"binance-signal-engine/internal/signal"
)

const fundingOISkewName = "funding_oi_skew"

// FundingOISkew fades a crowded side: extreme funding plus an open-interest
// z-score spike while price pushes in the funding direction reads as a
// crowd to take the other side of.
type FundingOISkew struct {
	FundingExtreme    float64
	OIZScoreThreshold float64
	LeverageSuggest   int
	MaxRiskUSDT       float64
	TTLMinutes        int
	Priority          int
}

func (s FundingOISkew) Generate(ctx *signal.Context) *signal.ProposalCard {
	if ctx.OIZScore15m == nil {
		return nil
	}
	funding := ctx.FundingRate
	crowdedLong := funding > 0 && ctx.Return5m > 0
	crowdedShort := funding < 0 && ctx.Return5m < 0

	if math.Abs(funding) < s.FundingExtreme {
		return nil
	}
	if *ctx.OIZScore15m < s.OIZScoreThreshold {
		return nil
	}
	if !crowdedLong && !crowdedShort {
		return nil
	}

	side := signal.SideLong
	if crowdedLong {
		side = signal.SideShort
	}
	entry := ctx.Price
	stop := entry - ctx.ATR15m
	if side == signal.SideShort {
		stop = entry + ctx.ATR15m
	}
	positionUSDT, err := analysis.CalculatePositionUSDT(entry, stop, s.MaxRiskUSDT)
	if err != nil {
		return nil
	}

	confidence := math.Min(100, 45+math.Abs(funding)/math.Max(s.FundingExtreme, 1e-9)*20+*ctx.OIZScore15m*10)

	crowd := "short"
	if crowdedLong {
		crowd = "long"
	}
	rationale := fmt.Sprintf(
		"funding=%.6f, oi_zscore_15m=%.2f, crowded=%s -> contrarian %s",
		funding, *ctx.OIZScore15m, crowd, side,
	)

	return &signal.ProposalCard{
		Symbol:          ctx.Symbol,
		Strategy:        fundingOISkewName,
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
