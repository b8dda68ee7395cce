package strategy

import (
	"testing"
	"time"

	"binance-signal-engine/internal/signal"
)

var (
	_ Strategy = VolBreakout{}
	_ Strategy = FundingOISkew{}
	_ Strategy = LiquidationFollow{}
	_ Strategy = FakeBreakoutReversal{}
)

func floatPtr(v float64) *float64 { return &v }

// baseContext is a quiet tape: no return, flat ATR, mildly positive
// funding, no OI derivatives. Tests overwrite what they need.
func baseContext() *signal.Context {
	return &signal.Context{
		Symbol:         "BTCUSDT",
		Timestamp:      time.Now().UTC(),
		Price:          100,
		Return5m:       0,
		ATR15m:         1,
		ATR15mBaseline: 1,
		FundingRate:    0.0001,
		OpenInterest:   1000,
		MarkPrice:      100,
	}
}

func almostEqual(t *testing.T, got, want float64, what string) {
	t.Helper()
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	if diff > 1e-9 {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
}
