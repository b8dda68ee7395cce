package strategy

import (
	"strings"
	"testing"
	"time"

	"binance-signal-engine/internal/market"
	"binance-signal-engine/internal/signal"
)

func testFakeBreakout() FakeBreakoutReversal {
	return FakeBreakoutReversal{
		SweepPct:        0.005,
		WickBodyRatio:   2,
		StopBufferATR:   0.5,
		MinATRPct:       0.001,
		LeverageSuggest: 50,
		MaxRiskUSDT:     20,
		TTLMinutes:      5,
		Priority:        70,
	}
}

// sweepContext is 20 minutes ranging 99..101 plus a given latest bar, with
// a close timestamp fresh enough to trade.
func sweepContext(latest market.Candle) *signal.Context {
	klines := make([]market.Candle, 0, 21)
	for i := 0; i < 20; i++ {
		klines = append(klines, market.Candle{Open: 100, High: 101, Low: 99, Close: 100})
	}
	klines = append(klines, latest)

	now := time.Now().UTC()
	closed := now.Add(-30 * time.Second)
	return &signal.Context{
		Symbol:           "BTCUSDT",
		Timestamp:        now,
		Price:            latest.Close,
		Klines1m:         klines,
		ATR15m:           1,
		ATR15mBaseline:   1,
		FundingRate:      0.0001,
		LastKlineCloseTS: &closed,
	}
}

func TestFakeBreakoutFadesHighSweep(t *testing.T) {
	// Wick through the 20m high at 101, close back inside.
	ctx := sweepContext(market.Candle{Open: 100, High: 102, Low: 99.8, Close: 100.5})

	card := testFakeBreakout().Generate(ctx)
	if card == nil {
		t.Fatal("expected a card fading the high sweep")
	}
	if card.Strategy != "fake_breakout_reversal" || card.Side != "SHORT" {
		t.Fatalf("card = %+v, want SHORT fake_breakout_reversal", card)
	}
	almostEqual(t, card.Entry, 100.5, "entry")
	almostEqual(t, card.Stop, 102+0.5, "stop")
	almostEqual(t, card.Confidence, 100, "confidence")
	if !strings.Contains(card.Rationale, "SHORT") {
		t.Fatalf("rationale = %q, want the side named", card.Rationale)
	}
}

func TestFakeBreakoutFadesLowSweep(t *testing.T) {
	// Wick through the 20m low at 99, close back above it.
	ctx := sweepContext(market.Candle{Open: 100, High: 100.2, Low: 97.9, Close: 99.8})

	card := testFakeBreakout().Generate(ctx)
	if card == nil {
		t.Fatal("expected a card fading the low sweep")
	}
	if card.Side != "LONG" {
		t.Fatalf("side = %s, want LONG", card.Side)
	}
	almostEqual(t, card.Stop, 97.9-0.5, "stop")
}

func TestFakeBreakoutIgnoresCleanBreak(t *testing.T) {
	// Closes above the old high: a real breakout, not a sweep.
	ctx := sweepContext(market.Candle{Open: 100, High: 102, Low: 99.9, Close: 101.9})

	if card := testFakeBreakout().Generate(ctx); card != nil {
		t.Fatalf("expected nil for a clean break, got %+v", card)
	}
}

func TestFakeBreakoutRequiresFreshBar(t *testing.T) {
	ctx := sweepContext(market.Candle{Open: 100, High: 102, Low: 99.8, Close: 100.5})
	stale := ctx.Timestamp.Add(-120 * time.Second)
	ctx.LastKlineCloseTS = &stale

	if card := testFakeBreakout().Generate(ctx); card != nil {
		t.Fatalf("expected nil for a stale bar, got %+v", card)
	}

	ctx.LastKlineCloseTS = nil
	if card := testFakeBreakout().Generate(ctx); card != nil {
		t.Fatalf("expected nil without a close timestamp, got %+v", card)
	}
}

func TestFakeBreakoutRequiresVolatilityFloor(t *testing.T) {
	ctx := sweepContext(market.Candle{Open: 100, High: 102, Low: 99.8, Close: 100.5})
	ctx.ATR15m = 0.05

	if card := testFakeBreakout().Generate(ctx); card != nil {
		t.Fatalf("expected nil below the ATR floor, got %+v", card)
	}
}

func TestFakeBreakoutRequiresHistory(t *testing.T) {
	ctx := sweepContext(market.Candle{Open: 100, High: 102, Low: 99.8, Close: 100.5})
	ctx.Klines1m = ctx.Klines1m[1:]

	if card := testFakeBreakout().Generate(ctx); card != nil {
		t.Fatalf("expected nil with fewer than 21 bars, got %+v", card)
	}
}
