package notification

import (
	"strings"
	"testing"

	"binance-signal-engine/internal/signal"
)

func testPayload() signal.CardPayload {
	return signal.CardPayload{
		ProposalCard: signal.ProposalCard{
			Symbol:          "BTCUSDT",
			Strategy:        "vol_breakout_card",
			Side:            "LONG",
			Entry:           50120.5,
			Stop:            49883.2,
			LeverageSuggest: 20,
			PositionUSDT:    1666.67,
			MaxRiskUSDT:     20,
			TTLMinutes:      30,
			Rationale:       "triggered: return_5m=6.0000% (th=2.00%), atr_15m=120.0000 vs baseline=80.0000",
			CreatedAt:       "2024-05-01T12:00:00Z",
			Priority:        40,
			Confidence:      87.5,
			OIStatus:        "fresh",
		},
		TraceID: "trace123",
	}
}

func TestPriceDecimals(t *testing.T) {
	f := Formatter{
		PricePrecision: map[string]int{"BTCUSDT": 1, "XRPUSDT": 0},
		TickSize:       map[string]float64{"ETHUSDT": 0.001, "SOLUSDT": 0.5},
	}
	cases := []struct {
		symbol string
		want   int
	}{
		{"BTCUSDT", 1},
		{"XRPUSDT", 0},
		{"ETHUSDT", 3},
		{"SOLUSDT", 1},
		{"DOGEUSDT", 2},
	}
	for _, tc := range cases {
		if got := f.PriceDecimals(tc.symbol); got != tc.want {
			t.Errorf("PriceDecimals(%s) = %d, want %d", tc.symbol, got, tc.want)
		}
	}
}

func TestFormatNumberSeparators(t *testing.T) {
	if got := formatNumber(50123.456, 2); got != "50,123.46" {
		t.Fatalf("formatNumber = %q, want 50,123.46", got)
	}
	if got := formatNumber(999.4, 0); got != "999" {
		t.Fatalf("formatNumber = %q, want 999", got)
	}
}

func TestFormatPercent(t *testing.T) {
	cases := []struct {
		value float64
		want  string
	}{
		{87.5, "87.50%"},
		{42, "42%"},
		{150, "100%"},
		{-5, "0%"},
	}
	for _, tc := range cases {
		if got := formatPercent(tc.value); got != tc.want {
			t.Errorf("formatPercent(%v) = %q, want %q", tc.value, got, tc.want)
		}
	}
}

func TestIsTestPayload(t *testing.T) {
	p := testPayload()
	if IsTestPayload(p) {
		t.Fatal("normal card flagged as test")
	}
	p.Strategy = "test_emit_dryrun"
	if !IsTestPayload(p) {
		t.Fatal("dry-run strategy not flagged")
	}
	p = testPayload()
	p.Priority = 10000
	if !IsTestPayload(p) {
		t.Fatal("priority 10000 not flagged")
	}
}

func TestSignalMessageStructure(t *testing.T) {
	text, mode := Formatter{}.SignalMessage(testPayload())
	if mode != "HTML" {
		t.Fatalf("parse mode = %q, want HTML", mode)
	}
	for _, want := range []string{
		"<b>🟢 BTCUSDT Long signal</b>",
		"📍 <b>Entry:</b> 50,120.50",
		"🛑 <b>Stop:</b> 49,883.20",
		"⚡ <b>Leverage:</b> 20x",
		"💰 <b>Position:</b> 1,666.67 USDT",
		"⏳ <b>Valid:</b> 30 min",
		"📊 <b>Confidence:</b> 87.50%",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "#TEST") {
		t.Fatal("normal card carries test hashtags")
	}
}

func TestSignalMessageTestMarkers(t *testing.T) {
	p := testPayload()
	p.Strategy = "test_emit_dryrun"
	p.Priority = 10000
	text, _ := Formatter{}.SignalMessage(p)
	if !strings.Contains(text, "(TEST)") || !strings.Contains(text, "#TEST #DRYRUN") {
		t.Fatalf("test card missing markers:\n%s", text)
	}
}

func TestSignalMessageShortSide(t *testing.T) {
	p := testPayload()
	p.Side = "SHORT"
	text, _ := Formatter{}.SignalMessage(p)
	if !strings.Contains(text, "<b>🔴 BTCUSDT Short signal</b>") {
		t.Fatalf("short header missing:\n%s", text)
	}
}

func TestSignalMessageEscapesAndTruncatesRationale(t *testing.T) {
	p := testPayload()
	p.Rationale = strings.Repeat("a", 170) + " <b>bold</b>"
	text, _ := Formatter{}.SignalMessage(p)
	if strings.Contains(text, "<b>bold</b>") {
		t.Fatal("rationale HTML not escaped")
	}
	if !strings.Contains(text, strings.Repeat("a", 160)+"…") {
		t.Fatal("rationale not truncated at 160 runes")
	}
}

func TestBuildSignalKeyboard(t *testing.T) {
	kb := BuildSignalKeyboard(testPayload())
	if len(kb.InlineKeyboard) != 2 || len(kb.InlineKeyboard[0]) != 2 || len(kb.InlineKeyboard[1]) != 1 {
		t.Fatalf("keyboard shape = %+v", kb)
	}
	if got := kb.InlineKeyboard[0][0].URL; got != "https://www.tradingview.com/symbols/BTCUSDT/?exchange=BINANCE" {
		t.Fatalf("tradingview url = %q", got)
	}
	if got := kb.InlineKeyboard[0][1].CallbackData; got != "copy_levels:BTCUSDT:trace123" {
		t.Fatalf("copy callback = %q", got)
	}
	if got := kb.InlineKeyboard[1][0].CallbackData; got != "detail:BTCUSDT:trace123" {
		t.Fatalf("detail callback = %q", got)
	}
}

func TestKeyboardCallbackDataCapped(t *testing.T) {
	p := testPayload()
	p.TraceID = strings.Repeat("f", 100)
	kb := BuildSignalKeyboard(p)
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			if len(btn.CallbackData) > 64 {
				t.Fatalf("callback data %d bytes: %q", len(btn.CallbackData), btn.CallbackData)
			}
		}
	}
}

func TestParseCallbackData(t *testing.T) {
	action, symbol, trace, ok := ParseCallbackData("copy_levels:btcusdt:abc:def")
	if !ok || action != ActionCopyLevels || symbol != "BTCUSDT" || trace != "abc:def" {
		t.Fatalf("parsed = %q %q %q %v", action, symbol, trace, ok)
	}
	if _, _, _, ok := ParseCallbackData("detail:ETHUSDT:xyz"); !ok {
		t.Fatal("detail callback rejected")
	}
	if _, _, _, ok := ParseCallbackData("place_order:BTCUSDT:xyz"); ok {
		t.Fatal("unknown action accepted")
	}
	if _, _, _, ok := ParseCallbackData("copy_levels:BTCUSDT"); ok {
		t.Fatal("two-part data accepted")
	}
}

func TestCopyLevelsAndDetailMessages(t *testing.T) {
	f := Formatter{}
	p := testPayload()

	levels := f.CopyLevelsMessage(p)
	for _, want := range []string{"<code>BTCUSDT LONG", "ENTRY 50,120.50", "STOP 49,883.20"} {
		if !strings.Contains(levels, want) {
			t.Errorf("copy levels missing %q:\n%s", want, levels)
		}
	}

	detail := f.DetailMessage(p)
	for _, want := range []string{"strategy: vol_breakout_card", "oi_status: fresh", "confidence: 87.50%"} {
		if !strings.Contains(detail, want) {
			t.Errorf("detail missing %q:\n%s", want, detail)
		}
	}
}
