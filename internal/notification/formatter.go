// Package notification renders proposal cards for humans and delivers
// them: a Telegram sink with an inline keyboard and callback handling, a
// postback webhook, and an optional Redis channel mirror.
package notification

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"binance-signal-engine/internal/signal"
)

const defaultPriceDecimals = 2

var numberPrinter = message.NewPrinter(language.English)

// Formatter renders card payloads as Telegram HTML. Price decimals come
// from the per-symbol precision table, else are derived from the symbol's
// tick size, else default to 2.
type Formatter struct {
	PricePrecision map[string]int
	TickSize       map[string]float64
}

// PriceDecimals resolves how many decimals to print for the symbol.
func (f Formatter) PriceDecimals(symbol string) int {
	if precision, ok := f.PricePrecision[symbol]; ok && precision >= 0 {
		return precision
	}
	if tick, ok := f.TickSize[symbol]; ok && tick > 0 {
		return decimalsFromTickSize(tick)
	}
	return defaultPriceDecimals
}

func decimalsFromTickSize(tick float64) int {
	text := strings.TrimRight(strconv.FormatFloat(tick, 'f', 16, 64), "0")
	if i := strings.IndexByte(text, '.'); i >= 0 {
		return len(text) - i - 1
	}
	return 0
}

// formatNumber prints with thousands separators and a fixed number of
// decimals.
func formatNumber(value float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	return numberPrinter.Sprintf(fmt.Sprintf("%%.%df", decimals), value)
}

// formatPercent clamps to 0..100 and drops the fraction when it is whole.
func formatPercent(value float64) string {
	clamped := max(0, min(100, value))
	whole := float64(int(clamped))
	if diff := clamped - whole; diff < 1e-9 && diff > -1e-9 {
		return fmt.Sprintf("%d%%", int(clamped))
	}
	return fmt.Sprintf("%.2f%%", clamped)
}

// IsTestPayload reports whether the card came from a dry-run emit. High
// priority alone marks a payload as test so foreign producers tagging with
// priority >= 9000 render the same way.
func IsTestPayload(p signal.CardPayload) bool {
	strategy := strings.ToLower(p.Strategy)
	return strings.Contains(strategy, "test") || strings.Contains(strategy, "dryrun") || p.Priority >= 9000
}

func sideLabel(side string) (string, string) {
	switch strings.ToUpper(side) {
	case signal.SideLong:
		return "🟢", "Long signal"
	case signal.SideShort:
		return "🔴", "Short signal"
	default:
		return "⚪", "Trade signal"
	}
}

// TradingViewURL links the symbol's TradingView page.
func TradingViewURL(symbol, exchange string) string {
	return fmt.Sprintf("https://www.tradingview.com/symbols/%s/?exchange=%s",
		strings.ToUpper(symbol), strings.ToUpper(exchange))
}

// Callback actions the inline keyboard can emit.
const (
	ActionCopyLevels = "copy_levels"
	ActionDetail     = "detail"
)

// ParseCallbackData splits "action:SYMBOL:trace_id" callback data. It
// reports false for unknown actions or malformed data.
func ParseCallbackData(data string) (action, symbol, traceID string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	action, symbol, traceID = parts[0], strings.ToUpper(parts[1]), parts[2]
	if action != ActionCopyLevels && action != ActionDetail {
		return "", "", "", false
	}
	return action, symbol, traceID, true
}

// InlineKeyboardButton is one Telegram inline keyboard button.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// InlineKeyboardMarkup is the reply_markup shape Telegram expects.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// Telegram rejects callback data over 64 bytes.
const maxCallbackDataBytes = 64

func truncateCallbackData(data string) string {
	if len(data) > maxCallbackDataBytes {
		return data[:maxCallbackDataBytes]
	}
	return data
}

// BuildSignalKeyboard builds the TradingView link plus the copy-levels and
// detail callback buttons for a card.
func BuildSignalKeyboard(p signal.CardPayload) InlineKeyboardMarkup {
	symbol := strings.ToUpper(p.Symbol)
	if symbol == "" {
		symbol = "NA"
	}
	traceID := p.TraceID
	if traceID == "" {
		traceID = "na"
	}
	return InlineKeyboardMarkup{
		InlineKeyboard: [][]InlineKeyboardButton{
			{
				{Text: "📈 TradingView", URL: TradingViewURL(symbol, "BINANCE")},
				{Text: "📋 Copy levels", CallbackData: truncateCallbackData(ActionCopyLevels + ":" + symbol + ":" + traceID)},
			},
			{
				{Text: "🧾 Details", CallbackData: truncateCallbackData(ActionDetail + ":" + symbol + ":" + traceID)},
			},
		},
	}
}

const maxRationaleRunes = 160

// SignalMessage renders the card as Telegram HTML. The second return value
// is the parse mode to send with it.
func (f Formatter) SignalMessage(p signal.CardPayload) (string, string) {
	symbol := html.EscapeString(strings.ToUpper(p.Symbol))
	emoji, sideText := sideLabel(p.Side)
	testSuffix := ""
	if IsTestPayload(p) {
		testSuffix = " (TEST)"
	}

	decimals := f.PriceDecimals(p.Symbol)
	entry := formatNumber(p.Entry, decimals)
	stop := formatNumber(p.Stop, decimals)

	leverageText := "na"
	if p.LeverageSuggest > 0 {
		leverageText = fmt.Sprintf("%dx", p.LeverageSuggest)
	}
	ttlText := "na"
	if p.TTLMinutes > 0 {
		ttlText = fmt.Sprintf("%d min", p.TTLMinutes)
	}

	rationale := strings.TrimSpace(p.Rationale)
	if rationale == "" {
		rationale = "na"
	}
	if runes := []rune(rationale); len(runes) > maxRationaleRunes {
		rationale = string(runes[:maxRationaleRunes]) + "…"
	}
	rationale = html.EscapeString(rationale)

	lines := []string{
		fmt.Sprintf("<b>%s %s %s%s</b>", emoji, symbol, sideText, testSuffix),
		fmt.Sprintf("📍 <b>Entry:</b> %s", entry),
		fmt.Sprintf("🛑 <b>Stop:</b> %s", stop),
		fmt.Sprintf("⚡ <b>Leverage:</b> %s", leverageText),
		"",
		fmt.Sprintf("💰 <b>Position:</b> %s USDT", formatNumber(p.PositionUSDT, 2)),
		fmt.Sprintf("🎯 <b>Max risk:</b> %s USDT", formatNumber(p.MaxRiskUSDT, 2)),
		fmt.Sprintf("⏳ <b>Valid:</b> %s", ttlText),
		fmt.Sprintf("📊 <b>Confidence:</b> %s", formatPercent(p.Confidence)),
		"",
		"🧠 <b>Rationale:</b>",
		rationale,
		"",
		"──────────────",
	}
	if IsTestPayload(p) {
		lines = append(lines, "#TEST #DRYRUN")
	}
	return strings.Join(lines, "\n"), "HTML"
}

// CopyLevelsMessage renders the entry and stop as a copyable block.
func (f Formatter) CopyLevelsMessage(p signal.CardPayload) string {
	decimals := f.PriceDecimals(p.Symbol)
	return fmt.Sprintf("<code>%s %s\nENTRY %s\nSTOP %s</code>",
		html.EscapeString(strings.ToUpper(p.Symbol)),
		html.EscapeString(strings.ToUpper(p.Side)),
		formatNumber(p.Entry, decimals),
		formatNumber(p.Stop, decimals))
}

// DetailMessage renders every card field for the detail callback.
func (f Formatter) DetailMessage(p signal.CardPayload) string {
	decimals := f.PriceDecimals(p.Symbol)
	orNA := func(s string) string {
		if s == "" {
			return "na"
		}
		return html.EscapeString(s)
	}
	lines := []string{
		"<b>🧾 Details</b>",
		fmt.Sprintf("strategy: %s", orNA(p.Strategy)),
		fmt.Sprintf("side: %s", orNA(p.Side)),
		fmt.Sprintf("entry: %s", formatNumber(p.Entry, decimals)),
		fmt.Sprintf("stop: %s", formatNumber(p.Stop, decimals)),
		fmt.Sprintf("leverage: %d", p.LeverageSuggest),
		fmt.Sprintf("position: %s", formatNumber(p.PositionUSDT, 2)),
		fmt.Sprintf("risk: %s", formatNumber(p.MaxRiskUSDT, 2)),
		fmt.Sprintf("ttl: %d", p.TTLMinutes),
		fmt.Sprintf("confidence: %s", formatPercent(p.Confidence)),
		fmt.Sprintf("oi_status: %s", orNA(p.OIStatus)),
	}
	return strings.Join(lines, "\n")
}
