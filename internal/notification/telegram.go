package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-signal-engine/internal/signal"
)

const (
	telegramAPIBaseURL = "https://api.telegram.org"

	// How many delivered cards stay resolvable for keyboard callbacks.
	recentCardLimit = 256
)

// Result is the outcome of one delivery attempt. HTTPStatus is nil when no
// HTTP exchange completed; MessageID is only set by sinks that get one
// back.
type Result struct {
	OK         bool
	HTTPStatus *int
	MessageID  *int64
	LatencyMS  int64
}

// Telegram delivers cards to a chat and answers the inline keyboard
// callbacks. With no token or chat id it runs disabled: sends succeed
// immediately and the card is logged instead.
type Telegram struct {
	botToken  string
	chatID    string
	baseURL   string
	enabled   bool
	client    *http.Client
	formatter Formatter
	log       zerolog.Logger

	mu          sync.Mutex
	offset      int64
	recent      map[string]signal.CardPayload
	recentOrder []string
}

func NewTelegram(botToken, chatID string, formatter Formatter, log zerolog.Logger) *Telegram {
	return &Telegram{
		botToken:  botToken,
		chatID:    chatID,
		baseURL:   telegramAPIBaseURL,
		enabled:   botToken != "" && chatID != "",
		client:    &http.Client{Timeout: 10 * time.Second},
		formatter: formatter,
		log:       log,
		recent:    map[string]signal.CardPayload{},
	}
}

func (t *Telegram) Enabled() bool { return t.enabled }

// SendCard renders the payload and posts it with the inline keyboard.
// Delivered cards are remembered by trace id so callbacks can resolve
// them later.
func (t *Telegram) SendCard(ctx context.Context, payload signal.CardPayload) Result {
	text, parseMode := t.formatter.SignalMessage(payload)
	if !t.enabled {
		raw, _ := json.Marshal(payload)
		t.log.Info().RawJSON("card", raw).Msg("telegram not configured, card output")
		return Result{OK: true}
	}

	body := map[string]any{
		"chat_id":      t.chatID,
		"text":         text,
		"parse_mode":   parseMode,
		"reply_markup": BuildSignalKeyboard(payload),
	}
	start := time.Now()
	status, respBody, err := t.post(ctx, "sendMessage", body)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		t.log.Warn().Err(err).Str("symbol", payload.Symbol).Msg("telegram send failed")
		return Result{OK: false, LatencyMS: latency}
	}
	if status < 200 || status >= 300 {
		return Result{OK: false, HTTPStatus: &status, LatencyMS: latency}
	}

	var decoded struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil || !decoded.OK {
		return Result{OK: false, HTTPStatus: &status, LatencyMS: latency}
	}

	t.remember(payload)
	messageID := decoded.Result.MessageID
	return Result{OK: true, HTTPStatus: &status, MessageID: &messageID, LatencyMS: latency}
}

// PollUpdatesOnce drains pending updates without blocking and answers any
// keyboard callbacks among them.
func (t *Telegram) PollUpdatesOnce(ctx context.Context) error {
	if !t.enabled {
		return nil
	}

	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	req := map[string]any{"timeout": 0}
	if offset != 0 {
		req["offset"] = offset
	}
	status, body, err := t.post(ctx, "getUpdates", req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("telegram getUpdates status %d", status)
	}

	var decoded struct {
		OK     bool `json:"ok"`
		Result []struct {
			UpdateID      int64 `json:"update_id"`
			CallbackQuery *struct {
				ID   string `json:"id"`
				Data string `json:"data"`
			} `json:"callback_query"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("error decoding telegram updates: %w", err)
	}
	if !decoded.OK {
		return errors.New("telegram getUpdates returned ok=false")
	}

	for _, update := range decoded.Result {
		t.mu.Lock()
		if next := update.UpdateID + 1; next > t.offset {
			t.offset = next
		}
		t.mu.Unlock()

		if update.CallbackQuery != nil {
			t.handleCallback(ctx, update.CallbackQuery.ID, update.CallbackQuery.Data)
		}
	}
	return nil
}

func (t *Telegram) handleCallback(ctx context.Context, callbackID, data string) {
	action, symbol, traceID, ok := ParseCallbackData(data)
	if !ok {
		t.answerCallback(ctx, callbackID, "")
		return
	}

	payload, found := t.lookup(traceID)
	if !found {
		t.log.Info().
			Str("symbol", symbol).
			Str("trace_id", traceID).
			Msg("callback for expired card")
		t.answerCallback(ctx, callbackID, "Card expired")
		return
	}
	t.answerCallback(ctx, callbackID, "")

	var text string
	switch action {
	case ActionCopyLevels:
		text = t.formatter.CopyLevelsMessage(payload)
	case ActionDetail:
		text = t.formatter.DetailMessage(payload)
	}
	reply := map[string]any{"chat_id": t.chatID, "text": text, "parse_mode": "HTML"}
	if _, _, err := t.post(ctx, "sendMessage", reply); err != nil {
		t.log.Warn().Err(err).Str("action", action).Msg("telegram callback reply failed")
	}
}

func (t *Telegram) answerCallback(ctx context.Context, callbackID, text string) {
	body := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		body["text"] = text
	}
	if _, _, err := t.post(ctx, "answerCallbackQuery", body); err != nil {
		t.log.Warn().Err(err).Msg("telegram answer callback failed")
	}
}

func (t *Telegram) remember(payload signal.CardPayload) {
	if payload.TraceID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.recent[payload.TraceID]; !exists {
		t.recentOrder = append(t.recentOrder, payload.TraceID)
		if len(t.recentOrder) > recentCardLimit {
			delete(t.recent, t.recentOrder[0])
			t.recentOrder = t.recentOrder[1:]
		}
	}
	t.recent[payload.TraceID] = payload
}

func (t *Telegram) lookup(traceID string) (signal.CardPayload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	payload, ok := t.recent[traceID]
	return payload, ok
}

func (t *Telegram) post(ctx context.Context, method string, body any) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("error encoding telegram request: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("error building telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("error calling telegram %s: %w", method, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("error reading telegram response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
