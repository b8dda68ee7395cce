package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeTelegramAPI records every bot call and serves canned responses.
type fakeTelegramAPI struct {
	mu         sync.Mutex
	sends      []map[string]any
	answers    []map[string]any
	getUpdates []map[string]any

	sendStatus      int
	updatesResponse string
}

func (f *fakeTelegramAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body on %s: %v", r.URL.Path, err)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			f.sends = append(f.sends, body)
			if f.sendStatus != 0 {
				w.WriteHeader(f.sendStatus)
				fmt.Fprint(w, `{"ok":false}`)
				return
			}
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":42}}`)
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			f.getUpdates = append(f.getUpdates, body)
			resp := f.updatesResponse
			if resp == "" {
				resp = `{"ok":true,"result":[]}`
			}
			fmt.Fprint(w, resp)
		case strings.HasSuffix(r.URL.Path, "/answerCallbackQuery"):
			f.answers = append(f.answers, body)
			fmt.Fprint(w, `{"ok":true}`)
		default:
			t.Errorf("unexpected telegram call: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newFakeTelegram(t *testing.T) (*Telegram, *fakeTelegramAPI) {
	t.Helper()
	api := &fakeTelegramAPI{}
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	tg := NewTelegram("TOKEN", "chat42", Formatter{}, zerolog.Nop())
	tg.baseURL = server.URL
	return tg, api
}

func TestSendCardDisabled(t *testing.T) {
	tg := NewTelegram("", "", Formatter{}, zerolog.Nop())
	res := tg.SendCard(context.Background(), testPayload())
	if !res.OK || res.HTTPStatus != nil || res.MessageID != nil || res.LatencyMS != 0 {
		t.Fatalf("disabled result = %+v, want immediate OK", res)
	}
}

func TestSendCardDeliversFormattedMessage(t *testing.T) {
	tg, api := newFakeTelegram(t)

	res := tg.SendCard(context.Background(), testPayload())
	if !res.OK {
		t.Fatalf("result = %+v, want OK", res)
	}
	if res.HTTPStatus == nil || *res.HTTPStatus != http.StatusOK {
		t.Fatalf("http status = %v, want 200", res.HTTPStatus)
	}
	if res.MessageID == nil || *res.MessageID != 42 {
		t.Fatalf("message id = %v, want 42", res.MessageID)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(api.sends))
	}
	sent := api.sends[0]
	if sent["chat_id"] != "chat42" || sent["parse_mode"] != "HTML" {
		t.Fatalf("send request = %+v", sent)
	}
	text, _ := sent["text"].(string)
	if !strings.Contains(text, "BTCUSDT") || !strings.Contains(text, "Entry") {
		t.Fatalf("text = %q", text)
	}
	if _, ok := sent["reply_markup"].(map[string]any); !ok {
		t.Fatalf("reply_markup missing: %+v", sent)
	}
}

func TestSendCardSurfacesHTTPFailure(t *testing.T) {
	tg, api := newFakeTelegram(t)
	api.sendStatus = http.StatusTooManyRequests

	res := tg.SendCard(context.Background(), testPayload())
	if res.OK {
		t.Fatalf("result = %+v, want failure", res)
	}
	if res.HTTPStatus == nil || *res.HTTPStatus != http.StatusTooManyRequests {
		t.Fatalf("http status = %v, want 429", res.HTTPStatus)
	}
}

func TestSendCardTransportFailure(t *testing.T) {
	api := &fakeTelegramAPI{}
	server := httptest.NewServer(api.handler(t))
	tg := NewTelegram("TOKEN", "chat42", Formatter{}, zerolog.Nop())
	tg.baseURL = server.URL
	server.Close()

	res := tg.SendCard(context.Background(), testPayload())
	if res.OK || res.HTTPStatus != nil {
		t.Fatalf("result = %+v, want transport failure with nil status", res)
	}
}

func TestPollUpdatesAnswersKnownCallback(t *testing.T) {
	tg, api := newFakeTelegram(t)

	// Deliver a card first so the trace id is resolvable.
	if res := tg.SendCard(context.Background(), testPayload()); !res.OK {
		t.Fatalf("send failed: %+v", res)
	}

	api.mu.Lock()
	api.updatesResponse = `{"ok":true,"result":[{"update_id":7,"callback_query":{"id":"cb1","data":"copy_levels:BTCUSDT:trace123"}}]}`
	api.mu.Unlock()

	if err := tg.PollUpdatesOnce(context.Background()); err != nil {
		t.Fatalf("PollUpdatesOnce: %v", err)
	}

	api.mu.Lock()
	if len(api.answers) != 1 {
		t.Fatalf("answers = %d, want 1", len(api.answers))
	}
	if api.answers[0]["callback_query_id"] != "cb1" {
		t.Fatalf("answer = %+v", api.answers[0])
	}
	// Card send plus the copy-levels reply.
	if len(api.sends) != 2 {
		t.Fatalf("sends = %d, want 2", len(api.sends))
	}
	reply, _ := api.sends[1]["text"].(string)
	if !strings.Contains(reply, "<code>BTCUSDT LONG") || !strings.Contains(reply, "ENTRY") {
		t.Fatalf("reply = %q", reply)
	}
	api.updatesResponse = ""
	api.mu.Unlock()

	// The next poll must acknowledge past update 7.
	if err := tg.PollUpdatesOnce(context.Background()); err != nil {
		t.Fatalf("PollUpdatesOnce: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	last := api.getUpdates[len(api.getUpdates)-1]
	if offset, _ := last["offset"].(float64); offset != 8 {
		t.Fatalf("offset = %v, want 8", last["offset"])
	}
}

func TestPollUpdatesExpiredCard(t *testing.T) {
	tg, api := newFakeTelegram(t)
	api.mu.Lock()
	api.updatesResponse = `{"ok":true,"result":[{"update_id":3,"callback_query":{"id":"cb9","data":"detail:BTCUSDT:unknown"}}]}`
	api.mu.Unlock()

	if err := tg.PollUpdatesOnce(context.Background()); err != nil {
		t.Fatalf("PollUpdatesOnce: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.answers) != 1 || api.answers[0]["text"] != "Card expired" {
		t.Fatalf("answers = %+v, want expired notice", api.answers)
	}
	if len(api.sends) != 0 {
		t.Fatalf("sends = %d, want none for an expired card", len(api.sends))
	}
}

func TestPollUpdatesDisabled(t *testing.T) {
	tg := NewTelegram("", "", Formatter{}, zerolog.Nop())
	if err := tg.PollUpdatesOnce(context.Background()); err != nil {
		t.Fatalf("disabled poll returned error: %v", err)
	}
}
