package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"binance-signal-engine/internal/signal"
)

// Postback POSTs the card payload JSON to a configured webhook. An empty
// URL disables it; sends then succeed immediately.
type Postback struct {
	url     string
	enabled bool
	client  *http.Client
	log     zerolog.Logger
}

func NewPostback(url string, log zerolog.Logger) *Postback {
	return &Postback{
		url:     url,
		enabled: url != "",
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

func (p *Postback) Enabled() bool { return p.enabled }

// Send delivers the payload. Any 2xx response counts as delivered;
// transport errors come back as a failed result rather than an error so
// the caller's pipeline accounting stays uniform.
func (p *Postback) Send(ctx context.Context, payload signal.CardPayload) Result {
	if !p.enabled {
		return Result{OK: true}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Msg("postback payload encoding failed")
		return Result{OK: false}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		p.log.Warn().Err(err).Msg("postback request build failed")
		return Result{OK: false, LatencyMS: time.Since(start).Milliseconds()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		p.log.Warn().Err(err).Msg("postback send failed")
		return Result{OK: false, LatencyMS: latency}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	status := resp.StatusCode
	ok := status >= 200 && status < 300
	return Result{OK: ok, HTTPStatus: &status, LatencyMS: latency}
}
